package config

import (
	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"
)

// envFunc reads an environment variable, yielding "" when it is unset.
func envFunc(lookup func(string) (string, bool)) function.Function {
	return function.New(&function.Spec{
		Params: []function.Parameter{
			{Name: "name", Type: cty.String},
		},
		Type: function.StaticReturnType(cty.String),
		Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
			v, _ := lookup(args[0].AsString())
			return cty.StringVal(v), nil
		},
	})
}

func newEvalContext(cores int, lookup func(string) (string, bool)) *hcl.EvalContext {
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"cores": cty.NumberIntVal(int64(cores)),
		},
		Functions: map[string]function.Function{
			"max":      stdlib.MaxFunc,
			"min":      stdlib.MinFunc,
			"floor":    stdlib.FloorFunc,
			"ceil":     stdlib.CeilFunc,
			"tonumber": stdlib.MakeToFunc(cty.Number),
			"env":      envFunc(lookup),
		},
	}
}
