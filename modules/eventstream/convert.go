package eventstream

import (
	"fmt"
	"math/big"

	"github.com/zclconf/go-cty/cty"
)

// extraFields turns the extra attribute into payload fields. Whole numbers
// become int64, other numbers float64.
func extraFields(val cty.Value) (map[string]any, error) {
	if val.IsNull() {
		return nil, nil
	}
	ty := val.Type()
	if !ty.IsObjectType() && !ty.IsMapType() {
		return nil, fmt.Errorf("extra must be an object, got %s", ty.FriendlyName())
	}
	if !val.IsWhollyKnown() {
		return nil, fmt.Errorf("extra must be known at load time")
	}
	out := make(map[string]any, val.LengthInt())
	for k, v := range val.AsValueMap() {
		out[k] = plainValue(v)
	}
	return out, nil
}

func plainValue(v cty.Value) any {
	if v.IsNull() {
		return nil
	}
	ty := v.Type()
	switch {
	case ty == cty.String:
		return v.AsString()
	case ty == cty.Bool:
		return v.True()
	case ty == cty.Number:
		bf := v.AsBigFloat()
		if i, acc := bf.Int64(); acc == big.Exact {
			return i
		}
		f, _ := bf.Float64()
		return f
	case ty.IsObjectType() || ty.IsMapType():
		m := make(map[string]any, v.LengthInt())
		for k, e := range v.AsValueMap() {
			m[k] = plainValue(e)
		}
		return m
	case ty.IsCollectionType() || ty.IsTupleType():
		items := make([]any, 0, v.LengthInt())
		for _, e := range v.AsValueSlice() {
			items = append(items, plainValue(e))
		}
		return items
	}
	return nil
}
