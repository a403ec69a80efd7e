package sandbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/dop251/goja"
	"github.com/spf13/afero"
)

const (
	wrapperHead = "(function (exports, require, module, __filename, __dirname) { "
	wrapperTail = "\n})"
)

// module is one evaluated unit inside a Context.
type module struct {
	filename string
	obj      *goja.Object
	parent   *module
}

func (c *Context) newModule(filename string, parent *module) *module {
	obj := c.vm.NewObject()
	_ = obj.Set("id", filename)
	_ = obj.Set("filename", filename)
	_ = obj.Set("exports", c.vm.NewObject())
	_ = obj.Set("loaded", false)
	if parent != nil {
		_ = obj.Set("parent", parent.obj)
	}
	return &module{filename: filename, obj: obj, parent: parent}
}

func (m *module) exports() goja.Value { return m.obj.Get("exports") }

func (m *module) markLoaded() { _ = m.obj.Set("loaded", true) }

func (m *module) dir() string {
	if m == nil {
		return "."
	}
	return filepath.Dir(m.filename)
}

// require loads request on behalf of parent and returns its exports. A module
// already present in the Context, including one still loading, is returned
// as-is. Callers hold c.mu.
func (c *Context) require(parent *module, request string) (goja.Value, error) {
	filename, err := c.sb.resolve(request, parent.dir())
	if err != nil {
		return nil, err
	}
	if m, ok := c.modules[filename]; ok {
		return m.exports(), nil
	}

	m := c.newModule(filename, parent)
	c.modules[filename] = m
	if err := c.loadFile(m); err != nil {
		delete(c.modules, filename)
		return nil, err
	}
	m.markLoaded()
	return m.exports(), nil
}

func (c *Context) loadFile(m *module) error {
	src, err := afero.ReadFile(c.sb.fs, m.filename)
	if err != nil {
		return fmt.Errorf("sandbox: failed to read %s: %w", m.filename, err)
	}
	if filepath.Ext(m.filename) == ".json" {
		var v any
		if err := json.Unmarshal(src, &v); err != nil {
			return fmt.Errorf("sandbox: failed to parse %s: %w", m.filename, err)
		}
		return m.obj.Set("exports", c.vm.ToValue(v))
	}
	return c.compile(m, string(src))
}

// compile evaluates source as the body of a CommonJS module wrapper.
func (c *Context) compile(m *module, source string) error {
	prog, err := goja.Compile(m.filename, wrapperHead+source+wrapperTail, false)
	if err != nil {
		return convertError(err)
	}
	wrapper, err := c.vm.RunProgram(prog)
	if err != nil {
		return convertError(err)
	}
	fn, ok := goja.AssertFunction(wrapper)
	if !ok {
		return fmt.Errorf("sandbox: module wrapper for %s is not a function", m.filename)
	}

	exports := m.exports()
	_, err = fn(exports,
		exports,
		c.requireFunc(m),
		m.obj,
		c.vm.ToValue(m.filename),
		c.vm.ToValue(filepath.Dir(m.filename)),
	)
	if err != nil {
		return convertError(err)
	}
	return nil
}

// requireFunc builds the require function handed to m. It closes over m and
// its Context; there is no free global resolver.
func (c *Context) requireFunc(m *module) goja.Value {
	vm := c.vm
	req := vm.ToValue(func(call goja.FunctionCall) goja.Value {
		arg := call.Argument(0)
		if _, ok := arg.Export().(string); !ok {
			panic(vm.NewTypeError("path must be a string"))
		}
		v, err := c.require(m, arg.String())
		if err != nil {
			c.throw(err)
		}
		return v
	}).(*goja.Object)

	_ = req.Set("resolve", func(call goja.FunctionCall) goja.Value {
		filename, err := c.sb.resolve(call.Argument(0).String(), m.dir())
		if err != nil {
			c.throw(err)
		}
		return vm.ToValue(filename)
	})
	return req
}

// throw raises err inside the runtime. Exceptions coming from a nested module
// are rethrown unchanged.
func (c *Context) throw(err error) {
	var se *ScriptError
	if errors.As(err, &se) && se.thrown != nil {
		panic(se.thrown)
	}
	obj := c.vm.NewGoError(err)
	var nf *ModuleNotFoundError
	if errors.As(err, &nf) {
		_ = obj.Set("code", "MODULE_NOT_FOUND")
	}
	panic(obj)
}
