package sandbox

import (
	"context"

	"github.com/dop251/goja"
)

// Export is the value a unit assigned to module.exports, together with the
// Context it lives in.
type Export struct {
	name  string
	ctx   *Context
	value goja.Value
}

// Result is the outcome of calling an exported function, converted while the
// Context is still locked.
type Result struct {
	// Truthy reports whether the returned value is truthy in JS terms.
	Truthy bool
	// Text is the JS string conversion of the value.
	Text string
	// Value is the value exported to Go.
	Value any
}

// Name returns the unit name the export was produced from.
func (e *Export) Name() string { return e.name }

// Callable reports whether the exported value is a function.
func (e *Export) Callable() bool {
	_, ok := goja.AssertFunction(e.value)
	return ok
}

// Value exports the value to Go.
func (e *Export) Value() any {
	e.ctx.mu.Lock()
	defer e.ctx.mu.Unlock()
	return e.value.Export()
}

// Get exports the named property of an exported object.
func (e *Export) Get(prop string) (any, bool) {
	e.ctx.mu.Lock()
	defer e.ctx.mu.Unlock()
	obj, ok := e.value.(*goja.Object)
	if !ok {
		return nil, false
	}
	v := obj.Get(prop)
	if v == nil {
		return nil, false
	}
	return v.Export(), true
}

// Member returns the named property of an exported object as an Export
// sharing the same Context. Bundles that export { default: fn } are rendered
// through their default member.
func (e *Export) Member(prop string) (*Export, bool) {
	e.ctx.mu.Lock()
	defer e.ctx.mu.Unlock()
	obj, ok := e.value.(*goja.Object)
	if !ok {
		return nil, false
	}
	v := obj.Get(prop)
	if v == nil || goja.IsUndefined(v) {
		return nil, false
	}
	return &Export{name: e.name, ctx: e.ctx, value: v}, true
}

// Call invokes the exported function with args converted to JS values.
// Cancelling ctx interrupts the running script. Timers queued by the call
// are drained before it returns.
func (e *Export) Call(ctx context.Context, args ...any) (Result, error) {
	fn, ok := goja.AssertFunction(e.value)
	if !ok {
		return Result{}, ErrNotCallable
	}

	c := e.ctx
	c.mu.Lock()
	defer c.mu.Unlock()

	c.vm.ClearInterrupt()
	stop := context.AfterFunc(ctx, func() { c.vm.Interrupt(ctx.Err()) })
	defer func() {
		stop()
		c.vm.ClearInterrupt()
	}()

	jsArgs := make([]goja.Value, len(args))
	for i, a := range args {
		jsArgs[i] = c.vm.ToValue(a)
	}
	v, err := fn(goja.Undefined(), jsArgs...)
	if err != nil {
		return Result{}, convertError(err)
	}
	c.drainTimers()

	if v == nil {
		return Result{}, nil
	}
	res := Result{Truthy: v.ToBoolean(), Value: v.Export()}
	if res.Truthy {
		res.Text = v.String()
	}
	return res, nil
}
