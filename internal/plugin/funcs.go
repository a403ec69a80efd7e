package plugin

import "context"

// Funcs adapts plain functions into a Plugin. Nil fields are hooks the plugin
// does not implement.
type Funcs struct {
	PluginName string

	InitializeFunc   func(ctx context.Context) error
	ShutDownFunc     func(ctx context.Context, cause error) error
	BatchStartFunc   func(ctx context.Context, pc *Context) error
	BatchEndFunc     func(ctx context.Context, pc *Context) error
	JobStartFunc     func(ctx context.Context, pc *Context) error
	JobEndFunc       func(ctx context.Context, pc *Context) error
	BeforeRenderFunc func(pc *Context) error
	AfterRenderFunc  func(pc *Context) error
	OnErrorFunc      func(pc *Context, err error)
}

func (f *Funcs) Name() string {
	if f.PluginName == "" {
		return "anonymous"
	}
	return f.PluginName
}

// Implements reports which hooks have a function set.
func (f *Funcs) Implements(h Hook) bool {
	switch h {
	case HookInitialize:
		return f.InitializeFunc != nil
	case HookShutDown:
		return f.ShutDownFunc != nil
	case HookBatchStart:
		return f.BatchStartFunc != nil
	case HookBatchEnd:
		return f.BatchEndFunc != nil
	case HookJobStart:
		return f.JobStartFunc != nil
	case HookJobEnd:
		return f.JobEndFunc != nil
	case HookBeforeRender:
		return f.BeforeRenderFunc != nil
	case HookAfterRender:
		return f.AfterRenderFunc != nil
	case HookOnError:
		return f.OnErrorFunc != nil
	}
	return false
}

func (f *Funcs) Initialize(ctx context.Context) error {
	if f.InitializeFunc == nil {
		return nil
	}
	return f.InitializeFunc(ctx)
}

func (f *Funcs) ShutDown(ctx context.Context, cause error) error {
	if f.ShutDownFunc == nil {
		return nil
	}
	return f.ShutDownFunc(ctx, cause)
}

func (f *Funcs) BatchStart(ctx context.Context, pc *Context) error {
	if f.BatchStartFunc == nil {
		return nil
	}
	return f.BatchStartFunc(ctx, pc)
}

func (f *Funcs) BatchEnd(ctx context.Context, pc *Context) error {
	if f.BatchEndFunc == nil {
		return nil
	}
	return f.BatchEndFunc(ctx, pc)
}

func (f *Funcs) JobStart(ctx context.Context, pc *Context) error {
	if f.JobStartFunc == nil {
		return nil
	}
	return f.JobStartFunc(ctx, pc)
}

func (f *Funcs) JobEnd(ctx context.Context, pc *Context) error {
	if f.JobEndFunc == nil {
		return nil
	}
	return f.JobEndFunc(ctx, pc)
}

func (f *Funcs) BeforeRender(pc *Context) error {
	if f.BeforeRenderFunc == nil {
		return nil
	}
	return f.BeforeRenderFunc(pc)
}

func (f *Funcs) AfterRender(pc *Context) error {
	if f.AfterRenderFunc == nil {
		return nil
	}
	return f.AfterRenderFunc(pc)
}

func (f *Funcs) OnError(pc *Context, err error) {
	if f.OnErrorFunc != nil {
		f.OnErrorFunc(pc, err)
	}
}
