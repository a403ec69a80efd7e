// Package plugin defines the hook capabilities a plugin may implement and the
// context each hook receives.
//
// A plugin is any value with a Name. Each of the nine hooks is an optional
// capability expressed as its own interface; the orchestrator asks Has
// before calling a hook, so a plugin implements only what it needs.
package plugin

import (
	"context"
	"fmt"
	"net/http"
)

// Plugin is the minimal contract of every plugin.
type Plugin interface {
	Name() string
}

// Hook identifies one lifecycle hook.
type Hook int

const (
	HookInitialize Hook = iota
	HookShutDown
	HookBatchStart
	HookBatchEnd
	HookJobStart
	HookJobEnd
	HookBeforeRender
	HookAfterRender
	HookOnError
)

var hookNames = [...]string{
	HookInitialize:   "initialize",
	HookShutDown:     "shutDown",
	HookBatchStart:   "batchStart",
	HookBatchEnd:     "batchEnd",
	HookJobStart:     "jobStart",
	HookJobEnd:       "jobEnd",
	HookBeforeRender: "beforeRender",
	HookAfterRender:  "afterRender",
	HookOnError:      "onError",
}

func (h Hook) String() string {
	if h < 0 || int(h) >= len(hookNames) {
		return fmt.Sprintf("Hook(%d)", int(h))
	}
	return hookNames[h]
}

// Initializer runs once per worker before the listener is bound.
type Initializer interface {
	Initialize(ctx context.Context) error
}

// ShutDowner runs once per worker after the listener has closed. cause is
// the error that started the shutdown, nil for a requested one.
type ShutDowner interface {
	ShutDown(ctx context.Context, cause error) error
}

type BatchStarter interface {
	BatchStart(ctx context.Context, pc *Context) error
}

type BatchEnder interface {
	BatchEnd(ctx context.Context, pc *Context) error
}

type JobStarter interface {
	JobStart(ctx context.Context, pc *Context) error
}

type JobEnder interface {
	JobEnd(ctx context.Context, pc *Context) error
}

// BeforeRenderer runs synchronously, in plugin order, right before render.
type BeforeRenderer interface {
	BeforeRender(pc *Context) error
}

// AfterRenderer runs synchronously, in plugin order, right after render.
type AfterRenderer interface {
	AfterRender(pc *Context) error
}

// ErrorHandler is told about every recorded job or batch error.
type ErrorHandler interface {
	OnError(pc *Context, err error)
}

// Router lets a plugin add routes to the worker's HTTP server.
type Router interface {
	Routes(mux *http.ServeMux)
}

// Has reports whether p implements hook.
func Has(p Plugin, hook Hook) bool {
	if c, ok := p.(interface{ Implements(Hook) bool }); ok {
		return c.Implements(hook)
	}
	switch hook {
	case HookInitialize:
		_, ok := p.(Initializer)
		return ok
	case HookShutDown:
		_, ok := p.(ShutDowner)
		return ok
	case HookBatchStart:
		_, ok := p.(BatchStarter)
		return ok
	case HookBatchEnd:
		_, ok := p.(BatchEnder)
		return ok
	case HookJobStart:
		_, ok := p.(JobStarter)
		return ok
	case HookJobEnd:
		_, ok := p.(JobEnder)
		return ok
	case HookBeforeRender:
		_, ok := p.(BeforeRenderer)
		return ok
	case HookAfterRender:
		_, ok := p.(AfterRenderer)
		return ok
	case HookOnError:
		_, ok := p.(ErrorHandler)
		return ok
	}
	return false
}
