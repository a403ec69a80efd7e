package lifecycle

import (
	"errors"
	"fmt"

	"github.com/specialistvlad/rendergrid/internal/plugin"
)

var (
	// ErrHookTimeout is logged when a hook stage outlives the hook timeout.
	// It is never returned; the stage simply stops being waited on.
	ErrHookTimeout = errors.New("hook timed out")
	// ErrHookFailure matches every *HookError.
	ErrHookFailure = errors.New("hook failed")
)

// HookError is a plugin hook that returned an error or panicked.
type HookError struct {
	Plugin string
	Hook   plugin.Hook
	Err    error
}

func (e *HookError) Error() string {
	return fmt.Sprintf("plugin '%s' failed in %s: %v", e.Plugin, e.Hook, e.Err)
}

func (e *HookError) Unwrap() error { return e.Err }

func (e *HookError) Is(target error) bool { return target == ErrHookFailure }
