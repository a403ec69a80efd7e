package sandbox

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dop251/goja"
)

// ErrNotCallable is returned by Export.Call when the exported value is not a
// function.
var ErrNotCallable = errors.New("sandbox: exported value is not callable")

// LoadError reports that a top-level unit could not be loaded. Nothing is
// cached for the unit when it is returned.
type LoadError struct {
	Name string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("sandbox: failed to load %q: %v", e.Name, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// ModuleNotFoundError is raised by require() when a request cannot be
// resolved. Inside the runtime it surfaces as an Error with
// code === "MODULE_NOT_FOUND".
type ModuleNotFoundError struct {
	Request string
	From    string
}

func (e *ModuleNotFoundError) Error() string {
	return fmt.Sprintf("Cannot find module '%s' from '%s'", e.Request, e.From)
}

// ScriptError is an exception thrown by JavaScript code.
type ScriptError struct {
	// Name is the JS error name ("TypeError", ...). Empty when the thrown
	// value was not an Error object.
	Name    string
	Message string
	// JSStack is the JS stack trace, empty when the thrown value carried none.
	JSStack string

	// thrown is the original value, kept so that a nested require failure
	// can be rethrown unchanged into the requiring module.
	thrown goja.Value
}

func (e *ScriptError) Error() string {
	if e.Name == "" {
		return e.Message
	}
	return e.Name + ": " + e.Message
}

// Stack returns the JS stack trace of the exception.
func (e *ScriptError) Stack() string { return e.JSStack }

// ErrorName returns the JS constructor name of the thrown error.
func (e *ScriptError) ErrorName() string { return e.Name }

// ErrorMessage returns the message without the name prefix.
func (e *ScriptError) ErrorMessage() string { return e.Message }

// convertError turns an error returned by the runtime into a Go error.
func convertError(err error) error {
	var exc *goja.Exception
	if errors.As(err, &exc) {
		return scriptErrorFromValue(exc.Value(), exc.String())
	}
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if cause, ok := interrupted.Value().(error); ok {
			return fmt.Errorf("sandbox: execution interrupted: %w", cause)
		}
		return fmt.Errorf("sandbox: execution interrupted: %v", interrupted.Value())
	}
	var syntax *goja.CompilerSyntaxError
	if errors.As(err, &syntax) {
		return &ScriptError{Name: "SyntaxError", Message: syntax.Message, JSStack: syntax.Error()}
	}
	return err
}

func scriptErrorFromValue(val goja.Value, fallbackStack string) *ScriptError {
	se := &ScriptError{thrown: val}
	obj, ok := val.(*goja.Object)
	if !ok || obj == nil {
		if val != nil {
			se.Message = val.String()
		}
		return se
	}
	if v := obj.Get("message"); v != nil && !goja.IsUndefined(v) {
		se.Message = v.String()
	} else {
		se.Message = obj.String()
	}
	if v := obj.Get("name"); v != nil && !goja.IsUndefined(v) {
		se.Name = v.String()
	}
	if v := obj.Get("stack"); v != nil && !goja.IsUndefined(v) && !goja.IsNull(v) {
		se.JSStack = v.String()
	} else if se.Name != "" {
		se.JSStack = strings.TrimSpace(fallbackStack)
	}
	return se
}
