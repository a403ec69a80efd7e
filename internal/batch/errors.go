package batch

import (
	"errors"
	"fmt"
)

var (
	// ErrComponentNotFound matches a *ComponentNotFoundError.
	ErrComponentNotFound = errors.New("component not found")
	// ErrEmptyRenderResult matches a *EmptyRenderResultError.
	ErrEmptyRenderResult = errors.New("empty render result")
)

// ComponentNotFoundError is recorded for a job whose component is not
// registered. The job's status is 404.
type ComponentNotFoundError struct {
	Name string
}

func (e *ComponentNotFoundError) Error() string {
	return fmt.Sprintf("Component %q not registered", e.Name)
}

func (e *ComponentNotFoundError) Is(target error) bool { return target == ErrComponentNotFound }

func (e *ComponentNotFoundError) ErrorName() string { return "ReferenceError" }

func (e *ComponentNotFoundError) ErrorMessage() string { return e.Error() }

// Stack carries a marker frame naming the missing component so it stands out
// in client-side error reports.
func (e *ComponentNotFoundError) Stack() string {
	return fmt.Sprintf("ReferenceError: %s\n    at YOUR-COMPONENT-DID-NOT-REGISTER_%s:1:1", e.Error(), e.Name)
}

// EmptyRenderResultError is recorded for a job whose renderer returned no
// output.
type EmptyRenderResultError struct {
	Name string
}

func (e *EmptyRenderResultError) Error() string {
	return fmt.Sprintf("Component %q rendered an empty result", e.Name)
}

func (e *EmptyRenderResultError) Is(target error) bool { return target == ErrEmptyRenderResult }
