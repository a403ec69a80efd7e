package job

import (
	"errors"
	"fmt"
	"strings"
)

// SerializedError is the JSON form of an error in a response.
type SerializedError struct {
	Type    string   `json:"type,omitempty"`
	Name    string   `json:"name"`
	Message string   `json:"message"`
	Stack   []string `json:"stack"`
}

type stacker interface {
	Stack() string
}

type namer interface {
	ErrorName() string
}

type typer interface {
	ErrorType() string
}

// SerializeError converts err for a response. An error carrying a non-empty
// stack keeps its name, message and stack frames. Anything else is reported
// as a plain Error with an empty stack, never with one fabricated here.
func SerializeError(err error) *SerializedError {
	if err == nil {
		return nil
	}

	var st stacker
	if errors.As(err, &st) && st.Stack() != "" {
		out := &SerializedError{
			Name:    "Error",
			Message: err.Error(),
			Stack:   stackLines(st.Stack()),
		}
		if n, ok := st.(namer); ok && n.ErrorName() != "" {
			out.Name = n.ErrorName()
		}
		if m, ok := st.(interface{ ErrorMessage() string }); ok {
			out.Message = m.ErrorMessage()
		}
		if t, ok := st.(typer); ok {
			out.Type = t.ErrorType()
		}
		return out
	}

	msg := err.Error()
	var tv *ThrownValue
	if errors.As(err, &tv) {
		msg = fmt.Sprint(tv.Value)
	}
	return &SerializedError{
		Type:    "Error",
		Name:    "Error",
		Message: msg,
		Stack:   []string{},
	}
}

// stackLines splits a stack trace into trimmed frames. Engines indent frames
// differently ("    at" or "\tat"), so blank lines and indentation are
// dropped.
func stackLines(stack string) []string {
	lines := []string{}
	for _, line := range strings.Split(stack, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// ThrownValue is a recovered panic value that was not an error.
type ThrownValue struct {
	Value any
}

func (t *ThrownValue) Error() string {
	return fmt.Sprintf("panic: %v", t.Value)
}

// FromRecovered turns a value returned by recover into an error.
func FromRecovered(r any) error {
	if err, ok := r.(error); ok {
		return err
	}
	return &ThrownValue{Value: r}
}
