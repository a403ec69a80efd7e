package config

import (
	"errors"
	"fmt"
)

// ErrConfiguration matches every *Error.
var ErrConfiguration = errors.New("configuration error")

// Error is an invalid or incomplete configuration. The process does not
// start when one is returned.
type Error struct {
	// Field names the offending setting, e.g. "server.worker_count".
	Field string
	Err   error
}

func (e *Error) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("configuration error: %v", e.Err)
	}
	return fmt.Sprintf("configuration error in %s: %v", e.Field, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == ErrConfiguration }
