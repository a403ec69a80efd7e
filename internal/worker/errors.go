package worker

import (
	"errors"
	"fmt"
	"net/http"
)

// RequestParseError is a request that could not be decoded. The worker
// answers it with Status and keeps serving.
type RequestParseError struct {
	Status int
	Err    error
}

func (e *RequestParseError) Error() string {
	return fmt.Sprintf("failed to parse batch request (%d %s): %v", e.Status, http.StatusText(e.Status), e.Err)
}

func (e *RequestParseError) Unwrap() error { return e.Err }

func (e *RequestParseError) StatusCode() int { return e.Status }

// FatalError is an uncaught failure while serving. It closes the worker with
// exit code 1.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal worker error: %v", e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// statusCoder is implemented by errors that carry an HTTP status.
type statusCoder interface {
	StatusCode() int
}

// nonFatalStatus reports the status of an error that can be answered without
// closing the worker.
func nonFatalStatus(err error) (int, bool) {
	var sc statusCoder
	if !errors.As(err, &sc) {
		return 0, false
	}
	status := sc.StatusCode()
	return status, status >= 400 && status < 600
}
