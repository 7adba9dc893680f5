package llm

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedResponse means the endpoint answered but the payload lacks a usable reply.
	ErrMalformedResponse = errors.New("llm: malformed completion response")

	// ErrRequestFailed means the completion call failed at the transport level.
	ErrRequestFailed = errors.New("llm: completion request failed")
)

// RequestFailedError carries the status and detail of a failed completion call.
// It matches ErrRequestFailed with errors.Is.
type RequestFailedError struct {
	StatusCode int // zero when no response was received
	Detail     string
	Err        error
}

func (e *RequestFailedError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("llm: completion request failed with status %d: %s", e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("llm: completion request failed: %s", e.Detail)
}

func (e *RequestFailedError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrRequestFailed}
	}
	return []error{ErrRequestFailed, e.Err}
}
