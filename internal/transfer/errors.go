package transfer

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRequest is wrapped by Request.Validate failures.
	ErrInvalidRequest = errors.New("invalid transfer request")
	// ErrAlreadyRunning is returned by Engine.Run while another run is active.
	ErrAlreadyRunning = errors.New("a transfer is already running")
	// ErrNotIdle is returned by Engine.Run when the previous run was not reset.
	ErrNotIdle = errors.New("transfer engine is not idle")
	// ErrInProgress is returned when an operation needs a finished transfer.
	ErrInProgress = errors.New("transfer is in progress")
)

// HTTPError represents a failure to obtain a successful response from the
// source: a transport error before any byte was read, or a non-2xx status.
type HTTPError struct {
	URL        string // Source URL of the request
	StatusCode int    // HTTP status code, 0 when no response was received
	Err        error  // Underlying error, if any
}

func (e *HTTPError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("http error fetching %s: unexpected status %d", e.URL, e.StatusCode)
	}

	return fmt.Sprintf("http error fetching %s: %v", e.URL, e.Err)
}

func (e *HTTPError) Unwrap() error {
	return e.Err
}

// IOError represents a failure while streaming: reading the response body,
// writing a chunk to the sink, or closing the destination handle.
type IOError struct {
	Op        string // "read", "write" or "close"
	BytesRead int64  // Bytes consumed from the source before the failure
	Err       error  // Underlying error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("io error during %s after %d bytes: %v", e.Op, e.BytesRead, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// SinkError represents a destination that could not be created.
type SinkError struct {
	Name string // Destination name requested from the sink
	Err  error  // Underlying error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("sink error creating %q: %v", e.Name, e.Err)
}

func (e *SinkError) Unwrap() error {
	return e.Err
}
