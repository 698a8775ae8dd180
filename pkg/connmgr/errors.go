package connmgr

import "fmt"

// ReconnectExhaustedError is carried by the final transition when the
// reconnect bound was reached. The manager stops dialing after it.
type ReconnectExhaustedError struct {
	Attempts int
	Err      error
}

// ClosedError is returned when starting a manager that was already closed.
type ClosedError struct{}

// Error implements the error interface for ReconnectExhaustedError.
func (e *ReconnectExhaustedError) Error() string {
	return fmt.Sprintf("reconnect gave up after %d attempts: %v", e.Attempts, e.Err)
}

// Unwrap returns the last dial error.
func (e *ReconnectExhaustedError) Unwrap() error {
	return e.Err
}

// Error implements the error interface for ClosedError.
func (ClosedError) Error() string {
	return "connection manager already closed"
}
