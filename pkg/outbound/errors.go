package outbound

import "fmt"

// StoppedError is returned by Publish once the publisher is stopping.
type StoppedError struct{}

// DuplicateError is returned when an envelope with the same correlation id is already pending.
type DuplicateError struct {
	CorrelationID string
}

// RetryExhaustedError is the failure reported when transient send errors
// outlasted the retry bound.
type RetryExhaustedError struct {
	Attempts int
	Err      error
}

// ShutdownError is the failure reported for envelopes still pending when the
// shutdown grace period ran out.
type ShutdownError struct {
	Abandoned int
}

// Error implements the error interface for StoppedError.
func (StoppedError) Error() string {
	return "outbound publisher stopped"
}

// Error implements the error interface for DuplicateError.
func (e DuplicateError) Error() string {
	return fmt.Sprintf("correlation id %s already pending", e.CorrelationID)
}

// Error implements the error interface for RetryExhaustedError.
func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("send failed after %d attempts: %v", e.Attempts, e.Err)
}

// Unwrap returns the last send error.
func (e *RetryExhaustedError) Unwrap() error {
	return e.Err
}

// Error implements the error interface for ShutdownError.
func (e ShutdownError) Error() string {
	return fmt.Sprintf("shutdown before broker confirmation, %d envelope(s) abandoned", e.Abandoned)
}
