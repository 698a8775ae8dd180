package broker

import "errors"

// ConnClosedError is returned when an operation needs a connection that is gone.
// It is transient: the same operation may succeed after reconnect.
type ConnClosedError struct{}

// RejectedError is returned when the broker refused a message. Retrying the
// same content cannot succeed.
type RejectedError struct {
	Reason string
}

// Error implements the error interface for ConnClosedError.
func (ConnClosedError) Error() string {
	return "broker connection closed"
}

// Error implements the error interface for RejectedError.
func (e RejectedError) Error() string {
	if e.Reason == "" {
		return "message rejected by broker"
	}

	return "message rejected by broker: " + e.Reason
}

// IsPermanent reports whether err can never be fixed by retrying.
func IsPermanent(err error) bool {
	var rejected RejectedError

	return errors.As(err, &rejected)
}

// IsConnLost reports whether err was caused by losing the broker connection.
func IsConnLost(err error) bool {
	return errors.As(err, &ConnClosedError{})
}
