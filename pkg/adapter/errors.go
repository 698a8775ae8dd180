package adapter

// ClientConfEmptyError indicates that a nil client configuration was provided
// when creating a dialer.
type ClientConfEmptyError struct{}

// AlreadySettledError is returned when a delivery is acked or nacked twice.
type AlreadySettledError struct{}

// Error implements the error interface for ClientConfEmptyError.
// It notifies that client configuration was not provided.
func (ClientConfEmptyError) Error() string {
	return "empty client config passed, unable to dial"
}

// Error implements the error interface for AlreadySettledError.
// It signals that the delivery was already acknowledged or rejected.
func (AlreadySettledError) Error() string {
	return "delivery already settled"
}
