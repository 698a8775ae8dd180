package inbound

import "fmt"

// UnknownDeliveryError is returned by Ack and Nack for an id that is not in
// the Inbound Unacknowledged Set.
type UnknownDeliveryError struct {
	CorrelationID string
}

// SettleError wraps a broker failure to ack or nack. The entry has already
// been removed from the set; the broker redelivers it if the settle was lost.
type SettleError struct {
	CorrelationID string
	Err           error
}

// UnsettledError is returned by Stop when deliveries were still awaiting a
// local ack once the grace period ended.
type UnsettledError struct {
	Count int
}

// StoppedError is returned by Start after Stop.
type StoppedError struct{}

// Error implements the error interface for UnknownDeliveryError.
func (e UnknownDeliveryError) Error() string {
	return fmt.Sprintf("no unacknowledged delivery with correlation id %s", e.CorrelationID)
}

// Error implements the error interface for SettleError.
func (e *SettleError) Error() string {
	return fmt.Sprintf("settle %s: %v", e.CorrelationID, e.Err)
}

// Unwrap returns the broker error.
func (e *SettleError) Unwrap() error {
	return e.Err
}

// Error implements the error interface for UnsettledError.
func (e UnsettledError) Error() string {
	return fmt.Sprintf("%d deliveries left for broker redelivery", e.Count)
}

// Error implements the error interface for StoppedError.
func (StoppedError) Error() string {
	return "inbound consumer stopped"
}
