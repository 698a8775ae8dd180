package envelope

import "fmt"

// MalformedDeliveryError is returned when broker metadata cannot be turned
// into an envelope. Such deliveries are discarded, never forwarded.
type MalformedDeliveryError struct {
	// Field names the missing or invalid metadata.
	Field      string
	RoutingKey string
	MessageID  string
}

// Error implements the error interface for MalformedDeliveryError.
func (e *MalformedDeliveryError) Error() string {
	return fmt.Sprintf("malformed delivery: missing %s (routing key %q, message id %q)", e.Field, e.RoutingKey, e.MessageID)
}
