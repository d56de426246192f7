package types

import "fmt"

// ValidationError reports a malformed draft. It is never persisted or
// broadcast.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid message: " + e.Reason
}

// AddressingError reports that the sender has no relationship to the project
// or recipient the draft addresses.
type AddressingError struct {
	SenderId   int
	Addressing Addressing
}

func (e *AddressingError) Error() string {
	return fmt.Sprintf("user %d cannot address %s", e.SenderId, e.Addressing)
}

// PersistenceError wraps a failed store write. Nothing is pushed when a send
// fails with a PersistenceError, so the caller may retry the whole send.
type PersistenceError struct {
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist message: %s", e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// DeliveryError reports a failed push to a single connection.
type DeliveryError struct {
	ConnId    string
	MessageId int64
	Reason    string
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver message %d to connection %s: %s", e.MessageId, e.ConnId, e.Reason)
}
