package authz

import "fmt"

// DecodeError means an event's payload did not match the shape its declared
// event type implies. Non-fatal: the event is skipped and the watermark
// advanced explicitly.
type DecodeError struct {
	EventID   int64
	EventType string
	Err       error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("event %d (%s): payload decode failed: %v", e.EventID, e.EventType, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// UnrecognizedEventError means the event type itself is unknown, as opposed
// to a known type with a malformed payload. Treated like an invalid event.
type UnrecognizedEventError struct {
	EventID   int64
	EventType string
}

func (e *UnrecognizedEventError) Error() string {
	return fmt.Sprintf("event %d: unrecognized event type %q", e.EventID, e.EventType)
}

// MissingFieldError means a successfully decoded event lacks a field the
// authorization effect requires (e.g. a storage location on table creation).
type MissingFieldError struct {
	EventID   int64
	EventType string
	Field     string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("event %d (%s): missing required field %s", e.EventID, e.EventType, e.Field)
}

// StoreError wraps a failure raised by the authorization store during a
// mutating call. Fatal to the batch: the watermark stays at its last
// advanced value and the poll loop retries from there.
type StoreError struct {
	EventID int64
	Op      string
	Err     error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("event %d: store %s failed: %v", e.EventID, e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}
