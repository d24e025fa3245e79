package publish

import (
	"errors"
	"fmt"
)

var (
	// ErrSerialization matches every *SerializationError.
	ErrSerialization = errors.New("serialization failed")

	// ErrPublish matches every *PublishError.
	ErrPublish = errors.New("publish failed")
)

// SerializationError means a value could not be encoded to its wire form.
type SerializationError struct {
	Err error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("serialize: %v", e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

func (e *SerializationError) Is(target error) bool { return target == ErrSerialization }

// PublishError means the broker rejected the message or the round trip
// failed or timed out.
type PublishError struct {
	Topic  string
	Reason string
	Err    error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish to %s: %s", e.Topic, e.Reason)
}

func (e *PublishError) Unwrap() error { return e.Err }

func (e *PublishError) Is(target error) bool { return target == ErrPublish }
