// Package events defines the raw and transformed event payloads carried over
// the broker and the synthetic generator that produces raw events.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrDecode is matched by every error returned from DecodeEvent.
var ErrDecode = errors.New("decode event")

// Event is a raw event as published to the input topic.
type Event struct {
	Timestamp string `json:"timestamp"`
	Source    string `json:"source"`
	EventType string `json:"event_type"`
	Payload   string `json:"payload"`
}

// TransformedEvent is the derived form published by the relay to the output topic.
type TransformedEvent struct {
	ProcessedAt      string `json:"processed_at"`
	OriginalSource   string `json:"original_source"`
	Kind             string `json:"kind"`
	Details          string `json:"details"`
	LocalTransformer bool   `json:"local_transformer"`
}

// DecodeError describes bytes that could not be parsed as an Event.
type DecodeError struct {
	Field string
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("decode event: missing field %q", e.Field)
	}
	return fmt.Sprintf("decode event: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

// wireEvent distinguishes absent fields from empty ones.
type wireEvent struct {
	Timestamp *string `json:"timestamp"`
	Source    *string `json:"source"`
	EventType *string `json:"event_type"`
	Payload   *string `json:"payload"`
}

// DecodeEvent parses a JSON object into an Event. All four fields must be
// present; unknown fields are ignored.
func DecodeEvent(data []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return Event{}, &DecodeError{Err: err}
	}

	required := []struct {
		name  string
		value *string
	}{
		{"timestamp", w.Timestamp},
		{"source", w.Source},
		{"event_type", w.EventType},
		{"payload", w.Payload},
	}
	for _, f := range required {
		if f.value == nil {
			return Event{}, &DecodeError{Field: f.name}
		}
	}

	return Event{
		Timestamp: *w.Timestamp,
		Source:    *w.Source,
		EventType: *w.EventType,
		Payload:   *w.Payload,
	}, nil
}

// Encode serializes an event (raw or transformed) to its JSON wire form.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	return data, nil
}

// Time parses the event timestamp.
func (e Event) Time() (time.Time, error) {
	return time.Parse(time.RFC3339Nano, e.Timestamp)
}

// Validate checks that the event carries an RFC 3339 timestamp and a source.
func (e Event) Validate() error {
	if e.Source == "" {
		return errors.New("event source is empty")
	}
	if _, err := e.Time(); err != nil {
		return fmt.Errorf("event timestamp %q: %w", e.Timestamp, err)
	}
	return nil
}

// Transform maps a raw event onto its derived form. processed_at never
// precedes the original timestamp.
func Transform(e Event, now time.Time) TransformedEvent {
	processed := now.UTC()
	if ts, err := e.Time(); err == nil && processed.Before(ts) {
		processed = ts.UTC()
	}

	return TransformedEvent{
		ProcessedAt:      processed.Format(time.RFC3339Nano),
		OriginalSource:   e.Source,
		Kind:             e.EventType,
		Details:          e.Payload,
		LocalTransformer: true,
	}
}
