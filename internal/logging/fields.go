package logging

import "log/slog"

// Common field names for consistent logging across the relay.
const (
	FieldService      = "service"
	FieldTopic        = "topic"
	FieldSubscription = "subscription"
	FieldMessageID    = "message_id"
	FieldStage        = "stage"
	FieldDuration     = "duration_ms"
	FieldError        = "error"
	FieldCount        = "count"
)

// Service returns a slog attribute for the service name.
func Service(name string) slog.Attr {
	return slog.String(FieldService, name)
}

// Topic returns a slog attribute for a topic name.
func Topic(name string) slog.Attr {
	return slog.String(FieldTopic, name)
}

// Subscription returns a slog attribute for a subscription name.
func Subscription(name string) slog.Attr {
	return slog.String(FieldSubscription, name)
}

// MessageID returns a slog attribute for a broker message id.
func MessageID(id string) slog.Attr {
	return slog.String(FieldMessageID, id)
}

// Stage returns a slog attribute for a relay stage.
func Stage(stage string) slog.Attr {
	return slog.String(FieldStage, stage)
}

// Duration returns a slog attribute for duration in milliseconds.
func Duration(ms int64) slog.Attr {
	return slog.Int64(FieldDuration, ms)
}

// Error returns a slog attribute for an error.
func Error(err error) slog.Attr {
	return slog.String(FieldError, err.Error())
}

// Count returns a slog attribute for a count.
func Count(n int) slog.Attr {
	return slog.Int(FieldCount, n)
}
