// Package deadletter copies messages the relay cannot decode to a separate
// topic so they can be inspected without blocking the subscription.
package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/telhawk-systems/eventrelay/internal/logging"
	"github.com/telhawk-systems/eventrelay/internal/messaging"
	"github.com/telhawk-systems/eventrelay/internal/metrics"
)

// Reasons recorded on a FailedMessage.
const (
	ReasonDeserialize = "deserialize"
	ReasonRepublish   = "republish"
)

// FailedMessage is the dead-letter record.
type FailedMessage struct {
	Timestamp    time.Time `json:"timestamp"`
	MessageID    string    `json:"message_id"`
	Subscription string    `json:"subscription"`
	Reason       string    `json:"reason"`
	Error        string    `json:"error"`
	Data         []byte    `json:"data"`
}

// Writer publishes FailedMessage records. A nil *Writer discards them.
type Writer struct {
	pub     messaging.Publisher
	logger  *logging.Logger
	now     func() time.Time
	written atomic.Uint64
}

// NewWriter creates a Writer publishing to pub.
func NewWriter(pub messaging.Publisher, logger *logging.Logger) *Writer {
	if logger == nil {
		logger = logging.Default()
	}
	return &Writer{pub: pub, logger: logger, now: time.Now}
}

// Write records msg with the failure reason.
func (w *Writer) Write(ctx context.Context, subscription string, msg messaging.Message, reason string, cause error) error {
	if w == nil {
		return nil
	}

	failed := FailedMessage{
		Timestamp:    w.now().UTC(),
		MessageID:    msg.ID(),
		Subscription: subscription,
		Reason:       reason,
		Data:         msg.Data(),
	}
	if cause != nil {
		failed.Error = cause.Error()
	}

	data, err := json.Marshal(failed)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}

	if _, err := w.pub.Publish(ctx, data); err != nil {
		w.logger.ErrorContext(ctx, "failed to publish dead letter",
			logging.Topic(w.pub.Topic()),
			logging.MessageID(msg.ID()),
			logging.Error(err),
		)
		return fmt.Errorf("publish dead letter: %w", err)
	}

	w.written.Add(1)
	metrics.DeadLetterTotal.WithLabelValues(reason).Inc()
	w.logger.DebugContext(ctx, "dead letter written",
		logging.Topic(w.pub.Topic()),
		logging.MessageID(msg.ID()),
		"reason", reason,
	)
	return nil
}

// Written returns how many records this writer published.
func (w *Writer) Written() uint64 {
	if w == nil {
		return 0
	}
	return w.written.Load()
}

// Topic returns the dead-letter topic, or "" for a nil writer.
func (w *Writer) Topic() string {
	if w == nil {
		return ""
	}
	return w.pub.Topic()
}
