// Package publish fans event publishing out to a broker topic with bounded
// concurrency and reports one outcome per event.
package publish

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/telhawk-systems/eventrelay/internal/events"
	"github.com/telhawk-systems/eventrelay/internal/logging"
	"github.com/telhawk-systems/eventrelay/internal/messaging"
	"github.com/telhawk-systems/eventrelay/internal/metrics"
)

// Kind classifies an Outcome.
type Kind int

const (
	Published Kind = iota
	SerializationFailure
	PublishFailure
)

func (k Kind) String() string {
	switch k {
	case Published:
		return "published"
	case SerializationFailure:
		return "serialization_failure"
	case PublishFailure:
		return "publish_failure"
	default:
		return "unknown"
	}
}

// Outcome is the result of publishing one event. Index is the event's
// position in the submitted batch.
type Outcome struct {
	Index int
	ID    string
	Err   error
}

// Kind reports whether the event was published or why it was not.
func (o Outcome) Kind() Kind {
	switch {
	case o.Err == nil:
		return Published
	case errors.Is(o.Err, ErrSerialization):
		return SerializationFailure
	default:
		return PublishFailure
	}
}

// Coordinator publishes events through a messaging.Publisher.
type Coordinator struct {
	// Encode serializes a value to its wire form. Defaults to events.Encode.
	Encode func(v any) ([]byte, error)

	logger *logging.Logger
}

// NewCoordinator creates a Coordinator that encodes with events.Encode.
func NewCoordinator(logger *logging.Logger) *Coordinator {
	if logger == nil {
		logger = logging.Default()
	}
	return &Coordinator{Encode: events.Encode, logger: logger}
}

func (c *Coordinator) log() *logging.Logger {
	if c.logger == nil {
		return logging.Default()
	}
	return c.logger
}

// PublishOne serializes v and publishes it in a single round trip.
func (c *Coordinator) PublishOne(ctx context.Context, pub messaging.Publisher, v any) Outcome {
	encode := c.Encode
	if encode == nil {
		encode = events.Encode
	}

	topic := pub.Topic()
	data, err := encode(v)
	if err != nil {
		metrics.PublishTotal.WithLabelValues(topic, SerializationFailure.String()).Inc()
		return Outcome{Err: &SerializationError{Err: err}}
	}

	start := time.Now()
	id, err := pub.Publish(ctx, data)
	metrics.PublishDuration.WithLabelValues(topic).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.PublishTotal.WithLabelValues(topic, PublishFailure.String()).Inc()
		return Outcome{Err: &PublishError{Topic: topic, Reason: err.Error(), Err: err}}
	}

	metrics.PublishTotal.WithLabelValues(topic, Published.String()).Inc()
	return Outcome{ID: id}
}

// PublishBatch publishes every event with at most limit publishes in flight;
// limit <= 0 means unbounded. A failure never cancels sibling publishes.
// The result holds exactly len(evs) outcomes in submission order.
func (c *Coordinator) PublishBatch(ctx context.Context, pub messaging.Publisher, evs []events.Event, limit int) Result {
	indexes := make([]int, len(evs))
	for i := range evs {
		indexes[i] = i
	}
	return c.publishIndexes(ctx, pub, evs, indexes, limit)
}

func (c *Coordinator) publishIndexes(ctx context.Context, pub messaging.Publisher, evs []events.Event, indexes []int, limit int) Result {
	outcomes := make([]Outcome, len(indexes))

	// Tasks never return an error, so the group context is not used and a
	// failed publish cannot cancel the others.
	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}

	start := time.Now()
	for slot, idx := range indexes {
		g.Go(func() error {
			o := c.PublishOne(ctx, pub, evs[idx])
			o.Index = idx
			outcomes[slot] = o
			return nil
		})
	}
	_ = g.Wait()

	res := Result{Outcomes: outcomes}
	s := res.Summary()
	c.log().DebugContext(ctx, "batch published",
		logging.Topic(pub.Topic()),
		logging.Count(s.Total),
		"published", s.Published,
		"failed", s.Total-s.Published,
		logging.Duration(time.Since(start).Milliseconds()),
	)
	return res
}

// RetryFailed republishes, once, every event whose outcome is a
// PublishFailure and returns res with those outcomes replaced.
// Serialization failures are not retried.
func (c *Coordinator) RetryFailed(ctx context.Context, pub messaging.Publisher, evs []events.Event, res Result, limit int) Result {
	var retry []int
	for _, o := range res.Outcomes {
		if o.Kind() == PublishFailure && o.Index < len(evs) {
			retry = append(retry, o.Index)
		}
	}
	if len(retry) == 0 {
		return res
	}

	c.log().InfoContext(ctx, "retrying failed publishes", logging.Topic(pub.Topic()), logging.Count(len(retry)))
	retried := c.publishIndexes(ctx, pub, evs, retry, limit)

	byIndex := make(map[int]Outcome, len(retried.Outcomes))
	for _, o := range retried.Outcomes {
		byIndex[o.Index] = o
	}

	merged := make([]Outcome, len(res.Outcomes))
	for i, o := range res.Outcomes {
		if r, ok := byIndex[o.Index]; ok {
			o = r
		}
		merged[i] = o
	}
	return Result{Outcomes: merged}
}
