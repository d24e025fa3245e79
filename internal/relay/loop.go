// Package relay consumes raw events from a subscription, transforms them and
// republishes the result, acknowledging each input only after its
// transformed counterpart was accepted by the broker.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/telhawk-systems/eventrelay/internal/deadletter"
	"github.com/telhawk-systems/eventrelay/internal/dedup"
	"github.com/telhawk-systems/eventrelay/internal/events"
	"github.com/telhawk-systems/eventrelay/internal/logging"
	"github.com/telhawk-systems/eventrelay/internal/messaging"
	"github.com/telhawk-systems/eventrelay/internal/metrics"
	"github.com/telhawk-systems/eventrelay/internal/publish"
)

const (
	// DefaultMaxReceiveErrors is the number of consecutive receive failures
	// after which Run gives up on the broker connection.
	DefaultMaxReceiveErrors = 10

	// DefaultReceiveBackoff is the base delay between failed receives. The
	// nth consecutive failure waits n times this long.
	DefaultReceiveBackoff = 500 * time.Millisecond
)

// Loop is the subscribe, transform, republish, acknowledge pipeline.
type Loop struct {
	Subscriber  messaging.Subscriber
	Output      messaging.Publisher
	Coordinator *publish.Coordinator

	// Dedup and DeadLetter are optional.
	Dedup      dedup.Store
	DeadLetter *deadletter.Writer

	// MaxInFlight > 1 lets the next message be received while earlier ones
	// are still being republished.
	MaxInFlight int

	MaxReceiveErrors int
	ReceiveBackoff   time.Duration

	Clock  func() time.Time
	Logger *logging.Logger

	// OnResult, if set, is called with every message result. It may be
	// called concurrently when MaxInFlight > 1.
	OnResult func(Result)
}

func (l *Loop) logger() *logging.Logger {
	if l.Logger == nil {
		return logging.Default()
	}
	return l.Logger
}

func (l *Loop) now() time.Time {
	if l.Clock == nil {
		return time.Now()
	}
	return l.Clock()
}

// Run processes messages until the stream ends or ctx is cancelled, both of
// which return nil. Cancellation is observed while waiting for the next
// message; messages already received are finished on a context that is not
// cancelled, and Run waits for them before returning. Run returns an error
// only when receiving fails MaxReceiveErrors times in a row.
func (l *Loop) Run(ctx context.Context) error {
	if l.Subscriber == nil || l.Output == nil {
		return errors.New("relay: subscriber and output publisher are required")
	}
	if l.Coordinator == nil {
		l.Coordinator = publish.NewCoordinator(l.logger())
	}
	maxErrs := l.MaxReceiveErrors
	if maxErrs <= 0 {
		maxErrs = DefaultMaxReceiveErrors
	}
	backoff := l.ReceiveBackoff
	if backoff <= 0 {
		backoff = DefaultReceiveBackoff
	}

	sub := l.Subscriber.Subscription()
	log := l.logger().With(logging.Subscription(sub), logging.Topic(l.Output.Topic()))
	log.InfoContext(ctx, "relay started",
		"max_in_flight", l.MaxInFlight,
		"dead_letter_topic", l.DeadLetter.Topic(),
	)

	work := context.WithoutCancel(ctx)
	var g errgroup.Group
	if l.MaxInFlight > 1 {
		g.SetLimit(l.MaxInFlight)
	}

	received := 0
	failures := 0
	stop := func(reason string) {
		_ = g.Wait()
		log.InfoContext(ctx, "relay stopped",
			"reason", reason,
			logging.Count(received),
			"dead_lettered", l.DeadLetter.Written(),
		)
	}

	for {
		if ctx.Err() != nil {
			stop("cancelled")
			return nil
		}

		msg, err := l.Subscriber.Next(ctx)
		if err != nil {
			if errors.Is(err, messaging.ErrClosed) {
				stop("stream ended")
				return nil
			}
			if ctx.Err() != nil {
				stop("cancelled")
				return nil
			}

			failures++
			metrics.RelayReceiveErrors.WithLabelValues(sub).Inc()
			log.WarnContext(ctx, "receive failed", logging.Error(err), "attempt", failures)
			if failures >= maxErrs {
				stop("receive failures")
				return fmt.Errorf("relay: receive from %s failed %d times: %w", sub, failures, err)
			}

			select {
			case <-ctx.Done():
			case <-time.After(time.Duration(failures) * backoff):
			}
			continue
		}

		failures = 0
		received++
		if l.MaxInFlight <= 1 {
			l.Handle(work, msg)
			continue
		}
		g.Go(func() error {
			l.Handle(work, msg)
			return nil
		})
	}
}

// Handle runs one message through the relay and reports the stage it
// reached. A message is acknowledged only after its transformed event was
// published; failures leave it unacknowledged for the broker to redeliver
// and are copied to the dead-letter topic when one is configured.
func (l *Loop) Handle(ctx context.Context, msg messaging.Message) Result {
	sub := ""
	if l.Subscriber != nil {
		sub = l.Subscriber.Subscription()
	}
	coord := l.Coordinator
	if coord == nil {
		coord = publish.NewCoordinator(l.logger())
	}

	ctx = logging.ContextWithMessageID(ctx, msg.ID())
	log := l.logger().WithContext(ctx).With(logging.Subscription(sub))

	gauge := metrics.RelayInFlight.WithLabelValues(sub)
	gauge.Inc()
	defer gauge.Dec()

	res := Result{MessageID: msg.ID(), Stage: Received}
	log.DebugContext(ctx, "message received", logging.Stage(res.Stage.String()))

	if l.Dedup != nil {
		seen, err := l.Dedup.Seen(ctx, msg.ID())
		if err != nil {
			log.WarnContext(ctx, "dedup lookup failed", logging.Error(err))
		}
		if seen {
			res.Duplicate = true
			metrics.RelayDuplicates.WithLabelValues(sub).Inc()
			log.DebugContext(ctx, "message already relayed")
			return l.acknowledge(ctx, log, sub, msg, res)
		}
	}

	ev, err := events.DecodeEvent(msg.Data())
	if err != nil {
		res.Stage, res.Err = DeserializeFailed, err
		log.WarnContext(ctx, "deserialize failed", logging.Stage(res.Stage.String()), logging.Error(err))
		return l.reject(ctx, log, sub, msg, res, deadletter.ReasonDeserialize)
	}
	res.Stage = Deserialized
	log.DebugContext(ctx, "message deserialized", logging.Stage(res.Stage.String()), "source", ev.Source)

	transformed := events.Transform(ev, l.now())
	res.Stage = Transformed
	log.DebugContext(ctx, "event transformed", logging.Stage(res.Stage.String()), "kind", transformed.Kind)

	out := coord.PublishOne(ctx, l.Output, transformed)
	if out.Err != nil {
		res.Stage, res.Err = RepublishFailed, out.Err
		log.ErrorContext(ctx, "republish failed",
			logging.Stage(res.Stage.String()),
			logging.Topic(l.Output.Topic()),
			logging.Error(out.Err),
		)
		return l.reject(ctx, log, sub, msg, res, deadletter.ReasonRepublish)
	}
	res.Stage = Republished
	res.PublishedID = out.ID
	log.DebugContext(ctx, "event republished", logging.Stage(res.Stage.String()), "published_id", out.ID)

	if l.Dedup != nil {
		if err := l.Dedup.Mark(ctx, msg.ID()); err != nil {
			log.WarnContext(ctx, "dedup mark failed", logging.Error(err))
		}
	}

	return l.acknowledge(ctx, log, sub, msg, res)
}

func (l *Loop) acknowledge(ctx context.Context, log *slog.Logger, sub string, msg messaging.Message, res Result) Result {
	if err := msg.Ack(ctx); err != nil {
		res.Stage, res.Err = AckFailed, err
		log.WarnContext(ctx, "ack failed", logging.Stage(res.Stage.String()), logging.Error(err))
		return l.finish(sub, res)
	}
	res.Stage = Acknowledged
	log.DebugContext(ctx, "message acknowledged", logging.Stage(res.Stage.String()))
	return l.finish(sub, res)
}

// reject leaves msg unacknowledged. Brokers that only redeliver on request
// are asked to do so.
func (l *Loop) reject(ctx context.Context, log *slog.Logger, sub string, msg messaging.Message, res Result, reason string) Result {
	if err := l.DeadLetter.Write(ctx, sub, msg, reason, res.Err); err != nil {
		log.ErrorContext(ctx, "dead letter failed", logging.Error(err))
	}
	if n, ok := msg.(messaging.Nacker); ok {
		if err := n.Nak(ctx); err != nil {
			log.WarnContext(ctx, "redelivery request failed", logging.Error(err))
		}
	}
	return l.finish(sub, res)
}

func (l *Loop) finish(sub string, res Result) Result {
	metrics.RelayStageTotal.WithLabelValues(sub, res.Stage.String()).Inc()
	if l.OnResult != nil {
		l.OnResult(res)
	}
	return res
}
