package kafka

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/eventrelay/internal/logging"
	"github.com/telhawk-systems/eventrelay/internal/messaging"
	"github.com/telhawk-systems/eventrelay/internal/relay"
)

type fakeWriter struct {
	mu       sync.Mutex
	written  []kafka.Message
	err      error
	failNext int
	closed   bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	if w.failNext > 0 {
		w.failNext--
		return kafka.RequestTimedOut
	}
	w.written = append(w.written, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

type fakeReader struct {
	msgs      chan kafka.Message
	done      chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	committed []kafka.Message
	commitErr error
}

func newFakeReader(msgs ...kafka.Message) *fakeReader {
	r := &fakeReader{msgs: make(chan kafka.Message, 8+len(msgs)), done: make(chan struct{})}
	for _, m := range msgs {
		r.msgs <- m
	}
	return r
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case <-r.done:
		return kafka.Message{}, io.EOF
	default:
	}
	select {
	case m, ok := <-r.msgs:
		if !ok {
			return kafka.Message{}, io.EOF
		}
		return m, nil
	case <-r.done:
		return kafka.Message{}, io.EOF
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.commitErr != nil {
		return r.commitErr
	}
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeReader) Close() error {
	r.closeOnce.Do(func() { close(r.done) })
	return nil
}

type fakeAdmin struct {
	topics    map[string]int
	createErr error
}

func (a *fakeAdmin) ReadPartitions(topics ...string) ([]kafka.Partition, error) {
	var out []kafka.Partition
	for _, t := range topics {
		n, ok := a.topics[t]
		if !ok {
			return nil, kafka.UnknownTopicOrPartition
		}
		for i := 0; i < n; i++ {
			out = append(out, kafka.Partition{Topic: t, ID: i})
		}
	}
	return out, nil
}

func (a *fakeAdmin) CreateTopics(topics ...kafka.TopicConfig) error {
	if a.createErr != nil {
		return a.createErr
	}
	for _, t := range topics {
		if _, ok := a.topics[t.Topic]; ok {
			return kafka.TopicAlreadyExists
		}
		a.topics[t.Topic] = t.NumPartitions
	}
	return nil
}

func (a *fakeAdmin) Close() error { return nil }

type fakeGroups struct {
	states map[string]string
	err    error
}

func (g *fakeGroups) DescribeGroups(_ context.Context, req *kafka.DescribeGroupsRequest) (*kafka.DescribeGroupsResponse, error) {
	if g.err != nil {
		return nil, g.err
	}
	resp := &kafka.DescribeGroupsResponse{}
	for _, id := range req.GroupIDs {
		resp.Groups = append(resp.Groups, kafka.DescribeGroupsResponseGroup{
			GroupID:    id,
			GroupState: g.states[id],
		})
	}
	return resp, nil
}

type fixture struct {
	broker  *Broker
	admin   *fakeAdmin
	groups  *fakeGroups
	writers map[string]*fakeWriter

	mu sync.Mutex
	// log is the partition a reopened reader replays from the last commit.
	log     []kafka.Message
	reader  *fakeReader
	readers []*fakeReader
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		admin:   &fakeAdmin{topics: map[string]int{}},
		groups:  &fakeGroups{states: map[string]string{}},
		writers: map[string]*fakeWriter{},
		reader:  newFakeReader(),
	}
	b, err := NewBroker(func(c *Config) {
		c.AdminFunc = func() (AdminConn, error) { return f.admin, nil }
		c.GroupsFunc = func() GroupDescriber { return f.groups }
		c.WriterFunc = func(topic string) Writer {
			w := &fakeWriter{}
			f.writers[topic] = w
			return w
		}
		c.ReaderFunc = func(string, string) Reader { return f.openReader() }
	})
	require.NoError(t, err)
	f.broker = b
	return f
}

// openReader hands out the initial reader first. Later readers behave like a
// group rejoining: they replay the log after the last committed offset.
func (f *fixture) openReader() Reader {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.readers) == 0 {
		f.readers = append(f.readers, f.reader)
		return f.reader
	}

	next := f.committedLocked() + 1
	var replay []kafka.Message
	for _, m := range f.log {
		if m.Offset >= next {
			replay = append(replay, m)
		}
	}
	f.reader = newFakeReader(replay...)
	f.readers = append(f.readers, f.reader)
	return f.reader
}

// produce appends records to the partition and delivers them to the current reader.
func (f *fixture) produce(msgs ...kafka.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log = append(f.log, msgs...)
	for _, m := range msgs {
		f.reader.msgs <- m
	}
}

func (f *fixture) commits() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []int64
	for _, r := range f.readers {
		r.mu.Lock()
		for _, m := range r.committed {
			out = append(out, m.Offset)
		}
		r.mu.Unlock()
	}
	return out
}

func (f *fixture) committedLocked() int64 {
	last := int64(-1)
	for _, r := range f.readers {
		r.mu.Lock()
		for _, m := range r.committed {
			if m.Offset > last {
				last = m.Offset
			}
		}
		r.mu.Unlock()
	}
	return last
}

func (f *fixture) readerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.readers)
}

func TestNewBroker_RequiresBrokers(t *testing.T) {
	_, err := NewBroker(WithBrokers())
	assert.Error(t, err)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, []string{"localhost:9092"}, cfg.Brokers)
	assert.Equal(t, 1, cfg.Partitions)
	assert.Equal(t, 1, cfg.ReplicationFactor)
}

func TestTopicLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ok, err := f.broker.TopicExists(ctx, "events-topic")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, f.broker.CreateTopic(ctx, "events-topic"))

	ok, err = f.broker.TopicExists(ctx, "events-topic")
	require.NoError(t, err)
	assert.True(t, ok)

	err = f.broker.CreateTopic(ctx, "events-topic")
	assert.ErrorIs(t, err, messaging.ErrAlreadyExists)
}

func TestCreateTopic_Error(t *testing.T) {
	f := newFixture(t)
	f.admin.createErr = kafka.InvalidReplicationFactor

	err := f.broker.CreateTopic(context.Background(), "events-topic")
	require.Error(t, err)
	assert.NotErrorIs(t, err, messaging.ErrAlreadyExists)
}

func TestSubscriptionExists(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.groups.states["active"] = "Stable"
	f.groups.states["gone"] = "Dead"

	ok, err := f.broker.SubscriptionExists(ctx, "active", "events-topic")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.broker.SubscriptionExists(ctx, "gone", "events-topic")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = f.broker.SubscriptionExists(ctx, "unknown", "events-topic")
	require.NoError(t, err)
	assert.False(t, ok)

	f.groups.err = errors.New("coordinator unavailable")
	_, err = f.broker.SubscriptionExists(ctx, "active", "events-topic")
	assert.Error(t, err)
}

func TestCreateSubscription_RequiresTopic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.broker.CreateSubscription(ctx, "transformer-subscription", "events-topic")
	assert.ErrorIs(t, err, messaging.ErrNotFound)

	f.admin.topics["events-topic"] = 1
	assert.NoError(t, f.broker.CreateSubscription(ctx, "transformer-subscription", "events-topic"))
}

func TestPublish(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pub, err := f.broker.Publisher("events-topic")
	require.NoError(t, err)
	assert.Equal(t, "events-topic", pub.Topic())

	id, err := pub.Publish(ctx, []byte(`{"id":"1"}`))
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	w := f.writers["events-topic"]
	require.Len(t, w.written, 1)
	assert.Equal(t, id, string(w.written[0].Key))
	assert.Equal(t, `{"id":"1"}`, string(w.written[0].Value))

	// writers are cached per topic
	pub2, err := f.broker.Publisher("events-topic")
	require.NoError(t, err)
	_, err = pub2.Publish(ctx, []byte("x"))
	require.NoError(t, err)
	assert.Len(t, w.written, 2)
	assert.Len(t, f.writers, 1)
}

func TestPublish_Error(t *testing.T) {
	f := newFixture(t)

	pub, err := f.broker.Publisher("events-topic")
	require.NoError(t, err)
	f.writers["events-topic"].err = kafka.LeaderNotAvailable

	_, err = pub.Publish(context.Background(), []byte("x"))
	assert.ErrorIs(t, err, kafka.LeaderNotAvailable)
}

func TestPublisher_RequiresTopic(t *testing.T) {
	f := newFixture(t)
	_, err := f.broker.Publisher("")
	assert.Error(t, err)
}

func TestSubscribe_NextAndAck(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sub, err := f.broker.Subscribe(ctx, "transformer-subscription", "events-topic")
	require.NoError(t, err)
	assert.Equal(t, "transformer-subscription", sub.Subscription())

	f.reader.msgs <- kafka.Message{Topic: "events-topic", Partition: 0, Offset: 7, Value: []byte("payload")}

	msg, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "events-topic/0/7", msg.ID())
	assert.Equal(t, []byte("payload"), msg.Data())

	require.NoError(t, msg.Ack(ctx))
	require.Len(t, f.reader.committed, 1)
	assert.Equal(t, int64(7), f.reader.committed[0].Offset)
}

func TestSubscribe_AckError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.reader.commitErr = kafka.RebalanceInProgress

	sub, err := f.broker.Subscribe(ctx, "g", "events-topic")
	require.NoError(t, err)
	f.reader.msgs <- kafka.Message{Topic: "events-topic", Value: []byte("x")}

	msg, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.ErrorIs(t, msg.Ack(ctx), kafka.RebalanceInProgress)
}

func TestSubscribe_NextCanceled(t *testing.T) {
	f := newFixture(t)

	sub, err := f.broker.Subscribe(context.Background(), "g", "events-topic")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = sub.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSubscribe_NextClosed(t *testing.T) {
	f := newFixture(t)

	sub, err := f.broker.Subscribe(context.Background(), "g", "events-topic")
	require.NoError(t, err)
	close(f.reader.msgs)

	_, err = sub.Next(context.Background())
	assert.ErrorIs(t, err, messaging.ErrClosed)
}

func TestClose(t *testing.T) {
	f := newFixture(t)

	_, err := f.broker.Publisher("events-topic")
	require.NoError(t, err)
	require.True(t, f.broker.IsConnected())

	require.NoError(t, f.broker.Close())
	assert.False(t, f.broker.IsConnected())
	assert.True(t, f.writers["events-topic"].closed)

	_, err = f.broker.Publisher("events-topic")
	assert.ErrorIs(t, err, messaging.ErrClosed)
	_, err = f.broker.Subscribe(context.Background(), "g", "events-topic")
	assert.ErrorIs(t, err, messaging.ErrClosed)

	assert.NoError(t, f.broker.Close())
}

func record(offset int64, value string) kafka.Message {
	return kafka.Message{Topic: "events-topic", Partition: 0, Offset: offset, Value: []byte(value)}
}

func TestAck_DoesNotCommitPastUnackedOffset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sub, err := f.broker.Subscribe(ctx, "g", "events-topic", messaging.WithAckWait(0))
	require.NoError(t, err)
	f.produce(record(0, "first"), record(1, "second"))

	first, err := sub.Next(ctx)
	require.NoError(t, err)
	second, err := sub.Next(ctx)
	require.NoError(t, err)

	// first failed; acking second must not move the group past it
	require.NoError(t, second.Ack(ctx))
	assert.Empty(t, f.commits())

	require.NoError(t, first.Ack(ctx))
	assert.Equal(t, []int64{1}, f.commits())
}

func TestAck_CommitsContiguousPrefix(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sub, err := f.broker.Subscribe(ctx, "g", "events-topic")
	require.NoError(t, err)
	f.produce(record(0, "a"), record(1, "b"), record(2, "c"))

	var msgs []messaging.Message
	for range 3 {
		m, err := sub.Next(ctx)
		require.NoError(t, err)
		msgs = append(msgs, m)
	}

	require.NoError(t, msgs[0].Ack(ctx))
	require.NoError(t, msgs[2].Ack(ctx))
	assert.Equal(t, []int64{0}, f.commits())

	require.NoError(t, msgs[1].Ack(ctx))
	assert.Equal(t, []int64{0, 2}, f.commits())
}

func TestNak_RedeliversFromLastCommit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sub, err := f.broker.Subscribe(ctx, "g", "events-topic", messaging.WithAckWait(0))
	require.NoError(t, err)
	f.produce(record(0, "first"), record(1, "second"))

	first, err := sub.Next(ctx)
	require.NoError(t, err)
	second, err := sub.Next(ctx)
	require.NoError(t, err)
	require.NoError(t, second.Ack(ctx))

	nacker, ok := first.(messaging.Nacker)
	require.True(t, ok)
	require.NoError(t, nacker.Nak(ctx))
	// a second rejection from the same session does not restart again
	require.NoError(t, nacker.Nak(ctx))
	assert.Equal(t, 2, f.readerCount())

	again, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID(), again.ID())
	require.NoError(t, again.Ack(ctx))
	assert.Equal(t, []int64{1}, f.commits())

	replayed, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.ID(), replayed.ID())
	require.NoError(t, replayed.Ack(ctx))
	assert.Equal(t, []int64{1}, f.commits())
}

func TestNak_WaitsForAckWait(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sub, err := f.broker.Subscribe(ctx, "g", "events-topic", messaging.WithAckWait(time.Hour))
	require.NoError(t, err)
	f.produce(record(0, "first"))

	msg, err := sub.Next(ctx)
	require.NoError(t, err)
	require.NoError(t, msg.(messaging.Nacker).Nak(ctx))

	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = sub.Next(waitCtx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRelay_RepublishFailureIsNotCommittedPast(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.broker.Publisher("transformed-events-topic")
	require.NoError(t, err)
	w := f.writers["transformed-events-topic"]
	w.failNext = 1

	sub, err := f.broker.Subscribe(ctx, "transformer-subscription", "events-topic", messaging.WithAckWait(0))
	require.NoError(t, err)
	event := `{"timestamp":"2024-01-01T00:00:00Z","source":"user_activity","event_type":"login","payload":"User logged in"}`
	f.produce(record(0, event), record(1, event))

	var mu sync.Mutex
	var stages []relay.Stage
	loop := &relay.Loop{
		Subscriber:  sub,
		Output:      out,
		MaxInFlight: 1,
		Logger:      logging.Discard(),
		OnResult: func(r relay.Result) {
			mu.Lock()
			defer mu.Unlock()
			stages = append(stages, r.Stage)
		},
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- loop.Run(runCtx) }()

	require.Eventually(t, func() bool {
		commits := f.commits()
		return len(commits) > 0 && commits[len(commits)-1] == 1
	}, 5*time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, stages)
	assert.Equal(t, relay.RepublishFailed, stages[0])
	assert.Equal(t, []int64{0, 1}, f.commits(), "offset 0 is committed only after its redelivery succeeds")
	assert.Len(t, w.written, 2)
}
