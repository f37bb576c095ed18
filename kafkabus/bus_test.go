package kafkabus

import (
	"context"
	stderr "errors"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/roadrunner-server/harness/lifecycle"
	"github.com/roadrunner-server/harness/metrics"
	"github.com/roadrunner-server/harness/testerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func testOptions() Options {
	return Options{
		Brokers:   []string{"memory:9092"},
		ClientID:  "bus-test",
		Timeout:   2 * time.Second,
		Transport: MemoryTransport,
		Retry:     RetryOptions{Attempts: 3, Delay: time.Millisecond},
	}
}

func newMemoryBus(t *testing.T, options ...Option) (*Bus, *MemoryBroker) {
	t.Helper()

	broker := NewMemoryBroker()
	b, err := New(context.Background(), testOptions(), append([]Option{WithTransport(broker.Transport())}, options...)...)
	require.NoError(t, err)
	require.NoError(t, b.Connect(context.Background()))

	t.Cleanup(func() {
		b.Disconnect(context.Background())
	})

	return b, broker
}

type fakeProducer struct {
	mu        sync.Mutex
	failTopic string
	failErr   error
	topics    []string
	closeErr  error
	closed    atomic.Int32
}

func (p *fakeProducer) Produce(_ context.Context, records []*kgo.Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if records[0].Topic == p.failTopic {
		return p.failErr
	}
	p.topics = append(p.topics, records[0].Topic)
	return nil
}

func (p *fakeProducer) Close(context.Context) error {
	p.closed.Add(1)
	return p.closeErr
}

type fakeConsumer struct {
	msgs      []ConsumedMessage
	streamErr error
	started   chan struct{}
	closed    atomic.Int32
}

func (c *fakeConsumer) Stream(ctx context.Context, out chan<- ConsumedMessage) error {
	if c.started != nil {
		close(c.started)
	}

	for _, m := range c.msgs {
		select {
		case out <- m:
		case <-ctx.Done():
			return nil
		}
	}

	if c.streamErr != nil {
		return c.streamErr
	}

	<-ctx.Done()
	return nil
}

func (c *fakeConsumer) Close(context.Context) error {
	c.closed.Add(1)
	return nil
}

type fakeAdmin struct {
	closed atomic.Int32
}

func (a *fakeAdmin) CreateTopic(context.Context, string, int32, int16) error { return nil }
func (a *fakeAdmin) DeleteTopic(context.Context, string) error               { return nil }
func (a *fakeAdmin) ListTopics(context.Context) ([]string, error)            { return nil, nil }

func (a *fakeAdmin) Close(context.Context) error {
	a.closed.Add(1)
	return nil
}

type fakeTransport struct {
	producer *fakeProducer
	admin    *fakeAdmin
	consumer *fakeConsumer
	connErr  error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		producer: &fakeProducer{},
		admin:    &fakeAdmin{},
		consumer: &fakeConsumer{},
	}
}

func (t *fakeTransport) Producer(context.Context) (Producer, error) {
	if t.connErr != nil {
		return nil, t.connErr
	}
	return t.producer, nil
}

func (t *fakeTransport) Admin(context.Context) (Admin, error) {
	return t.admin, nil
}

func (t *fakeTransport) Consumer(context.Context, ConsumerConfig) (Consumer, error) {
	return t.consumer, nil
}

func newFakeBus(t *testing.T, tr *fakeTransport, options ...Option) *Bus {
	t.Helper()

	b, err := New(context.Background(), testOptions(), append([]Option{WithTransport(tr)}, options...)...)
	require.NoError(t, err)
	require.NoError(t, b.Connect(context.Background()))
	return b
}

func TestPublishConsumeRoundTrip(t *testing.T) {
	b, _ := newMemoryBus(t)
	ctx := context.Background()
	topic := UniqueName("orders")

	err := b.Publish(ctx, ProduceRequest{
		Topic:    topic,
		Messages: []Message{{Key: []byte("k1"), Value: map[string]any{"a": 1}}},
	})
	require.NoError(t, err)

	msgs, err := b.Consume(ctx, ConsumeQuery{
		Topic:         topic,
		GroupID:       "g1",
		FromBeginning: true,
		MaxMessages:   1,
	})
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	assert.Equal(t, topic, msgs[0].Topic)
	assert.Equal(t, []byte("k1"), msgs[0].Key)
	assert.Equal(t, int64(0), msgs[0].Offset)
	assert.False(t, msgs[0].Timestamp.IsZero())
	assert.Equal(t, map[string]any{"a": float64(1)}, ParseMessage(msgs[0]))

	var v struct {
		A int `json:"a"`
	}
	require.NoError(t, ParseInto(msgs[0], &v))
	assert.Equal(t, 1, v.A)
}

func TestConsumeEmptyTopicReturnsEmptyAfterDeadline(t *testing.T) {
	b, _ := newMemoryBus(t)
	timeout := 300 * time.Millisecond

	start := time.Now()
	msgs, err := b.Consume(context.Background(), ConsumeQuery{
		Topic:       UniqueName("empty"),
		GroupID:     "g1",
		MaxMessages: 1,
		Timeout:     timeout,
	})
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.NotNil(t, msgs)
	assert.Empty(t, msgs)
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, timeout+time.Second)
}

func TestConsumeStopsAtMaxMessages(t *testing.T) {
	b, _ := newMemoryBus(t)
	ctx := context.Background()
	topic := UniqueName("quota")

	msgs := make([]Message, 0, 5)
	for i := range 5 {
		msgs = append(msgs, Message{Value: strconv.Itoa(i)})
	}
	require.NoError(t, b.Publish(ctx, ProduceRequest{Topic: topic, Messages: msgs}))

	start := time.Now()
	got, err := b.Consume(ctx, ConsumeQuery{
		Topic:         topic,
		GroupID:       "g1",
		FromBeginning: true,
		MaxMessages:   3,
		Timeout:       10 * time.Second,
	})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)

	require.Len(t, got, 3)
	for i, m := range got {
		assert.Equal(t, int64(i), m.Offset)
		assert.Equal(t, strconv.Itoa(i), ParseMessage(m))
	}
}

func TestConsumePreservesArrivalOrder(t *testing.T) {
	b, _ := newMemoryBus(t)
	ctx := context.Background()
	topic := UniqueName("ordered")

	for i := range 20 {
		require.NoError(t, b.Publish(ctx, ProduceRequest{Topic: topic, Messages: []Message{{Value: strconv.Itoa(i)}}}))
	}

	got, err := b.Consume(ctx, ConsumeQuery{Topic: topic, GroupID: "g1", FromBeginning: true, MaxMessages: 20})
	require.NoError(t, err)
	require.Len(t, got, 20)

	for i, m := range got {
		assert.Equal(t, strconv.Itoa(i), string(m.Value))
	}
}

func TestWaitForMessagePublishedLater(t *testing.T) {
	b, _ := newMemoryBus(t)
	ctx := context.Background()
	topic := UniqueName("events")

	go func() {
		time.Sleep(200 * time.Millisecond)
		_ = b.Publish(ctx, ProduceRequest{Topic: topic, Messages: []Message{
			{Value: map[string]string{"id": "noise"}},
			{Value: map[string]string{"id": "target"}},
		}})
	}()

	start := time.Now()
	msg, err := b.WaitForMessage(ctx, topic, UniqueName("waiter"), func(m ConsumedMessage) bool {
		v, ok := ParseMessage(m).(map[string]any)
		return ok && v["id"] == "target"
	}, 5*time.Second)

	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, map[string]any{"id": "target"}, ParseMessage(*msg))
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestWaitForMessageNotFound(t *testing.T) {
	b, _ := newMemoryBus(t)
	ctx := context.Background()
	topic := UniqueName("events")

	require.NoError(t, b.Publish(ctx, ProduceRequest{Topic: topic, Messages: []Message{{Value: "other"}}}))

	msg, err := b.WaitForMessage(ctx, topic, "g1", func(m ConsumedMessage) bool {
		return string(m.Value) == "missing"
	}, 200*time.Millisecond)

	require.NoError(t, err)
	assert.Nil(t, msg)

	_, err = b.WaitForMessage(ctx, topic, "g1", nil, time.Second)
	assert.Equal(t, testerr.Validation, testerr.CategoryOf(err))
}

func TestWaitForFromBeginningStopsAtMatch(t *testing.T) {
	b, _ := newMemoryBus(t)
	ctx := context.Background()
	topic := UniqueName("history")

	require.NoError(t, b.Publish(ctx, ProduceRequest{Topic: topic, Messages: []Message{
		{Value: "a"}, {Value: "b"}, {Value: "c"},
	}}))

	start := time.Now()
	msg, err := b.WaitFor(ctx, ConsumeQuery{
		Topic:         topic,
		GroupID:       UniqueName("history"),
		FromBeginning: true,
		Timeout:       5 * time.Second,
		StopWhen:      func(ConsumedMessage) bool { return false },
	}, func(m ConsumedMessage) bool {
		return string(m.Value) == "b"
	})

	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, int64(1), msg.Offset)
	assert.Less(t, time.Since(start), 4*time.Second, "a match ends the wait before the deadline")
}

func TestConsumeCommitsGroupOffsets(t *testing.T) {
	b, _ := newMemoryBus(t)
	ctx := context.Background()
	topic := UniqueName("commits")

	require.NoError(t, b.Publish(ctx, ProduceRequest{Topic: topic, Messages: []Message{{Value: "1"}, {Value: "2"}}}))

	consume := func(group string, autoCommit bool) []ConsumedMessage {
		msgs, err := b.Consume(ctx, ConsumeQuery{
			Topic:         topic,
			GroupID:       group,
			FromBeginning: true,
			Timeout:       150 * time.Millisecond,
			AutoCommit:    Bool(autoCommit),
		})
		require.NoError(t, err)
		return msgs
	}

	assert.Len(t, consume("committing", true), 2)
	assert.Empty(t, consume("committing", true))

	assert.Len(t, consume("peeking", false), 2)
	assert.Len(t, consume("peeking", false), 2)
}

func TestConsumeFromEndSkipsEarlierMessages(t *testing.T) {
	b, _ := newMemoryBus(t)
	ctx := context.Background()
	topic := UniqueName("tail")

	require.NoError(t, b.Publish(ctx, ProduceRequest{Topic: topic, Messages: []Message{{Value: "old"}}}))

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = b.Publish(ctx, ProduceRequest{Topic: topic, Messages: []Message{{Value: "new"}}})
	}()

	msgs, err := b.Consume(ctx, ConsumeQuery{Topic: topic, GroupID: "g1", MaxMessages: 1, Timeout: 2 * time.Second})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "new", string(msgs[0].Value))
}

func TestConsumeStreamFailureIsClassified(t *testing.T) {
	tr := newFakeTransport()
	tr.consumer.msgs = []ConsumedMessage{{Topic: "payments", Value: []byte("x")}}
	tr.consumer.streamErr = stderr.New("kafka: lost connection to broker")
	b := newFakeBus(t, tr)

	msgs, err := b.Consume(context.Background(), ConsumeQuery{Topic: "payments", GroupID: "g1", Timeout: 5 * time.Second})
	require.Error(t, err)
	assert.Nil(t, msgs)

	var te *testerr.TestError
	require.True(t, stderr.As(err, &te))
	assert.Equal(t, testerr.Messaging, te.Category)
	assert.Contains(t, te.Message, "payments")
	assert.Equal(t, "payments", te.Context["topic"])
	assert.Equal(t, int32(1), tr.consumer.closed.Load())
}

func TestConsumerClosedExactlyOnce(t *testing.T) {
	t.Run("deadline", func(t *testing.T) {
		tr := newFakeTransport()
		b := newFakeBus(t, tr)

		msgs, err := b.Consume(context.Background(), ConsumeQuery{Topic: "t", GroupID: "g", Timeout: 50 * time.Millisecond})
		require.NoError(t, err)
		assert.Empty(t, msgs)

		b.Disconnect(context.Background())
		assert.Equal(t, int32(1), tr.consumer.closed.Load())
	})

	t.Run("quota", func(t *testing.T) {
		tr := newFakeTransport()
		tr.consumer.msgs = []ConsumedMessage{{Value: []byte("1")}, {Value: []byte("2")}, {Value: []byte("3")}}
		b := newFakeBus(t, tr)

		msgs, err := b.Consume(context.Background(), ConsumeQuery{Topic: "t", GroupID: "g", MaxMessages: 2, Timeout: 10 * time.Second})
		require.NoError(t, err)
		assert.Len(t, msgs, 2)

		b.Disconnect(context.Background())
		assert.Equal(t, int32(1), tr.consumer.closed.Load())
	})

	t.Run("disconnect while consuming", func(t *testing.T) {
		tr := newFakeTransport()
		tr.consumer.started = make(chan struct{})
		b := newFakeBus(t, tr)

		type result struct {
			msgs []ConsumedMessage
			err  error
		}
		done := make(chan result, 1)
		go func() {
			msgs, err := b.Consume(context.Background(), ConsumeQuery{Topic: "t", GroupID: "g", Timeout: 500 * time.Millisecond})
			done <- result{msgs, err}
		}()

		<-tr.consumer.started
		b.Disconnect(context.Background())

		// the fake stream only ends on cancellation, so the deadline ends the call
		select {
		case r := <-done:
			require.NoError(t, r.err)
		case <-time.After(5 * time.Second):
			t.Fatal("consume did not return")
		}
		assert.Equal(t, int32(1), tr.consumer.closed.Load())
	})
}

func TestConsumeParentCancellation(t *testing.T) {
	b, _ := newMemoryBus(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := b.Consume(ctx, ConsumeQuery{Topic: "t", GroupID: "g", Timeout: 5 * time.Second})
	require.Error(t, err)
	assert.Equal(t, testerr.Timeout, testerr.CategoryOf(err))
}

func TestOperationsRequireConnect(t *testing.T) {
	b, err := New(context.Background(), testOptions())
	require.NoError(t, err)
	ctx := context.Background()

	err = b.Publish(ctx, ProduceRequest{Topic: "t", Messages: []Message{{Value: "x"}}})
	assert.Equal(t, testerr.Resource, testerr.CategoryOf(err))

	err = b.CreateTopic(ctx, "t", 1, 1)
	assert.Equal(t, testerr.Resource, testerr.CategoryOf(err))
	assert.Contains(t, err.Error(), "Connect")

	err = b.DeleteTopic(ctx, "t")
	assert.Equal(t, testerr.Resource, testerr.CategoryOf(err))

	_, err = b.ListTopics(ctx)
	assert.Equal(t, testerr.Resource, testerr.CategoryOf(err))
}

func TestConnectFailureIsNetworkError(t *testing.T) {
	tr := newFakeTransport()
	tr.connErr = os.NewSyscallError("connect", syscall.ECONNREFUSED)

	b, err := New(context.Background(), testOptions(), WithTransport(tr))
	require.NoError(t, err)

	err = b.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, testerr.Network, testerr.CategoryOf(err))
	assert.Contains(t, err.Error(), "failed to connect to Kafka")
	assert.ErrorIs(t, err, syscall.ECONNREFUSED)
}

func TestPublishToManyStopsAtFirstFailure(t *testing.T) {
	tr := newFakeTransport()
	tr.producer.failTopic = "b"
	tr.producer.failErr = kerr.UnknownTopicOrPartition
	b := newFakeBus(t, tr)

	err := b.PublishToMany(context.Background(), []string{"a", "b", "c"}, map[string]int{"n": 1})
	require.Error(t, err)

	var te *testerr.TestError
	require.True(t, stderr.As(err, &te))
	assert.Equal(t, testerr.Messaging, te.Category)
	assert.Equal(t, "UNKNOWN_TOPIC_OR_PARTITION", te.Code)
	assert.Contains(t, te.Message, "topic b")

	// a keeps its message, c is never attempted
	assert.Equal(t, []string{"a"}, tr.producer.topics)
}

func TestPublishToManyMemory(t *testing.T) {
	b, broker := newMemoryBus(t)

	require.NoError(t, b.PublishToMany(context.Background(), []string{"x", "y"}, "hello"))

	for _, topic := range []string{"x", "y"} {
		msgs := broker.Messages(topic, 0)
		require.Len(t, msgs, 1)
		assert.Equal(t, "hello", string(msgs[0].Value))
	}
}

func TestDisconnectLogsAndContinues(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)

	tr := newFakeTransport()
	tr.producer.closeErr = stderr.New("flush failed")
	b := newFakeBus(t, tr, WithLogger(zap.New(core)))

	b.Disconnect(context.Background())

	assert.Equal(t, int32(1), tr.producer.closed.Load())
	assert.Equal(t, int32(1), tr.admin.closed.Load())

	entries := logs.FilterMessage("error disconnecting from kafka").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "producer", entries[0].ContextMap()["handle"])

	// second disconnect has nothing left to close
	b.Disconnect(context.Background())
	assert.Equal(t, int32(1), tr.producer.closed.Load())
}

func TestLifecycleShutdownDisconnects(t *testing.T) {
	lm := lifecycle.NewManager(nil)
	tr := newFakeTransport()
	b := newFakeBus(t, tr, WithLifecycle(lm))

	assert.Equal(t, 1, lm.Len())

	lm.Shutdown(context.Background())

	assert.Equal(t, int32(1), tr.producer.closed.Load())
	assert.Equal(t, int32(1), tr.admin.closed.Load())
	assert.Equal(t, 0, lm.Len())

	err := b.Publish(context.Background(), ProduceRequest{Topic: "t", Messages: []Message{{Value: "x"}}})
	assert.Equal(t, testerr.Resource, testerr.CategoryOf(err))
}

func TestAdminTopics(t *testing.T) {
	b, _ := newMemoryBus(t)
	ctx := context.Background()

	require.NoError(t, b.CreateTopic(ctx, "orders", 3, 1))
	require.NoError(t, b.CreateTopic(ctx, "orders", 3, 1))
	require.NoError(t, b.CreateTopic(ctx, "audit", 0, 0))

	topics, err := b.ListTopics(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"audit", "orders"}, topics)

	require.NoError(t, b.DeleteTopic(ctx, "orders"))

	topics, err = b.ListTopics(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"audit"}, topics)

	err = b.DeleteTopic(ctx, "orders")
	require.Error(t, err)
	assert.Equal(t, testerr.Messaging, testerr.CategoryOf(err))
	assert.Contains(t, err.Error(), "failed to delete topic orders")
}

func TestPartitioning(t *testing.T) {
	b, broker := newMemoryBus(t)
	ctx := context.Background()
	require.NoError(t, b.CreateTopic(ctx, "parts", 3, 1))

	msgs := []Message{
		{Key: []byte("user-1"), Value: "a"},
		{Key: []byte("user-1"), Value: "b"},
		{Value: "explicit", Partition: Partition(2)},
		{Value: "rr-0"},
		{Value: "rr-1"},
		{Value: "rr-2"},
	}
	require.NoError(t, b.Publish(ctx, ProduceRequest{Topic: "parts", Messages: msgs}))

	where := map[string]int32{}
	for p := range int32(3) {
		for _, m := range broker.Messages("parts", p) {
			where[string(m.Value)] = m.Partition
		}
	}

	assert.Equal(t, where["a"], where["b"])
	assert.Equal(t, int32(2), where["explicit"])
	assert.ElementsMatch(t, []int32{0, 1, 2}, []int32{where["rr-0"], where["rr-1"], where["rr-2"]})
}

func TestPublishInjectsTraceContext(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	b, broker := newMemoryBus(t, WithTracerProvider(tp))

	err := b.Publish(context.Background(), ProduceRequest{
		Topic:    "traced",
		Messages: []Message{{Value: "x", Headers: map[string]string{"x-source": "test"}}},
	})
	require.NoError(t, err)

	msgs := broker.Messages("traced", 0)
	require.Len(t, msgs, 1)
	assert.Equal(t, []byte("test"), msgs[0].Headers["x-source"])
	assert.NotEmpty(t, msgs[0].Headers["traceparent"])
	assert.NotEmpty(t, msgs[0].Headers["uber-trace-id"])

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "publish traced", spans[0].Name())
}

func TestBusMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	col, err := metrics.NewCollector(reg)
	require.NoError(t, err)

	b, _ := newMemoryBus(t, WithMetrics(col))
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, ProduceRequest{Topic: "m", Messages: []Message{{Value: "1"}, {Value: "2"}}}))
	_, err = b.Consume(ctx, ConsumeQuery{Topic: "m", GroupID: "g", FromBeginning: true, MaxMessages: 2})
	require.NoError(t, err)

	n, err := testutil.GatherAndCount(reg, "harness_bus_messages_produced_total", "harness_bus_messages_consumed_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestNewRejectsInvalidOptions(t *testing.T) {
	opts := testOptions()
	opts.Transport = "carrier-pigeon"

	_, err := New(context.Background(), opts)
	require.Error(t, err)
	assert.Equal(t, testerr.Config, testerr.CategoryOf(err))
}

func TestUniqueName(t *testing.T) {
	a, b := UniqueName("topic"), UniqueName("topic")
	assert.NotEqual(t, a, b)
	assert.Regexp(t, `^topic-[0-9a-f-]{36}$`, a)
}
