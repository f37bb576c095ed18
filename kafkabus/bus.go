package kafkabus

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/roadrunner-server/errors"
	"github.com/roadrunner-server/harness/internal/tracing"
	"github.com/roadrunner-server/harness/lifecycle"
	"github.com/roadrunner-server/harness/metrics"
	"github.com/roadrunner-server/harness/testerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	component  string = "kafka"
	codeNoConn string = "NOT_CONNECTED"
)

// Bus drives a Kafka cluster (or the in-memory broker) for tests.
type Bus struct {
	// connMu serializes Connect, mu guards the handles
	connMu sync.Mutex
	mu     sync.Mutex
	opts Options
	tr   Transport

	log     *zap.Logger
	tracer  trace.Tracer
	prop    propagation.TextMapPropagator
	metrics *metrics.Collector
	lm      *lifecycle.Manager

	producer  Producer
	admin     Admin
	consumers map[*consumerHandle]struct{}
}

type Option func(*Bus)

func WithLogger(log *zap.Logger) Option {
	return func(b *Bus) {
		b.log = log
	}
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(b *Bus) {
		b.tracer = tracing.Tracer(tp)
	}
}

func WithMetrics(c *metrics.Collector) Option {
	return func(b *Bus) {
		b.metrics = c
	}
}

// WithLifecycle registers the bus on Connect, so that Shutdown disconnects it.
func WithLifecycle(lm *lifecycle.Manager) Option {
	return func(b *Bus) {
		b.lm = lm
	}
}

// WithTransport overrides the transport selected by Options.Transport.
func WithTransport(tr Transport) Option {
	return func(b *Bus) {
		b.tr = tr
	}
}

func New(ctx context.Context, opts Options, options ...Option) (*Bus, error) {
	const op = errors.Op("kafkabus_new")

	if err := opts.InitDefault(); err != nil {
		return nil, testerr.ConfigError(err, "invalid kafka options: "+err.Error())
	}

	b := &Bus{
		opts:      opts,
		log:       zap.NewNop(),
		tracer:    tracing.Tracer(nil),
		prop:      tracing.Propagator(),
		consumers: make(map[*consumerHandle]struct{}),
	}

	for _, o := range options {
		o(b)
	}

	if b.tr != nil {
		return b, nil
	}

	switch b.opts.Transport {
	case MemoryTransport:
		b.tr = NewMemoryBroker().Transport()
	default:
		tr, err := newKafkaTransport(ctx, &b.opts, b.log)
		if err != nil {
			return nil, testerr.ConfigError(errors.E(op, err), "invalid kafka client options: "+err.Error())
		}
		b.tr = tr
	}

	return b, nil
}

func (b *Bus) Options() Options {
	return b.opts
}

// Connect creates the producer and admin handles. Calling it on a connected
// bus is a no-op.
func (b *Bus) Connect(ctx context.Context) error {
	b.connMu.Lock()
	defer b.connMu.Unlock()

	b.mu.Lock()
	connected := b.producer != nil && b.admin != nil
	b.mu.Unlock()

	if connected {
		return nil
	}

	start := time.Now()

	p, err := b.tr.Producer(ctx)
	if err != nil {
		return b.connectError(err)
	}

	a, err := b.tr.Admin(ctx)
	if err != nil {
		_ = p.Close(ctx)
		return b.connectError(err)
	}

	b.mu.Lock()
	b.producer, b.admin = p, a
	b.mu.Unlock()

	if b.lm != nil {
		b.lm.Register(b)
	}

	b.log.Debug("connected to kafka",
		zap.Strings("brokers", b.opts.Brokers),
		zap.String("client_id", b.opts.ClientID),
		zap.String("transport", string(b.opts.Transport)),
		zap.Duration("elapsed", time.Since(start)),
	)

	return nil
}

func (b *Bus) connectError(err error) error {
	te := testerr.Wrap(testerr.Network, "CONNECTION_FAILED", err, "failed to connect to Kafka: "+err.Error())
	te.Retryable = true
	te.Context = map[string]any{"brokers": b.opts.Brokers}
	b.log.Error("failed to connect to kafka", zap.Strings("brokers", b.opts.Brokers), zap.Error(err))
	return te
}

// Publish sends all messages of req as one produce call.
func (b *Bus) Publish(ctx context.Context, req ProduceRequest) error {
	b.mu.Lock()
	producer := b.producer
	b.mu.Unlock()

	if producer == nil {
		return testerr.ResourceError(codeNoConn, "producer not connected, call Connect first")
	}

	if req.Topic == "" {
		return testerr.ValidationError("publish requires a topic")
	}

	ctx, span := b.tracer.Start(ctx, "publish "+req.Topic, trace.WithSpanKind(trace.SpanKindProducer))
	span.SetAttributes(
		attribute.String("messaging.destination.name", req.Topic),
		attribute.Int("messaging.batch.message_count", len(req.Messages)),
	)

	records, err := toRecords(req, time.Now())
	if err != nil {
		te := testerr.Wrap(testerr.Validation, "SERIALIZATION_ERROR", err, "failed to serialize message for topic "+req.Topic+": "+err.Error())
		tracing.End(span, te)
		return te
	}

	// trace context travels in record headers unless the caller set them
	carrier := propagation.MapCarrier{}
	b.prop.Inject(ctx, carrier)
	for _, rec := range records {
		injectHeaders(rec, carrier)
	}

	if err = producer.Produce(ctx, records); err != nil {
		base := testerr.Classify(err)
		te := base.With("failed to publish message to topic "+req.Topic+": "+base.Message, map[string]any{"topic": req.Topic})
		b.log.Error("failed to publish", zap.String("topic", req.Topic), zap.Int("messages", len(records)), zap.Error(err))
		tracing.End(span, te)
		return te
	}

	b.metrics.Produced(req.Topic, len(records))
	b.log.Debug("messages published", zap.String("topic", req.Topic), zap.Int("messages", len(records)))
	tracing.End(span, nil)

	return nil
}

// PublishToMany publishes value to each topic in order and stops at the
// first failure. Topics published before the failure keep their message.
func (b *Bus) PublishToMany(ctx context.Context, topics []string, value any) error {
	for _, topic := range topics {
		err := b.Publish(ctx, ProduceRequest{
			Topic:    topic,
			Messages: []Message{{Value: value, Timestamp: time.Now()}},
		})
		if err != nil {
			return err
		}
	}

	return nil
}

func (b *Bus) CreateTopic(ctx context.Context, topic string, partitions int32, replication int16) error {
	adm, err := b.adminHandle()
	if err != nil {
		return err
	}

	if partitions <= 0 {
		partitions = 1
	}
	if replication <= 0 {
		replication = 1
	}

	if err = adm.CreateTopic(ctx, topic, partitions, replication); err != nil {
		return b.adminError("failed to create topic "+topic, topic, err)
	}

	b.log.Debug("topic created", zap.String("topic", topic), zap.Int32("partitions", partitions), zap.Int16("replication", replication))
	return nil
}

func (b *Bus) DeleteTopic(ctx context.Context, topic string) error {
	adm, err := b.adminHandle()
	if err != nil {
		return err
	}

	if err = adm.DeleteTopic(ctx, topic); err != nil {
		return b.adminError("failed to delete topic "+topic, topic, err)
	}

	b.log.Debug("topic deleted", zap.String("topic", topic))
	return nil
}

func (b *Bus) ListTopics(ctx context.Context) ([]string, error) {
	adm, err := b.adminHandle()
	if err != nil {
		return nil, err
	}

	topics, err := adm.ListTopics(ctx)
	if err != nil {
		return nil, b.adminError("failed to list topics", "", err)
	}

	return topics, nil
}

func (b *Bus) adminHandle() (Admin, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.admin == nil {
		return nil, testerr.ResourceError(codeNoConn, "admin not connected, call Connect first")
	}

	return b.admin, nil
}

func (b *Bus) adminError(msg, topic string, err error) error {
	base := testerr.Classify(err)
	kv := map[string]any{}
	if topic != "" {
		kv["topic"] = topic
	}

	b.log.Error(msg, zap.Error(err))
	return base.With(msg+": "+base.Message, kv)
}

// Disconnect closes active consumers, the producer and the admin handle.
// Close failures are logged and never returned.
func (b *Bus) Disconnect(ctx context.Context) {
	b.mu.Lock()
	consumers := make([]*consumerHandle, 0, len(b.consumers))
	for h := range b.consumers {
		consumers = append(consumers, h)
	}
	clear(b.consumers)

	producer, admin := b.producer, b.admin
	b.producer, b.admin = nil, nil
	b.mu.Unlock()

	for _, h := range consumers {
		if err := h.close(ctx); err != nil {
			b.log.Warn("error disconnecting from kafka", zap.String("handle", "consumer"), zap.String("topic", h.topic), zap.Error(err))
		}
	}

	if producer != nil {
		if err := producer.Close(ctx); err != nil {
			b.log.Warn("error disconnecting from kafka", zap.String("handle", "producer"), zap.Error(err))
		}
	}

	if admin != nil {
		if err := admin.Close(ctx); err != nil {
			b.log.Warn("error disconnecting from kafka", zap.String("handle", "admin"), zap.Error(err))
		}
	}

	if b.lm != nil {
		b.lm.Unregister(b)
	}
}

// Cleanup disconnects the bus, it never fails.
func (b *Bus) Cleanup(ctx context.Context) error {
	b.Disconnect(ctx)
	return nil
}

// UniqueName returns prefix followed by a random suffix, for per-run topics
// and consumer groups.
func UniqueName(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

func injectHeaders(rec *kgo.Record, carrier propagation.MapCarrier) {
	for _, k := range slices.Sorted(maps.Keys(carrier)) {
		if !slices.ContainsFunc(rec.Headers, func(h kgo.RecordHeader) bool { return h.Key == k }) {
			rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: k, Value: []byte(carrier[k])})
		}
	}
}
