package harness

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/roadrunner-server/errors"
	"github.com/roadrunner-server/harness/config"
	"github.com/roadrunner-server/harness/httpexec"
	"github.com/roadrunner-server/harness/kafkabus"
	"github.com/roadrunner-server/harness/lifecycle"
	"github.com/roadrunner-server/harness/metrics"
	"github.com/roadrunner-server/harness/testerr"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const name string = "harness"

// Harness owns one executor, one bus and the lifecycle manager both of them
// register with.
type Harness struct {
	cfg *config.Config
	log *zap.Logger

	// tp is only set when the harness created the provider itself
	tp       *sdktrace.TracerProvider
	registry *prometheus.Registry
	metrics  *metrics.Collector
	lm       *lifecycle.Manager

	http *httpexec.Executor
	bus  *kafkabus.Bus
}

type settings struct {
	log        *zap.Logger
	tp         trace.TracerProvider
	registry   *prometheus.Registry
	httpRT     http.RoundTripper
	busTr      kafkabus.Transport
	lifecycleM *lifecycle.Manager
}

type Option func(*settings)

// WithLogger replaces the logger built from the configuration.
func WithLogger(log *zap.Logger) Option {
	return func(s *settings) {
		s.log = log
	}
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *settings) {
		s.tp = tp
	}
}

// WithRegistry registers the harness collectors on reg instead of a private registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(s *settings) {
		s.registry = reg
	}
}

func WithHTTPTransport(rt http.RoundTripper) Option {
	return func(s *settings) {
		s.httpRT = rt
	}
}

func WithBusTransport(tr kafkabus.Transport) Option {
	return func(s *settings) {
		s.busTr = tr
	}
}

// WithLifecycle shares an existing manager, e.g. one already watching signals.
func WithLifecycle(lm *lifecycle.Manager) Option {
	return func(s *settings) {
		s.lifecycleM = lm
	}
}

// New wires the harness from a validated configuration. The bus is created
// but not connected.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Harness, error) {
	const op = errors.Op("harness_new")

	if cfg == nil {
		return nil, testerr.ConfigError(nil, "configuration is required")
	}

	s := &settings{}
	for _, o := range opts {
		o(s)
	}

	h := &Harness{cfg: cfg}

	if s.log == nil {
		log, err := cfg.Logger()
		if err != nil {
			return nil, testerr.ConfigError(errors.E(op, err), "failed to build logger: "+err.Error())
		}
		s.log = log
	}
	h.log = s.log.Named(name)

	if s.tp == nil {
		h.tp = sdktrace.NewTracerProvider()
		s.tp = h.tp
	}

	h.registry = s.registry
	if h.registry == nil {
		h.registry = prometheus.NewRegistry()
	}

	var err error
	h.metrics, err = metrics.NewCollector(h.registry)
	if err != nil {
		return nil, testerr.ConfigError(errors.E(op, err), "failed to register metrics: "+err.Error())
	}

	h.lm = s.lifecycleM
	if h.lm == nil {
		h.lm = lifecycle.NewManager(h.log.Named("lifecycle"), lifecycle.WithFailureCounter(h.metrics))
	}

	httpOpts := []httpexec.Option{
		httpexec.WithLogger(h.log.Named("http")),
		httpexec.WithTracerProvider(s.tp),
		httpexec.WithMetrics(h.metrics),
		httpexec.WithLifecycle(h.lm),
	}
	if s.httpRT != nil {
		httpOpts = append(httpOpts, httpexec.WithTransport(s.httpRT))
	}

	h.http, err = httpexec.New(cfg.RequestContext(), httpOpts...)
	if err != nil {
		return nil, err
	}

	busOpts := []kafkabus.Option{
		kafkabus.WithLogger(h.log.Named("kafka")),
		kafkabus.WithTracerProvider(s.tp),
		kafkabus.WithMetrics(h.metrics),
		kafkabus.WithLifecycle(h.lm),
	}
	if s.busTr != nil {
		busOpts = append(busOpts, kafkabus.WithTransport(s.busTr))
	}

	h.bus, err = kafkabus.New(ctx, cfg.KafkaOptions(), busOpts...)
	if err != nil {
		h.lm.Unregister(h.http)
		return nil, err
	}

	h.log.Debug("harness ready",
		zap.String("base_url", cfg.API.BaseURL),
		zap.Strings("brokers", cfg.Kafka.Brokers),
		zap.String("transport", cfg.Kafka.Transport),
	)

	return h, nil
}

func (h *Harness) Config() *config.Config {
	return h.cfg
}

func (h *Harness) Logger() *zap.Logger {
	return h.log
}

func (h *Harness) HTTP() *httpexec.Executor {
	return h.http
}

func (h *Harness) Bus() *kafkabus.Bus {
	return h.bus
}

func (h *Harness) Lifecycle() *lifecycle.Manager {
	return h.lm
}

// Gatherer exposes the harness metrics.
func (h *Harness) Gatherer() prometheus.Gatherer {
	return h.registry
}

// Close shuts the lifecycle manager down and flushes the tracer provider the
// harness created. It is safe to call after a signal already triggered the
// shutdown.
func (h *Harness) Close(ctx context.Context) {
	h.lm.Shutdown(ctx)

	if h.tp != nil {
		if err := h.tp.Shutdown(ctx); err != nil {
			h.log.Warn("failed to shut down tracer provider", zap.Error(err))
		}
	}

	_ = h.log.Sync()
}
