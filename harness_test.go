package harness

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/launchdarkly/go-test-helpers/v2/httphelpers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/roadrunner-server/harness/config"
	"github.com/roadrunner-server/harness/kafkabus"
	"github.com/roadrunner-server/harness/lifecycle"
	"github.com/roadrunner-server/harness/testerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func testConfig(t *testing.T, baseURL string) *config.Config {
	t.Helper()

	cfg, err := config.FromValues(map[string]any{
		config.APIBaseURL:      baseURL,
		config.APIRetryDelay:   1,
		config.KafkaTransport:  "memory",
		config.KafkaRetryDelay: 1,
		config.LogLevel:        "debug",
	})
	require.NoError(t, err)
	return cfg
}

func TestHarnessEndToEnd(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	exporter := tracetest.NewInMemoryExporter()
	tp := trace.NewTracerProvider(trace.WithSyncer(exporter))

	httphelpers.WithServer(httphelpers.HandlerWithJSONResponse(map[string]any{"id": 7}, nil), func(srv *httptest.Server) {
		ctx := context.Background()

		h, err := New(ctx, testConfig(t, srv.URL), WithLogger(zap.New(core)), WithTracerProvider(tp))
		require.NoError(t, err)

		resp, err := h.HTTP().Get(ctx, "/users/7", nil)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, int64(7), resp.Path("id").Int())

		bus := h.Bus()
		require.NoError(t, bus.Connect(ctx))
		topic := kafkabus.UniqueName("harness")
		require.NoError(t, bus.Publish(ctx, kafkabus.ProduceRequest{
			Topic:    topic,
			Messages: []kafkabus.Message{{Value: map[string]int{"id": 7}}},
		}))

		got, err := bus.WaitForMessage(ctx, topic, kafkabus.UniqueName("group"), func(m kafkabus.ConsumedMessage) bool {
			return kafkabus.ParseMessage(m).(map[string]any)["id"] == float64(7)
		}, time.Second)
		require.NoError(t, err)
		require.NotNil(t, got)

		n, err := testutil.GatherAndCount(h.Gatherer(), "harness_http_requests_total", "harness_bus_messages_produced_total")
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		// executor and bus
		assert.Equal(t, 2, h.Lifecycle().Len())

		h.Close(ctx)
		assert.True(t, h.Lifecycle().ShuttingDown())
		assert.Zero(t, h.Lifecycle().Len())

		_, err = bus.ListTopics(ctx)
		assert.Equal(t, testerr.Resource, testerr.CategoryOf(err))

		// a signal may have closed it already
		h.Close(ctx)
	})

	assert.NotEmpty(t, logs.FilterLoggerName("harness.http").All())
	assert.NotEmpty(t, exporter.GetSpans())
}

func TestHarnessRejectsNilConfig(t *testing.T) {
	_, err := New(context.Background(), nil)
	require.Error(t, err)
	assert.Equal(t, testerr.Config, testerr.CategoryOf(err))
}

func TestHarnessRejectsBadKafkaOptions(t *testing.T) {
	cfg := testConfig(t, "http://localhost")
	cfg.Kafka.Retries = -1

	_, err := New(context.Background(), cfg, WithLogger(zap.NewNop()))
	require.Error(t, err)
	assert.Equal(t, testerr.Config, testerr.CategoryOf(err))
}

func TestHarnessSharedInfrastructure(t *testing.T) {
	ctx := context.Background()
	lm := lifecycle.NewManager(nil)
	reg := prometheus.NewRegistry()
	broker := kafkabus.NewMemoryBroker()

	cfg := testConfig(t, "http://localhost")
	cfg.Kafka.Transport = "kafka"

	h, err := New(ctx, cfg,
		WithLogger(zap.NewNop()),
		WithLifecycle(lm),
		WithRegistry(reg),
		WithBusTransport(broker.Transport()),
	)
	require.NoError(t, err)
	assert.Same(t, lm, h.Lifecycle())

	require.NoError(t, h.Bus().Connect(ctx))
	require.NoError(t, h.Bus().Publish(ctx, kafkabus.ProduceRequest{
		Topic:    "shared",
		Messages: []kafkabus.Message{{Value: "v"}},
	}))
	assert.Len(t, broker.Messages("shared", 0), 1, "the supplied transport wins over the configured one")

	n, err := testutil.GatherAndCount(reg, "harness_bus_messages_produced_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	lm.Shutdown(ctx)
	_, err = h.Bus().ListTopics(ctx)
	assert.Equal(t, testerr.Resource, testerr.CategoryOf(err))
}
