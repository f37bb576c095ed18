package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace string = "harness"

// Collector groups the harness counters. A nil *Collector is valid and
// records nothing.
type Collector struct {
	httpRequests    *prometheus.CounterVec
	retries         *prometheus.CounterVec
	produced        *prometheus.CounterVec
	consumed        *prometheus.CounterVec
	cleanupFailures prometheus.Counter
}

// NewCollector creates the counters and registers them with reg. A nil reg
// leaves them unregistered.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Completed HTTP requests by method and final status code.",
		}, []string{"method", "code"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Retries performed, by component and error category.",
		}, []string{"component", "category"}),
		produced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "messages_produced_total",
			Help:      "Messages published, by topic.",
		}, []string{"topic"}),
		consumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "messages_consumed_total",
			Help:      "Messages collected by consume calls, by topic.",
		}, []string{"topic"}),
		cleanupFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "cleanup_failures_total",
			Help:      "Resource cleanups that returned an error or panicked.",
		}),
	}

	if reg == nil {
		return c, nil
	}

	for _, col := range []prometheus.Collector{c.httpRequests, c.retries, c.produced, c.consumed, c.cleanupFailures} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}

	return c, nil
}

func (c *Collector) HTTPRequest(method string, code int) {
	if c == nil {
		return
	}
	c.httpRequests.WithLabelValues(method, strconv.Itoa(code)).Inc()
}

func (c *Collector) Retry(component, category string) {
	if c == nil {
		return
	}
	c.retries.WithLabelValues(component, category).Inc()
}

func (c *Collector) Produced(topic string, n int) {
	if c == nil {
		return
	}
	c.produced.WithLabelValues(topic).Add(float64(n))
}

func (c *Collector) Consumed(topic string, n int) {
	if c == nil {
		return
	}
	c.consumed.WithLabelValues(topic).Add(float64(n))
}

// CleanupFailed satisfies lifecycle.FailureCounter.
func (c *Collector) CleanupFailed() {
	if c == nil {
		return
	}
	c.cleanupFailures.Inc()
}
