package config

import (
	"github.com/roadrunner-server/harness/httpexec"
	"github.com/roadrunner-server/harness/kafkabus"
)

// RequestContext returns the executor settings, on top of the default
// retryable status and transport codes.
func (c *Config) RequestContext() httpexec.RequestContext {
	policy := httpexec.DefaultRetryPolicy()
	policy.Attempts = c.API.Retries
	policy.BaseDelay = c.API.RetryDelay

	return httpexec.RequestContext{
		BaseURL:     c.API.BaseURL,
		Timeout:     c.API.Timeout,
		RetryPolicy: policy,
		RateLimit:   c.API.RateLimit,
	}
}

func (c *Config) KafkaOptions() kafkabus.Options {
	return kafkabus.Options{
		Brokers:  append([]string(nil), c.Kafka.Brokers...),
		ClientID: c.Kafka.ClientID,
		Timeout:  c.Kafka.Timeout,
		Retry: kafkabus.RetryOptions{
			Attempts: c.Kafka.Retries,
			Delay:    c.Kafka.RetryDelay,
		},
		Transport: kafkabus.TransportKind(c.Kafka.Transport),
	}
}
