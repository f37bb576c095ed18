package kafkabus

import (
	"context"
	"strconv"
	"time"

	"github.com/roadrunner-server/harness/testerr"
	"go.uber.org/zap"
)

// RetryOperation runs op until it succeeds or the bus retry budget is spent.
func (b *Bus) RetryOperation(ctx context.Context, description string, op func(context.Context) error) error {
	_, err := Retry(ctx, b, description, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Retry runs op up to Options.Retry.Attempts times, sleeping Delay*n after
// the n-th failure. The final error names the attempt count and keeps the
// category of the last failure.
func Retry[T any](ctx context.Context, b *Bus, description string, op func(context.Context) (T, error)) (T, error) {
	var zero T

	if description == "" {
		description = "operation"
	}

	attempts := b.opts.Retry.Attempts
	for attempt := 1; ; attempt++ {
		res, err := op(ctx)
		if err == nil {
			return res, nil
		}

		te := testerr.Classify(err)
		if attempt >= attempts {
			b.log.Error("operation failed", zap.String("operation", description), zap.Int("attempts", attempt), zap.Error(err))
			return zero, te.With(
				"failed "+description+" after "+strconv.Itoa(attempt)+" attempts: "+te.Message,
				map[string]any{"operation": description, "attempts": attempt},
			)
		}

		delay := b.opts.Retry.Delay * time.Duration(attempt)
		b.log.Warn("retrying operation",
			zap.String("operation", description),
			zap.String("category", string(te.Category)),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
		)
		b.metrics.Retry(component, string(te.Category))

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return zero, testerr.Classify(ctx.Err()).With(
				"failed "+description+": canceled after "+strconv.Itoa(attempt)+" attempts",
				map[string]any{"operation": description, "attempts": attempt},
			)
		}
	}
}
