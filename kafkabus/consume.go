package kafkabus

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/roadrunner-server/harness/internal/tracing"
	"github.com/roadrunner-server/harness/testerr"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	defaultMaxMessages int = 10
	waitMaxMessages    int = 100
	closeTimeout           = 10 * time.Second
)

// consumerHandle closes its consumer exactly once, whoever gets there first:
// the Consume call that opened it or a concurrent Disconnect.
type consumerHandle struct {
	c     Consumer
	topic string
	once  sync.Once
	err   error
}

func (h *consumerHandle) close(ctx context.Context) error {
	h.once.Do(func() {
		h.err = h.c.Close(ctx)
	})
	return h.err
}

// Consume opens a fresh consumer for q.GroupID and collects messages until
// q.Timeout elapses, q.MaxMessages arrived or q.StopWhen accepted one,
// whichever comes first. No message before the deadline yields an empty,
// non-nil slice.
func (b *Bus) Consume(ctx context.Context, q ConsumeQuery) ([]ConsumedMessage, error) {
	if q.Topic == "" || q.GroupID == "" {
		return nil, testerr.ValidationError("consume requires a topic and a group id")
	}

	if q.MaxMessages <= 0 {
		q.MaxMessages = defaultMaxMessages
	}
	if q.Timeout <= 0 {
		q.Timeout = b.opts.Timeout
	}
	autoCommit := q.AutoCommit == nil || *q.AutoCommit

	ctx, span := b.tracer.Start(ctx, "consume "+q.Topic, trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("messaging.destination.name", q.Topic),
		attribute.String("messaging.consumer.group.name", q.GroupID),
	)

	start := time.Now()

	cons, err := b.tr.Consumer(ctx, ConsumerConfig{
		Topic:         q.Topic,
		GroupID:       q.GroupID,
		ClientID:      b.opts.ClientID + "-consumer-" + uuid.NewString()[:8],
		FromBeginning: q.FromBeginning,
		AutoCommit:    autoCommit,
	})
	if err != nil {
		te := b.consumeError(q.Topic, err)
		tracing.End(span, te)
		return nil, te
	}

	h := &consumerHandle{c: cons, topic: q.Topic}
	b.track(h)

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	recCh := make(chan ConsumedMessage)
	errCh := make(chan error, 1)

	go func() {
		errCh <- cons.Stream(streamCtx, recCh)
	}()

	timer := time.NewTimer(q.Timeout)
	defer timer.Stop()

	msgs := make([]ConsumedMessage, 0, min(q.MaxMessages, waitMaxMessages))
	var (
		streamErr  error
		streamDone bool
		reason     string
	)

loop:
	for {
		select {
		case <-timer.C:
			reason = "timeout"
			break loop
		case <-ctx.Done():
			reason = "canceled"
			streamErr = ctx.Err()
			break loop
		case m := <-recCh:
			msgs = append(msgs, m)
			if len(msgs) >= q.MaxMessages {
				reason = "max_messages"
				break loop
			}
			if q.StopWhen != nil && q.StopWhen(m) {
				reason = "matched"
				break loop
			}
		case err := <-errCh:
			streamDone = true
			reason = "stream_closed"
			streamErr = err
			break loop
		}
	}

	// stop the reader before closing the consumer under it
	cancel()
	if !streamDone {
		<-errCh
	}

	cctx, ccancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	if err := h.close(cctx); err != nil {
		b.log.Warn("failed to close consumer", zap.String("topic", q.Topic), zap.String("group", q.GroupID), zap.Error(err))
	}
	ccancel()
	b.untrack(h)

	if streamErr != nil {
		te := b.consumeError(q.Topic, streamErr)
		tracing.End(span, te)
		return nil, te
	}

	b.metrics.Consumed(q.Topic, len(msgs))
	b.log.Debug("consume finished",
		zap.String("topic", q.Topic),
		zap.String("group", q.GroupID),
		zap.Int("messages", len(msgs)),
		zap.String("reason", reason),
		zap.Duration("elapsed", time.Since(start)),
	)
	tracing.End(span, nil, attribute.Int("messaging.batch.message_count", len(msgs)))

	return msgs, nil
}

// WaitForMessage consumes topic for up to timeout and returns the first
// message, in arrival order, accepted by predicate, or nil if none was.
func (b *Bus) WaitForMessage(ctx context.Context, topic, groupID string, predicate func(ConsumedMessage) bool, timeout time.Duration) (*ConsumedMessage, error) {
	return b.WaitFor(ctx, ConsumeQuery{
		Topic:   topic,
		GroupID: groupID,
		Timeout: timeout,
	}, predicate)
}

// WaitFor is WaitForMessage over a full query. q.StopWhen is replaced by
// predicate and a zero q.MaxMessages means 100.
func (b *Bus) WaitFor(ctx context.Context, q ConsumeQuery, predicate func(ConsumedMessage) bool) (*ConsumedMessage, error) {
	if predicate == nil {
		return nil, testerr.ValidationError("wait for message requires a predicate")
	}

	if q.MaxMessages <= 0 {
		q.MaxMessages = waitMaxMessages
	}
	q.StopWhen = predicate

	msgs, err := b.Consume(ctx, q)
	if err != nil {
		return nil, err
	}

	for i := range msgs {
		if predicate(msgs[i]) {
			return &msgs[i], nil
		}
	}

	return nil, nil
}

func (b *Bus) consumeError(topic string, err error) error {
	base := testerr.Classify(err)
	b.log.Error("failed to consume", zap.String("topic", topic), zap.Error(err))
	return base.With("failed to consume messages from topic "+topic+": "+base.Message, map[string]any{"topic": topic})
}

func (b *Bus) track(h *consumerHandle) {
	b.mu.Lock()
	b.consumers[h] = struct{}{}
	b.mu.Unlock()
}

func (b *Bus) untrack(h *consumerHandle) {
	b.mu.Lock()
	delete(b.consumers, h)
	b.mu.Unlock()
}
