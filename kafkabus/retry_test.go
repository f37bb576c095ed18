package kafkabus

import (
	"context"
	stderr "errors"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/roadrunner-server/harness/testerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestRetryOperationSucceedsAfterFailures(t *testing.T) {
	b, _ := newMemoryBus(t)

	calls := 0
	err := b.RetryOperation(context.Background(), "create topic", func(context.Context) error {
		calls++
		if calls < 3 {
			return stderr.New("not yet")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryExhaustsAttempts(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	b, _ := newMemoryBus(t, WithLogger(zap.New(core)))

	calls := 0
	start := time.Now()
	n, err := Retry(context.Background(), b, "list partitions", func(context.Context) (int, error) {
		calls++
		return 0, os.NewSyscallError("connect", syscall.ECONNREFUSED)
	})

	require.Error(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 3, calls)

	var te *testerr.TestError
	require.True(t, stderr.As(err, &te))
	assert.Equal(t, testerr.Network, te.Category)
	assert.Contains(t, te.Message, "failed list partitions after 3 attempts")
	assert.Equal(t, 3, te.Context["attempts"])
	assert.ErrorIs(t, err, syscall.ECONNREFUSED)

	// linear delay: 1ms after the first failure, 2ms after the second
	assert.GreaterOrEqual(t, time.Since(start), 3*time.Millisecond)

	retries := logs.FilterMessage("retrying operation").All()
	require.Len(t, retries, 2)
	assert.Equal(t, time.Millisecond, retries[0].ContextMap()["delay"])
	assert.Equal(t, 2*time.Millisecond, retries[1].ContextMap()["delay"])
}

func TestRetryReturnsValue(t *testing.T) {
	b, _ := newMemoryBus(t)

	got, err := Retry(context.Background(), b, "", func(context.Context) (string, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
}

func TestRetryStopsOnCancel(t *testing.T) {
	opts := testOptions()
	opts.Retry = RetryOptions{Attempts: 5, Delay: time.Hour}
	b, err := New(context.Background(), opts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err = b.RetryOperation(ctx, "slow", func(context.Context) error {
		calls++
		return stderr.New("boom")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Contains(t, err.Error(), "canceled after 1 attempts")
}
