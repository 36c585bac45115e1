package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/able/internal/connectors"
)

func TestReliability_CallsExecutorOnce(t *testing.T) {
	cases := map[string]error{
		"generic":  errors.New("connection reset by peer"),
		"throttle": &connectors.ThrottleError{RetryAfter: time.Millisecond, Cause: errors.New("busy")},
	}
	for name, callErr := range cases {
		t.Run(name, func(t *testing.T) {
			exec := &countingExecutor{fn: func(context.Context, string, []byte) ([]byte, error) {
				return nil, callErr
			}}
			w := NewReliabilityWrapper(exec, ReliabilityConfig{}, nil, zap.NewNop())

			_, err := w.Call(context.Background(), "transfer", nil)
			assert.ErrorIs(t, err, callErr)
			assert.Equal(t, 1, exec.count())
		})
	}
}

func TestReliability_Success(t *testing.T) {
	exec := &countingExecutor{fn: func(context.Context, string, []byte) ([]byte, error) {
		return []byte(`{"ok":true}`), nil
	}}
	w := NewReliabilityWrapper(exec, ReliabilityConfig{}, nil, zap.NewNop())

	out, err := w.Call(context.Background(), "echo", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(out))
	assert.Equal(t, 1, exec.count())
}

func TestReliability_BreakerOpens(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	exec := &countingExecutor{fn: func(context.Context, string, []byte) ([]byte, error) {
		return nil, errors.New("connection refused")
	}}
	w := NewReliabilityWrapper(exec, ReliabilityConfig{
		Name:             "test-connector",
		FailureThreshold: 1,
		Timeout:          time.Hour,
	}, metrics, zap.NewNop())

	for i := 0; i < 2; i++ {
		_, err := w.Call(context.Background(), "x", nil)
		require.Error(t, err)
	}
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.CircuitBreakerState.WithLabelValues("test-connector")))

	_, err := w.Call(context.Background(), "x", nil)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 2, exec.count())
}

func TestReliability_PerCallTimeout(t *testing.T) {
	exec := &countingExecutor{fn: func(ctx context.Context, _ string, _ []byte) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	w := NewReliabilityWrapper(exec, ReliabilityConfig{CallTimeout: 20 * time.Millisecond}, nil, zap.NewNop())

	start := time.Now()
	_, err := w.Call(context.Background(), "slow", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
	// таймаут не повторяется
	assert.Equal(t, 1, exec.count())
}

func TestReliability_CancelledContext(t *testing.T) {
	exec := &countingExecutor{fn: func(context.Context, string, []byte) ([]byte, error) { return nil, nil }}
	w := NewReliabilityWrapper(exec, ReliabilityConfig{}, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := w.Call(ctx, "x", nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, exec.count())
}

func TestBreakerStateValue(t *testing.T) {
	assert.Equal(t, 0.0, breakerStateValue(gobreaker.StateClosed))
	assert.Equal(t, 1.0, breakerStateValue(gobreaker.StateHalfOpen))
	assert.Equal(t, 2.0, breakerStateValue(gobreaker.StateOpen))
}
