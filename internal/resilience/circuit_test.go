package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDown = errors.New("capture api: 503")

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func newTestBreaker(threshold int, reset time.Duration, transitions *[]string) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
	cfg := CircuitBreakerConfig{FailureThreshold: threshold, ResetTimeout: reset}
	if transitions != nil {
		cfg.OnStateChange = func(from, to CircuitState) {
			*transitions = append(*transitions, from.String()+"->"+to.String())
		}
	}
	cb := NewCircuitBreaker(cfg)
	cb.now = clock.now
	return cb, clock
}

func call(cb *CircuitBreaker, err error) (int, error) {
	return ExecuteVal(context.Background(), cb, func(context.Context) (int, error) {
		if err != nil {
			return 0, err
		}
		return 7, nil
	})
}

func TestCircuitBreaker_Defaults(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{})
	assert.Equal(t, 5, cb.cfg.FailureThreshold)
	assert.Equal(t, 30*time.Second, cb.cfg.ResetTimeout)
	assert.Equal(t, CircuitClosed, cb.State())

	v, err := call(cb, nil)
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Minute, nil)

	_, _ = call(cb, errDown)
	_, _ = call(cb, errDown)
	_, _ = call(cb, nil)
	_, _ = call(cb, errDown)
	_, _ = call(cb, errDown)
	assert.Equal(t, CircuitClosed, cb.State(), "a success resets the count")

	_, _ = call(cb, errDown)
	assert.Equal(t, CircuitOpen, cb.State())

	called := false
	_, err := ExecuteVal(context.Background(), cb, func(context.Context) (int, error) {
		called = true
		return 0, nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestCircuitBreaker_TrialSuccessCloses(t *testing.T) {
	var transitions []string
	cb, clock := newTestBreaker(1, 10*time.Second, &transitions)

	_, _ = call(cb, errDown)
	require.Equal(t, CircuitOpen, cb.State())

	clock.t = clock.t.Add(11 * time.Second)
	assert.Equal(t, CircuitHalfOpen, cb.State())

	_, err := call(cb, nil)
	require.NoError(t, err)
	assert.Equal(t, CircuitClosed, cb.State())
	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, transitions)
}

func TestCircuitBreaker_TrialFailureReopens(t *testing.T) {
	cb, clock := newTestBreaker(3, time.Second, nil)
	for range 3 {
		_, _ = call(cb, errDown)
	}

	clock.t = clock.t.Add(2 * time.Second)
	_, _ = call(cb, errDown)
	assert.Equal(t, CircuitOpen, cb.State())

	_, err := call(cb, nil)
	assert.ErrorIs(t, err, ErrCircuitOpen, "reopening restarts the timeout")
}

func TestCircuitBreaker_CancelledCallIsNotAFailure(t *testing.T) {
	cb, clock := newTestBreaker(1, time.Second, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ExecuteVal(ctx, cb, func(ctx context.Context) (int, error) { return 0, ctx.Err() })
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, CircuitClosed, cb.State())

	// A cancelled trial call leaves the circuit ready to try again.
	_, _ = call(cb, errDown)
	clock.t = clock.t.Add(2 * time.Second)
	_, _ = ExecuteVal(ctx, cb, func(ctx context.Context) (int, error) { return 0, ctx.Err() })
	assert.Equal(t, CircuitHalfOpen, cb.State())

	_, err = call(cb, nil)
	require.NoError(t, err)
	assert.Equal(t, CircuitClosed, cb.State())
}
