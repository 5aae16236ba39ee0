package chain

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingObserver struct {
	mu       sync.Mutex
	attempts int
	retries  int
}

func (o *recordingObserver) ObserveAttempt(string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.attempts++
}

func (o *recordingObserver) ObserveRetry(string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.retries++
}

func fastRetrier(max int, obs RetryObserver) *Retrier {
	return NewRetrier(RetryConfig{MaxAttempts: max, BaseDelay: time.Millisecond, CapMultiplier: 3}, nil, obs)
}

func TestCallStopsAtAttemptCeiling(t *testing.T) {
	for _, max := range []int{1, 3, 5} {
		obs := &recordingObserver{}
		calls := 0
		_, err := Call(context.Background(), fastRetrier(max, obs), "getBalance", func(context.Context) (int, error) {
			calls++
			return 0, ErrRateLimited
		})

		var retryErr *RetryError
		require.ErrorAs(t, err, &retryErr)
		assert.Equal(t, max, calls)
		assert.Equal(t, max, retryErr.Attempts)
		assert.Equal(t, "getBalance", retryErr.Label)
		assert.ErrorIs(t, err, ErrRateLimited)
		assert.Equal(t, max, obs.attempts)
		assert.Equal(t, max-1, obs.retries)
	}
}

func TestCallDoesNotRetryPermanentErrors(t *testing.T) {
	boom := errors.New("invalid params")
	calls := 0
	_, err := Call(context.Background(), fastRetrier(5, nil), "getAccountInfo", func(context.Context) (string, error) {
		calls++
		return "", boom
	})
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, boom)
	var retryErr *RetryError
	assert.False(t, errors.As(err, &retryErr))
}

func TestCallRecoversAfterTransientFailures(t *testing.T) {
	calls := 0
	got, err := Call(context.Background(), fastRetrier(5, nil), "getLatestBlockhash", func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", ErrConnectTimeout
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 3, calls)
}

func TestCallHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	_, err := Call(ctx, fastRetrier(5, nil), "getBalance", func(context.Context) (int, error) {
		calls++
		return 0, ErrRateLimited
	})
	assert.Error(t, err)
	assert.Equal(t, 0, calls)
}

func TestLinearBackOffIsCapped(t *testing.T) {
	b := &linearBackOff{base: 100 * time.Millisecond, cap: 3}
	var got []time.Duration
	for i := 0; i < 5; i++ {
		got = append(got, b.NextBackOff())
	}
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond, 300 * time.Millisecond, 300 * time.Millisecond}, got)

	b.Reset()
	assert.Equal(t, 100*time.Millisecond, b.NextBackOff())
}

func TestTransientClassification(t *testing.T) {
	assert.True(t, IsTransient(&HTTPStatusError{Method: "getBalance", StatusCode: 429}))
	assert.True(t, IsTransient(&RPCError{Method: "getBalance", Code: 429, Message: "Too many requests"}))
	assert.False(t, IsTransient(&HTTPStatusError{Method: "getBalance", StatusCode: 500}))
	assert.False(t, IsTransient(&RPCError{Method: "getBalance", Code: -32602, Message: "invalid params"}))

	dial := &net.OpError{Op: "dial", Net: "tcp", Err: timeoutErr{}}
	assert.True(t, IsTransient(classifyTransportError(dial)))
	read := &net.OpError{Op: "read", Net: "tcp", Err: timeoutErr{}}
	assert.False(t, IsTransient(classifyTransportError(read)))
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }
