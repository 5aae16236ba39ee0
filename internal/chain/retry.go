package chain

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RetryConfig bounds the retry loop around every RPC call.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts, first try included.
	MaxAttempts int
	// BaseDelay is multiplied by the attempt number between tries.
	BaseDelay time.Duration
	// CapMultiplier caps that multiplier.
	CapMultiplier int
	// RequestsPerSecond paces outbound attempts; zero disables pacing.
	RequestsPerSecond float64
}

// DefaultRetryConfig mirrors the defaults the service ships with.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   5,
		BaseDelay:     500 * time.Millisecond,
		CapMultiplier: 4,
	}
}

// RetryObserver is told about every attempt outcome. Metrics implement it.
type RetryObserver interface {
	ObserveAttempt(label string, err error)
	ObserveRetry(label string)
}

// Retrier runs operations with the bounded retry policy.
type Retrier struct {
	cfg      RetryConfig
	limiter  *rate.Limiter
	logger   *zap.Logger
	observer RetryObserver
}

// NewRetrier builds a Retrier. A nil logger is replaced with a no-op one.
func NewRetrier(cfg RetryConfig, logger *zap.Logger, observer RetryObserver) *Retrier {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.CapMultiplier <= 0 {
		cfg.CapMultiplier = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := rate.Inf
	burst := 1
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
		burst = int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
	}
	return &Retrier{
		cfg:      cfg,
		limiter:  rate.NewLimiter(limit, burst),
		logger:   logger,
		observer: observer,
	}
}

// linearBackOff waits base * min(attempt, cap) before each retry.
type linearBackOff struct {
	base    time.Duration
	cap     int
	attempt int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempt++
	m := b.attempt
	if m > b.cap {
		m = b.cap
	}
	return b.base * time.Duration(m)
}

func (b *linearBackOff) Reset() { b.attempt = 0 }

// Call runs op under r's policy. Only ErrRateLimited and ErrConnectTimeout
// are retried; any other error returns at once. When the ceiling is hit the
// last error comes back wrapped in a *RetryError carrying the attempt count.
func Call[T any](ctx context.Context, r *Retrier, label string, op func(ctx context.Context) (T, error)) (T, error) {
	var (
		result   T
		attempts int
		lastErr  error
	)
	policy := backoff.WithContext(
		backoff.WithMaxRetries(&linearBackOff{base: r.cfg.BaseDelay, cap: r.cfg.CapMultiplier}, uint64(r.cfg.MaxAttempts-1)),
		ctx,
	)
	operation := func() error {
		if err := r.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		attempts++
		v, err := op(ctx)
		if r.observer != nil {
			r.observer.ObserveAttempt(label, err)
		}
		if err == nil {
			result = v
			return nil
		}
		lastErr = err
		if !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		if r.observer != nil {
			r.observer.ObserveRetry(label)
		}
		r.logger.Warn("transient rpc failure, retrying",
			zap.String("label", label),
			zap.Int("attempt", attempts),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}

	err := backoff.RetryNotify(operation, policy, notify)
	if err == nil {
		return result, nil
	}
	var zero T
	if lastErr != nil && IsTransient(lastErr) && ctx.Err() == nil {
		return zero, &RetryError{Label: label, Attempts: attempts, Err: lastErr}
	}
	return zero, err
}
