package sources

import (
	"context"
	"errors"
	"io"
	"math/rand/v2"
	"net"
	"strings"
	"time"
)

type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultRetryConfig allows two retries, 300ms then 600ms before jitter.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 300 * time.Millisecond,
		MaxDelay:     3 * time.Second,
		Multiplier:   2.0,
	}
}

// RetryableError lets providers classify their own failures, e.g. HTTP 5xx or 429.
type RetryableError interface {
	error
	Retryable() bool
}

// RetryAfterError carries a server-requested delay, as in an HTTP Retry-After header.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

// delay is the jittered wait after the given failed attempt (1-based).
func (c RetryConfig) delay(attempt int, err error) time.Duration {
	var hinted RetryAfterError
	if errors.As(err, &hinted) && hinted.RetryAfter() > 0 {
		return c.clamp(hinted.RetryAfter())
	}
	multiplier := max(c.Multiplier, 1)
	wait := float64(c.InitialDelay)
	for i := 1; i < attempt; i++ {
		wait *= multiplier
		if c.MaxDelay > 0 && wait >= float64(c.MaxDelay) {
			break
		}
	}
	return c.clamp(applyJitter(time.Duration(wait)))
}

func (c RetryConfig) clamp(d time.Duration) time.Duration {
	if c.MaxDelay > 0 && d > c.MaxDelay {
		return c.MaxDelay
	}
	return d
}

// RetryWithBackoff calls fn with the attempt number (from 1) until it succeeds, returns a
// permanent error, or runs out of attempts. The last error is returned.
func RetryWithBackoff(ctx context.Context, cfg RetryConfig, fn func(attempt int) error) error {
	attempts := max(cfg.MaxAttempts, 1)
	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(attempt); err == nil {
			return nil
		}
		if attempt >= attempts || !isTransientError(err) {
			return err
		}
		timer := time.NewTimer(cfg.delay(attempt, err))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// applyJitter spreads d over [0.75d, 1.25d).
func applyJitter(d time.Duration) time.Duration {
	return time.Duration(float64(d) * (0.75 + rand.Float64()*0.5))
}

var transientMessages = []string{"timeout", "connection reset", "connection refused", "tls handshake"}

// isTransientError is true for timeouts, dropped connections and errors that declare themselves
// retryable. Cancellation and open breakers are never transient.
func isTransientError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, ErrProviderBlocked) {
		return false
	}
	var retryable RetryableError
	if errors.As(err, &retryable) {
		return retryable.Retryable()
	}
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &netErr),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF):
		return true
	}
	lower := strings.ToLower(err.Error())
	for _, marker := range transientMessages {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
