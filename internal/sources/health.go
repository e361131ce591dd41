package sources

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"debridui/resolver/internal/domain"
	"debridui/resolver/internal/metrics"
)

const (
	breakerThreshold = 3
	breakerBaseDelay = 2 * time.Minute
	breakerMaxDelay  = 15 * time.Minute
)

var ErrProviderBlocked = errors.New("provider temporarily blocked")

// BlockedError is returned without calling the provider while its breaker is open.
type BlockedError struct {
	Provider  string
	Until     time.Time
	LastError string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("%s blocked until %s after: %s", e.Provider, e.Until.UTC().Format(time.RFC3339), e.LastError)
}

func (e *BlockedError) Unwrap() error { return ErrProviderBlocked }

// breaker tracks one provider. It opens after breakerThreshold consecutive failures; every further
// failure doubles the open window up to breakerMaxDelay, and one success closes it again.
type breaker struct {
	name string

	mu          sync.Mutex
	failures    int
	openUntil   time.Time
	lastErr     string
	lastOK      time.Time
	lastFail    time.Time
	lastLatency time.Duration
	lastTimeout bool
	lastKey     string
	requests    int64
	failed      int64
	timeouts    int64
}

func newBreaker(name string) *breaker {
	return &breaker{name: name}
}

func (b *breaker) allow(now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openUntil.IsZero() || !now.Before(b.openUntil) {
		return nil
	}
	return &BlockedError{Provider: b.name, Until: b.openUntil, LastError: b.lastErr}
}

// observe records one finished call. Cancellation says nothing about the provider and is skipped.
func (b *breaker) observe(key domain.RequestKey, err error, latency time.Duration, now time.Time) {
	if errors.Is(err, context.Canceled) {
		return
	}
	timedOut := isTimeoutLikeError(err)

	b.mu.Lock()
	b.requests++
	b.lastKey = key.String()
	b.lastTimeout = timedOut
	if timedOut {
		b.timeouts++
	}
	if latency > 0 {
		b.lastLatency = latency
	}
	outcome := "ok"
	open := false
	if err == nil {
		b.failures = 0
		b.openUntil = time.Time{}
		b.lastErr = ""
		b.lastOK = now
	} else {
		b.failures++
		b.failed++
		b.lastFail = now
		b.lastErr = err.Error()
		outcome = "error"
		if timedOut {
			outcome = "timeout"
		}
		if b.failures >= breakerThreshold {
			b.openUntil = now.Add(openWindow(b.failures))
			open = true
		}
	}
	b.mu.Unlock()

	if latency > 0 {
		metrics.ProviderRequestDuration.WithLabelValues(b.name).Observe(latency.Seconds())
	}
	metrics.ProviderRequestsTotal.WithLabelValues(b.name, outcome).Inc()
	switch {
	case err == nil:
		metrics.ProviderAvailable.WithLabelValues(b.name).Set(1)
	case open:
		metrics.ProviderAvailable.WithLabelValues(b.name).Set(0)
	}
}

func (b *breaker) snapshot(info domain.ProviderInfo) domain.ProviderDiagnostics {
	b.mu.Lock()
	defer b.mu.Unlock()
	return domain.ProviderDiagnostics{
		Name:                info.Name,
		Label:               info.Label,
		Kind:                info.Kind,
		Enabled:             info.Enabled,
		ConsecutiveFailures: b.failures,
		BlockedUntil:        timePtr(b.openUntil),
		LastError:           b.lastErr,
		LastSuccessAt:       timePtr(b.lastOK),
		LastFailureAt:       timePtr(b.lastFail),
		LastLatencyMS:       b.lastLatency.Milliseconds(),
		LastTimeout:         b.lastTimeout,
		LastMedia:           b.lastKey,
		TotalRequests:       b.requests,
		TotalFailures:       b.failed,
		TimeoutCount:        b.timeouts,
	}
}

func openWindow(failures int) time.Duration {
	window := breakerBaseDelay
	for i := breakerThreshold; i < failures; i++ {
		window *= 2
		if window >= breakerMaxDelay {
			return breakerMaxDelay
		}
	}
	return window
}

func isTimeoutLikeError(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.DeadlineExceeded):
		return true
	default:
		return strings.Contains(strings.ToLower(err.Error()), "timeout")
	}
}

// ProviderDiagnostics reports breaker state per provider, in priority order.
func (s *Service) ProviderDiagnostics() []domain.ProviderDiagnostics {
	if len(s.providers) == 0 {
		return nil
	}
	items := make([]domain.ProviderDiagnostics, 0, len(s.providers))
	for i, provider := range s.providers {
		items = append(items, s.breakers[i].snapshot(providerInfo(provider)))
	}
	return items
}

func timePtr(value time.Time) *time.Time {
	if value.IsZero() {
		return nil
	}
	return &value
}
