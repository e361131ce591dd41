// Package resolver tracks playback resolution attempts per request key and drives the
// gather-then-select flow that settles them.
package resolver

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/rs/xid"

	"debridui/resolver/internal/domain"
	"debridui/resolver/internal/metrics"
)

const defaultSettledRetention = 10 * time.Minute

type State string

const (
	StateIdle      State = "idle"
	StateResolving State = "resolving"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

func (s State) Settled() bool {
	return s == StateSucceeded || s == StateFailed
}

// Policy decides what Begin does when the key is already resolving.
type Policy string

const (
	// PolicyIgnore rejects the new attempt and leaves the running one alone.
	PolicyIgnore Policy = "ignore"
	// PolicySupersede cancels the running attempt and starts a new generation.
	PolicySupersede Policy = "supersede"
)

func ParsePolicy(raw string) (Policy, bool) {
	switch Policy(strings.ToLower(strings.TrimSpace(raw))) {
	case "", PolicyIgnore:
		return PolicyIgnore, true
	case PolicySupersede:
		return PolicySupersede, true
	default:
		return "", false
	}
}

// Record is the externally visible state of one key.
type Record struct {
	Key        domain.RequestKey       `json:"key"`
	State      State                   `json:"state"`
	AttemptID  string                  `json:"attemptId,omitempty"`
	Generation uint64                  `json:"generation,omitempty"`
	Result     *domain.SelectionResult `json:"result,omitempty"`
	Error      string                  `json:"error,omitempty"`
	StartedAt  *time.Time              `json:"startedAt,omitempty"`
	SettledAt  *time.Time              `json:"settledAt,omitempty"`
}

// Attempt identifies one accepted Begin. Only the attempt holding the current generation for its
// key may settle it.
type Attempt struct {
	Key        domain.RequestKey
	ID         string
	Generation uint64
	StartedAt  time.Time
}

type entry struct {
	record Record
	cancel context.CancelFunc
}

type Tracker struct {
	mu         sync.Mutex
	entries    map[domain.RequestKey]*entry
	generation uint64
	policy     Policy
	retention  time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

type TrackerOption func(*Tracker)

func WithPolicy(policy Policy) TrackerOption {
	return func(t *Tracker) {
		if policy != "" {
			t.policy = policy
		}
	}
}

func WithSettledRetention(retention time.Duration) TrackerOption {
	return func(t *Tracker) {
		if retention > 0 {
			t.retention = retention
		}
	}
}

func WithClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

func WithTrackerLogger(logger *slog.Logger) TrackerOption {
	return func(t *Tracker) {
		if logger != nil {
			t.logger = logger
		}
	}
}

func NewTracker(opts ...TrackerOption) *Tracker {
	t := &Tracker{
		entries:   make(map[domain.RequestKey]*entry),
		policy:    PolicyIgnore,
		retention: defaultSettledRetention,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) Policy() Policy {
	return t.policy
}

// Begin moves key into resolving. The returned context is derived from ctx and is cancelled when
// the attempt settles or is superseded. ok is false when the key is already resolving and the
// policy is PolicyIgnore; the caller must not start gathering in that case.
func (t *Tracker) Begin(ctx context.Context, key domain.RequestKey) (Attempt, context.Context, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.pruneLocked(now)

	current := t.entries[key]
	if current != nil && current.record.State == StateResolving {
		if t.policy != PolicySupersede {
			metrics.ResolutionsTotal.WithLabelValues(metrics.OutcomeDuplicate).Inc()
			t.logger.Debug("resolution already in flight",
				slog.String("key", key.String()),
				slog.String("attemptId", current.record.AttemptID),
			)
			return Attempt{}, ctx, false
		}
		if current.cancel != nil {
			current.cancel()
		}
		t.logger.Info("superseding in-flight resolution",
			slog.String("key", key.String()),
			slog.String("attemptId", current.record.AttemptID),
		)
	} else {
		metrics.ResolutionsInFlight.Inc()
	}

	t.generation++
	attempt := Attempt{
		Key:        key,
		ID:         xid.New().String(),
		Generation: t.generation,
		StartedAt:  now,
	}
	runCtx, cancel := context.WithCancel(ctx)
	startedAt := now
	t.entries[key] = &entry{
		record: Record{
			Key:        key,
			State:      StateResolving,
			AttemptID:  attempt.ID,
			Generation: attempt.Generation,
			StartedAt:  &startedAt,
		},
		cancel: cancel,
	}
	return attempt, runCtx, true
}

// Complete settles attempt as succeeded. It reports false, changing nothing, when the attempt is
// no longer the current one for its key.
func (t *Tracker) Complete(attempt Attempt, result domain.SelectionResult) bool {
	return t.settle(attempt, func(record *Record) {
		record.State = StateSucceeded
		record.Result = &result
	})
}

// Fail settles attempt as failed with err's message. Stale attempts are dropped like in Complete.
func (t *Tracker) Fail(attempt Attempt, err error) bool {
	return t.settle(attempt, func(record *Record) {
		record.State = StateFailed
		if err != nil {
			record.Error = err.Error()
		}
	})
}

func (t *Tracker) settle(attempt Attempt, apply func(*Record)) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	current := t.entries[attempt.Key]
	if current == nil || current.record.Generation != attempt.Generation || current.record.State != StateResolving {
		metrics.ResolutionsTotal.WithLabelValues(metrics.OutcomeStale).Inc()
		t.logger.Debug("dropping stale resolution",
			slog.String("key", attempt.Key.String()),
			slog.String("attemptId", attempt.ID),
		)
		return false
	}

	apply(&current.record)
	settledAt := t.now()
	current.record.SettledAt = &settledAt
	if current.cancel != nil {
		current.cancel()
		current.cancel = nil
	}
	metrics.ResolutionsInFlight.Dec()
	metrics.ResolutionDuration.Observe(settledAt.Sub(attempt.StartedAt).Seconds())
	return true
}

func (t *Tracker) IsLoading(key domain.RequestKey) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	current := t.entries[key]
	return current != nil && current.record.State == StateResolving
}

// Status returns the latest record for key. ok is false when the key is idle, including when its
// settled record has aged out.
func (t *Tracker) Status(key domain.RequestKey) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	current := t.entries[key]
	if current == nil || t.expiredLocked(current, t.now()) {
		return Record{Key: key, State: StateIdle}, false
	}
	return cloneRecord(current.record), true
}

// Resolving returns the keys currently in flight.
func (t *Tracker) Resolving() []domain.RequestKey {
	t.mu.Lock()
	defer t.mu.Unlock()

	keys := make([]domain.RequestKey, 0, len(t.entries))
	for key, current := range t.entries {
		if current.record.State == StateResolving {
			keys = append(keys, key)
		}
	}
	return keys
}

func (t *Tracker) expiredLocked(current *entry, now time.Time) bool {
	if !current.record.State.Settled() || current.record.SettledAt == nil {
		return false
	}
	return now.Sub(*current.record.SettledAt) > t.retention
}

func (t *Tracker) pruneLocked(now time.Time) {
	for key, current := range t.entries {
		if t.expiredLocked(current, now) {
			delete(t.entries, key)
		}
	}
}

func cloneRecord(record Record) Record {
	out := record
	if record.Result != nil {
		result := *record.Result
		if record.Result.Source != nil {
			source := *record.Result.Source
			result.Source = &source
		}
		result.CachedMatches = domain.CloneCandidates(record.Result.CachedMatches)
		result.UncachedMatches = domain.CloneCandidates(record.Result.UncachedMatches)
		out.Result = &result
	}
	return out
}
