package resolver

import (
	"context"
	"errors"
	"testing"
	"time"

	"debridui/resolver/internal/domain"
)

func mustKey(t *testing.T, raw string) domain.RequestKey {
	t.Helper()
	key, err := domain.ParseRequestKey(raw)
	if err != nil {
		t.Fatalf("parse key %q: %v", raw, err)
	}
	return key
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func TestTrackerBeginRejectsDuplicateWhileResolving(t *testing.T) {
	tracker := NewTracker()
	key := mustKey(t, "movie:tt001")

	first, _, ok := tracker.Begin(context.Background(), key)
	if !ok {
		t.Fatal("expected first begin to be accepted")
	}
	if _, _, ok := tracker.Begin(context.Background(), key); ok {
		t.Fatal("expected duplicate begin to be rejected")
	}
	if !tracker.IsLoading(key) {
		t.Fatal("expected key to be loading")
	}

	if !tracker.Complete(first, domain.SelectionResult{}) {
		t.Fatal("expected complete to apply")
	}
	if tracker.IsLoading(key) {
		t.Fatal("expected key to stop loading after complete")
	}
}

func TestTrackerKeysAreIndependent(t *testing.T) {
	tracker := NewTracker()
	a := mustKey(t, "movie:tt001")
	b := mustKey(t, "movie:tt002")

	_, _, okA := tracker.Begin(context.Background(), a)
	attemptB, _, okB := tracker.Begin(context.Background(), b)
	if !okA || !okB {
		t.Fatal("expected both keys to enter resolving")
	}

	tracker.Complete(attemptB, domain.SelectionResult{})
	if !tracker.IsLoading(a) {
		t.Fatal("completing tt002 must not affect tt001")
	}
	if tracker.IsLoading(b) {
		t.Fatal("expected tt002 to be settled")
	}
}

func TestTrackerEpisodesAreDistinctKeys(t *testing.T) {
	tracker := NewTracker()
	_, _, ok1 := tracker.Begin(context.Background(), mustKey(t, "series:tt9:1:1"))
	_, _, ok2 := tracker.Begin(context.Background(), mustKey(t, "series:tt9:1:2"))
	if !ok1 || !ok2 {
		t.Fatal("expected different episodes to resolve concurrently")
	}
}

func TestTrackerFailRecordsError(t *testing.T) {
	tracker := NewTracker()
	key := mustKey(t, "movie:tt001")
	attempt, _, _ := tracker.Begin(context.Background(), key)

	if !tracker.Fail(attempt, errors.New("addon unreachable")) {
		t.Fatal("expected fail to apply")
	}
	record, ok := tracker.Status(key)
	if !ok {
		t.Fatal("expected a settled record")
	}
	if record.State != StateFailed || record.Error != "addon unreachable" {
		t.Fatalf("unexpected record: %#v", record)
	}
	if record.SettledAt == nil {
		t.Fatal("expected settledAt to be set")
	}
}

func TestTrackerSettledIsTerminalForAttempt(t *testing.T) {
	tracker := NewTracker()
	key := mustKey(t, "movie:tt001")
	attempt, _, _ := tracker.Begin(context.Background(), key)

	tracker.Complete(attempt, domain.SelectionResult{HasMatches: false})
	if tracker.Fail(attempt, errors.New("late")) {
		t.Fatal("settled attempt must not transition again")
	}
	record, _ := tracker.Status(key)
	if record.State != StateSucceeded {
		t.Fatalf("expected succeeded, got %s", record.State)
	}
}

func TestTrackerNewBeginReplacesSettledRecord(t *testing.T) {
	tracker := NewTracker()
	key := mustKey(t, "movie:tt001")
	first, _, _ := tracker.Begin(context.Background(), key)
	tracker.Fail(first, errors.New("boom"))

	second, _, ok := tracker.Begin(context.Background(), key)
	if !ok {
		t.Fatal("expected retry to be accepted after settle")
	}
	if second.Generation <= first.Generation {
		t.Fatalf("expected generation to grow, got %d then %d", first.Generation, second.Generation)
	}
	record, _ := tracker.Status(key)
	if record.State != StateResolving || record.Error != "" {
		t.Fatalf("expected fresh resolving record, got %#v", record)
	}
}

func TestTrackerSupersedeDropsStaleCompletion(t *testing.T) {
	tracker := NewTracker(WithPolicy(PolicySupersede))
	key := mustKey(t, "movie:tt001")

	first, firstCtx, _ := tracker.Begin(context.Background(), key)
	second, _, ok := tracker.Begin(context.Background(), key)
	if !ok {
		t.Fatal("supersede policy must accept a new attempt")
	}
	select {
	case <-firstCtx.Done():
	default:
		t.Fatal("expected superseded attempt context to be cancelled")
	}

	if tracker.Complete(first, domain.SelectionResult{HasMatches: true}) {
		t.Fatal("stale completion must be dropped")
	}
	if !tracker.IsLoading(key) {
		t.Fatal("stale completion must not settle the key")
	}
	if !tracker.Complete(second, domain.SelectionResult{}) {
		t.Fatal("expected current attempt to settle")
	}
	record, _ := tracker.Status(key)
	if record.Generation != second.Generation || record.Result == nil || record.Result.HasMatches {
		t.Fatalf("expected record from second attempt, got %#v", record)
	}
}

func TestTrackerSettledRecordsExpire(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	tracker := NewTracker(WithClock(clock.Now), WithSettledRetention(time.Minute))
	key := mustKey(t, "movie:tt001")
	attempt, _, _ := tracker.Begin(context.Background(), key)
	tracker.Complete(attempt, domain.SelectionResult{})

	clock.Advance(30 * time.Second)
	if _, ok := tracker.Status(key); !ok {
		t.Fatal("expected record within retention")
	}

	clock.Advance(time.Minute)
	record, ok := tracker.Status(key)
	if ok || record.State != StateIdle {
		t.Fatalf("expected idle after retention, got %#v", record)
	}

	other := mustKey(t, "movie:tt002")
	tracker.Begin(context.Background(), other)
	if len(tracker.entries) != 1 {
		t.Fatalf("expected expired entry to be pruned, have %d entries", len(tracker.entries))
	}
}

func TestTrackerResolvingNeverExpires(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	tracker := NewTracker(WithClock(clock.Now), WithSettledRetention(time.Second))
	key := mustKey(t, "movie:tt001")
	tracker.Begin(context.Background(), key)

	clock.Advance(time.Hour)
	tracker.Begin(context.Background(), mustKey(t, "movie:tt002"))
	if !tracker.IsLoading(key) {
		t.Fatal("resolving entry must survive pruning")
	}
}

func TestTrackerStatusIsCopy(t *testing.T) {
	tracker := NewTracker()
	key := mustKey(t, "movie:tt001")
	attempt, _, _ := tracker.Begin(context.Background(), key)
	tracker.Complete(attempt, domain.SelectionResult{
		Source:        &domain.CandidateSource{URL: "a"},
		HasMatches:    true,
		CachedMatches: []domain.CandidateSource{{URL: "a"}},
	})

	record, _ := tracker.Status(key)
	record.Result.Source.URL = "mutated"
	record.Result.CachedMatches[0].URL = "mutated"

	again, _ := tracker.Status(key)
	if again.Result.Source.URL != "a" || again.Result.CachedMatches[0].URL != "a" {
		t.Fatalf("status leaked internal state: %#v", again.Result)
	}
}

func TestParsePolicy(t *testing.T) {
	cases := map[string]Policy{"": PolicyIgnore, "ignore": PolicyIgnore, " Supersede ": PolicySupersede}
	for raw, want := range cases {
		got, ok := ParsePolicy(raw)
		if !ok || got != want {
			t.Fatalf("ParsePolicy(%q) = %q, %v", raw, got, ok)
		}
	}
	if _, ok := ParsePolicy("queue"); ok {
		t.Fatal("expected unknown policy to be rejected")
	}
}
