package resolver

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"debridui/resolver/internal/domain"
	"debridui/resolver/internal/quality"
	"debridui/resolver/internal/sources"
)

type staticProvider struct {
	name  string
	items []domain.CandidateSource
}

func (p *staticProvider) Name() string { return p.name }

func (p *staticProvider) Info() domain.ProviderInfo {
	return domain.ProviderInfo{Name: p.name, Enabled: true}
}

func (p *staticProvider) Streams(context.Context, domain.RequestKey) ([]domain.CandidateSource, error) {
	return domain.CloneCandidates(p.items), nil
}

// gatedProvider blocks every call until release is closed or the caller gives up.
type gatedProvider struct {
	name    string
	items   []domain.CandidateSource
	entered chan struct{}
	release chan struct{}
	hits    atomic.Int32
}

func (p *gatedProvider) Name() string { return p.name }

func (p *gatedProvider) Info() domain.ProviderInfo {
	return domain.ProviderInfo{Name: p.name, Enabled: true}
}

func (p *gatedProvider) Streams(ctx context.Context, _ domain.RequestKey) ([]domain.CandidateSource, error) {
	p.hits.Add(1)
	p.entered <- struct{}{}
	select {
	case <-p.release:
		return domain.CloneCandidates(p.items), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestSupersededAttemptsLeaveProvidersHealthyAndCacheClean(t *testing.T) {
	fast := &staticProvider{name: "fast", items: []domain.CandidateSource{{URL: "f1", Resolution: "2160p"}}}
	gated := &gatedProvider{
		name:    "gated",
		items:   []domain.CandidateSource{{URL: "g1", Resolution: "1080p", IsCached: true}},
		entered: make(chan struct{}, 8),
		release: make(chan struct{}),
	}
	gatherer := sources.NewService([]sources.Provider{fast, gated}, 5*time.Second,
		sources.WithRetryConfig(sources.RetryConfig{MaxAttempts: 1}),
	)
	svc := NewService(NewTracker(WithPolicy(PolicySupersede)), gatherer, &mutableRanges{r: quality.Unrestricted()})
	key := mustKey(t, "movie:tt001")

	const presses = 4
	results := make(chan error, presses)
	for i := range presses {
		go func() {
			_, err := svc.Play(context.Background(), key)
			results <- err
		}()
		select {
		case <-gated.entered:
		case <-time.After(2 * time.Second):
			t.Fatalf("attempt %d never reached the gated provider", i+1)
		}
	}
	close(gated.release)

	succeeded, superseded := 0, 0
	for range presses {
		switch err := <-results; {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrSuperseded):
			superseded++
		default:
			t.Fatalf("unexpected play error: %v", err)
		}
	}
	if succeeded != 1 || superseded != presses-1 {
		t.Fatalf("succeeded=%d superseded=%d", succeeded, superseded)
	}

	record, _ := svc.Status(key)
	if record.State != StateSucceeded || record.Result == nil || record.Result.Source == nil || record.Result.Source.URL != "g1" {
		t.Fatalf("expected the cached g1 source, got %#v", record)
	}
	if got := gated.hits.Load(); got != presses {
		t.Fatalf("every attempt must query the gated provider, got %d calls", got)
	}

	for _, diag := range gatherer.ProviderDiagnostics() {
		if diag.BlockedUntil != nil || diag.TotalFailures != 0 {
			t.Fatalf("provider %s penalised for superseded attempts: %#v", diag.Name, diag)
		}
	}

	set, err := gatherer.FetchCandidates(context.Background(), key)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !set.FromCache || len(set.Candidates) != 2 {
		t.Fatalf("expected the complete set from cache, got fromCache=%v candidates=%d", set.FromCache, len(set.Candidates))
	}
}
