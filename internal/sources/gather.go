package sources

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/semaphore"

	"debridui/resolver/internal/domain"
)

// maxConcurrentProviders bounds how many providers are queried at once for one key.
const maxConcurrentProviders = 6

var tracer = otel.Tracer("debridui/resolver/sources")

// FetchCandidates queries every provider for key and merges the results in provider priority
// order, keeping each provider's own ordering and dropping repeated URLs. It fails only when no
// provider is configured or every provider failed.
func (s *Service) FetchCandidates(ctx context.Context, key domain.RequestKey) (domain.CandidateSet, error) {
	if len(s.providers) == 0 {
		return domain.CandidateSet{}, ErrNoProviders
	}

	startedAt := time.Now()
	names := make([]string, 0, len(s.providers))
	for _, provider := range s.providers {
		names = append(names, providerKey(provider))
	}

	cacheKey := buildCacheKey(key, names)
	if !s.cacheDisabled {
		if cached, ok := s.cacheLookup(ctx, cacheKey); ok {
			cached.Key = key
			cached.ElapsedMS = time.Since(startedAt).Milliseconds()
			return cached, nil
		}
	}

	set, complete, err := s.gather(ctx, key)
	if err != nil {
		return domain.CandidateSet{}, err
	}
	set.ElapsedMS = time.Since(startedAt).Milliseconds()
	if !s.cacheDisabled && complete {
		s.cacheStore(cacheKey, set)
	}
	return set, nil
}

type providerOutcome struct {
	items []domain.CandidateSource
	err   error
}

// gather reports complete=false when a provider was cut off by a deadline; such a set is served
// but never cached. A caller that gives up mid-gather gets its context error instead of a partial set.
func (s *Service) gather(ctx context.Context, key domain.RequestKey) (set domain.CandidateSet, complete bool, err error) {
	runCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	outcomes := make([]providerOutcome, len(s.providers))
	sem := semaphore.NewWeighted(maxConcurrentProviders)
	var wg sync.WaitGroup
	for i := range s.providers {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			if err := sem.Acquire(runCtx, 1); err != nil {
				outcomes[index] = providerOutcome{err: fmt.Errorf("waiting for provider slot: %w", err)}
				return
			}
			defer sem.Release(1)
			items, err := s.queryProvider(runCtx, index, key)
			outcomes[index] = providerOutcome{items: items, err: err}
		}(i)
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return domain.CandidateSet{}, false, err
	}

	statuses := make([]domain.ProviderStatus, len(s.providers))
	candidates := make([]domain.CandidateSource, 0)
	seen := make(map[string]struct{})
	var errs []error
	succeeded := 0
	complete = true
	for i, provider := range s.providers {
		name := providerKey(provider)
		outcome := outcomes[i]
		statuses[i] = domain.ProviderStatus{Name: name, OK: outcome.err == nil, Count: len(outcome.items)}
		if outcome.err != nil {
			statuses[i].Error = outcome.err.Error()
			if isContextError(outcome.err) {
				complete = false
			}
			errs = append(errs, fmt.Errorf("%s: %w", name, outcome.err))
			continue
		}
		succeeded++
		for _, item := range outcome.items {
			if item.Provider == "" {
				item.Provider = name
			}
			if item.URL != "" {
				if _, dup := seen[item.URL]; dup {
					continue
				}
				seen[item.URL] = struct{}{}
			}
			candidates = append(candidates, item)
		}
	}

	if succeeded == 0 {
		return domain.CandidateSet{}, false, fmt.Errorf("%w: %w", ErrAllProvidersFailed, errors.Join(errs...))
	}
	if len(errs) > 0 {
		s.logger.Warn("some providers failed",
			slog.String("key", key.String()),
			slog.Int("failed", len(errs)),
			slog.Int("succeeded", succeeded),
			slog.String("error", errors.Join(errs...).Error()),
		)
	}
	return domain.CandidateSet{Key: key, Candidates: candidates, Providers: statuses}, complete, nil
}

func (s *Service) queryProvider(ctx context.Context, index int, key domain.RequestKey) ([]domain.CandidateSource, error) {
	provider, circuit := s.providers[index], s.breakers[index]
	name := providerKey(provider)
	ctx, span := tracer.Start(ctx, "sources.provider")
	span.SetAttributes(attribute.String("provider", name), attribute.String("resolver.key", key.String()))
	defer span.End()

	if err := circuit.allow(time.Now()); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if err := s.waitProviderRateLimit(ctx, name); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	startedAt := time.Now()
	var items []domain.CandidateSource
	err := RetryWithBackoff(ctx, s.retry, func(attempt int) error {
		var callErr error
		items, callErr = provider.Streams(ctx, key)
		if callErr != nil && attempt > 1 {
			s.logger.Debug("provider retry failed",
				slog.String("provider", name),
				slog.Int("attempt", attempt),
				slog.String("error", callErr.Error()),
			)
		}
		return callErr
	})
	if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
		// The caller left; the provider did nothing wrong.
		span.SetStatus(codes.Error, "cancelled")
		return nil, err
	}
	circuit.observe(key, err, time.Since(startedAt), time.Now())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("provider.streams", len(items)))
	return items, nil
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
