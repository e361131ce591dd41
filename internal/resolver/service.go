package resolver

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
	"go.opentelemetry.io/otel/trace"

	"debridui/resolver/internal/domain"
	"debridui/resolver/internal/metrics"
	"debridui/resolver/internal/quality"
	"debridui/resolver/internal/selection"
)

var (
	ErrResolutionInFlight = errors.New("resolution already in flight for this request")
	ErrGatheringFailed    = errors.New("candidate gathering failed")
	ErrSuperseded         = errors.New("resolution superseded by a newer request")
)

// Gatherer collects candidate sources for a request key.
type Gatherer interface {
	FetchCandidates(ctx context.Context, key domain.RequestKey) (domain.CandidateSet, error)
}

// RangeSource hands out the quality range to apply. Each call returns an independent snapshot.
type RangeSource interface {
	CurrentQualityRange() quality.Range
}

type Service struct {
	tracker  *Tracker
	gatherer Gatherer
	ranges   RangeSource
	timeout  time.Duration
	logger   *slog.Logger
	tracer   trace.Tracer

	wg sync.WaitGroup
}

type ServiceOption func(*Service)

// WithResolveTimeout bounds asynchronous attempts started with Start.
func WithResolveTimeout(timeout time.Duration) ServiceOption {
	return func(s *Service) {
		if timeout > 0 {
			s.timeout = timeout
		}
	}
}

func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func NewService(tracker *Tracker, gatherer Gatherer, ranges RangeSource, opts ...ServiceOption) *Service {
	if tracker == nil {
		tracker = NewTracker()
	}
	svc := &Service{
		tracker:  tracker,
		gatherer: gatherer,
		ranges:   ranges,
		timeout:  30 * time.Second,
		logger:   slog.Default(),
		tracer:   otel.Tracer("debridui/resolver"),
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

func (s *Service) Tracker() *Tracker {
	return s.tracker
}

// Play resolves key synchronously: it gathers candidates, selects the best source under the range
// captured at start and settles the tracker record. A second call for a key that is still
// resolving returns ErrResolutionInFlight without gathering again.
func (s *Service) Play(ctx context.Context, key domain.RequestKey) (Record, error) {
	attempt, runCtx, ok := s.tracker.Begin(ctx, key)
	if !ok {
		record, _ := s.tracker.Status(key)
		return record, ErrResolutionInFlight
	}
	return s.run(runCtx, attempt)
}

// Start begins resolving key in the background and returns the record right away. accepted is
// false when the key was already resolving; the returned record is then the in-flight one.
func (s *Service) Start(key domain.RequestKey) (record Record, accepted bool) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	attempt, runCtx, ok := s.tracker.Begin(ctx, key)
	if !ok {
		cancel()
		record, _ = s.tracker.Status(key)
		return record, false
	}
	record, _ = s.tracker.Status(key)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		if _, err := s.run(runCtx, attempt); err != nil && !errors.Is(err, ErrSuperseded) {
			s.logger.Warn("background resolution failed",
				slog.String("key", key.String()),
				slog.String("attemptId", attempt.ID),
				slog.String("error", err.Error()),
			)
		}
	}()
	return record, true
}

// Wait blocks until every attempt started with Start has settled or ctx is done.
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) IsLoading(key domain.RequestKey) bool {
	return s.tracker.IsLoading(key)
}

func (s *Service) Status(key domain.RequestKey) (Record, bool) {
	return s.tracker.Status(key)
}

// Resolve runs selection over caller-supplied candidates without touching the tracker.
func (s *Service) Resolve(key domain.RequestKey, candidates []domain.CandidateSource, r quality.Range) domain.SelectionResult {
	result := selection.SelectBestSource(candidates, r)
	s.observeSelection(len(candidates), result)
	summary := selection.Summarize(result)
	s.logger.Debug("resolved candidates",
		slog.String("key", key.String()),
		slog.String("outcome", summary.Outcome),
		slog.Int("cached", summary.Cached),
		slog.Int("uncached", summary.Uncached),
	)
	return result
}

func (s *Service) run(ctx context.Context, attempt Attempt) (Record, error) {
	ctx, span := s.tracer.Start(ctx, "resolver.Play",
		trace.WithAttributes(
			attribute.String("resolver.key", attempt.Key.String()),
			attribute.String("resolver.attempt_id", attempt.ID),
			attribute.Int64("resolver.generation", int64(attempt.Generation)),
		),
	)
	defer span.End()

	logger := s.logger.With(
		slog.String("key", attempt.Key.String()),
		slog.String("attemptId", attempt.ID),
	)

	var r quality.Range
	if s.ranges != nil {
		r = s.ranges.CurrentQualityRange()
	} else {
		r = quality.Unrestricted()
	}

	if s.gatherer == nil {
		return s.fail(attempt, span, logger, errors.New("no candidate gatherer configured"))
	}
	set, err := s.gatherer.FetchCandidates(ctx, attempt.Key)
	if err != nil {
		return s.fail(attempt, span, logger, err)
	}

	result := selection.SelectBestSource(set.Candidates, r)
	s.observeSelection(len(set.Candidates), result)
	if !s.tracker.Complete(attempt, result) {
		span.SetStatus(codes.Error, ErrSuperseded.Error())
		record, _ := s.tracker.Status(attempt.Key)
		return record, ErrSuperseded
	}

	summary := selection.Summarize(result)
	outcome := metrics.OutcomeSucceeded
	if !result.HasMatches {
		outcome = metrics.OutcomeNoMatch
	}
	metrics.ResolutionsTotal.WithLabelValues(outcome).Inc()
	span.SetAttributes(
		attribute.String("resolver.outcome", summary.Outcome),
		attribute.Int("resolver.candidates", len(set.Candidates)),
	)
	logger.Info("resolution settled",
		slog.String("outcome", summary.Outcome),
		slog.Int("candidates", len(set.Candidates)),
		slog.Int("cached", summary.Cached),
		slog.Int("uncached", summary.Uncached),
		slog.Bool("fromCache", set.FromCache),
	)

	record, _ := s.tracker.Status(attempt.Key)
	return record, nil
}

func (s *Service) fail(attempt Attempt, span trace.Span, logger *slog.Logger, cause error) (Record, error) {
	span.RecordError(cause)
	span.SetStatus(codes.Error, cause.Error())
	if !s.tracker.Fail(attempt, cause) {
		record, _ := s.tracker.Status(attempt.Key)
		return record, ErrSuperseded
	}
	metrics.ResolutionsTotal.WithLabelValues(metrics.OutcomeFailed).Inc()
	logger.Warn("candidate gathering failed", slog.String("error", cause.Error()))
	record, _ := s.tracker.Status(attempt.Key)
	return record, fmt.Errorf("%w: %w", ErrGatheringFailed, cause)
}

func (s *Service) observeSelection(input int, result domain.SelectionResult) {
	metrics.SelectionCandidates.WithLabelValues("input").Observe(float64(input))
	metrics.SelectionCandidates.WithLabelValues("cached").Observe(float64(len(result.CachedMatches)))
	metrics.SelectionCandidates.WithLabelValues("uncached").Observe(float64(len(result.UncachedMatches)))
}
