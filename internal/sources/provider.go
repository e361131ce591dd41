// Package sources gathers candidate sources for a request key from the configured providers.
package sources

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"debridui/resolver/internal/domain"
)

var (
	ErrNoProviders        = errors.New("no stream providers configured")
	ErrAllProvidersFailed = errors.New("all stream providers failed")
)

type Provider interface {
	Name() string
	Info() domain.ProviderInfo
	Streams(ctx context.Context, key domain.RequestKey) ([]domain.CandidateSource, error)
}

type Service struct {
	providers     []Provider
	timeout       time.Duration
	retry         RetryConfig
	logger        *slog.Logger
	cache         *candidateCache
	cacheDisabled bool
	redisCache    *RedisCacheBackend

	// breakers[i] belongs to providers[i].
	breakers []*breaker

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
	rateLimit rate.Limit
	rateBurst int
}

type ServiceOption func(*Service)

func WithRedisCache(backend *RedisCacheBackend) ServiceOption {
	return func(s *Service) {
		s.redisCache = backend
	}
}

func WithCacheTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) {
		if ttl > 0 {
			s.cache.ttl = ttl
		}
	}
}

func WithCacheDisabled(disabled bool) ServiceOption {
	return func(s *Service) {
		s.cacheDisabled = disabled
	}
}

func WithRetryConfig(cfg RetryConfig) ServiceOption {
	return func(s *Service) {
		s.retry = cfg
	}
}

// WithProviderRateLimit caps calls per provider; rps <= 0 disables the limiter.
func WithProviderRateLimit(rps float64, burst int) ServiceOption {
	return func(s *Service) {
		if rps <= 0 {
			s.rateLimit = rate.Inf
			return
		}
		if burst <= 0 {
			burst = 1
		}
		s.rateLimit = rate.Limit(rps)
		s.rateBurst = burst
	}
}

func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewService keeps providers in the order given; that order is the priority used when merging.
// Providers with an empty or repeated name are skipped.
func NewService(providers []Provider, timeout time.Duration, opts ...ServiceOption) *Service {
	registry := make([]Provider, 0, len(providers))
	seen := make(map[string]struct{}, len(providers))
	for _, provider := range providers {
		if provider == nil {
			continue
		}
		name := providerKey(provider)
		if name == "" {
			continue
		}
		if _, exists := seen[name]; exists {
			continue
		}
		seen[name] = struct{}{}
		registry = append(registry, provider)
	}

	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	svc := &Service{
		providers: registry,
		timeout:   timeout,
		retry:     DefaultRetryConfig(),
		logger:    slog.Default(),
		cache:     newCandidateCache(defaultCacheCapacity, defaultCacheTTL),
		breakers:  make([]*breaker, 0, len(registry)),
		limiters:  make(map[string]*rate.Limiter),
		rateLimit: defaultProviderRPS,
		rateBurst: defaultProviderBurst,
	}
	for _, provider := range registry {
		svc.breakers = append(svc.breakers, newBreaker(providerKey(provider)))
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

func providerKey(provider Provider) string {
	return strings.ToLower(strings.TrimSpace(provider.Name()))
}

// Providers lists provider info in priority order.
func (s *Service) Providers() []domain.ProviderInfo {
	if len(s.providers) == 0 {
		return nil
	}
	items := make([]domain.ProviderInfo, 0, len(s.providers))
	for _, provider := range s.providers {
		items = append(items, providerInfo(provider))
	}
	return items
}

func providerInfo(provider Provider) domain.ProviderInfo {
	info := provider.Info()
	info.Name = strings.ToLower(strings.TrimSpace(info.Name))
	if info.Name == "" {
		info.Name = providerKey(provider)
	}
	if info.Label == "" {
		info.Label = info.Name
	}
	return info
}
