package sources

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/elastic/go-freelru"
	"github.com/zeebo/xxh3"

	"debridui/resolver/internal/domain"
	"debridui/resolver/internal/metrics"
)

const (
	defaultCacheTTL      = 5 * time.Minute
	defaultCacheCapacity = 512
	redisWriteTimeout    = 2 * time.Second
)

type cachedCandidates struct {
	candidates []domain.CandidateSource
	providers  []domain.ProviderStatus
}

// candidateCache is the in-memory tier; entries expire after ttl and the least recently used
// entries are evicted past capacity.
type candidateCache struct {
	lru *freelru.SyncedLRU[string, cachedCandidates]
	ttl time.Duration
}

func hashCacheKey(key string) uint32 {
	return uint32(xxh3.HashString(key))
}

func newCandidateCache(capacity uint32, ttl time.Duration) *candidateCache {
	lru, err := freelru.NewSynced[string, cachedCandidates](capacity, hashCacheKey)
	if err != nil {
		// Only reachable with a zero capacity.
		return &candidateCache{ttl: ttl}
	}
	return &candidateCache{lru: lru, ttl: ttl}
}

func (c *candidateCache) get(key string) (cachedCandidates, bool) {
	if c == nil || c.lru == nil {
		return cachedCandidates{}, false
	}
	return c.lru.Get(key)
}

func (c *candidateCache) add(key string, value cachedCandidates) {
	if c == nil || c.lru == nil {
		return
	}
	c.lru.AddWithLifetime(key, value, c.ttl)
}

func (c *candidateCache) purge() {
	if c == nil || c.lru == nil {
		return
	}
	c.lru.Purge()
}

// buildCacheKey folds the provider set into the key so a configuration change never serves
// candidates gathered from a different provider list.
func buildCacheKey(key domain.RequestKey, providerNames []string) string {
	return key.String() + "|" + strings.Join(providerNames, ",")
}

func (s *Service) cacheLookup(ctx context.Context, cacheKey string) (domain.CandidateSet, bool) {
	if entry, ok := s.cache.get(cacheKey); ok {
		metrics.CacheHitsTotal.WithLabelValues("memory").Inc()
		return domain.CandidateSet{
			Candidates: domain.CloneCandidates(entry.candidates),
			Providers:  append([]domain.ProviderStatus(nil), entry.providers...),
			FromCache:  true,
		}, true
	}

	if s.redisCache != nil {
		set, ok, err := s.redisCache.Get(ctx, cacheKey)
		if err != nil {
			s.logger.Warn("redis candidate cache read failed", slog.String("key", cacheKey), slog.String("error", err.Error()))
		}
		if ok && len(set.Candidates) > 0 {
			metrics.CacheHitsTotal.WithLabelValues("redis").Inc()
			s.cache.add(cacheKey, cachedCandidates{candidates: set.Candidates, providers: set.Providers})
			set.FromCache = true
			return set, true
		}
	}

	metrics.CacheMissesTotal.Inc()
	return domain.CandidateSet{}, false
}

func (s *Service) cacheStore(cacheKey string, set domain.CandidateSet) {
	if len(set.Candidates) == 0 {
		return
	}
	s.cache.add(cacheKey, cachedCandidates{
		candidates: domain.CloneCandidates(set.Candidates),
		providers:  append([]domain.ProviderStatus(nil), set.Providers...),
	})
	if s.redisCache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisWriteTimeout)
	defer cancel()
	if err := s.redisCache.Set(ctx, cacheKey, set, s.cache.ttl); err != nil {
		s.logger.Warn("redis candidate cache write failed", slog.String("key", cacheKey), slog.String("error", err.Error()))
	}
}

// InvalidateCache drops every in-memory entry; Redis entries age out on their own TTL.
func (s *Service) InvalidateCache() {
	s.cache.purge()
}
