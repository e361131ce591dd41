package sources

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"debridui/resolver/internal/domain"
	"debridui/resolver/internal/quality"
)

const redisCachePrefix = "resolver:candidates:"

// redisEnvelope tags stored sets with the taxonomy they were parsed under. Candidates stored with
// another taxonomy carry labels that may no longer canonicalize, so they read as misses.
type redisEnvelope struct {
	Taxonomy int                 `json:"taxonomy"`
	StoredAt time.Time           `json:"storedAt"`
	Set      domain.CandidateSet `json:"set"`
}

// RedisCacheBackend shares gathered candidate sets between instances.
type RedisCacheBackend struct {
	client redis.Cmdable
}

func NewRedisCacheBackend(client redis.Cmdable) *RedisCacheBackend {
	return &RedisCacheBackend{client: client}
}

func (r *RedisCacheBackend) Get(ctx context.Context, key string) (domain.CandidateSet, bool, error) {
	data, err := r.client.Get(ctx, redisCachePrefix+key).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return domain.CandidateSet{}, false, nil
	case err != nil:
		return domain.CandidateSet{}, false, err
	}
	return decodeEnvelope(data)
}

func (r *RedisCacheBackend) Set(ctx context.Context, key string, set domain.CandidateSet, ttl time.Duration) error {
	data, err := encodeEnvelope(set, time.Now())
	if err != nil {
		return err
	}
	return r.client.Set(ctx, redisCachePrefix+key, data, ttl).Err()
}

func (r *RedisCacheBackend) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func encodeEnvelope(set domain.CandidateSet, now time.Time) ([]byte, error) {
	set.FromCache = false
	return json.Marshal(redisEnvelope{Taxonomy: quality.TaxonomyVersion, StoredAt: now.UTC(), Set: set})
}

func decodeEnvelope(data []byte) (domain.CandidateSet, bool, error) {
	var envelope redisEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return domain.CandidateSet{}, false, err
	}
	if envelope.Taxonomy != quality.TaxonomyVersion {
		return domain.CandidateSet{}, false, nil
	}
	return envelope.Set, true, nil
}
