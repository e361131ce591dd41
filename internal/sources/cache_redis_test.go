package sources

import (
	"encoding/json"
	"testing"
	"time"

	"debridui/resolver/internal/domain"
	"debridui/resolver/internal/quality"
)

func TestRedisEnvelopeRoundTripDropsCacheFlag(t *testing.T) {
	set := domain.CandidateSet{
		Key:        movieKey,
		Candidates: []domain.CandidateSource{{URL: "a", Resolution: "1080p", IsCached: true}},
		FromCache:  true,
	}
	data, err := encodeEnvelope(set, time.Now())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, ok, err := decodeEnvelope(data)
	if err != nil || !ok {
		t.Fatalf("decode: ok=%v err=%v", ok, err)
	}
	if got.FromCache || len(got.Candidates) != 1 || got.Candidates[0].URL != "a" || !got.Candidates[0].IsCached {
		t.Fatalf("unexpected set %#v", got)
	}
}

func TestRedisEnvelopeOtherTaxonomyIsMiss(t *testing.T) {
	data, _ := json.Marshal(redisEnvelope{Taxonomy: quality.TaxonomyVersion + 1, Set: domain.CandidateSet{Key: movieKey}})
	if _, ok, err := decodeEnvelope(data); ok || err != nil {
		t.Fatalf("expected a silent miss, got ok=%v err=%v", ok, err)
	}
}

func TestRedisEnvelopeRejectsGarbage(t *testing.T) {
	if _, _, err := decodeEnvelope([]byte("{")); err == nil {
		t.Fatal("expected decode error")
	}
}
