package sources

import (
	"context"

	"golang.org/x/time/rate"
)

const (
	defaultProviderRPS   rate.Limit = 5
	defaultProviderBurst            = 5
)

func (s *Service) providerLimiter(name string) *rate.Limiter {
	s.limiterMu.Lock()
	defer s.limiterMu.Unlock()

	limiter, ok := s.limiters[name]
	if !ok {
		limiter = rate.NewLimiter(s.rateLimit, s.rateBurst)
		s.limiters[name] = limiter
	}
	return limiter
}

func (s *Service) waitProviderRateLimit(ctx context.Context, name string) error {
	return s.providerLimiter(name).Wait(ctx)
}
