// Package quota implements the State Manager's quota collaborator: a
// per-user token bucket bounding concurrent/rate-limited execution starts.
package quota

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Service checks and records execution starts per user, backed by
// golang.org/x/time/rate token buckets. One bucket is created per user on
// first use, sized by the configured rate and burst.
type Service struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	ratePerMinute float64
	burst         int
}

// New creates a quota Service allowing ratePerMinute execution starts per
// minute per user, with burst allowed immediately.
func New(ratePerMinute float64, burst int) *Service {
	if burst <= 0 {
		burst = 1
	}
	return &Service{
		limiters:      make(map[string]*rate.Limiter),
		ratePerMinute: ratePerMinute,
		burst:         burst,
	}
}

func (s *Service) limiterFor(userID string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.limiters[userID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(s.ratePerMinute/60.0), s.burst)
		s.limiters[userID] = l
	}
	return l
}

// CheckExecutionAvailable reports whether userID currently has quota to
// start a new execution, without consuming it.
func (s *Service) CheckExecutionAvailable(userID string) error {
	if s.ratePerMinute <= 0 {
		return nil
	}
	l := s.limiterFor(userID)
	if l.TokensAt(time.Now()) < 1 {
		return fmt.Errorf("execution quota exceeded for user %q: retry later", userID)
	}
	return nil
}

// RecordExecution consumes one unit of userID's quota. Best-effort: callers
// treat a failure here as non-fatal (§4.2 createExecution).
func (s *Service) RecordExecution(userID string) error {
	if s.ratePerMinute <= 0 {
		return nil
	}
	l := s.limiterFor(userID)
	if !l.Allow() {
		return fmt.Errorf("execution quota exceeded for user %q", userID)
	}
	return nil
}
