package limiter

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LocalStore implements Store in process with per-key limiters that
// are evicted after their TTL of inactivity, resetting the key to a
// full bucket.
type LocalStore struct {
	mu      sync.Mutex
	buckets map[string]*localBucket
	clock   func() time.Time
}

type localBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLocalStore creates an empty LocalStore.
func NewLocalStore() *LocalStore {
	return &LocalStore{
		buckets: make(map[string]*localBucket),
		clock:   time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *LocalStore) WithClock(clock func() time.Time) *LocalStore {
	s.clock = clock
	return s
}

func (s *LocalStore) Allow(ctx context.Context, key string, policy Policy, cost int) (bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	ttl := time.Duration(policy.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = time.Minute
	}

	b, ok := s.buckets[key]
	if ok && now.Sub(b.lastSeen) > ttl {
		delete(s.buckets, key)
		ok = false
	}
	if !ok {
		perSecond := rate.Limit(float64(policy.RPM) / 60.0)
		if perSecond <= 0 {
			perSecond = 1
		}
		burst := policy.Burst
		if burst <= 0 {
			burst = 1
		}
		b = &localBucket{limiter: rate.NewLimiter(perSecond, burst)}
		s.buckets[key] = b
	}
	b.lastSeen = now

	return b.limiter.AllowN(now, cost), nil
}
