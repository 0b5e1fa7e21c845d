// Package limiter provides an injected rate-limiter store with defined
// TTL and reset semantics. Components that need intake throttling take
// a Store; there is no process-wide singleton.
package limiter

import "context"

// Policy configures a token bucket.
type Policy struct {
	// RPM is the sustained refill rate in requests per minute.
	RPM int
	// Burst is the bucket capacity.
	Burst int
	// TTLSeconds is how long an idle key's state survives before it
	// resets to a full bucket.
	TTLSeconds int
}

// Store decides whether a keyed request may proceed.
type Store interface {
	Allow(ctx context.Context, key string, policy Policy, cost int) (bool, error)
}
