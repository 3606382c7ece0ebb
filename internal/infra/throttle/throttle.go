// Package throttle provides keyed token-bucket limiters.
package throttle

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Keyed holds one token bucket per key. Safe for concurrent use.
type Keyed struct {
	perMin int
	burst  int

	mu      sync.Mutex
	buckets map[string]*bucket
}

// NewKeyed creates a limiter allowing perMin events per minute per key with
// the given burst. perMin <= 0 disables limiting.
func NewKeyed(perMin, burst int) *Keyed {
	if burst <= 0 {
		burst = max(1, perMin)
	}
	return &Keyed{perMin: perMin, burst: burst, buckets: make(map[string]*bucket)}
}

// Allow consumes a token for key and reports whether one was available.
func (k *Keyed) Allow(key string) bool {
	if k.perMin <= 0 {
		return true
	}
	k.mu.Lock()
	b, ok := k.buckets[key]
	if !ok {
		// perMin spread over 60 seconds
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(k.perMin)/60.0, k.burst)}
		k.buckets[key] = b
	}
	b.lastSeen = time.Now()
	limiter := b.limiter
	k.mu.Unlock()
	return limiter.Allow()
}

// Forget drops the bucket for key.
func (k *Keyed) Forget(key string) {
	k.mu.Lock()
	delete(k.buckets, key)
	k.mu.Unlock()
}

// Prune drops buckets not used within idle and returns how many were removed.
func (k *Keyed) Prune(idle time.Duration) int {
	k.mu.Lock()
	defer k.mu.Unlock()
	n := 0
	for key, b := range k.buckets {
		if time.Since(b.lastSeen) > idle {
			delete(k.buckets, key)
			n++
		}
	}
	return n
}

// Len returns the number of tracked keys.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.buckets)
}
