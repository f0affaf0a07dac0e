package gateway

import (
	"sync"

	"golang.org/x/time/rate"
)

// maxTrackedClients caps the limiter map so rotating client ids cannot
// exhaust memory.
const maxTrackedClients = 4096

// RateLimiter hands each client its own token bucket.
// rpm <= 0 disables limiting entirely.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rpm      int
	burst    int
}

func NewRateLimiter(rpm, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rpm:      rpm,
		burst:    burst,
	}
}

func (r *RateLimiter) Enabled() bool { return r.rpm > 0 }

// Allow reports whether the client may make another request right now.
func (r *RateLimiter) Allow(clientID string) bool {
	if r.rpm <= 0 {
		return true
	}
	r.mu.Lock()
	lim, ok := r.limiters[clientID]
	if !ok {
		if len(r.limiters) >= maxTrackedClients {
			for k := range r.limiters {
				delete(r.limiters, k)
				break
			}
		}
		lim = rate.NewLimiter(rate.Limit(float64(r.rpm)/60.0), r.burst)
		r.limiters[clientID] = lim
	}
	r.mu.Unlock()
	return lim.Allow()
}

// Forget drops a client's bucket once it disconnects.
func (r *RateLimiter) Forget(clientID string) {
	r.mu.Lock()
	delete(r.limiters, clientID)
	r.mu.Unlock()
}
