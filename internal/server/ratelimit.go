package server

import (
	"sync"
	"time"
)

// RateLimiter is a token bucket refilled by refillRate tokens every refillPeriod.
type RateLimiter struct {
	mu           sync.Mutex
	tokens       int
	maxTokens    int
	refillRate   int
	lastRefill   time.Time
	refillPeriod time.Duration
}

func NewRateLimiter(maxTokens int, refillRate int, refillPeriod time.Duration) *RateLimiter {
	return &RateLimiter{
		tokens:       maxTokens,
		maxTokens:    maxTokens,
		refillRate:   refillRate,
		lastRefill:   time.Now(),
		refillPeriod: refillPeriod,
	}
}

// Allow consumes a token if one is available.
func (rl *RateLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	if rl.refillPeriod > 0 {
		if n := int(now.Sub(rl.lastRefill) / rl.refillPeriod); n > 0 {
			rl.tokens = min(rl.tokens+n*rl.refillRate, rl.maxTokens)
			rl.lastRefill = rl.lastRefill.Add(time.Duration(n) * rl.refillPeriod)
		}
	}

	if rl.tokens > 0 {
		rl.tokens--
		return true
	}
	return false
}

func (rl *RateLimiter) Tokens() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.tokens
}

func (rl *RateLimiter) Reset() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.tokens = rl.maxTokens
	rl.lastRefill = time.Now()
}

// RelayerRateLimiter keeps one bucket per relayer so a single noisy relayer cannot
// starve block submission for the others.
type RelayerRateLimiter struct {
	mu           sync.Mutex
	limiters     map[string]*RateLimiter
	maxTokens    int
	refillRate   int
	refillPeriod time.Duration
}

func NewRelayerRateLimiter(maxTokens int, refillRate int, refillPeriod time.Duration) *RelayerRateLimiter {
	return &RelayerRateLimiter{
		limiters:     make(map[string]*RateLimiter),
		maxTokens:    maxTokens,
		refillRate:   refillRate,
		refillPeriod: refillPeriod,
	}
}

// Allow reports whether relayer may submit now. A limiter with no tokens configured
// allows everything.
func (r *RelayerRateLimiter) Allow(relayer string) bool {
	if r == nil || r.maxTokens <= 0 {
		return true
	}
	r.mu.Lock()
	limiter, ok := r.limiters[relayer]
	if !ok {
		limiter = NewRateLimiter(r.maxTokens, r.refillRate, r.refillPeriod)
		r.limiters[relayer] = limiter
	}
	r.mu.Unlock()
	return limiter.Allow()
}

// Tokens returns the remaining tokens of relayer.
func (r *RelayerRateLimiter) Tokens(relayer string) int {
	r.mu.Lock()
	limiter, ok := r.limiters[relayer]
	r.mu.Unlock()
	if !ok {
		return r.maxTokens
	}
	return limiter.Tokens()
}

func (r *RelayerRateLimiter) Reset(relayer string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limiter, ok := r.limiters[relayer]; ok {
		limiter.Reset()
	}
}
