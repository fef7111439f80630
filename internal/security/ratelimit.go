package security

import (
	"sync"
	"time"
)

// RateLimiter is a per-client sliding window limiter. Captures are
// serialized on one browser session, so the limit protects the queue in
// front of it rather than the CPU.
type RateLimiter struct {
	mu       sync.Mutex
	hits     map[string][]time.Time
	limit    int
	window   time.Duration
	burstMax int
	now      func() time.Time
}

// RateLimitConfig holds rate limiter configuration
type RateLimitConfig struct {
	// RequestsPerWindow is the maximum number of requests allowed per window
	RequestsPerWindow int
	// WindowDuration is the duration of the rate limit window
	WindowDuration time.Duration
	// BurstMax caps requests within any one second; 0 disables the check
	BurstMax int
}

// DefaultRateLimitConfig returns default rate limit configuration
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerWindow: 60,
		WindowDuration:    time.Minute,
		BurstMax:          10,
	}
}

// RateLimitInfo contains rate limit information for response headers
type RateLimitInfo struct {
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		hits:     make(map[string][]time.Time),
		limit:    config.RequestsPerWindow,
		window:   config.WindowDuration,
		burstMax: config.BurstMax,
		now:      time.Now,
	}
}

// Allow records a request for key and reports whether it is within limits
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	hits := rl.prune(key, now)

	if len(hits) >= rl.limit {
		return false
	}

	if rl.burstMax > 0 {
		burst := 0
		for _, t := range hits {
			if t.After(now.Add(-time.Second)) {
				burst++
			}
		}
		if burst >= rl.burstMax {
			return false
		}
	}

	rl.hits[key] = append(hits, now)
	return true
}

// Info returns the current limit state for key
func (rl *RateLimiter) Info(key string) RateLimitInfo {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	hits := rl.prune(key, now)

	info := RateLimitInfo{
		Limit:     rl.limit,
		Remaining: rl.limit - len(hits),
		ResetAt:   now,
	}
	if info.Remaining < 0 {
		info.Remaining = 0
	}
	if len(hits) > 0 {
		info.ResetAt = hits[0].Add(rl.window)
	}
	return info
}

// Reset forgets all requests for key
func (rl *RateLimiter) Reset(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.hits, key)
}

// prune drops hits outside the window; callers hold mu. Keys with no
// remaining hits are removed so idle clients do not accumulate.
func (rl *RateLimiter) prune(key string, now time.Time) []time.Time {
	cutoff := now.Add(-rl.window)
	hits := rl.hits[key]

	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	hits = hits[i:]

	if len(hits) == 0 {
		delete(rl.hits, key)
		return nil
	}
	rl.hits[key] = hits
	return hits
}
