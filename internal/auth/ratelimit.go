package auth

import (
	"sync"
	"time"
)

const (
	maxLoginAttempts = 5 // per IP within the window
	loginWindow      = 5 * time.Minute
	blockDuration    = 30 * time.Minute
)

type attempt struct {
	count     int
	firstAt   time.Time
	blockedAt time.Time // non-zero if blocked
}

// RateLimiter tracks per-IP login attempt rates.
type RateLimiter struct {
	mu       sync.Mutex
	attempts map[string]*attempt
}

// NewRateLimiter creates a new login rate limiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{attempts: make(map[string]*attempt)}
}

// Allow reports whether a login attempt from the given IP may proceed.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	a, ok := rl.attempts[ip]
	if !ok {
		rl.attempts[ip] = &attempt{count: 1, firstAt: now}
		return true
	}

	if !a.blockedAt.IsZero() {
		if now.Before(a.blockedAt.Add(blockDuration)) {
			return false
		}
		// Cooldown expired.
		a.count = 1
		a.firstAt = now
		a.blockedAt = time.Time{}
		return true
	}

	if now.After(a.firstAt.Add(loginWindow)) {
		a.count = 1
		a.firstAt = now
		return true
	}

	a.count++
	if a.count > maxLoginAttempts {
		a.blockedAt = now
		return false
	}
	return true
}

// RecordFailure counts a failed login for an IP.
func (rl *RateLimiter) RecordFailure(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	a, ok := rl.attempts[ip]
	if !ok {
		rl.attempts[ip] = &attempt{count: 1, firstAt: time.Now()}
		return
	}
	a.count++
	if a.count > maxLoginAttempts {
		a.blockedAt = time.Now()
	}
}

// Reset clears rate-limit state for an IP (called on successful login).
func (rl *RateLimiter) Reset(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.attempts, ip)
}

// Cleanup removes expired entries. Called periodically by the jobs runner.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	for ip, a := range rl.attempts {
		if !a.blockedAt.IsZero() {
			if now.After(a.blockedAt.Add(blockDuration)) {
				delete(rl.attempts, ip)
			}
			continue
		}
		if now.After(a.firstAt.Add(loginWindow)) {
			delete(rl.attempts, ip)
		}
	}
}
