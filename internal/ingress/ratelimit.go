package ingress

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// clientLimiters hands out one token bucket per client id. The bucket refills
// at perMinute tokens per minute with burst capacity of a full minute's
// allowance, so an idle client can dump one minute of traffic at once but
// never sustain more than the configured rate.
type clientLimiters struct {
	mu        sync.Mutex
	perMinute int
	buckets   map[string]*bucket
}

func newClientLimiters(perMinute int) *clientLimiters {
	return &clientLimiters{
		perMinute: perMinute,
		buckets:   make(map[string]*bucket),
	}
}

// Allow consumes one token for the client, creating its bucket on first use.
func (c *clientLimiters) Allow(clientID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.buckets[clientID]
	if !ok {
		b = &bucket{
			lim: rate.NewLimiter(rate.Every(time.Minute/time.Duration(c.perMinute)), c.perMinute),
		}
		c.buckets[clientID] = b
	}
	b.lastSeen = time.Now()
	return b.lim.Allow()
}

// Cleanup removes buckets idle longer than maxIdle and reports how many were
// dropped. Called periodically by the serve loop.
func (c *clientLimiters) Cleanup(maxIdle time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	dropped := 0
	for id, b := range c.buckets {
		if now.Sub(b.lastSeen) > maxIdle {
			delete(c.buckets, id)
			dropped++
		}
	}
	return dropped
}
