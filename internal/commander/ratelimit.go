package commander

import (
	"math"
	"sync"
	"time"
)

// Token-bucket rate limiting shared by all three admin bindings. Two
// independent buckets are consulted per request, one keyed by source IP
// and one by token; expensive operations (log export, file listings)
// draw from a separate, smaller budget.

type RateLimitConfig struct {
	PerIpMinute        int
	PerTokenMinute     int
	ExpensivePerMinute int
}

func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		PerIpMinute:        100,
		PerTokenMinute:     200,
		ExpensivePerMinute: 10,
	}
}

type tokenBucket struct {
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

func newTokenBucket(perMinute int) *tokenBucket {
	max := float64(perMinute)
	return &tokenBucket{
		tokens:     max,
		maxTokens:  max,
		refillRate: max / 60.0,
		lastRefill: time.Now(),
	}
}

// take consumes one token if available; otherwise reports the seconds
// until the next token frees up.
func (b *tokenBucket) take() (bool, int64) {
	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens = math.Min(b.maxTokens, b.tokens+elapsed*b.refillRate)
	b.lastRefill = now

	if b.tokens >= 1.0 {
		b.tokens -= 1.0
		return true, 0
	}

	missing := 1.0 - b.tokens
	return false, int64(math.Ceil(missing / b.refillRate))
}

type RateLimiter struct {
	config RateLimitConfig

	mutex            sync.Mutex
	ipBuckets        map[string]*tokenBucket
	tokenBuckets     map[string]*tokenBucket
	expensiveBuckets map[string]*tokenBucket
	lastSeen         map[string]time.Time
}

func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	if config.PerIpMinute <= 0 {
		config.PerIpMinute = DefaultRateLimitConfig().PerIpMinute
	}
	if config.PerTokenMinute <= 0 {
		config.PerTokenMinute = DefaultRateLimitConfig().PerTokenMinute
	}
	if config.ExpensivePerMinute <= 0 {
		config.ExpensivePerMinute = DefaultRateLimitConfig().ExpensivePerMinute
	}
	return &RateLimiter{
		config:           config,
		ipBuckets:        make(map[string]*tokenBucket),
		tokenBuckets:     make(map[string]*tokenBucket),
		expensiveBuckets: make(map[string]*tokenBucket),
		lastSeen:         make(map[string]time.Time),
	}
}

// AllowIP consumes from the per-IP bucket; retryAfter is in seconds when
// rejected.
func (r *RateLimiter) AllowIP(ip string) (bool, int64) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	bucket, exists := r.ipBuckets[ip]
	if !exists {
		bucket = newTokenBucket(r.config.PerIpMinute)
		r.ipBuckets[ip] = bucket
	}
	r.lastSeen["ip:"+ip] = time.Now()
	return bucket.take()
}

func (r *RateLimiter) AllowToken(tokenID string) (bool, int64) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	bucket, exists := r.tokenBuckets[tokenID]
	if !exists {
		bucket = newTokenBucket(r.config.PerTokenMinute)
		r.tokenBuckets[tokenID] = bucket
	}
	r.lastSeen["token:"+tokenID] = time.Now()
	return bucket.take()
}

// AllowExpensive draws from the separate budget for heavy operations.
func (r *RateLimiter) AllowExpensive(ip string) (bool, int64) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	bucket, exists := r.expensiveBuckets[ip]
	if !exists {
		bucket = newTokenBucket(r.config.ExpensivePerMinute)
		r.expensiveBuckets[ip] = bucket
	}
	return bucket.take()
}

// Cleanup drops buckets idle for more than five minutes.
func (r *RateLimiter) Cleanup() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	cutoff := time.Now().Add(-5 * time.Minute)
	removed := 0
	for key, seen := range r.lastSeen {
		if seen.After(cutoff) {
			continue
		}
		delete(r.lastSeen, key)
		if len(key) > 3 && key[:3] == "ip:" {
			delete(r.ipBuckets, key[3:])
			delete(r.expensiveBuckets, key[3:])
		} else if len(key) > 6 && key[:6] == "token:" {
			delete(r.tokenBuckets, key[6:])
		}
		removed++
	}
	return removed
}
