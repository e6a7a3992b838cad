// Package ratelimit provides a per-client token bucket limiter used by
// the relay HTTP surface. Clients are keyed by remote address; buckets
// for idle clients are evicted LRU-style so the map stays bounded.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter is a per-key token bucket rate limiter with LRU eviction.
type Limiter struct {
	mu sync.RWMutex

	ratePerSec      int // tokens added per second per key
	burstSize       int // maximum tokens in a bucket
	maxClients      int // maximum number of keys to track
	cleanupInterval time.Duration

	buckets map[string]*tokenBucket
	order   []string       // LRU order, oldest first
	index   map[string]int // key -> position in order
	stopCh  chan struct{}
	stopped bool
}

type tokenBucket struct {
	tokens     float64
	lastRefill time.Time
}

// Config holds limiter configuration. Zero values take defaults.
type Config struct {
	RatePerSec      int           // requests per second per client (default 10)
	BurstSize       int           // max tokens in a bucket (default 20)
	MaxClients      int           // maximum clients to track (default 1000)
	CleanupInterval time.Duration // idle bucket cleanup interval (default 5 minutes)
}

// DefaultConfig returns the default limiter configuration.
func DefaultConfig() Config {
	return Config{
		RatePerSec:      10,
		BurstSize:       20,
		MaxClients:      1000,
		CleanupInterval: 5 * time.Minute,
	}
}

// New creates a limiter with the given configuration.
func New(config Config) *Limiter {
	if config.RatePerSec <= 0 {
		config.RatePerSec = 10
	}
	if config.BurstSize <= 0 {
		config.BurstSize = 20
	}
	if config.MaxClients <= 0 {
		config.MaxClients = 1000
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 5 * time.Minute
	}

	l := &Limiter{
		ratePerSec:      config.RatePerSec,
		burstSize:       config.BurstSize,
		maxClients:      config.MaxClients,
		cleanupInterval: config.CleanupInterval,
		buckets:         make(map[string]*tokenBucket),
		order:           make([]string, 0, config.MaxClients),
		index:           make(map[string]int),
		stopCh:          make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow reports whether a request from the given client key should be
// admitted, consuming one token when it is.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()

	bucket, exists := l.buckets[key]
	if !exists {
		bucket = &tokenBucket{
			tokens:     float64(l.burstSize),
			lastRefill: now,
		}
		l.addKey(key, bucket)
		bucket.tokens -= 1.0
		return true
	}

	l.touchKey(key)

	elapsed := now.Sub(bucket.lastRefill).Seconds()
	if elapsed > 0 {
		bucket.tokens += elapsed * float64(l.ratePerSec)
		if bucket.tokens > float64(l.burstSize) {
			bucket.tokens = float64(l.burstSize)
		}
	}

	if bucket.tokens >= 1.0 {
		bucket.tokens -= 1.0
		bucket.lastRefill = now
		return true
	}

	// Track activity even when denied, so busy clients are not evicted.
	bucket.lastRefill = now
	return false
}

func (l *Limiter) addKey(key string, bucket *tokenBucket) {
	if len(l.order) >= l.maxClients && len(l.order) > 0 {
		oldest := l.order[0]
		delete(l.buckets, oldest)
		delete(l.index, oldest)
		l.order = l.order[1:]
		for k, i := range l.index {
			if i > 0 {
				l.index[k] = i - 1
			}
		}
	}
	l.order = append(l.order, key)
	l.index[key] = len(l.order) - 1
	l.buckets[key] = bucket
}

func (l *Limiter) touchKey(key string) {
	idx, exists := l.index[key]
	if !exists {
		return
	}
	l.order = append(l.order[:idx], l.order[idx+1:]...)
	l.order = append(l.order, key)
	for k, i := range l.index {
		if i > idx {
			l.index[k] = i - 1
		}
	}
	l.index[key] = len(l.order) - 1
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.cleanup()
		}
	}
}

// cleanup drops buckets that refilled completely and saw no traffic for
// a full cleanup interval.
func (l *Limiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	kept := make([]string, 0, len(l.order))

	for _, key := range l.order {
		bucket, exists := l.buckets[key]
		if !exists {
			continue
		}
		idle := now.Sub(bucket.lastRefill) > l.cleanupInterval
		full := bucket.tokens >= float64(l.burstSize)-0.001
		if idle && full {
			delete(l.buckets, key)
			delete(l.index, key)
		} else {
			kept = append(kept, key)
		}
	}

	l.order = kept
	for i, key := range l.order {
		l.index[key] = i
	}
}

// Stop terminates the cleanup goroutine.
func (l *Limiter) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.stopped {
		close(l.stopCh)
		l.stopped = true
	}
}

// Stats describes the limiter state for operators.
func (l *Limiter) Stats() map[string]any {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return map[string]any{
		"tracked_clients":  len(l.order),
		"max_clients":      l.maxClients,
		"rate_per_sec":     l.ratePerSec,
		"burst_size":       l.burstSize,
		"cleanup_interval": l.cleanupInterval.String(),
	}
}
