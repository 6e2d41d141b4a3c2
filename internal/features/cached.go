package features

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/sentrapay/fraud-engine/internal/circuitbreaker"
	"github.com/sentrapay/fraud-engine/internal/event"
	"github.com/sentrapay/fraud-engine/internal/health"
	"github.com/sentrapay/fraud-engine/internal/metrics"
)

const (
	defaultCacheTTL      = 5 * time.Minute
	cacheCleanupInterval = time.Minute
)

// CachedStore wraps a Store with the bounded-latency read contract the
// decision path requires: every GetSnapshot completes within the configured
// timeout and never returns an error. When the backing store is slow, failing,
// or behind an open circuit, the last good snapshot for the same entities is
// served (or a zero snapshot if none is cached) and the result is flagged
// degraded.
type CachedStore struct {
	inner    Store
	timeout  time.Duration
	breaker  *circuitbreaker.Breaker
	monitor  *health.Monitor
	cacheTTL time.Duration

	mu    sync.Mutex
	cache map[string]cachedSnapshot
	stop  chan struct{}
}

type cachedSnapshot struct {
	snap     Snapshot
	storedAt time.Time
}

// NewCachedStore wraps inner with caching, circuit breaking, and health
// observation. monitor and breaker may not be nil.
func NewCachedStore(inner Store, timeout time.Duration, breaker *circuitbreaker.Breaker, monitor *health.Monitor) *CachedStore {
	c := &CachedStore{
		inner:    inner,
		timeout:  timeout,
		breaker:  breaker,
		monitor:  monitor,
		cacheTTL: defaultCacheTTL,
		cache:    make(map[string]cachedSnapshot),
		stop:     make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// cleanup prunes expired snapshots periodically. Without it the cache only
// shrinks on fallback reads, so healthy traffic over a large key space would
// grow it without bound.
func (c *CachedStore) cleanup() {
	ticker := time.NewTicker(cacheCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.removeExpired()
		case <-c.stop:
			return
		}
	}
}

func (c *CachedStore) removeExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := time.Now().Add(-c.cacheTTL)
	for key, cached := range c.cache {
		if cached.storedAt.Before(cutoff) {
			delete(c.cache, key)
		}
	}
}

// Stop stops the cleanup goroutine.
func (c *CachedStore) Stop() {
	close(c.stop)
}

// GetSnapshot returns a snapshot within the configured timeout. The returned
// error is always nil; degradation is reported on the snapshot itself.
func (c *CachedStore) GetSnapshot(ctx context.Context, keys event.Keys) (*Snapshot, error) {
	key := cacheKey(keys)

	if !c.breaker.Allow(health.DepFeatureStore) {
		return c.fallback(key), nil
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	snap, err := c.inner.GetSnapshot(callCtx, keys)
	elapsed := time.Since(start)

	c.monitor.Observe(health.DepFeatureStore, elapsed, err)
	metrics.FeatureStoreDuration.Observe(elapsed.Seconds())

	if err != nil {
		c.breaker.RecordFailure(health.DepFeatureStore)
		return c.fallback(key), nil
	}
	c.breaker.RecordSuccess(health.DepFeatureStore)

	c.mu.Lock()
	c.cache[key] = cachedSnapshot{snap: *snap, storedAt: time.Now()}
	c.mu.Unlock()

	return snap, nil
}

// fallback serves the most recent cached snapshot for the same entities, or a
// zero snapshot. Either way the result is degraded.
func (c *CachedStore) fallback(key string) *Snapshot {
	c.mu.Lock()
	cached, ok := c.cache[key]
	if ok && time.Since(cached.storedAt) > c.cacheTTL {
		delete(c.cache, key)
		ok = false
	}
	c.mu.Unlock()

	if ok {
		metrics.FeatureStoreFallbacksTotal.WithLabelValues("cached").Inc()
		snap := cached.snap
		snap.Degraded = true
		snap.Source = "cached"
		return &snap
	}
	metrics.FeatureStoreFallbacksTotal.WithLabelValues("zero").Inc()
	return ZeroSnapshot()
}

// Increment forwards to the backing store, observing health. Failed
// increments are dropped: counters are eventually consistent and the next
// occurrence of the entity repairs the window.
func (c *CachedStore) Increment(ctx context.Context, ev *event.TransactionEvent) error {
	if !c.breaker.Allow(health.DepFeatureStore) {
		return ErrUnavailable
	}
	start := time.Now()
	err := c.inner.Increment(ctx, ev)
	c.monitor.Observe(health.DepFeatureStore, time.Since(start), err)
	if err != nil {
		c.breaker.RecordFailure(health.DepFeatureStore)
		return err
	}
	c.breaker.RecordSuccess(health.DepFeatureStore)
	return nil
}

// RecordDecision forwards to the backing store, observing health.
func (c *CachedStore) RecordDecision(ctx context.Context, txID string, keys event.Keys, tier string) error {
	if !c.breaker.Allow(health.DepFeatureStore) {
		return ErrUnavailable
	}
	start := time.Now()
	err := c.inner.RecordDecision(ctx, txID, keys, tier)
	c.monitor.Observe(health.DepFeatureStore, time.Since(start), err)
	if err != nil {
		c.breaker.RecordFailure(health.DepFeatureStore)
		return err
	}
	c.breaker.RecordSuccess(health.DepFeatureStore)
	return nil
}

func cacheKey(keys event.Keys) string {
	var b strings.Builder
	b.WriteString("card=")
	b.WriteString(keys.Card)
	b.WriteString("|device=")
	b.WriteString(keys.Device)
	b.WriteString("|ip=")
	b.WriteString(keys.IP)
	b.WriteString("|account=")
	b.WriteString(keys.Account)
	return b.String()
}
