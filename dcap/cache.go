// SPDX-FileCopyrightText: © 2026 dstack-tee
//
// SPDX-License-Identifier: Apache-2.0

package dcap

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dstack-tee/atls-go/atlserr"
	"github.com/dstack-tee/atls-go/internal/metrics"
)

// DefaultCollateralTTL is how long fetched collateral is trusted before
// a fresh fetch is required (spec.md §6's cache_collateral option).
const DefaultCollateralTTL = 1 * time.Hour

// CollateralCache stores Collateral by FMSPC so repeated connections to
// platforms sharing a TCB don't re-fetch from the PCCS on every handshake.
type CollateralCache interface {
	Get(ctx context.Context, fmspc string) (*Collateral, bool)
	Put(ctx context.Context, fmspc string, c *Collateral) error
}

// SnapshotCache is the default in-process cache (spec.md §6: operators
// who do not configure a shared backend still get a per-process cache).
type SnapshotCache struct {
	mu  sync.RWMutex
	ttl time.Duration
	m   map[string]*Collateral
}

// NewSnapshotCache builds an in-process cache with the given TTL.
func NewSnapshotCache(ttl time.Duration) *SnapshotCache {
	return &SnapshotCache{ttl: ttl, m: make(map[string]*Collateral)}
}

func (s *SnapshotCache) Get(_ context.Context, fmspc string) (*Collateral, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.m[fmspc]
	if !ok || time.Since(c.FetchedAt) > s.ttl {
		metrics.CollateralCache.WithLabelValues("miss").Inc()
		return nil, false
	}
	metrics.CollateralCache.WithLabelValues("hit").Inc()
	return c, true
}

func (s *SnapshotCache) Put(_ context.Context, fmspc string, c *Collateral) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[fmspc] = c
	return nil
}

// RedisCollateralCache backs the same interface with a shared Redis
// instance, for fleets of verifiers that want to amortize PCCS load
// across processes (SPEC_FULL.md §6 domain-stack addition).
type RedisCollateralCache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisCollateralCache builds a cache against an already-configured
// redis.Client (typically from redis.ParseURL(policy.CollateralCacheURL)).
func NewRedisCollateralCache(client *redis.Client, ttl time.Duration) *RedisCollateralCache {
	return &RedisCollateralCache{client: client, ttl: ttl, prefix: "atls:dcap:collateral:"}
}

func (r *RedisCollateralCache) Get(ctx context.Context, fmspc string) (*Collateral, bool) {
	raw, err := r.client.Get(ctx, r.prefix+fmspc).Bytes()
	if err != nil {
		metrics.CollateralCache.WithLabelValues("miss").Inc()
		return nil, false
	}
	var c Collateral
	if err := json.Unmarshal(raw, &c); err != nil {
		metrics.CollateralCache.WithLabelValues("miss").Inc()
		return nil, false
	}
	metrics.CollateralCache.WithLabelValues("hit").Inc()
	return &c, true
}

func (r *RedisCollateralCache) Put(ctx context.Context, fmspc string, c *Collateral) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return atlserr.Wrap(atlserr.KindCollateralFetch, err, "marshal collateral for cache")
	}
	if err := r.client.Set(ctx, r.prefix+fmspc, raw, r.ttl).Err(); err != nil {
		return atlserr.Wrap(atlserr.KindCollateralFetch, err, "store collateral in redis")
	}
	return nil
}
