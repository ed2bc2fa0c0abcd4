// Copyright 1999-2020 Alibaba Group Holding Ltd.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package usagelimit tracks per-billing-identity token and cost quotas
// against a gateway-side cache of the authoritative billing store. The
// cache reconciles incoming snapshots with delta merging, hard-replaces
// counters on billing-cycle change, and honors a short-TTL invalidation
// signal key in the shared store.
package usagelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/dancing-ui/aigateway/core/registry"
	"github.com/dancing-ui/aigateway/core/store"
	"github.com/dancing-ui/aigateway/logging"
	"github.com/dancing-ui/aigateway/metrics"
	"github.com/dancing-ui/aigateway/util"
)

const (
	DefaultCacheTTLMs     int64 = 30000
	DefaultShardCount     int   = 64
	DefaultSignalCheckMs  int64 = 1000
	DefaultStoreTimeoutMs int64 = 50

	invalidationKeyFormat = "aigateway:usagelimit:clear:%s"
	invalidationSignalTTL = 5 * time.Second
)

var (
	// ErrUsageLimitExceeded means the identity has spent its configured
	// token or cost quota for the current billing cycle.
	ErrUsageLimitExceeded = errors.New("usage limit exceeded")

	// ErrUsageUnverifiable means the authoritative source is unreachable,
	// no snapshot is cached, and the policy is fail-closed.
	ErrUsageUnverifiable = errors.New("usage limit unverifiable")
)

// UsageLimitInfo is the authoritative usage snapshot for one billing
// identity. Prev* fields carry the counters the source last reported, so
// consumers can merge increments (used - prev_used) safely.
type UsageLimitInfo struct {
	Identity          string
	BillingCycleStart int64 // unix milliseconds
	TokensUsed        int64
	CostUsed          float64
	PrevTokensUsed    int64
	PrevCostUsed      float64
	MaxTokens         int64
	MaxCost           float64
}

// Source is the authoritative billing collaborator.
type Source interface {
	Fetch(ctx context.Context, identity string) (*UsageLimitInfo, error)
}

type cacheEntry struct {
	mu sync.Mutex

	info          UsageLimitInfo
	hasInfo       bool
	lastApplied   UsageLimitInfo
	lastRefreshMs uint64
	invalidated   bool

	lastSignalCheckMs uint64
	lastAccessMs      uint64
}

type cacheShard struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
}

// Limiter caches usage snapshots per billing identity and answers quota
// checks from the cache. Safe for concurrent use.
type Limiter struct {
	source Source
	store  store.Store // optional, carries the invalidation signal keys
	shards []*cacheShard
}

func NewLimiter(source Source, st store.Store) (*Limiter, error) {
	if source == nil {
		return nil, errors.New("usage source is nil")
	}
	shards := make([]*cacheShard, DefaultShardCount)
	for i := range shards {
		shards[i] = &cacheShard{entries: make(map[string]*cacheEntry)}
	}
	return &Limiter{source: source, store: st, shards: shards}, nil
}

func (l *Limiter) entry(identity string) *cacheEntry {
	shard := l.shards[util.ShardIndex(len(l.shards), identity)]
	shard.mu.Lock()
	defer shard.mu.Unlock()

	e, ok := shard.entries[identity]
	if !ok {
		e = &cacheEntry{}
		shard.entries[identity] = e
	}
	e.lastAccessMs = util.CurrentTimeMillis()
	return e
}

// GetOrRefresh serves the cached snapshot when it is younger than the
// policy TTL and not invalidated, otherwise refreshes from the source.
// When the source is unreachable the last-known snapshot is served.
func (l *Limiter) GetOrRefresh(ctx context.Context, identity string, policy *registry.UsageLimitPolicy) (UsageLimitInfo, error) {
	if l == nil {
		return UsageLimitInfo{}, errors.New("usage limiter is nil")
	}

	e := l.entry(identity)
	e.mu.Lock()
	defer e.mu.Unlock()

	nowMs := util.CurrentTimeMillis()
	ttlMs := cacheTTLMs(policy)

	l.checkInvalidationSignal(ctx, identity, e, nowMs)

	fresh := e.hasInfo && !e.invalidated && int64(nowMs-e.lastRefreshMs) < ttlMs
	if fresh {
		metrics.CacheHits.WithLabelValues("usage").Inc()
		return e.info, nil
	}
	metrics.CacheMisses.WithLabelValues("usage").Inc()

	incoming, err := l.source.Fetch(ctx, identity)
	if err != nil {
		logging.Warn("usage source unreachable, serving last known snapshot",
			"identity", identity,
			"error", err.Error(),
		)
		if e.hasInfo {
			return e.info, nil
		}
		if policy.IsFailOpen() {
			return UsageLimitInfo{Identity: identity}, nil
		}
		return UsageLimitInfo{}, errors.Wrapf(ErrUsageUnverifiable, "identity %q", identity)
	}
	if incoming == nil {
		return UsageLimitInfo{}, errors.Errorf("usage source returned nil snapshot for %q", identity)
	}

	e.applySnapshot(*incoming)
	e.lastRefreshMs = nowMs
	e.invalidated = false
	l.clearInvalidationSignal(ctx, identity)
	return e.info, nil
}

// Check admits or denies identity against its quota. The snapshot caps
// take precedence; the model policy caps apply when the snapshot
// carries none.
func (l *Limiter) Check(ctx context.Context, identity string, policy *registry.UsageLimitPolicy) error {
	if policy == nil {
		return nil
	}
	metrics.RequestsChecked.WithLabelValues("usage").Inc()

	info, err := l.GetOrRefresh(ctx, identity, policy)
	if err != nil {
		metrics.RequestsDenied.WithLabelValues("usage").Inc()
		return err
	}

	maxTokens := info.MaxTokens
	if maxTokens == 0 {
		maxTokens = policy.MaxTokens
	}
	maxCost := info.MaxCost
	if maxCost == 0 {
		maxCost = policy.MaxCost
	}

	if maxTokens > 0 && info.TokensUsed >= maxTokens {
		metrics.RequestsDenied.WithLabelValues("usage").Inc()
		return errors.Wrapf(ErrUsageLimitExceeded, "identity %q tokens %d/%d", identity, info.TokensUsed, maxTokens)
	}
	if maxCost > 0 && info.CostUsed >= maxCost {
		metrics.RequestsDenied.WithLabelValues("usage").Inc()
		return errors.Wrapf(ErrUsageLimitExceeded, "identity %q cost %.4f/%.4f", identity, info.CostUsed, maxCost)
	}
	metrics.RequestsAllowed.WithLabelValues("usage").Inc()
	return nil
}

// RecordUsage applies an optimistic local increment for usage the
// gateway just observed. Durable accounting stays with the source.
func (l *Limiter) RecordUsage(identity string, tokens int64, cost float64) {
	if l == nil || (tokens <= 0 && cost <= 0) {
		return
	}
	e := l.entry(identity)
	e.mu.Lock()
	defer e.mu.Unlock()

	if tokens > 0 {
		e.info.TokensUsed += tokens
	}
	if cost > 0 {
		e.info.CostUsed += cost
	}
	e.hasInfo = true
	e.info.Identity = identity
}

// Invalidate forces the next GetOrRefresh for identity to bypass the
// cache and publishes the short-TTL clear signal so other gateway
// instances drop theirs too.
func (l *Limiter) Invalidate(ctx context.Context, identity string) {
	if l == nil {
		return
	}
	e := l.entry(identity)
	e.mu.Lock()
	e.invalidated = true
	e.mu.Unlock()

	if l.store == nil {
		return
	}
	callCtx, cancel := context.WithTimeout(ctx, time.Duration(DefaultStoreTimeoutMs)*time.Millisecond)
	defer cancel()
	key := fmt.Sprintf(invalidationKeyFormat, identity)
	if err := l.store.Set(callCtx, key, "1", invalidationSignalTTL); err != nil {
		logging.Warn("failed to publish usage invalidation signal",
			"identity", identity,
			"error", err.Error(),
		)
	}
}

// checkInvalidationSignal consults the short-TTL clear key at most once
// per DefaultSignalCheckMs. Errors are ignored; the signal is advisory.
// Caller holds e.mu.
func (l *Limiter) checkInvalidationSignal(ctx context.Context, identity string, e *cacheEntry, nowMs uint64) {
	if l.store == nil || !e.hasInfo || e.invalidated {
		return
	}
	if int64(nowMs-e.lastSignalCheckMs) < DefaultSignalCheckMs {
		return
	}
	e.lastSignalCheckMs = nowMs

	callCtx, cancel := context.WithTimeout(ctx, time.Duration(DefaultStoreTimeoutMs)*time.Millisecond)
	defer cancel()

	present, err := l.store.Exists(callCtx, fmt.Sprintf(invalidationKeyFormat, identity))
	if err != nil {
		return
	}
	if present {
		e.invalidated = true
	}
}

func (l *Limiter) clearInvalidationSignal(ctx context.Context, identity string) {
	if l.store == nil {
		return
	}
	callCtx, cancel := context.WithTimeout(ctx, time.Duration(DefaultStoreTimeoutMs)*time.Millisecond)
	defer cancel()
	_ = l.store.Delete(callCtx, fmt.Sprintf(invalidationKeyFormat, identity))
}

func cacheTTLMs(policy *registry.UsageLimitPolicy) int64 {
	if policy != nil && policy.CacheTTLMs > 0 {
		return policy.CacheTTLMs
	}
	return DefaultCacheTTLMs
}
