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

// Package ratelimit implements per-(identity, model) admission decisions
// with a hybrid local/distributed enforcement scheme. A configurable
// fraction of each limit is enforced purely in-process; the remainder is
// checked against a shared Redis counter under a bounded timeout. When
// the store cannot answer in time a fail-open policy degrades the
// decision to local-only state instead of blocking the request; a
// fail-closed policy denies until the store answers again.
package ratelimit

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

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	Unlimited  bool
	Limit      int64
	Remaining  int64
	RetryAfter time.Duration
	ResetAt    uint64 // unix milliseconds
	Degraded   bool   // distributed share decided from local state only
}

// Limiter makes admission decisions for every (identity, model) pair in
// the registry snapshot. Safe for concurrent use.
type Limiter struct {
	snap   *registry.Snapshot
	store  store.Store // nil means local-only enforcement
	states *stateShards

	stopChan chan struct{}
	stopOnce sync.Once
}

// NewLimiter builds a Limiter over the registry snapshot. st may be nil,
// in which case limits are enforced with in-process state only. The
// background sweep and sync loops start immediately and stop on Close.
func NewLimiter(snap *registry.Snapshot, st store.Store) (*Limiter, error) {
	if snap == nil {
		return nil, errors.New("registry snapshot is nil")
	}

	l := &Limiter{
		snap:     snap,
		store:    st,
		states:   newStateShards(DefaultShardCount),
		stopChan: make(chan struct{}),
	}
	go l.sweepLoop()
	if st != nil {
		go l.syncLoop()
	}
	return l, nil
}

// Close stops the background loops. In-flight checks finish normally.
func (l *Limiter) Close() {
	if l == nil {
		return
	}
	l.stopOnce.Do(func() {
		close(l.stopChan)
	})
}

// CheckAndConsume decides whether one request of the given cost from
// identity against model is admitted. cost is usually 1.
func (l *Limiter) CheckAndConsume(ctx context.Context, identity, model string, cost int64) (Decision, error) {
	if l == nil {
		return Decision{}, errors.New("limiter is nil")
	}
	if cost <= 0 {
		cost = 1
	}

	m, err := l.snap.Model(model)
	if err != nil {
		return Decision{}, err
	}
	policy := m.RatePolicyFor(identity)
	if policy == nil || !policy.Enabled {
		return Decision{Allowed: true, Unlimited: true}, nil
	}

	metrics.RequestsChecked.WithLabelValues("rate").Inc()

	w, ok := effectiveWindow(policy)
	if !ok {
		return Decision{Allowed: true, Unlimited: true}, nil
	}

	d := l.check(ctx, identity, model, policy, w, cost)
	if d.Allowed {
		metrics.RequestsAllowed.WithLabelValues("rate").Inc()
	} else {
		metrics.RequestsDenied.WithLabelValues("rate").Inc()
	}
	return d, nil
}

func (l *Limiter) check(ctx context.Context, identity, model string, policy *registry.RateLimitPolicy, w Window, cost int64) Decision {
	nowMs := util.CurrentTimeMillis()
	limit := w.Limit
	burst := policy.BurstSize
	if burst <= 0 {
		burst = limit
	}

	localLimit, localBurst := localShare(limit, burst, policy.LocalAllowance)
	if l.store == nil {
		localLimit, localBurst = limit, burst
	}
	distLimit := limit - localLimit
	distBurst := burst - localBurst

	key := stateKey(identity, model)
	e := l.states.getOrCreate(key, identity, model, nowMs)

	e.mu.Lock()
	defer e.mu.Unlock()

	e.ttlMs = policyCacheTTLMs(policy)
	e.syncEveryMs = policySyncIntervalMs(policy)

	// The local allowance absorbs bursts with zero network cost.
	if localLimit > 0 {
		d := e.tryConsume(policy.Algorithm, nowMs, cost, localLimit, localBurst, w)
		if d.allowed {
			remaining := d.remaining + l.distView(e, distLimit, distBurst)
			return Decision{
				Allowed:   true,
				Limit:     limit,
				Remaining: remaining,
				ResetAt:   d.resetMs,
			}
		}
	}

	if l.store == nil || distLimit <= 0 {
		d := e.tryConsume(policy.Algorithm, nowMs, cost, limit, burst, w)
		return decisionFromLocal(d, limit, nowMs)
	}

	// The local share is spent; ask the distributed counter for the
	// remainder. Its verdict is authoritative when it answers in time.
	timeout := time.Duration(policyRedisTimeoutMs(policy)) * time.Millisecond
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	d, err := l.checkDistributed(callCtx, e, policy, w, nowMs, cost, distLimit, distBurst)
	if err != nil {
		metrics.StoreTimeouts.Inc()
		if !policy.IsFailOpen() {
			logging.Warn("distributed store unreachable, fail-closed policy denies the request",
				"identity", identity,
				"model", model,
				"error", err.Error(),
			)
			retryMs := policySyncIntervalMs(policy)
			return Decision{
				Limit:      limit,
				RetryAfter: time.Duration(retryMs) * time.Millisecond,
				ResetAt:    nowMs + uint64(retryMs),
				Degraded:   true,
			}
		}
		logging.Warn("distributed store unreachable, rate decision degraded to local-only",
			"identity", identity,
			"model", model,
			"error", err.Error(),
		)
		ld := e.tryConsume(policy.Algorithm, nowMs, cost, limit, burst, w)
		out := decisionFromLocal(ld, limit, nowMs)
		out.Degraded = true
		return out
	}

	d.Remaining += e.peekRemaining(policy.Algorithm, nowMs, localLimit, localBurst, w)
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	return d
}

// checkDistributed consumes from the distributed share. Caller holds e.mu.
func (l *Limiter) checkDistributed(ctx context.Context, e *stateEntry, policy *registry.RateLimitPolicy, w Window, nowMs uint64, cost, distLimit, distBurst int64) (Decision, error) {
	windowMs := int64(w.Duration / time.Millisecond)
	limit := w.Limit

	var (
		response interface{}
		err      error
	)
	switch policy.Algorithm {
	case registry.FixedWindow:
		ws := windowStartMillis(nowMs, w.Duration)
		key := fmt.Sprintf(RedisFixedWindowKeyFormat, e.identity, e.model, ws)
		elapsed := int64(nowMs - ws)
		response, err = l.store.Eval(ctx, fixedWindowScript, []string{key}, cost, distLimit, windowMs, elapsed)
	case registry.SlidingWindow:
		ws := windowStartMillis(nowMs, w.Duration)
		curKey := fmt.Sprintf(RedisSlidingWindowKeyFormat, e.identity, e.model, ws)
		prevKey := fmt.Sprintf(RedisSlidingWindowKeyFormat, e.identity, e.model, ws-uint64(windowMs))
		elapsed := int64(nowMs - ws)
		response, err = l.store.Eval(ctx, slidingWindowScript, []string{curKey, prevKey}, cost, distLimit, windowMs, elapsed)
	case registry.TokenBucket:
		key := fmt.Sprintf(RedisTokenBucketKeyFormat, e.identity, e.model)
		rate := float64(distLimit) / float64(windowMs)
		expireMs := windowMs * 2
		response, err = l.store.Eval(ctx, tokenBucketScript, []string{key}, cost, distBurst, rate, nowMs, expireMs)
	default:
		return Decision{}, errors.Errorf("unknown algorithm: %d", policy.Algorithm)
	}
	if err != nil {
		return Decision{}, err
	}

	result := store.ParseIntResults(response)
	if len(result) != 3 {
		return Decision{}, errors.Errorf("invalid store response: %v", response)
	}

	allowed := result[0] == 1
	remaining := result[1]
	if remaining < 0 {
		remaining = 0
	}
	e.distRemaining = remaining
	e.distSynced = true
	e.lastSyncMs = nowMs

	d := Decision{
		Allowed:   allowed,
		Limit:     limit,
		Remaining: remaining,
	}
	switch policy.Algorithm {
	case registry.TokenBucket:
		d.RetryAfter = time.Duration(result[2]) * time.Millisecond
		d.ResetAt = nowMs + uint64(result[2])
	default:
		d.ResetAt = nowMs + uint64(result[2])
		if !allowed {
			d.RetryAfter = time.Duration(result[2]) * time.Millisecond
		}
	}
	return d, nil
}

// distView returns the last-known remaining capacity of the distributed
// share without a network round trip. Caller holds e.mu.
func (l *Limiter) distView(e *stateEntry, distLimit, distBurst int64) int64 {
	if l.store == nil || distLimit <= 0 {
		return 0
	}
	if !e.distSynced {
		if distBurst > 0 && distBurst < distLimit {
			return distBurst
		}
		return distLimit
	}
	return e.distRemaining
}

func decisionFromLocal(d localDecision, limit int64, nowMs uint64) Decision {
	remaining := d.remaining
	if remaining < 0 {
		remaining = 0
	}
	out := Decision{
		Allowed:   d.allowed,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   d.resetMs,
	}
	if !d.allowed {
		out.RetryAfter = time.Duration(d.retryAfterMs) * time.Millisecond
	}
	return out
}

// localShare splits limit and burst into the locally enforced fraction.
func localShare(limit, burst int64, allowance float64) (int64, int64) {
	if allowance <= 0 {
		return 0, 0
	}
	if allowance >= 1 {
		return limit, burst
	}
	return int64(float64(limit) * allowance), int64(float64(burst) * allowance)
}

func policyRedisTimeoutMs(p *registry.RateLimitPolicy) int64 {
	if p.RedisTimeoutMs > 0 {
		return p.RedisTimeoutMs
	}
	return DefaultRedisTimeoutMs
}

func policyCacheTTLMs(p *registry.RateLimitPolicy) int64 {
	if p.CacheTTLMs > 0 {
		return p.CacheTTLMs
	}
	return DefaultCacheTTLMs
}

func policySyncIntervalMs(p *registry.RateLimitPolicy) int64 {
	if p.SyncIntervalMs > 0 {
		return p.SyncIntervalMs
	}
	return DefaultSyncIntervalMs
}

func stateKey(identity, model string) string {
	return identity + ":" + model
}
