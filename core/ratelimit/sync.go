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

package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/dancing-ui/aigateway/core/registry"
	"github.com/dancing-ui/aigateway/core/store"
	"github.com/dancing-ui/aigateway/util"
)

const syncTickMs = 100

// sweepLoop evicts idle per-key state on a fixed cadence.
func (l *Limiter) sweepLoop() {
	ticker := time.NewTicker(time.Duration(sweepIntervalMs) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.states.sweep(util.CurrentTimeMillis())
		case <-l.stopChan:
			return
		}
	}
}

// syncLoop refreshes the distributed view of every active key whose
// sync interval has elapsed. The refresh is read-only and best-effort;
// a failed fetch leaves the previous view in place.
func (l *Limiter) syncLoop() {
	ticker := time.NewTicker(syncTickMs * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.syncDue()
		case <-l.stopChan:
			return
		}
	}
}

func (l *Limiter) syncDue() {
	nowMs := util.CurrentTimeMillis()
	l.states.forEach(func(key string, e *stateEntry) {
		e.mu.Lock()
		due := e.syncEveryMs > 0 && int64(nowMs-e.lastSyncMs) >= e.syncEveryMs
		identity, model := e.identity, e.model
		e.mu.Unlock()
		if !due {
			return
		}
		l.syncEntry(identity, model, e, nowMs)
	})
}

func (l *Limiter) syncEntry(identity, model string, e *stateEntry, nowMs uint64) {
	m, err := l.snap.Model(model)
	if err != nil {
		return
	}
	policy := m.RatePolicyFor(identity)
	if policy == nil || !policy.Enabled {
		return
	}
	w, ok := effectiveWindow(policy)
	if !ok {
		return
	}
	limit := w.Limit
	burst := policy.BurstSize
	if burst <= 0 {
		burst = limit
	}
	localLimit, localBurst := localShare(limit, burst, policy.LocalAllowance)
	distLimit := limit - localLimit
	distBurst := burst - localBurst
	if distLimit <= 0 {
		return
	}

	timeout := time.Duration(policyRedisTimeoutMs(policy)) * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	remaining, ok := l.fetchDistRemaining(ctx, identity, model, policy.Algorithm, w, nowMs, distLimit, distBurst)
	if !ok {
		return
	}

	e.mu.Lock()
	e.distRemaining = remaining
	e.distSynced = true
	e.lastSyncMs = nowMs
	e.mu.Unlock()
}

func (l *Limiter) fetchDistRemaining(ctx context.Context, identity, model string, alg registry.Algorithm, w Window, nowMs uint64, distLimit, distBurst int64) (int64, bool) {
	windowMs := uint64(w.Duration / time.Millisecond)
	switch alg {
	case registry.FixedWindow:
		ws := windowStartMillis(nowMs, w.Duration)
		key := fmt.Sprintf(RedisFixedWindowKeyFormat, identity, model, ws)
		used, ok := l.fetchCounter(ctx, key)
		if !ok {
			return 0, false
		}
		return clampRemaining(distLimit - used), true
	case registry.SlidingWindow:
		ws := windowStartMillis(nowMs, w.Duration)
		curKey := fmt.Sprintf(RedisSlidingWindowKeyFormat, identity, model, ws)
		prevKey := fmt.Sprintf(RedisSlidingWindowKeyFormat, identity, model, ws-windowMs)
		cur, ok := l.fetchCounter(ctx, curKey)
		if !ok {
			return 0, false
		}
		prev, ok := l.fetchCounter(ctx, prevKey)
		if !ok {
			return 0, false
		}
		weight := 1.0 - float64(nowMs-ws)/float64(windowMs)
		weighted := int64(float64(prev)*weight) + cur
		return clampRemaining(distLimit - weighted), true
	case registry.TokenBucket:
		key := fmt.Sprintf(RedisTokenBucketKeyFormat, identity, model)
		// Refresh by running the bucket script with zero cost so the
		// level is refilled consistently with check-time semantics.
		rate := float64(distLimit) / float64(windowMs)
		response, err := l.store.Eval(ctx, tokenBucketScript, []string{key}, 0, distBurst, rate, nowMs, windowMs*2)
		if err != nil {
			return 0, false
		}
		result := store.ParseIntResults(response)
		if len(result) != 3 {
			return 0, false
		}
		return clampRemaining(result[1]), true
	default:
		return 0, false
	}
}

func (l *Limiter) fetchCounter(ctx context.Context, key string) (int64, bool) {
	val, exists, err := l.store.Get(ctx, key)
	if err != nil {
		return 0, false
	}
	if !exists {
		return 0, true
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func clampRemaining(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}
