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
	"sync"
	"time"

	"github.com/dancing-ui/aigateway/core/registry"
	"github.com/dancing-ui/aigateway/util"
)

// localDecision is the outcome of consuming against in-process state.
type localDecision struct {
	allowed      bool
	remaining    int64
	retryAfterMs int64
	resetMs      uint64
}

// stateEntry holds the mutable per-(identity, model) counters. One entry
// serves both the local-allowance share and the degraded local-only mode;
// all fields are guarded by mu.
type stateEntry struct {
	mu sync.Mutex

	// set at creation, immutable afterwards
	identity string
	model    string

	// fixed / sliding window counters
	windowStartMs uint64
	count         int64
	prevCount     int64

	// token bucket
	level        float64
	lastRefillMs uint64
	bucketPrimed bool

	// distributed view refreshed by the background syncer
	distRemaining int64
	distSynced    bool
	lastSyncMs    uint64

	// stamped from the governing policy on every check
	ttlMs       int64
	syncEveryMs int64

	lastAccessMs uint64
}

// peekRemaining reports how much of the given limit is left without
// consuming anything. Caller must hold e.mu.
func (e *stateEntry) peekRemaining(alg registry.Algorithm, nowMs uint64, limit, burst int64, w Window) int64 {
	switch alg {
	case registry.FixedWindow:
		if windowStartMillis(nowMs, w.Duration) != e.windowStartMs {
			return limit
		}
		return limit - e.count
	case registry.SlidingWindow:
		windowMs := uint64(w.Duration / time.Millisecond)
		ws := windowStartMillis(nowMs, w.Duration)
		prev, count := e.prevCount, e.count
		if ws != e.windowStartMs {
			if ws == e.windowStartMs+windowMs {
				prev, count = e.count, 0
			} else {
				prev, count = 0, 0
			}
		}
		weight := 1.0 - float64(nowMs-ws)/float64(windowMs)
		return limit - int64(float64(prev)*weight) - count
	case registry.TokenBucket:
		if !e.bucketPrimed {
			return burst
		}
		level := e.level
		if nowMs > e.lastRefillMs {
			rate := float64(limit) / float64(w.Duration/time.Millisecond)
			level += float64(nowMs-e.lastRefillMs) * rate
			if level > float64(burst) {
				level = float64(burst)
			}
		}
		return int64(level)
	default:
		return 0
	}
}

// tryConsume applies one request of the given cost against limit over w
// using the policy algorithm. Caller must hold e.mu.
func (e *stateEntry) tryConsume(alg registry.Algorithm, nowMs uint64, cost, limit, burst int64, w Window) localDecision {
	switch alg {
	case registry.FixedWindow:
		return e.consumeFixed(nowMs, cost, limit, w)
	case registry.SlidingWindow:
		return e.consumeSliding(nowMs, cost, limit, w)
	case registry.TokenBucket:
		return e.consumeBucket(nowMs, cost, limit, burst, w)
	default:
		// Unreachable after config validation.
		return localDecision{allowed: false}
	}
}

func (e *stateEntry) consumeFixed(nowMs uint64, cost, limit int64, w Window) localDecision {
	windowMs := uint64(w.Duration / time.Millisecond)
	ws := windowStartMillis(nowMs, w.Duration)
	if ws != e.windowStartMs {
		e.windowStartMs = ws
		e.count = 0
	}

	resetMs := ws + windowMs
	if e.count+cost > limit {
		return localDecision{
			allowed:      false,
			remaining:    limit - e.count,
			retryAfterMs: int64(resetMs - nowMs),
			resetMs:      resetMs,
		}
	}
	e.count += cost
	return localDecision{allowed: true, remaining: limit - e.count, resetMs: resetMs}
}

func (e *stateEntry) consumeSliding(nowMs uint64, cost, limit int64, w Window) localDecision {
	windowMs := uint64(w.Duration / time.Millisecond)
	ws := windowStartMillis(nowMs, w.Duration)
	if ws != e.windowStartMs {
		if ws == e.windowStartMs+windowMs {
			e.prevCount = e.count
		} else {
			e.prevCount = 0
		}
		e.windowStartMs = ws
		e.count = 0
	}

	elapsed := nowMs - ws
	weight := 1.0 - float64(elapsed)/float64(windowMs)
	weighted := int64(float64(e.prevCount)*weight) + e.count

	resetMs := ws + windowMs
	if weighted+cost > limit {
		return localDecision{
			allowed:      false,
			remaining:    limit - weighted,
			retryAfterMs: int64(resetMs - nowMs),
			resetMs:      resetMs,
		}
	}
	e.count += cost
	return localDecision{allowed: true, remaining: limit - weighted - cost, resetMs: resetMs}
}

func (e *stateEntry) consumeBucket(nowMs uint64, cost, limit, burst int64, w Window) localDecision {
	windowMs := float64(w.Duration / time.Millisecond)
	rate := float64(limit) / windowMs // tokens per millisecond

	if !e.bucketPrimed {
		e.level = float64(burst)
		e.lastRefillMs = nowMs
		e.bucketPrimed = true
	}
	if nowMs > e.lastRefillMs {
		e.level += float64(nowMs-e.lastRefillMs) * rate
		if e.level > float64(burst) {
			e.level = float64(burst)
		}
	}
	e.lastRefillMs = nowMs

	if e.level < float64(cost) {
		retry := int64((float64(cost)-e.level)/rate) + 1
		return localDecision{
			allowed:      false,
			remaining:    int64(e.level),
			retryAfterMs: retry,
			resetMs:      nowMs + uint64(retry),
		}
	}
	e.level -= float64(cost)
	return localDecision{allowed: true, remaining: int64(e.level), resetMs: nowMs + uint64(windowMs)}
}

// ================================= Shards ===================================

type stateShard struct {
	mu      sync.Mutex
	entries map[string]*stateEntry
}

// stateShards stripes the per-key state across murmur-hashed shards so
// hot-path lookups never contend on one process-wide lock.
type stateShards struct {
	shards []*stateShard
}

func newStateShards(shardCount int) *stateShards {
	shards := make([]*stateShard, shardCount)
	for i := range shards {
		shards[i] = &stateShard{entries: make(map[string]*stateEntry)}
	}
	return &stateShards{shards: shards}
}

func (s *stateShards) shardFor(key string) *stateShard {
	return s.shards[util.ShardIndex(len(s.shards), key)]
}

// getOrCreate returns the entry for key, creating it lazily on first use.
func (s *stateShards) getOrCreate(key, identity, model string, nowMs uint64) *stateEntry {
	shard := s.shardFor(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	e, ok := shard.entries[key]
	if !ok {
		e = &stateEntry{identity: identity, model: model}
		shard.entries[key] = e
	}
	e.lastAccessMs = nowMs
	return e
}

// sweep evicts entries idle longer than their policy TTL.
func (s *stateShards) sweep(nowMs uint64) int {
	evicted := 0
	for _, shard := range s.shards {
		shard.mu.Lock()
		for key, e := range shard.entries {
			ttlMs := e.ttlMs
			if ttlMs <= 0 {
				ttlMs = DefaultCacheTTLMs
			}
			if int64(nowMs-e.lastAccessMs) > ttlMs {
				delete(shard.entries, key)
				evicted++
			}
		}
		shard.mu.Unlock()
	}
	return evicted
}

// forEach visits every live entry. The visitor must not call back into
// the shard map.
func (s *stateShards) forEach(visit func(key string, e *stateEntry)) {
	for _, shard := range s.shards {
		shard.mu.Lock()
		keys := make([]string, 0, len(shard.entries))
		for key := range shard.entries {
			keys = append(keys, key)
		}
		entries := make([]*stateEntry, 0, len(keys))
		for _, key := range keys {
			entries = append(entries, shard.entries[key])
		}
		shard.mu.Unlock()

		for i, key := range keys {
			visit(key, entries[i])
		}
	}
}

// size returns the number of live entries, for tests and metrics.
func (s *stateShards) size() int {
	n := 0
	for _, shard := range s.shards {
		shard.mu.Lock()
		n += len(shard.entries)
		shard.mu.Unlock()
	}
	return n
}
