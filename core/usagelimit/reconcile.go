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

package usagelimit

// Reconcile merges an incoming authoritative snapshot into the cached
// one and returns the result.
//
// A billing_cycle_start change replaces the cached counters wholesale;
// deltas from the previous cycle are discarded. Otherwise the incoming
// delta (used - prev_used) is merged monotonically:
//
//	merged = max(cached + (incoming - incoming_prev), incoming, cached)
func Reconcile(cached, incoming UsageLimitInfo) UsageLimitInfo {
	if incoming.BillingCycleStart != cached.BillingCycleStart {
		return incoming
	}

	out := incoming
	out.TokensUsed = maxInt64(
		cached.TokensUsed+(incoming.TokensUsed-incoming.PrevTokensUsed),
		incoming.TokensUsed,
	)
	if out.TokensUsed < cached.TokensUsed {
		out.TokensUsed = cached.TokensUsed
	}
	out.CostUsed = maxFloat64(
		cached.CostUsed+(incoming.CostUsed-incoming.PrevCostUsed),
		incoming.CostUsed,
	)
	if out.CostUsed < cached.CostUsed {
		out.CostUsed = cached.CostUsed
	}
	return out
}

// applySnapshot reconciles incoming into the entry, skipping exact
// replays of the last applied snapshot so delta merging stays
// idempotent. Caller holds e.mu.
func (e *cacheEntry) applySnapshot(incoming UsageLimitInfo) {
	if e.hasInfo && incoming == e.lastApplied {
		return
	}
	if !e.hasInfo {
		e.info = incoming
	} else {
		e.info = Reconcile(e.info, incoming)
	}
	e.lastApplied = incoming
	e.hasInfo = true
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func maxFloat64(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
