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

import "testing"

func TestReconcile(t *testing.T) {
	tests := []struct {
		name         string
		cached       UsageLimitInfo
		incoming     UsageLimitInfo
		expectTokens int64
		expectCost   float64
	}{
		{
			name: "delta merge adds the increment to the cached count",
			cached: UsageLimitInfo{
				BillingCycleStart: 1000,
				TokensUsed:        500, // includes optimistic local increments
			},
			incoming: UsageLimitInfo{
				BillingCycleStart: 1000,
				TokensUsed:        450,
				PrevTokensUsed:    400,
			},
			expectTokens: 550,
		},
		{
			name: "incoming ahead of cached wins",
			cached: UsageLimitInfo{
				BillingCycleStart: 1000,
				TokensUsed:        100,
			},
			incoming: UsageLimitInfo{
				BillingCycleStart: 1000,
				TokensUsed:        300,
				PrevTokensUsed:    300,
			},
			expectTokens: 300,
		},
		{
			name: "merge never moves backwards",
			cached: UsageLimitInfo{
				BillingCycleStart: 1000,
				TokensUsed:        500,
			},
			incoming: UsageLimitInfo{
				BillingCycleStart: 1000,
				TokensUsed:        200,
				PrevTokensUsed:    250,
			},
			expectTokens: 500,
		},
		{
			name: "cycle change replaces counters wholesale",
			cached: UsageLimitInfo{
				BillingCycleStart: 1000,
				TokensUsed:        999999,
				CostUsed:          500.0,
			},
			incoming: UsageLimitInfo{
				BillingCycleStart: 2000,
				TokensUsed:        10,
				CostUsed:          0.5,
			},
			expectTokens: 10,
			expectCost:   0.5,
		},
		{
			name: "cost merges independently of tokens",
			cached: UsageLimitInfo{
				BillingCycleStart: 1000,
				TokensUsed:        100,
				CostUsed:          10.0,
			},
			incoming: UsageLimitInfo{
				BillingCycleStart: 1000,
				TokensUsed:        100,
				PrevTokensUsed:    100,
				CostUsed:          12.5,
				PrevCostUsed:      11.0,
			},
			expectTokens: 100,
			expectCost:   12.5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := Reconcile(tt.cached, tt.incoming)
			if out.TokensUsed != tt.expectTokens {
				t.Errorf("TokensUsed = %d, want %d", out.TokensUsed, tt.expectTokens)
			}
			if out.CostUsed != tt.expectCost {
				t.Errorf("CostUsed = %v, want %v", out.CostUsed, tt.expectCost)
			}
		})
	}
}

func TestApplySnapshotIdempotentReplay(t *testing.T) {
	e := &cacheEntry{}
	snapshot := UsageLimitInfo{
		Identity:          "team-alpha",
		BillingCycleStart: 1000,
		TokensUsed:        100,
		PrevTokensUsed:    50,
	}

	e.applySnapshot(snapshot)
	first := e.info.TokensUsed

	// Re-delivering the identical snapshot must not double-count deltas.
	e.applySnapshot(snapshot)
	e.applySnapshot(snapshot)

	if e.info.TokensUsed != first {
		t.Errorf("TokensUsed after replay = %d, want %d", e.info.TokensUsed, first)
	}
}

func TestApplySnapshotMergesAfterLocalIncrements(t *testing.T) {
	e := &cacheEntry{}
	e.applySnapshot(UsageLimitInfo{
		Identity:          "team-alpha",
		BillingCycleStart: 1000,
		TokensUsed:        100,
		PrevTokensUsed:    100,
	})

	// Optimistic local accounting runs ahead of the source.
	e.info.TokensUsed += 40

	e.applySnapshot(UsageLimitInfo{
		Identity:          "team-alpha",
		BillingCycleStart: 1000,
		TokensUsed:        120,
		PrevTokensUsed:    100,
	})

	// 140 locally observed + 20 newly reported by the source.
	if e.info.TokensUsed != 160 {
		t.Errorf("TokensUsed = %d, want 160", e.info.TokensUsed)
	}
}
