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

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/dancing-ui/aigateway/core/registry"
	"github.com/dancing-ui/aigateway/util"
)

func freezeClock(t *testing.T, ms uint64) {
	t.Helper()
	util.SetClock(func() time.Time {
		return time.Unix(0, int64(ms)*int64(time.Millisecond))
	})
	t.Cleanup(func() { util.SetClock(nil) })
}

type fakeSource struct {
	mu      sync.Mutex
	info    *UsageLimitInfo
	err     error
	fetches int
}

func (f *fakeSource) Fetch(_ context.Context, identity string) (*UsageLimitInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.err != nil {
		return nil, f.err
	}
	info := *f.info
	info.Identity = identity
	return &info, nil
}

func (f *fakeSource) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

type fakeSignalStore struct {
	mu   sync.Mutex
	data map[string]string
}

func newFakeSignalStore() *fakeSignalStore {
	return &fakeSignalStore{data: make(map[string]string)}
}

func (f *fakeSignalStore) Get(_ context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	return v, ok, nil
}

func (f *fakeSignalStore) Set(_ context.Context, key, value string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = value
	return nil
}

func (f *fakeSignalStore) Exists(_ context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.data[key]
	return ok, nil
}

func (f *fakeSignalStore) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, key)
	return nil
}

func (f *fakeSignalStore) Eval(_ context.Context, _ string, _ []string, _ ...interface{}) (interface{}, error) {
	return nil, nil
}

func (f *fakeSignalStore) Close() error { return nil }

func TestGetOrRefreshServesCacheWithinTTL(t *testing.T) {
	freezeClock(t, 1700000000000)
	src := &fakeSource{info: &UsageLimitInfo{BillingCycleStart: 1000, TokensUsed: 100}}
	l, err := NewLimiter(src, nil)
	if err != nil {
		t.Fatalf("NewLimiter() failed: %v", err)
	}

	policy := &registry.UsageLimitPolicy{MaxTokens: 1000, CacheTTLMs: 5000}
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		info, err := l.GetOrRefresh(ctx, "team-alpha", policy)
		if err != nil {
			t.Fatalf("GetOrRefresh() failed: %v", err)
		}
		if info.TokensUsed != 100 {
			t.Errorf("TokensUsed = %d, want 100", info.TokensUsed)
		}
	}
	if src.fetchCount() != 1 {
		t.Errorf("fetches = %d, want 1 within the TTL", src.fetchCount())
	}

	// Expiring the TTL triggers one more fetch.
	freezeClock(t, 1700000006000)
	if _, err := l.GetOrRefresh(ctx, "team-alpha", policy); err != nil {
		t.Fatalf("GetOrRefresh() failed: %v", err)
	}
	if src.fetchCount() != 2 {
		t.Errorf("fetches = %d, want 2 after expiry", src.fetchCount())
	}
}

func TestGetOrRefreshServesStaleOnSourceFailure(t *testing.T) {
	freezeClock(t, 1700000000000)
	src := &fakeSource{info: &UsageLimitInfo{BillingCycleStart: 1000, TokensUsed: 100}}
	l, err := NewLimiter(src, nil)
	if err != nil {
		t.Fatalf("NewLimiter() failed: %v", err)
	}
	policy := &registry.UsageLimitPolicy{MaxTokens: 1000, CacheTTLMs: 1000}
	ctx := context.Background()

	if _, err := l.GetOrRefresh(ctx, "team-alpha", policy); err != nil {
		t.Fatalf("GetOrRefresh() failed: %v", err)
	}

	src.mu.Lock()
	src.err = errors.New("billing backend down")
	src.mu.Unlock()

	freezeClock(t, 1700000002000)
	info, err := l.GetOrRefresh(ctx, "team-alpha", policy)
	if err != nil {
		t.Fatalf("expected stale snapshot, got error: %v", err)
	}
	if info.TokensUsed != 100 {
		t.Errorf("TokensUsed = %d, want the stale 100", info.TokensUsed)
	}
}

func TestGetOrRefreshFailureWithoutCache(t *testing.T) {
	closed := false
	tests := []struct {
		name      string
		policy    *registry.UsageLimitPolicy
		expectErr bool
	}{
		{
			name:   "fail-open admits with zero usage",
			policy: &registry.UsageLimitPolicy{MaxTokens: 1000},
		},
		{
			name:      "fail-closed rejects as unverifiable",
			policy:    &registry.UsageLimitPolicy{MaxTokens: 1000, FailOpen: &closed},
			expectErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &fakeSource{err: errors.New("billing backend down")}
			l, err := NewLimiter(src, nil)
			if err != nil {
				t.Fatalf("NewLimiter() failed: %v", err)
			}

			info, err := l.GetOrRefresh(context.Background(), "team-alpha", tt.policy)
			if tt.expectErr {
				if !errors.Is(err, ErrUsageUnverifiable) {
					t.Fatalf("error = %v, want ErrUsageUnverifiable", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("GetOrRefresh() failed: %v", err)
			}
			if info.TokensUsed != 0 {
				t.Errorf("TokensUsed = %d, want 0", info.TokensUsed)
			}
		})
	}
}

func TestCheckDeniesExceededQuota(t *testing.T) {
	tests := []struct {
		name     string
		info     UsageLimitInfo
		policy   *registry.UsageLimitPolicy
		expected error
	}{
		{
			name:     "under both caps",
			info:     UsageLimitInfo{TokensUsed: 100, CostUsed: 1.0},
			policy:   &registry.UsageLimitPolicy{MaxTokens: 1000, MaxCost: 10.0},
			expected: nil,
		},
		{
			name:     "token cap exhausted",
			info:     UsageLimitInfo{TokensUsed: 1000},
			policy:   &registry.UsageLimitPolicy{MaxTokens: 1000},
			expected: ErrUsageLimitExceeded,
		},
		{
			name:     "cost cap exhausted",
			info:     UsageLimitInfo{CostUsed: 10.0},
			policy:   &registry.UsageLimitPolicy{MaxCost: 10.0},
			expected: ErrUsageLimitExceeded,
		},
		{
			name:     "snapshot caps take precedence over the policy",
			info:     UsageLimitInfo{TokensUsed: 50, MaxTokens: 40},
			policy:   &registry.UsageLimitPolicy{MaxTokens: 1000},
			expected: ErrUsageLimitExceeded,
		},
		{
			name:     "zero caps mean no quota",
			info:     UsageLimitInfo{TokensUsed: 999999},
			policy:   &registry.UsageLimitPolicy{},
			expected: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := tt.info
			info.BillingCycleStart = 1000
			src := &fakeSource{info: &info}
			l, err := NewLimiter(src, nil)
			if err != nil {
				t.Fatalf("NewLimiter() failed: %v", err)
			}

			err = l.Check(context.Background(), "team-alpha", tt.policy)
			if tt.expected == nil {
				if err != nil {
					t.Fatalf("Check() = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.expected) {
				t.Fatalf("Check() = %v, want %v", err, tt.expected)
			}
		})
	}
}

func TestCheckNilPolicySkips(t *testing.T) {
	src := &fakeSource{err: errors.New("must not be called")}
	l, err := NewLimiter(src, nil)
	if err != nil {
		t.Fatalf("NewLimiter() failed: %v", err)
	}
	if err := l.Check(context.Background(), "team-alpha", nil); err != nil {
		t.Fatalf("Check() with nil policy = %v, want nil", err)
	}
	if src.fetchCount() != 0 {
		t.Errorf("fetches = %d, want 0", src.fetchCount())
	}
}

func TestRecordUsageCountsAgainstQuota(t *testing.T) {
	freezeClock(t, 1700000000000)
	src := &fakeSource{info: &UsageLimitInfo{BillingCycleStart: 1000, TokensUsed: 990}}
	l, err := NewLimiter(src, nil)
	if err != nil {
		t.Fatalf("NewLimiter() failed: %v", err)
	}
	policy := &registry.UsageLimitPolicy{MaxTokens: 1000, CacheTTLMs: 60000}
	ctx := context.Background()

	if err := l.Check(ctx, "team-alpha", policy); err != nil {
		t.Fatalf("Check() before recording = %v, want nil", err)
	}

	l.RecordUsage("team-alpha", 25, 0.01)

	if err := l.Check(ctx, "team-alpha", policy); !errors.Is(err, ErrUsageLimitExceeded) {
		t.Fatalf("Check() after recording = %v, want ErrUsageLimitExceeded", err)
	}
}

func TestInvalidateForcesRefetch(t *testing.T) {
	freezeClock(t, 1700000000000)
	src := &fakeSource{info: &UsageLimitInfo{BillingCycleStart: 1000, TokensUsed: 100}}
	l, err := NewLimiter(src, nil)
	if err != nil {
		t.Fatalf("NewLimiter() failed: %v", err)
	}
	policy := &registry.UsageLimitPolicy{MaxTokens: 1000, CacheTTLMs: 60000}
	ctx := context.Background()

	if _, err := l.GetOrRefresh(ctx, "team-alpha", policy); err != nil {
		t.Fatalf("GetOrRefresh() failed: %v", err)
	}
	if _, err := l.GetOrRefresh(ctx, "team-alpha", policy); err != nil {
		t.Fatalf("GetOrRefresh() failed: %v", err)
	}
	if src.fetchCount() != 1 {
		t.Fatalf("fetches = %d, want 1 before invalidation", src.fetchCount())
	}

	l.Invalidate(ctx, "team-alpha")
	if _, err := l.GetOrRefresh(ctx, "team-alpha", policy); err != nil {
		t.Fatalf("GetOrRefresh() failed: %v", err)
	}
	if src.fetchCount() != 2 {
		t.Errorf("fetches = %d, want 2 after invalidation", src.fetchCount())
	}
}

func TestInvalidatePublishesSignal(t *testing.T) {
	freezeClock(t, 1700000000000)
	src := &fakeSource{info: &UsageLimitInfo{BillingCycleStart: 1000, TokensUsed: 100}}
	st := newFakeSignalStore()
	l, err := NewLimiter(src, st)
	if err != nil {
		t.Fatalf("NewLimiter() failed: %v", err)
	}
	ctx := context.Background()

	l.Invalidate(ctx, "team-alpha")

	signalKey := fmt.Sprintf(invalidationKeyFormat, "team-alpha")
	if present, _ := st.Exists(ctx, signalKey); !present {
		t.Error("expected the clear signal key to be published for other instances")
	}
}

func TestInvalidationSignalFromStore(t *testing.T) {
	freezeClock(t, 1700000000000)
	src := &fakeSource{info: &UsageLimitInfo{BillingCycleStart: 1000, TokensUsed: 100}}
	st := newFakeSignalStore()
	l, err := NewLimiter(src, st)
	if err != nil {
		t.Fatalf("NewLimiter() failed: %v", err)
	}
	policy := &registry.UsageLimitPolicy{MaxTokens: 1000, CacheTTLMs: 60000}
	ctx := context.Background()

	if _, err := l.GetOrRefresh(ctx, "team-alpha", policy); err != nil {
		t.Fatalf("GetOrRefresh() failed: %v", err)
	}

	// Another gateway instance publishes the clear signal.
	signalKey := fmt.Sprintf(invalidationKeyFormat, "team-alpha")
	if err := st.Set(ctx, signalKey, "1", 0); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}

	// Advance past the signal-check throttle so the key is consulted.
	freezeClock(t, 1700000002000)
	if _, err := l.GetOrRefresh(ctx, "team-alpha", policy); err != nil {
		t.Fatalf("GetOrRefresh() failed: %v", err)
	}
	if src.fetchCount() != 2 {
		t.Errorf("fetches = %d, want 2 after the signal", src.fetchCount())
	}

	// The refresh consumes the signal key.
	if present, _ := st.Exists(ctx, signalKey); present {
		t.Error("expected the signal key to be cleared after refresh")
	}
}
