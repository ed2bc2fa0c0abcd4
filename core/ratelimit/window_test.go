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
	"testing"
	"time"

	"github.com/dancing-ui/aigateway/core/registry"
)

func TestEffectiveWindow(t *testing.T) {
	tests := []struct {
		name         string
		policy       *registry.RateLimitPolicy
		expectOK     bool
		expectLimit  int64
		expectPeriod time.Duration
	}{
		{
			name:     "no windows configured",
			policy:   &registry.RateLimitPolicy{},
			expectOK: false,
		},
		{
			name:         "single per-second window",
			policy:       &registry.RateLimitPolicy{RequestsPerSecond: 10},
			expectOK:     true,
			expectLimit:  10,
			expectPeriod: time.Second,
		},
		{
			name: "per-minute more restrictive than per-second",
			policy: &registry.RateLimitPolicy{
				RequestsPerSecond: 10,
				RequestsPerMinute: 60,
			},
			expectOK:     true,
			expectLimit:  60,
			expectPeriod: time.Minute,
		},
		{
			name: "per-second more restrictive than per-hour",
			policy: &registry.RateLimitPolicy{
				RequestsPerSecond: 1,
				RequestsPerHour:   100000,
			},
			expectOK:     true,
			expectLimit:  1,
			expectPeriod: time.Second,
		},
		{
			name: "equal rates prefer the shorter window",
			policy: &registry.RateLimitPolicy{
				RequestsPerSecond: 1,
				RequestsPerMinute: 60,
			},
			expectOK:     true,
			expectLimit:  1,
			expectPeriod: time.Second,
		},
		{
			name: "all three windows",
			policy: &registry.RateLimitPolicy{
				RequestsPerSecond: 100,
				RequestsPerMinute: 600,
				RequestsPerHour:   3600,
			},
			expectOK:     true,
			expectLimit:  3600,
			expectPeriod: time.Hour,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, ok := effectiveWindow(tt.policy)
			if ok != tt.expectOK {
				t.Fatalf("effectiveWindow() ok = %v, want %v", ok, tt.expectOK)
			}
			if !ok {
				return
			}
			if w.Limit != tt.expectLimit || w.Duration != tt.expectPeriod {
				t.Errorf("effectiveWindow() = {%d, %v}, want {%d, %v}",
					w.Limit, w.Duration, tt.expectLimit, tt.expectPeriod)
			}
		})
	}
}

func TestWindowStartMillis(t *testing.T) {
	tests := []struct {
		name     string
		nowMs    uint64
		window   time.Duration
		expected uint64
	}{
		{
			name:     "aligned to second",
			nowMs:    1700000000500,
			window:   time.Second,
			expected: 1700000000000,
		},
		{
			name:     "exactly on boundary",
			nowMs:    1700000000000,
			window:   time.Second,
			expected: 1700000000000,
		},
		{
			name:     "aligned to minute",
			nowMs:    1700000059999,
			window:   time.Minute,
			expected: 1700000040000,
		},
		{
			name:     "zero window returns now",
			nowMs:    12345,
			window:   0,
			expected: 12345,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := windowStartMillis(tt.nowMs, tt.window); got != tt.expected {
				t.Errorf("windowStartMillis(%d, %v) = %d, want %d", tt.nowMs, tt.window, got, tt.expected)
			}
		})
	}
}

func TestRatePerSecond(t *testing.T) {
	w := Window{Limit: 60, Duration: time.Minute}
	if got := w.RatePerSecond(); got != 1.0 {
		t.Errorf("RatePerSecond() = %v, want 1.0", got)
	}
	zero := Window{Limit: 10}
	if got := zero.RatePerSecond(); got != 0 {
		t.Errorf("RatePerSecond() with zero duration = %v, want 0", got)
	}
}
