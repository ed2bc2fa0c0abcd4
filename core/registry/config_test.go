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

package registry

import (
	"testing"

	"gopkg.in/yaml.v3"
)

func TestAlgorithm_UnmarshalYAML(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		expected  Algorithm
		expectErr bool
	}{
		{name: "fixed window", input: "fixed_window", expected: FixedWindow},
		{name: "sliding window", input: "sliding_window", expected: SlidingWindow},
		{name: "token bucket", input: "token_bucket", expected: TokenBucket},
		{name: "unknown value", input: "leaky_bucket", expectErr: true},
		{name: "empty value", input: `""`, expectErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var a Algorithm
			err := yaml.Unmarshal([]byte(tt.input), &a)
			if tt.expectErr {
				if err == nil {
					t.Errorf("expected error for input %q", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if a != tt.expected {
				t.Errorf("got %v, want %v", a, tt.expected)
			}
		})
	}
}

func TestAlgorithm_String(t *testing.T) {
	tests := []struct {
		algorithm Algorithm
		expected  string
	}{
		{FixedWindow, "fixed_window"},
		{SlidingWindow, "sliding_window"},
		{TokenBucket, "token_bucket"},
		{Algorithm(99), "undefined"},
	}

	for _, tt := range tests {
		if got := tt.algorithm.String(); got != tt.expected {
			t.Errorf("Algorithm(%d).String() = %q, want %q", tt.algorithm, got, tt.expected)
		}
	}
}

func TestCapability_UnmarshalYAML(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		expected  Capability
		expectErr bool
	}{
		{name: "chat", input: "chat", expected: CapabilityChat},
		{name: "completion", input: "completion", expected: CapabilityCompletion},
		{name: "embedding", input: "embedding", expected: CapabilityEmbedding},
		{name: "vision", input: "vision", expected: CapabilityVision},
		{name: "tool use", input: "tool_use", expected: CapabilityToolUse},
		{name: "streaming", input: "streaming", expected: CapabilityStreaming},
		{name: "unknown capability", input: "telepathy", expectErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var c Capability
			err := yaml.Unmarshal([]byte(tt.input), &c)
			if tt.expectErr {
				if err == nil {
					t.Errorf("expected error for input %q", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if c != tt.expected {
				t.Errorf("got %v, want %v", c, tt.expected)
			}
		})
	}
}

func TestRateLimitPolicy_IsFailOpen(t *testing.T) {
	truth := true
	falsehood := false
	tests := []struct {
		name     string
		policy   *RateLimitPolicy
		expected bool
	}{
		{name: "nil policy defaults open", policy: nil, expected: true},
		{name: "unset defaults open", policy: &RateLimitPolicy{}, expected: true},
		{name: "explicit open", policy: &RateLimitPolicy{FailOpen: &truth}, expected: true},
		{name: "explicit closed", policy: &RateLimitPolicy{FailOpen: &falsehood}, expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.policy.IsFailOpen(); got != tt.expected {
				t.Errorf("IsFailOpen() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestProviderConfig_HasCapability(t *testing.T) {
	p := &ProviderConfig{
		Name:         "primary",
		Capabilities: []Capability{CapabilityChat, CapabilityStreaming},
	}
	if !p.HasCapability(CapabilityChat) {
		t.Error("expected chat capability")
	}
	if p.HasCapability(CapabilityVision) {
		t.Error("did not expect vision capability")
	}
	var nilProvider *ProviderConfig
	if nilProvider.HasCapability(CapabilityChat) {
		t.Error("nil provider must report no capabilities")
	}
}
