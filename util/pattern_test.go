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

package util

import "testing"

func TestPatternMatch(t *testing.T) {
	tests := []struct {
		name     string
		pattern  string
		text     string
		expected bool
	}{
		{
			name:     "exact match",
			pattern:  "team-alpha",
			text:     "team-alpha",
			expected: true,
		},
		{
			name:     "wildcard suffix",
			pattern:  "team-.*",
			text:     "team-alpha",
			expected: true,
		},
		{
			name:     "no substring match without anchors",
			pattern:  "alpha",
			text:     "team-alpha",
			expected: false,
		},
		{
			name:     "explicit anchors preserved",
			pattern:  "^org-[0-9]+$",
			text:     "org-42",
			expected: true,
		},
		{
			name:     "mismatch",
			pattern:  "team-.*",
			text:     "org-42",
			expected: false,
		},
		{
			name:     "empty pattern",
			pattern:  "",
			text:     "team-alpha",
			expected: false,
		},
		{
			name:     "empty text",
			pattern:  "team-.*",
			text:     "",
			expected: false,
		},
		{
			name:     "invalid pattern never matches",
			pattern:  "team-[",
			text:     "team-alpha",
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := PatternMatch(tt.pattern, tt.text); got != tt.expected {
				t.Errorf("PatternMatch(%q, %q) = %v, want %v", tt.pattern, tt.text, got, tt.expected)
			}
		})
	}
}

func TestValidPattern(t *testing.T) {
	tests := []struct {
		name     string
		pattern  string
		expected bool
	}{
		{name: "literal", pattern: "team-alpha", expected: true},
		{name: "wildcard", pattern: "team-.*", expected: true},
		{name: "character class", pattern: "org-[0-9]+", expected: true},
		{name: "unterminated class", pattern: "team-[", expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidPattern(tt.pattern); got != tt.expected {
				t.Errorf("ValidPattern(%q) = %v, want %v", tt.pattern, got, tt.expected)
			}
		})
	}
}

func TestPatternMatchCacheReuse(t *testing.T) {
	for i := 0; i < 3; i++ {
		if !PatternMatch("cache-.*", "cache-hit") {
			t.Errorf("iteration %d: expected cached pattern to keep matching", i)
		}
	}
}
