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

import (
	"regexp"
	"strings"
	"sync"
)

var (
	patternCache   = make(map[string]*regexp.Regexp)
	patternCacheMu sync.RWMutex
)

const (
	regexBeginAnchor = "^"
	regexEndAnchor   = "$"
)

// PatternMatch reports whether text matches pattern as a whole string.
// Patterns without explicit anchors are anchored on both ends so that
// identity patterns like "team-.*" never match a substring by accident.
// Invalid patterns never match.
func PatternMatch(pattern, text string) bool {
	if pattern == "" || text == "" {
		return false
	}

	regex, err := compiledPattern(anchorPattern(pattern))
	if err != nil {
		return false
	}
	return regex.MatchString(text)
}

// ValidPattern reports whether pattern compiles as a regular expression.
func ValidPattern(pattern string) bool {
	_, err := compiledPattern(anchorPattern(pattern))
	return err == nil
}

func anchorPattern(pattern string) string {
	if !strings.HasPrefix(pattern, regexBeginAnchor) {
		pattern = regexBeginAnchor + pattern
	}
	if !strings.HasSuffix(pattern, regexEndAnchor) {
		pattern = pattern + regexEndAnchor
	}
	return pattern
}

func compiledPattern(pattern string) (*regexp.Regexp, error) {
	patternCacheMu.RLock()
	if regex, exists := patternCache[pattern]; exists {
		patternCacheMu.RUnlock()
		return regex, nil
	}
	patternCacheMu.RUnlock()

	regex, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}

	patternCacheMu.Lock()
	patternCache[pattern] = regex
	patternCacheMu.Unlock()

	return regex, nil
}
