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
	"time"

	"github.com/dancing-ui/aigateway/core/registry"
)

// Window is one configured rate window normalized for enforcement.
type Window struct {
	Limit    int64
	Duration time.Duration
}

// RatePerSecond returns the window limit normalized to a per-second rate.
func (w Window) RatePerSecond() float64 {
	if w.Duration <= 0 {
		return 0
	}
	return float64(w.Limit) / w.Duration.Seconds()
}

func configuredWindows(p *registry.RateLimitPolicy) []Window {
	if p == nil {
		return nil
	}
	var ws []Window
	if p.RequestsPerSecond > 0 {
		ws = append(ws, Window{Limit: p.RequestsPerSecond, Duration: time.Second})
	}
	if p.RequestsPerMinute > 0 {
		ws = append(ws, Window{Limit: p.RequestsPerMinute, Duration: time.Minute})
	}
	if p.RequestsPerHour > 0 {
		ws = append(ws, Window{Limit: p.RequestsPerHour, Duration: time.Hour})
	}
	return ws
}

// effectiveWindow resolves multiple configured windows to the most
// restrictive one by normalizing each to a per-second rate and taking
// the minimum. Ties prefer the shorter window.
func effectiveWindow(p *registry.RateLimitPolicy) (Window, bool) {
	ws := configuredWindows(p)
	if len(ws) == 0 {
		return Window{}, false
	}
	effective := ws[0]
	for _, w := range ws[1:] {
		if w.RatePerSecond() < effective.RatePerSecond() {
			effective = w
		}
	}
	return effective, true
}

// windowStartMillis returns the epoch-aligned start of the window that
// contains nowMs.
func windowStartMillis(nowMs uint64, window time.Duration) uint64 {
	windowMs := uint64(window / time.Millisecond)
	if windowMs == 0 {
		return nowMs
	}
	return nowMs - nowMs%windowMs
}
