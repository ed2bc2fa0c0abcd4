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

import "time"

// nowFunc is swappable so tests can drive simulated time through every
// window and bucket computation deterministically.
var nowFunc = time.Now

// SetClock replaces the package clock. Pass nil to restore the wall clock.
// Intended for tests only.
func SetClock(now func() time.Time) {
	if now == nil {
		nowFunc = time.Now
		return
	}
	nowFunc = now
}

// Now returns the current time from the package clock.
func Now() time.Time {
	return nowFunc()
}

// CurrentTimeMillis returns the current Unix timestamp in milliseconds.
func CurrentTimeMillis() uint64 {
	return uint64(nowFunc().UnixNano()) / uint64(time.Millisecond)
}

// CurrentTimeNano returns the current Unix timestamp in nanoseconds.
func CurrentTimeNano() uint64 {
	return uint64(nowFunc().UnixNano())
}

// FormatTimeMillis formats a Unix millisecond timestamp as a datetime string.
func FormatTimeMillis(tsMillis uint64) string {
	return time.Unix(0, int64(tsMillis)*int64(time.Millisecond)).Format("2006-01-02 15:04:05")
}
