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
	_ "embed"
)

// KEYS[1] counter for the current epoch-aligned window.
// ARGV: cost, limit, windowMs, elapsedMs.
// Returns {allowed, remaining, resetMs} where resetMs is the time left
// until the window boundary.
//
//go:embed script/fixed_window/check.lua
var fixedWindowScript string

// KEYS[1] current window counter, KEYS[2] previous window counter.
// ARGV: cost, limit, windowMs, elapsedMs.
// Returns {allowed, remaining, resetMs}.
//
//go:embed script/sliding_window/check.lua
var slidingWindowScript string

// KEYS[1] bucket hash holding level and last refill timestamp.
// ARGV: cost, capacity, refillPerMs, nowMs, expireMs.
// Returns {allowed, remaining, retryAfterMs}.
//
//go:embed script/token_bucket/check.lua
var tokenBucketScript string
