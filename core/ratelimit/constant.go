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

// ================================= Defaults =================================
const (
	DefaultCacheTTLMs     int64 = 60000
	DefaultRedisTimeoutMs int64 = 50
	DefaultSyncIntervalMs int64 = 200

	DefaultShardCount int = 64

	sweepIntervalMs int64 = 1000
)

// ================================= RedisKeyFormat ===========================
const (
	// identity, model, windowStartMs
	RedisFixedWindowKeyFormat string = "aigateway:ratelimit:fixed:%s:%s:%d"
	// identity, model, windowStartMs
	RedisSlidingWindowKeyFormat string = "aigateway:ratelimit:sliding:%s:%s:%d"
	// identity, model
	RedisTokenBucketKeyFormat string = "aigateway:ratelimit:bucket:%s:%s"
)
