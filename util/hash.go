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
	"strconv"

	"github.com/spaolacci/murmur3"
)

// HashKey hashes the given parts into a stable 64-bit key. Parts are
// separated by a zero byte so ("ab","c") and ("a","bc") never collide.
func HashKey(parts ...string) uint64 {
	h := murmur3.New64()
	for i, part := range parts {
		if i > 0 {
			h.Write([]byte{0})
		}
		h.Write([]byte(part))
	}
	return h.Sum64()
}

// HashKeyString returns HashKey formatted as a hex string.
func HashKeyString(parts ...string) string {
	return strconv.FormatUint(HashKey(parts...), 16)
}

// ShardIndex maps parts onto one of shardCount shards.
// shardCount must be a power of two.
func ShardIndex(shardCount int, parts ...string) int {
	return int(HashKey(parts...) & uint64(shardCount-1))
}
