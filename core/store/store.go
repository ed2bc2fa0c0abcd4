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

package store

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// ErrUnavailable marks any failure to reach the distributed store within
// its bounded timeout. Callers absorb it into a degraded local-only
// decision; it is never surfaced to a request.
var ErrUnavailable = errors.New("distributed store unavailable")

// Store is the narrow contract the limiters need from the shared
// key-value store. Every call must honor the deadline carried by ctx;
// implementations never block past it.
type Store interface {
	// Get returns the value at key and whether the key exists.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set writes value at key with the given expiry.
	Set(ctx context.Context, key string, value string, expiry time.Duration) error

	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// Delete removes key.
	Delete(ctx context.Context, key string) error

	// Eval runs a server-side script with the given keys and args.
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error)

	Close() error
}

// ParseIntResults converts a script response into a slice of int64.
// Returns nil when the response has an unexpected shape.
func ParseIntResults(response interface{}) []int64 {
	if response == nil {
		return nil
	}

	resultSlice, ok := response.([]interface{})
	if !ok || resultSlice == nil {
		return nil
	}

	result := make([]int64, len(resultSlice))
	for i, v := range resultSlice {
		switch val := v.(type) {
		case int64:
			result[i] = val
		case int:
			result[i] = int64(val)
		case float64:
			result[i] = int64(val)
		case string:
			num, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return nil
			}
			result[i] = num
		default:
			return nil
		}
	}
	return result
}
