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

package gateway

import (
	"strconv"
	"time"

	"github.com/dancing-ui/aigateway/core/ratelimit"
)

const (
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"
	HeaderRetryAfter         = "Retry-After"
)

// Headers collects the response headers the gateway attaches to every
// handled request.
type Headers struct {
	headers map[string]string
}

func NewHeaders() *Headers {
	return &Headers{headers: make(map[string]string)}
}

func (h *Headers) Set(key, value string) {
	if h == nil {
		return
	}
	if h.headers == nil {
		h.headers = make(map[string]string)
	}
	h.headers[key] = value
}

func (h *Headers) Get(key string) string {
	if h == nil || h.headers == nil {
		return ""
	}
	return h.headers[key]
}

func (h *Headers) GetAll() map[string]string {
	if h == nil {
		return nil
	}
	return h.headers
}

// SetRateLimit fills the X-RateLimit-* headers from a decision, plus
// Retry-After on denial.
func (h *Headers) SetRateLimit(d ratelimit.Decision) {
	if h == nil || d.Unlimited {
		return
	}
	h.Set(HeaderRateLimitLimit, strconv.FormatInt(d.Limit, 10))
	h.Set(HeaderRateLimitRemaining, strconv.FormatInt(d.Remaining, 10))
	h.Set(HeaderRateLimitReset, strconv.FormatUint(d.ResetAt/1000, 10))
	if !d.Allowed {
		h.SetRetryAfter(d.RetryAfter)
	}
}

// SetRetryAfter fills Retry-After in whole seconds, rounding sub-second
// waits up to one.
func (h *Headers) SetRetryAfter(d time.Duration) {
	retryAfterSec := int64(d.Seconds())
	if retryAfterSec < 1 {
		retryAfterSec = 1
	}
	h.Set(HeaderRetryAfter, strconv.FormatInt(retryAfterSec, 10))
}
