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

package router

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Sentinel errors adapters use to classify upstream failures.
var (
	// Retryable: the next provider in the chain may still succeed.
	ErrProviderTimeout     = errors.New("provider timed out")
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrUpstreamRateLimited = errors.New("provider rate limited the gateway")

	// Fatal: retrying against another provider cannot help.
	ErrInvalidRequest = errors.New("invalid request")
	ErrAuthFailed     = errors.New("authentication failed")
	ErrContentPolicy  = errors.New("request rejected by content policy")

	// ErrNoAvailableProviders means every provider in the fallback chain
	// was attempted and failed with a retryable error.
	ErrNoAvailableProviders = errors.New("no available providers")
)

// AttemptError wraps one provider attempt's failure with its position in
// the chain.
type AttemptError struct {
	Provider string
	Attempt  int
	Err      error
}

func (e *AttemptError) Error() string {
	return fmt.Sprintf("provider %s (attempt %d): %v", e.Provider, e.Attempt, e.Err)
}

func (e *AttemptError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err must short-circuit the fallback chain.
func IsFatal(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrAuthFailed) ||
		errors.Is(err, ErrContentPolicy)
}

// IsRetryable reports whether the next provider in the chain should be
// attempted. Timeouts, connection errors, and upstream unavailability
// are retryable; anything fatal is not. Unknown errors default to
// retryable so a misbehaving provider cannot poison the whole chain.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return !IsFatal(err)
}

// isTimeout reports whether err is a deadline or network timeout.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrProviderTimeout) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
