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
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/dancing-ui/aigateway/core/registry"
	"github.com/dancing-ui/aigateway/core/router"
	"github.com/dancing-ui/aigateway/core/usagelimit"
)

// ErrorType is the coarse client-facing classification in the error
// envelope.
type ErrorType string

const (
	ErrorTypeRateLimit      ErrorType = "rate_limit_error"
	ErrorTypeUsageLimit     ErrorType = "usage_limit_error"
	ErrorTypeInvalidRequest ErrorType = "invalid_request_error"
	ErrorTypeAPI            ErrorType = "api_error"
)

// ErrorBody is the machine-readable error payload.
type ErrorBody struct {
	Type    ErrorType `json:"type"`
	Code    string    `json:"code"`
	Message string    `json:"message"`
}

// Envelope is the one structured error shape every client-visible
// failure uses, regardless of internal cause.
type Envelope struct {
	Error ErrorBody `json:"error"`
}

// JSON renders the envelope body.
func (e *Envelope) JSON() []byte {
	if e == nil {
		return nil
	}
	data, err := json.Marshal(e)
	if err != nil {
		return []byte(`{"error":{"type":"api_error","code":"encoding_failed","message":"internal error"}}`)
	}
	return data
}

func newEnvelope(t ErrorType, code, message string) *Envelope {
	return &Envelope{Error: ErrorBody{Type: t, Code: code, Message: message}}
}

// MapError translates an internal error into an HTTP status and the
// client envelope.
func MapError(err error) (int, *Envelope) {
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return 429, RateLimitEnvelope()
	}
	switch {
	case errors.Is(err, registry.ErrModelNotFound):
		return 404, newEnvelope(ErrorTypeInvalidRequest, "model_not_found", err.Error())
	case errors.Is(err, registry.ErrCapabilityNotSupported):
		return 400, newEnvelope(ErrorTypeInvalidRequest, "capability_not_supported", err.Error())
	case errors.Is(err, usagelimit.ErrUsageLimitExceeded):
		return 429, newEnvelope(ErrorTypeUsageLimit, "usage_limit_exceeded", err.Error())
	case errors.Is(err, usagelimit.ErrUsageUnverifiable):
		return 429, newEnvelope(ErrorTypeUsageLimit, "usage_unverifiable", err.Error())
	case errors.Is(err, router.ErrInvalidRequest):
		return 400, newEnvelope(ErrorTypeInvalidRequest, "invalid_request", err.Error())
	case errors.Is(err, router.ErrAuthFailed):
		return 401, newEnvelope(ErrorTypeInvalidRequest, "authentication_failed", err.Error())
	case errors.Is(err, router.ErrContentPolicy):
		return 400, newEnvelope(ErrorTypeInvalidRequest, "content_policy_violation", err.Error())
	case errors.Is(err, router.ErrNoAvailableProviders):
		return 502, newEnvelope(ErrorTypeAPI, "no_available_providers", err.Error())
	default:
		return 500, newEnvelope(ErrorTypeAPI, "internal_error", err.Error())
	}
}

// RateLimitEnvelope is the rejection body for a denied rate decision.
func RateLimitEnvelope() *Envelope {
	return newEnvelope(ErrorTypeRateLimit, "rate_limit_exceeded", "Too Many Requests")
}
