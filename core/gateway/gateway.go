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

// Package gateway wires admission and routing into one request
// pipeline: registry lookup, usage check, rate check, provider routing,
// stream relay, and usage recording, in that order.
package gateway

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/dancing-ui/aigateway/core/ratelimit"
	"github.com/dancing-ui/aigateway/core/registry"
	"github.com/dancing-ui/aigateway/core/router"
	"github.com/dancing-ui/aigateway/core/streaming"
	"github.com/dancing-ui/aigateway/core/usagelimit"
	"github.com/dancing-ui/aigateway/logging"
)

// RateLimitError is returned when the rate limiter denies a request.
// The decision carries the header values the caller must emit.
type RateLimitError struct {
	Decision ratelimit.Decision
}

func (e *RateLimitError) Error() string {
	return "rate limit exceeded"
}

// UsageLimitError is returned when the usage limiter denies a request.
// RetryAfter tells the client when a refreshed snapshot could change
// the answer, which is one cache TTL at the latest.
type UsageLimitError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *UsageLimitError) Error() string {
	return e.Err.Error()
}

func (e *UsageLimitError) Unwrap() error {
	return e.Err
}

// Result is one successfully admitted and routed request. Exactly one
// of Response and Stream is set.
type Result struct {
	Response *router.Response
	Stream   *streaming.Relay
	Routing  router.RoutingInfo
	Headers  *Headers
}

// Gateway is the admission and routing core shared by every request.
type Gateway struct {
	snap   *registry.Snapshot
	rate   *ratelimit.Limiter
	usage  *usagelimit.Limiter
	router *router.Router
}

func New(snap *registry.Snapshot, rate *ratelimit.Limiter, usage *usagelimit.Limiter, r *router.Router) (*Gateway, error) {
	if snap == nil || rate == nil || usage == nil || r == nil {
		return nil, errors.New("gateway requires snapshot, limiters, and router")
	}
	return &Gateway{snap: snap, rate: rate, usage: usage, router: r}, nil
}

// Handle runs the full admission pipeline for one request. Headers are
// populated on every outcome, including rejections: a denied rate check
// returns *RateLimitError whose decision carries the header values, and
// a denied usage check returns *UsageLimitError carrying Retry-After.
func (g *Gateway) Handle(ctx context.Context, req *router.Request) (*Result, error) {
	if g == nil {
		return nil, errors.New("gateway is nil")
	}
	if req == nil {
		return nil, errors.Wrap(router.ErrInvalidRequest, "request is nil")
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.Capability == "" {
		req.Capability = registry.CapabilityChat
	}

	m, err := g.snap.Model(req.Model)
	if err != nil {
		return nil, err
	}

	if err := g.usage.Check(ctx, req.Identity, m.UsageLimit); err != nil {
		logging.Info("request denied by usage limiter",
			"requestID", req.ID,
			"identity", req.Identity,
			"model", req.Model,
		)
		return nil, &UsageLimitError{RetryAfter: usageRetryAfter(m.UsageLimit), Err: err}
	}

	decision, err := g.rate.CheckAndConsume(ctx, req.Identity, req.Model, 1)
	if err != nil {
		return nil, err
	}
	headers := NewHeaders()
	headers.SetRateLimit(decision)
	if !decision.Allowed {
		logging.Info("request denied by rate limiter",
			"requestID", req.ID,
			"identity", req.Identity,
			"model", req.Model,
			"retryAfter", decision.RetryAfter.String(),
			"degraded", decision.Degraded,
		)
		return nil, &RateLimitError{Decision: decision}
	}

	if req.Stream {
		return g.handleStream(ctx, req, headers)
	}

	resp, err := g.router.Route(ctx, req)
	if err != nil {
		return nil, err
	}
	g.usage.RecordUsage(req.Identity, resp.Usage.TotalTokens, resp.Usage.Cost)
	return &Result{Response: resp, Routing: resp.Routing, Headers: headers}, nil
}

func (g *Gateway) handleStream(ctx context.Context, req *router.Request, headers *Headers) (*Result, error) {
	upstream, routing, err := g.router.RouteStream(ctx, req)
	if err != nil {
		return nil, err
	}

	relay, err := streaming.OpenStream(upstream, streaming.Options{
		Identity:     req.Identity,
		Model:        req.Model,
		Recorder:     g.usage,
		PromptTokens: streaming.EstimatePromptTokens(req.Messages),
	})
	if err != nil {
		_ = upstream.Close()
		return nil, err
	}
	return &Result{Stream: relay, Routing: *routing, Headers: headers}, nil
}

// usageRetryAfter is the earliest moment a usage denial could flip: the
// cache refreshes from the billing source after one TTL.
func usageRetryAfter(policy *registry.UsageLimitPolicy) time.Duration {
	ttlMs := usagelimit.DefaultCacheTTLMs
	if policy != nil && policy.CacheTTLMs > 0 {
		ttlMs = policy.CacheTTLMs
	}
	return time.Duration(ttlMs) * time.Millisecond
}
