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

// Package router resolves fallback chains and attempts providers in
// order. A retryable failure advances to the next provider; a fatal
// failure stops the chain immediately. Every provider is attempted at
// most once per route call.
package router

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/dancing-ui/aigateway/core/registry"
	"github.com/dancing-ui/aigateway/logging"
	"github.com/dancing-ui/aigateway/metrics"
)

const DefaultAttemptTimeout = 60 * time.Second

// Router routes requests across the providers the registry snapshot
// names. Safe for concurrent use.
type Router struct {
	snap           *registry.Snapshot
	providers      map[string]Provider
	attemptTimeout time.Duration
}

// Option configures a Router.
type Option func(*Router)

// WithAttemptTimeout bounds each single provider attempt.
func WithAttemptTimeout(d time.Duration) Option {
	return func(r *Router) { r.attemptTimeout = d }
}

// WithProvider installs a prebuilt provider, overriding the adapter
// factory for that name. Mostly useful in tests.
func WithProvider(name string, p Provider) Option {
	return func(r *Router) { r.providers[name] = p }
}

// NewRouter builds providers for every registry entry through the
// registered adapter factories.
func NewRouter(snap *registry.Snapshot, opts ...Option) (*Router, error) {
	if snap == nil {
		return nil, errors.New("registry snapshot is nil")
	}
	r := &Router{
		snap:           snap,
		providers:      make(map[string]Provider),
		attemptTimeout: DefaultAttemptTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	for name, cfg := range snap.Providers() {
		if _, exists := r.providers[name]; exists {
			continue
		}
		p, err := newProvider(cfg)
		if err != nil {
			return nil, errors.Wrapf(err, "build provider %q", name)
		}
		r.providers[name] = p
	}
	return r, nil
}

// Resolve returns the fallback chain for (model, capability).
func (r *Router) Resolve(model string, capability registry.Capability) (*registry.FallbackChain, error) {
	if r == nil {
		return nil, errors.New("router is nil")
	}
	return r.snap.Resolve(model, capability)
}

// Route attempts the chain in order and returns the first success.
func (r *Router) Route(ctx context.Context, req *Request) (*Response, error) {
	chain, err := r.Resolve(req.Model, req.Capability)
	if err != nil {
		return nil, err
	}

	var attemptErrs error
	for i, cfg := range chain.Providers {
		p, ok := r.providers[cfg.Name]
		if !ok {
			continue
		}

		metrics.ProviderAttempts.WithLabelValues(cfg.Name).Inc()
		attemptCtx, cancel := context.WithTimeout(ctx, r.attemptTimeout)
		resp, err := p.Infer(attemptCtx, req)
		cancel()

		if err == nil {
			resp.Routing = RoutingInfo{Provider: cfg.Name, Model: req.Model, Attempts: i + 1}
			return resp, nil
		}

		attemptErr := &AttemptError{Provider: cfg.Name, Attempt: i + 1, Err: err}
		if IsFatal(err) {
			metrics.ProviderFailures.WithLabelValues(cfg.Name, "fatal").Inc()
			return nil, attemptErr
		}

		metrics.ProviderFailures.WithLabelValues(cfg.Name, "retryable").Inc()
		logging.Info("provider attempt failed, trying next in chain",
			"requestID", req.ID,
			"provider", cfg.Name,
			"attempt", i+1,
			"timeout", isTimeout(err),
			"error", err.Error(),
		)
		attemptErrs = multierr.Append(attemptErrs, attemptErr)
	}

	return nil, errors.Wrapf(ErrNoAvailableProviders, "model %q: %v", req.Model, attemptErrs)
}

// RouteStream attempts the chain in order and returns the first
// successfully opened stream. The attempt timeout bounds stream setup
// only; once a stream is returned it lives under the request context
// until Close.
func (r *Router) RouteStream(ctx context.Context, req *Request) (ProviderStream, *RoutingInfo, error) {
	chain, err := r.Resolve(req.Model, req.Capability)
	if err != nil {
		return nil, nil, err
	}

	var attemptErrs error
	for i, cfg := range chain.Providers {
		p, ok := r.providers[cfg.Name]
		if !ok {
			continue
		}

		metrics.ProviderAttempts.WithLabelValues(cfg.Name).Inc()
		attemptCtx, cancel := context.WithCancel(ctx)
		setupTimer := time.AfterFunc(r.attemptTimeout, cancel)
		stream, err := p.Stream(attemptCtx, req)
		setupTimer.Stop()
		if err == nil {
			s := &setupBoundedStream{ProviderStream: stream, cancel: cancel}
			return s, &RoutingInfo{Provider: cfg.Name, Model: req.Model, Attempts: i + 1}, nil
		}
		cancel()

		attemptErr := &AttemptError{Provider: cfg.Name, Attempt: i + 1, Err: err}
		if IsFatal(err) {
			metrics.ProviderFailures.WithLabelValues(cfg.Name, "fatal").Inc()
			return nil, nil, attemptErr
		}

		metrics.ProviderFailures.WithLabelValues(cfg.Name, "retryable").Inc()
		logging.Info("provider stream attempt failed, trying next in chain",
			"requestID", req.ID,
			"provider", cfg.Name,
			"attempt", i+1,
			"error", err.Error(),
		)
		attemptErrs = multierr.Append(attemptErrs, attemptErr)
	}

	return nil, nil, errors.Wrapf(ErrNoAvailableProviders, "model %q: %v", req.Model, attemptErrs)
}

// setupBoundedStream releases the attempt context once the caller is
// done with the stream.
type setupBoundedStream struct {
	ProviderStream
	cancel context.CancelFunc
}

func (s *setupBoundedStream) Close() error {
	defer s.cancel()
	return s.ProviderStream.Close()
}
