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

// Package registry holds the per-process snapshot of model and provider
// configuration. The snapshot is loaded once at startup, validated, and
// never mutated afterwards, so it is shared across requests without
// locking. Hot reload is deliberately not supported.
package registry

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/dancing-ui/aigateway/core/store"
	"github.com/dancing-ui/aigateway/logging"
	"github.com/dancing-ui/aigateway/util"
)

// FallbackChain is the ordered, provider-unique list of providers to
// attempt for one (model, capability) pair.
type FallbackChain struct {
	Model      string
	Capability Capability
	Providers  []*ProviderConfig
}

// Snapshot is the immutable registry view built from a validated Config.
type Snapshot struct {
	models    map[string]*ModelConfig
	providers map[string]*ProviderConfig
	redis     *store.RedisConfig
}

// Load reads a YAML configuration document, expands ${ENV} references,
// validates it, and builds the process snapshot. Any validation failure
// is a *ConfigError and must abort startup.
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	return Parse([]byte(os.ExpandEnv(string(data))))
}

// Parse builds a Snapshot from raw YAML bytes.
func Parse(data []byte) (*Snapshot, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, &ConfigError{Reason: err.Error()}
	}
	return NewSnapshot(&cfg)
}

// NewSnapshot validates cfg and freezes it into a Snapshot.
func NewSnapshot(cfg *Config) (*Snapshot, error) {
	if cfg == nil {
		return nil, &ConfigError{Reason: "config is nil"}
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	s := &Snapshot{
		models:    make(map[string]*ModelConfig, len(cfg.Models)),
		providers: make(map[string]*ProviderConfig, len(cfg.Providers)),
		redis:     cfg.Redis,
	}
	for _, p := range cfg.Providers {
		s.providers[p.Name] = p
	}
	for _, m := range cfg.Models {
		m.Routing = dedupRouting(m)
		s.models[m.Name] = m
	}

	logging.Info("registry snapshot loaded",
		"models", len(s.models),
		"providers", len(s.providers),
	)
	return s, nil
}

// Model returns the configuration of the named model.
func (s *Snapshot) Model(name string) (*ModelConfig, error) {
	if s == nil {
		return nil, ErrModelNotFound
	}
	m, ok := s.models[name]
	if !ok {
		return nil, errors.Wrapf(ErrModelNotFound, "model %q", name)
	}
	return m, nil
}

// Providers returns the provider table. Callers must treat it as
// read-only; the snapshot is shared across requests.
func (s *Snapshot) Providers() map[string]*ProviderConfig {
	if s == nil {
		return nil
	}
	return s.providers
}

// Provider returns the configuration of the named provider.
func (s *Snapshot) Provider(name string) (*ProviderConfig, bool) {
	if s == nil {
		return nil, false
	}
	p, ok := s.providers[name]
	return p, ok
}

// Redis returns the distributed store configuration, which may be nil
// when the gateway runs with local-only enforcement.
func (s *Snapshot) Redis() *store.RedisConfig {
	if s == nil {
		return nil
	}
	return s.redis
}

// Resolve returns the fallback chain for (model, capability). Providers
// that do not support the capability are skipped; the surviving order is
// the configured routing order.
func (s *Snapshot) Resolve(model string, capability Capability) (*FallbackChain, error) {
	m, err := s.Model(model)
	if err != nil {
		return nil, err
	}
	if !m.hasCapability(capability) {
		return nil, errors.Wrapf(ErrCapabilityNotSupported, "model %q capability %q", model, capability)
	}

	chain := &FallbackChain{Model: model, Capability: capability}
	for _, ref := range m.Routing {
		p, ok := s.providers[ref]
		if !ok {
			continue
		}
		if !p.HasCapability(capability) {
			continue
		}
		chain.Providers = append(chain.Providers, p)
	}
	if len(chain.Providers) == 0 {
		return nil, errors.Wrapf(ErrCapabilityNotSupported, "model %q capability %q has no providers", model, capability)
	}
	return chain, nil
}

// RatePolicyFor returns the effective rate-limit policy for an identity
// on the model, applying the first matching identity override.
func (m *ModelConfig) RatePolicyFor(identity string) *RateLimitPolicy {
	if m == nil {
		return nil
	}
	for _, o := range m.Overrides {
		if o == nil || o.RateLimit == nil {
			continue
		}
		if util.PatternMatch(o.Pattern, identity) {
			return o.RateLimit
		}
	}
	return m.RateLimit
}

// dedupRouting drops duplicate provider references, first occurrence
// wins, so chains are provider-unique by construction.
func dedupRouting(m *ModelConfig) []string {
	seen := make(map[string]struct{}, len(m.Routing))
	routing := m.Routing[:0]
	for _, ref := range m.Routing {
		if _, exists := seen[ref]; exists {
			logging.Warn("duplicate provider in routing chain dropped",
				"model", m.Name,
				"provider", ref,
			)
			continue
		}
		seen[ref] = struct{}{}
		routing = append(routing, ref)
	}
	return routing
}

func validate(cfg *Config) error {
	if len(cfg.Providers) == 0 {
		return newConfigError("providers", "at least one provider is required")
	}
	providerNames := make(map[string]struct{}, len(cfg.Providers))
	for i, p := range cfg.Providers {
		if p == nil {
			return newConfigError("providers", "provider[%d] is nil", i)
		}
		if p.Name == "" {
			return newConfigError("providers", "provider[%d]: name is required", i)
		}
		if p.Kind == "" {
			return newConfigError("providers", "provider %q: kind is required", p.Name)
		}
		if _, exists := providerNames[p.Name]; exists {
			return newConfigError("providers", "duplicate provider %q", p.Name)
		}
		providerNames[p.Name] = struct{}{}
	}

	if len(cfg.Models) == 0 {
		return newConfigError("models", "at least one model is required")
	}
	modelNames := make(map[string]struct{}, len(cfg.Models))
	for i, m := range cfg.Models {
		if m == nil {
			return newConfigError("models", "model[%d] is nil", i)
		}
		if m.Name == "" {
			return newConfigError("models", "model[%d]: name is required", i)
		}
		if _, exists := modelNames[m.Name]; exists {
			return newConfigError("models", "duplicate model %q", m.Name)
		}
		modelNames[m.Name] = struct{}{}

		if len(m.Routing) == 0 {
			return newConfigError(m.Name, "routing chain is empty")
		}
		for _, ref := range m.Routing {
			if _, exists := providerNames[ref]; !exists {
				return newConfigError(m.Name, "routing references unknown provider %q", ref)
			}
		}
		if err := validateRatePolicy(m.Name, m.RateLimit); err != nil {
			return err
		}
		for j, o := range m.Overrides {
			if o == nil {
				continue
			}
			if o.Pattern == "" {
				return newConfigError(m.Name, "override[%d]: pattern is required", j)
			}
			if !util.ValidPattern(o.Pattern) {
				return newConfigError(m.Name, "override[%d]: invalid pattern %q", j, o.Pattern)
			}
			if err := validateRatePolicy(m.Name, o.RateLimit); err != nil {
				return err
			}
		}
		if m.UsageLimit != nil {
			if m.UsageLimit.MaxTokens < 0 || m.UsageLimit.MaxCost < 0 {
				return newConfigError(m.Name, "usage limits must not be negative")
			}
		}
	}
	return nil
}

func validateRatePolicy(model string, p *RateLimitPolicy) error {
	if p == nil || !p.Enabled {
		return nil
	}
	if p.RequestsPerSecond < 0 || p.RequestsPerMinute < 0 || p.RequestsPerHour < 0 {
		return newConfigError(model, "rate windows must not be negative")
	}
	if p.RequestsPerSecond == 0 && p.RequestsPerMinute == 0 && p.RequestsPerHour == 0 {
		return newConfigError(model, "enabled rate limit needs at least one window")
	}
	if p.LocalAllowance < 0.0 || p.LocalAllowance > 1.0 {
		return newConfigError(model, "local_allowance must be within [0.0, 1.0], got %v", p.LocalAllowance)
	}
	if p.Algorithm == TokenBucket && p.BurstSize <= 0 {
		return newConfigError(model, "token_bucket needs burst_size > 0")
	}
	return nil
}
