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

package registry

import (
	"fmt"
	"strings"

	"github.com/dancing-ui/aigateway/core/store"
)

type Algorithm uint32

const (
	FixedWindow Algorithm = iota
	SlidingWindow
	TokenBucket
)

type Capability string

const (
	CapabilityChat       Capability = "chat"
	CapabilityCompletion Capability = "completion"
	CapabilityEmbedding  Capability = "embedding"
	CapabilityVision     Capability = "vision"
	CapabilityToolUse    Capability = "tool_use"
	CapabilityStreaming  Capability = "streaming"
)

// RateLimitPolicy describes how requests against one model are admitted.
// At least one of the per-window limits must be set when the policy is
// enabled; when several are set the most restrictive one governs.
type RateLimitPolicy struct {
	Algorithm         Algorithm `json:"algorithm" yaml:"algorithm"`
	RequestsPerSecond int64     `json:"requestsPerSecond" yaml:"requests_per_second"`
	RequestsPerMinute int64     `json:"requestsPerMinute" yaml:"requests_per_minute"`
	RequestsPerHour   int64     `json:"requestsPerHour" yaml:"requests_per_hour"`
	BurstSize         int64     `json:"burstSize" yaml:"burst_size"`
	Enabled           bool      `json:"enabled" yaml:"enabled"`
	CacheTTLMs        int64     `json:"cacheTtlMs" yaml:"cache_ttl_ms"`
	RedisTimeoutMs    int64     `json:"redisTimeoutMs" yaml:"redis_timeout_ms"`
	LocalAllowance    float64   `json:"localAllowance" yaml:"local_allowance"`
	SyncIntervalMs    int64     `json:"syncIntervalMs" yaml:"sync_interval_ms"`
	FailOpen          *bool     `json:"failOpen" yaml:"fail_open"`
}

// UsageLimitPolicy caps token and dollar usage per billing identity
// over one billing cycle.
type UsageLimitPolicy struct {
	MaxTokens  int64   `json:"maxTokens" yaml:"max_tokens"`
	MaxCost    float64 `json:"maxCost" yaml:"max_cost"`
	CacheTTLMs int64   `json:"cacheTtlMs" yaml:"cache_ttl_ms"`
	FailOpen   *bool   `json:"failOpen" yaml:"fail_open"`
}

// ProviderConfig describes one upstream provider endpoint.
type ProviderConfig struct {
	Name          string       `json:"name" yaml:"name"`
	Kind          string       `json:"kind" yaml:"kind"`
	Endpoint      string       `json:"endpoint" yaml:"endpoint"`
	CredentialRef string       `json:"credentialRef" yaml:"credential_ref"`
	Capabilities  []Capability `json:"capabilities" yaml:"capabilities"`
}

// IdentityOverride carries a replacement rate-limit policy for billing
// identities whose key matches Pattern.
type IdentityOverride struct {
	Pattern   string           `json:"pattern" yaml:"pattern"`
	RateLimit *RateLimitPolicy `json:"rateLimit" yaml:"rate_limit"`
}

// ModelConfig describes one routable model: its ordered provider chain,
// supported capabilities, and admission policies.
type ModelConfig struct {
	Name         string              `json:"name" yaml:"name"`
	Routing      []string            `json:"routing" yaml:"routing"`
	Capabilities []Capability        `json:"capabilities" yaml:"capabilities"`
	RateLimit    *RateLimitPolicy    `json:"rateLimit" yaml:"rate_limit"`
	UsageLimit   *UsageLimitPolicy   `json:"usageLimit" yaml:"usage_limit"`
	Overrides    []*IdentityOverride `json:"overrides" yaml:"overrides"`
}

// Config is the top-level gateway configuration document.
type Config struct {
	Providers []*ProviderConfig  `json:"providers" yaml:"providers"`
	Models    []*ModelConfig     `json:"models" yaml:"models"`
	Redis     *store.RedisConfig `json:"redis" yaml:"redis"`
}

func (a *Algorithm) UnmarshalYAML(unmarshal func(interface{}) error) error {
	if a == nil {
		return fmt.Errorf("algorithm is nil")
	}
	var str string
	if err := unmarshal(&str); err != nil {
		return err
	}
	switch str {
	case "fixed_window":
		*a = FixedWindow
	case "sliding_window":
		*a = SlidingWindow
	case "token_bucket":
		*a = TokenBucket
	default:
		return fmt.Errorf("unknown algorithm: %s", str)
	}
	return nil
}

func (a Algorithm) String() string {
	switch a {
	case FixedWindow:
		return "fixed_window"
	case SlidingWindow:
		return "sliding_window"
	case TokenBucket:
		return "token_bucket"
	default:
		return "undefined"
	}
}

func (c *Capability) UnmarshalYAML(unmarshal func(interface{}) error) error {
	if c == nil {
		return fmt.Errorf("capability is nil")
	}
	var str string
	if err := unmarshal(&str); err != nil {
		return err
	}
	switch Capability(str) {
	case CapabilityChat, CapabilityCompletion, CapabilityEmbedding,
		CapabilityVision, CapabilityToolUse, CapabilityStreaming:
		*c = Capability(str)
	default:
		return fmt.Errorf("unknown capability: %s", str)
	}
	return nil
}

func (p *RateLimitPolicy) String() string {
	if p == nil {
		return "RateLimitPolicy{nil}"
	}
	return fmt.Sprintf("RateLimitPolicy{Algorithm:%s, PerSecond:%d, PerMinute:%d, PerHour:%d, BurstSize:%d, Enabled:%t, LocalAllowance:%.2f}",
		p.Algorithm.String(), p.RequestsPerSecond, p.RequestsPerMinute, p.RequestsPerHour, p.BurstSize, p.Enabled, p.LocalAllowance)
}

// IsFailOpen reports whether admission continues when the distributed
// state cannot be verified. The platform default is fail-open.
func (p *RateLimitPolicy) IsFailOpen() bool {
	if p == nil || p.FailOpen == nil {
		return true
	}
	return *p.FailOpen
}

func (p *UsageLimitPolicy) IsFailOpen() bool {
	if p == nil || p.FailOpen == nil {
		return true
	}
	return *p.FailOpen
}

func (m *ModelConfig) String() string {
	if m == nil {
		return "ModelConfig{nil}"
	}

	var sb strings.Builder
	sb.WriteString("ModelConfig{")
	sb.WriteString(fmt.Sprintf("Name:%s, Routing:[%s]", m.Name, strings.Join(m.Routing, ", ")))
	if m.RateLimit != nil {
		sb.WriteString(", RateLimit:")
		sb.WriteString(m.RateLimit.String())
	}
	sb.WriteString("}")
	return sb.String()
}

func (p *ProviderConfig) String() string {
	if p == nil {
		return "ProviderConfig{nil}"
	}
	return fmt.Sprintf("ProviderConfig{Name:%s, Kind:%s, Endpoint:%s}", p.Name, p.Kind, p.Endpoint)
}

// HasCapability reports whether the provider supports the capability.
func (p *ProviderConfig) HasCapability(capability Capability) bool {
	if p == nil {
		return false
	}
	for _, c := range p.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

func (m *ModelConfig) hasCapability(capability Capability) bool {
	if m == nil {
		return false
	}
	for _, c := range m.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}
