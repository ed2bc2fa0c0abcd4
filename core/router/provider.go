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
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"github.com/dancing-ui/aigateway/core/registry"
)

// Message is one chat message in a request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the normalized inference request the gateway routes.
type Request struct {
	ID         string
	Identity   string
	Model      string
	Capability registry.Capability
	Messages   []Message
	MaxTokens  *int
	Stream     bool
}

// Usage is the token and cost accounting for one response.
type Usage struct {
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	TotalTokens      int64   `json:"total_tokens"`
	Cost             float64 `json:"cost,omitempty"`
}

// RoutingInfo describes which provider served the request and how many
// attempts it took.
type RoutingInfo struct {
	Provider string
	Model    string
	Attempts int
}

// Response is a completed (non-streaming) inference result.
type Response struct {
	ID           string
	Model        string
	Content      string
	FinishReason string
	Usage        Usage
	Routing      RoutingInfo
}

// StreamEvent is one normalized upstream increment. Adapters translate
// their vendor wire format into these; nothing downstream of the router
// sees provider-specific payloads.
type StreamEvent struct {
	TextDelta string
	ToolCall  *ToolCallFragment
	Usage     *Usage
}

// ToolCallFragment is an incremental piece of a tool invocation.
type ToolCallFragment struct {
	Index     int
	ID        string
	Name      string
	Arguments string
}

// ProviderStream yields normalized upstream events. Next returns io.EOF
// when the upstream signals completion.
type ProviderStream interface {
	Next() (StreamEvent, error)
	Close() error
}

// Provider is the uniform call contract every upstream adapter
// implements. Router logic depends only on this interface.
type Provider interface {
	Name() string
	Infer(ctx context.Context, req *Request) (*Response, error)
	Stream(ctx context.Context, req *Request) (ProviderStream, error)
}

// AdapterFactory builds a Provider from its registry configuration.
type AdapterFactory func(cfg *registry.ProviderConfig) (Provider, error)

var (
	adapterMu        sync.RWMutex
	adapterFactories = make(map[string]AdapterFactory)
)

// RegisterAdapter registers the factory for one provider kind.
// Registering the same kind twice panics; adapters are wired at init.
func RegisterAdapter(kind string, factory AdapterFactory) {
	if kind == "" || factory == nil {
		panic("router: adapter kind and factory are required")
	}
	adapterMu.Lock()
	defer adapterMu.Unlock()
	if _, exists := adapterFactories[kind]; exists {
		panic(fmt.Sprintf("router: adapter kind %q registered twice", kind))
	}
	adapterFactories[kind] = factory
}

func newProvider(cfg *registry.ProviderConfig) (Provider, error) {
	adapterMu.RLock()
	factory, ok := adapterFactories[cfg.Kind]
	adapterMu.RUnlock()
	if !ok {
		return nil, errors.Errorf("no adapter registered for provider kind %q", cfg.Kind)
	}
	return factory(cfg)
}
