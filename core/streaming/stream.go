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

// Package streaming relays an upstream provider stream as normalized
// chunks. The relay is pull-driven: the upstream is read only when the
// caller asks for the next chunk, so downstream backpressure propagates
// naturally. Usage is finalized exactly once, on every termination path.
package streaming

import (
	"context"
	"io"
	"sync"

	"github.com/pkg/errors"

	"github.com/dancing-ui/aigateway/core/router"
	"github.com/dancing-ui/aigateway/logging"
	"github.com/dancing-ui/aigateway/metrics"
)

// ChunkKind discriminates the chunk envelope.
type ChunkKind uint32

const (
	ChunkTextDelta ChunkKind = iota
	ChunkToolCall
	ChunkUsage
	ChunkError
)

func (k ChunkKind) String() string {
	switch k {
	case ChunkTextDelta:
		return "text_delta"
	case ChunkToolCall:
		return "tool_call"
	case ChunkUsage:
		return "usage"
	case ChunkError:
		return "error"
	default:
		return "undefined"
	}
}

// Chunk is the normalized unit of incremental output. A usage or error
// chunk is always terminal.
type Chunk struct {
	Kind      ChunkKind                `json:"kind"`
	TextDelta string                   `json:"text_delta,omitempty"`
	ToolCall  *router.ToolCallFragment `json:"tool_call,omitempty"`
	Usage     *router.Usage            `json:"usage,omitempty"`
	Err       string                   `json:"error,omitempty"`
}

// UsageRecorder receives the final accounting for one stream.
type UsageRecorder interface {
	RecordUsage(identity string, tokens int64, cost float64)
}

// Options configure a Relay.
type Options struct {
	Identity string
	Model    string
	Recorder UsageRecorder

	// PromptTokens is the caller's pre-admission estimate, used when the
	// upstream never reports usage.
	PromptTokens int64
}

// Relay is a lazy, finite, non-restartable sequence of chunks over one
// provider stream. Not safe for concurrent Next calls.
type Relay struct {
	inner router.ProviderStream
	opts  Options

	usage     router.Usage
	usageSeen bool
	text      []byte

	done       bool
	closeOnce  sync.Once
	recordOnce sync.Once
}

// OpenStream wraps the provider stream in a Relay.
func OpenStream(inner router.ProviderStream, opts Options) (*Relay, error) {
	if inner == nil {
		return nil, errors.New("provider stream is nil")
	}
	return &Relay{inner: inner, opts: opts}, nil
}

// Next returns the next chunk. The final chunk is either a usage
// summary (clean completion) or an error chunk (upstream failure);
// after it, Next returns io.EOF. A cancelled ctx aborts the upstream
// fetch and finalizes usage from what was observed.
func (r *Relay) Next(ctx context.Context) (Chunk, error) {
	if r == nil {
		return Chunk{}, errors.New("relay is nil")
	}
	if r.done {
		return Chunk{}, io.EOF
	}

	// A downstream disconnect must abort the upstream promptly instead
	// of buffering on its behalf.
	if err := ctx.Err(); err != nil {
		r.terminate()
		return Chunk{}, err
	}

	event, err := r.inner.Next()
	if err != nil {
		if errors.Is(err, io.EOF) {
			r.terminate()
			return Chunk{Kind: ChunkUsage, Usage: r.finalUsage()}, nil
		}
		metrics.StreamsInterrupted.Inc()
		logging.Warn("upstream stream interrupted",
			"identity", r.opts.Identity,
			"model", r.opts.Model,
			"error", err.Error(),
		)
		r.terminate()
		return Chunk{Kind: ChunkError, Err: err.Error(), Usage: r.finalUsage()}, nil
	}

	if event.Usage != nil {
		r.usage = *event.Usage
		r.usageSeen = true
	}
	if event.ToolCall != nil {
		return Chunk{Kind: ChunkToolCall, ToolCall: event.ToolCall}, nil
	}
	if event.TextDelta != "" {
		r.text = append(r.text, event.TextDelta...)
		return Chunk{Kind: ChunkTextDelta, TextDelta: event.TextDelta}, nil
	}
	// Usage-only event; keep pulling, the terminal chunk reports it.
	return r.Next(ctx)
}

// Close aborts the stream. Usage observed so far is still recorded.
func (r *Relay) Close() error {
	if r == nil {
		return nil
	}
	r.terminate()
	return nil
}

func (r *Relay) terminate() {
	r.done = true
	r.closeOnce.Do(func() {
		if err := r.inner.Close(); err != nil {
			logging.Warn("failed to close upstream stream",
				"identity", r.opts.Identity,
				"error", err.Error(),
			)
		}
	})
	r.recordOnce.Do(func() {
		if r.opts.Recorder == nil {
			return
		}
		usage := r.finalUsage()
		r.opts.Recorder.RecordUsage(r.opts.Identity, usage.TotalTokens, usage.Cost)
	})
}

// finalUsage returns the upstream-reported usage, falling back to a
// tokenizer estimate of the relayed text when the upstream never
// reported any.
func (r *Relay) finalUsage() *router.Usage {
	if r.usageSeen {
		u := r.usage
		if u.TotalTokens == 0 {
			u.TotalTokens = u.PromptTokens + u.CompletionTokens
		}
		return &u
	}
	completion := EstimateTokens(string(r.text))
	u := router.Usage{
		PromptTokens:     r.opts.PromptTokens,
		CompletionTokens: completion,
		TotalTokens:      r.opts.PromptTokens + completion,
	}
	return &u
}
