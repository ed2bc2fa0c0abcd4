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

// Package openaicompat adapts any OpenAI-compatible chat completion
// endpoint (OpenAI, Azure OpenAI, Together, Ollama, vLLM and friends)
// to the router's Provider contract.
package openaicompat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/pkg/errors"

	"github.com/dancing-ui/aigateway/core/registry"
	"github.com/dancing-ui/aigateway/core/router"
)

// Kind is the provider kind string this adapter registers under.
const Kind = "openai_compatible"

func init() {
	router.RegisterAdapter(Kind, func(cfg *registry.ProviderConfig) (router.Provider, error) {
		return New(cfg)
	})
}

// Provider is a universal OpenAI-compatible API adapter. The API key is
// resolved from the environment variable named by the provider's
// credential_ref so keys never appear in configuration files.
type Provider struct {
	name       string
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

var _ router.Provider = (*Provider)(nil)

// Option configures the provider.
type Option func(*Provider)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// New builds a provider from its registry configuration.
func New(cfg *registry.ProviderConfig, opts ...Option) (*Provider, error) {
	if cfg == nil {
		return nil, errors.New("openaicompat: nil provider config")
	}
	if cfg.Endpoint == "" {
		return nil, errors.Errorf("openaicompat: provider %q has no endpoint", cfg.Name)
	}
	p := &Provider{
		name:       cfg.Name,
		baseURL:    strings.TrimRight(cfg.Endpoint, "/"),
		httpClient: http.DefaultClient,
	}
	if cfg.CredentialRef != "" {
		p.apiKey = os.Getenv(cfg.CredentialRef)
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *Provider) Name() string {
	return p.name
}

// apiRequest is the OpenAI chat completion request format.
type apiRequest struct {
	Model     string       `json:"model"`
	Messages  []apiMessage `json:"messages"`
	MaxTokens *int         `json:"max_tokens,omitempty"`
	Stream    bool         `json:"stream,omitempty"`
}

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type apiUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// apiResponse is the OpenAI chat completion response format.
type apiResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int        `json:"index"`
		Message      apiMessage `json:"message"`
		FinishReason string     `json:"finish_reason"`
	} `json:"choices"`
	Usage apiUsage `json:"usage"`
}

// apiStreamChunk is a single SSE chunk.
type apiStreamChunk struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index int `json:"index"`
		Delta struct {
			Role      string `json:"role,omitempty"`
			Content   string `json:"content,omitempty"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id,omitempty"`
				Function struct {
					Name      string `json:"name,omitempty"`
					Arguments string `json:"arguments,omitempty"`
				} `json:"function"`
			} `json:"tool_calls,omitempty"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason,omitempty"`
	} `json:"choices"`
	Usage *apiUsage `json:"usage,omitempty"`
}

func (p *Provider) Infer(ctx context.Context, req *router.Request) (*router.Response, error) {
	httpResp, err := p.doRequest(ctx, buildRequest(req, false))
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if err := mapHTTPError(httpResp); err != nil {
		return nil, err
	}

	var resp apiResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, errors.Wrap(router.ErrProviderUnavailable, "decode response")
	}
	if len(resp.Choices) == 0 {
		return nil, errors.Wrap(router.ErrProviderUnavailable, "empty choices in response")
	}

	return &router.Response{
		ID:           resp.ID,
		Model:        resp.Model,
		Content:      resp.Choices[0].Message.Content,
		FinishReason: resp.Choices[0].FinishReason,
		Usage: router.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

func (p *Provider) Stream(ctx context.Context, req *router.Request) (router.ProviderStream, error) {
	httpResp, err := p.doRequest(ctx, buildRequest(req, true))
	if err != nil {
		return nil, err
	}
	if err := mapHTTPError(httpResp); err != nil {
		httpResp.Body.Close()
		return nil, err
	}
	return &sseStream{
		reader: bufio.NewReader(httpResp.Body),
		body:   httpResp.Body,
	}, nil
}

func buildRequest(req *router.Request, stream bool) apiRequest {
	msgs := make([]apiMessage, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = apiMessage{Role: m.Role, Content: m.Content}
	}
	return apiRequest{
		Model:     req.Model,
		Messages:  msgs,
		MaxTokens: req.MaxTokens,
		Stream:    stream,
	}
}

func (p *Provider) doRequest(ctx context.Context, body apiRequest) (*http.Response, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(router.ErrInvalidRequest, err.Error())
	}

	url := p.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, errors.Wrap(router.ErrInvalidRequest, err.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if errors.Is(ctxErr, context.DeadlineExceeded) {
				return nil, router.ErrProviderTimeout
			}
			return nil, ctxErr
		}
		return nil, errors.Wrap(router.ErrProviderUnavailable, err.Error())
	}
	return resp, nil
}

func mapHTTPError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	// Read a bounded slice of the body for error context.
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return router.ErrUpstreamRateLimited
	case http.StatusUnauthorized, http.StatusForbidden:
		return router.ErrAuthFailed
	case http.StatusBadRequest:
		if strings.Contains(string(body), "content_policy") ||
			strings.Contains(string(body), "content_filter") {
			return errors.Wrap(router.ErrContentPolicy, string(body))
		}
		return errors.Wrap(router.ErrInvalidRequest, string(body))
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return router.ErrProviderTimeout
	default:
		return errors.Wrapf(router.ErrProviderUnavailable, "status %d: %s", resp.StatusCode, string(body))
	}
}

// sseStream parses Server-Sent Events from an HTTP response body and
// normalizes each chunk into a router.StreamEvent.
type sseStream struct {
	reader *bufio.Reader
	body   io.ReadCloser
}

var _ router.ProviderStream = (*sseStream)(nil)

func (s *sseStream) Next() (router.StreamEvent, error) {
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				return router.StreamEvent{}, io.EOF
			}
			return router.StreamEvent{}, errors.Wrap(router.ErrProviderUnavailable, err.Error())
		}

		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "data: ") {
			continue
		}

		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			return router.StreamEvent{}, io.EOF
		}

		var chunk apiStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue // skip malformed chunks
		}

		var ev router.StreamEvent
		for _, c := range chunk.Choices {
			if c.Delta.Content != "" {
				ev.TextDelta += c.Delta.Content
			}
			for _, tc := range c.Delta.ToolCalls {
				ev.ToolCall = &router.ToolCallFragment{
					Index:     tc.Index,
					ID:        tc.ID,
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				}
			}
		}
		if chunk.Usage != nil {
			ev.Usage = &router.Usage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
				TotalTokens:      chunk.Usage.TotalTokens,
			}
		}
		return ev, nil
	}
}

func (s *sseStream) Close() error {
	return s.body.Close()
}
