// Package anthropic adapts the messages API to the canonical model.
// Structured output is not native here; the orchestrator downgrades
// schema requests before they reach this adapter.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/modelrelay/relay/internal/canonical"
	"github.com/modelrelay/relay/internal/provider"
	"github.com/modelrelay/relay/internal/provider/internal/sse"
)

const (
	apiVersion       = "2023-06-01"
	defaultMaxTokens = 4096
)

type Adapter struct {
	apiKey  string
	baseURL string
	models  []string
	client  *http.Client
}

var _ provider.Adapter = (*Adapter)(nil)

func New(apiKey string, models []string, client *http.Client) *Adapter {
	return newAdapter("https://api.anthropic.com/v1", apiKey, models, client)
}

func newAdapter(baseURL, apiKey string, models []string, client *http.Client) *Adapter {
	if client == nil {
		client = &http.Client{Timeout: 120 * time.Second}
	}
	return &Adapter{apiKey: apiKey, baseURL: baseURL, models: models, client: client}
}

func (a *Adapter) Descriptor() provider.Descriptor {
	return provider.Descriptor{
		ID:     "anthropic",
		Models: a.models,
		Capabilities: provider.Capabilities{
			Streaming: true, ToolCalls: true,
		},
		MaxContextTokens: 200000,
		MaxOutputTokens:  8192,
	}
}

func (a *Adapter) Complete(ctx context.Context, req *canonical.Request) (*canonical.Response, error) {
	resp, err := a.post(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var wire messagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, &provider.Error{
			Kind: provider.KindUnknown, Provider: "anthropic", Model: req.Model,
			Message: "malformed messages body", Err: err,
		}
	}

	if canonicalStop(wire.StopReason) == canonical.FinishContentFilter {
		return nil, &provider.Error{
			Kind: provider.KindContentModerated, Provider: "anthropic", Model: req.Model,
			Message: "response refused by the model",
		}
	}

	content, reasoning, calls := collect(wire.Content)
	return &canonical.Response{
		ID:           wire.ID,
		Model:        req.Model,
		Provider:     "anthropic",
		Content:      content,
		Reasoning:    reasoning,
		ToolCalls:    calls,
		FinishReason: canonicalStop(wire.StopReason),
		Usage:        canonicalUsage(wire.Usage),
		Created:      time.Now().Unix(),
	}, nil
}

func (a *Adapter) Stream(ctx context.Context, req *canonical.Request) (<-chan canonical.Chunk, error) {
	resp, err := a.post(ctx, req, true)
	if err != nil {
		return nil, err
	}

	ch := make(chan canonical.Chunk)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		var (
			usage  canonical.Usage
			finish canonical.FinishReason
		)

		reader := sse.NewReader(resp.Body)
		for {
			ev, ok := reader.Next()
			if !ok {
				if err := reader.Err(); err != nil {
					emit(ctx, ch, canonical.Chunk{Err: a.transportError(req.Model, err)})
				}
				return
			}

			var event streamEvent
			if err := json.Unmarshal([]byte(ev.Data), &event); err != nil {
				continue
			}

			switch event.Type {
			case "message_start":
				if event.Message != nil {
					usage = canonicalUsage(event.Message.Usage)
				}
			case "content_block_start":
				if b := event.ContentBlock; b != nil {
					if b.Type == "tool_use" {
						if !emit(ctx, ch, canonical.Chunk{Kind: canonical.ChunkToolCall, ToolCall: &canonical.ToolCallDelta{
							Index: event.Index, ID: b.ID, Name: b.Name,
						}}) {
							return
						}
					}
				}
			case "content_block_delta":
				if event.Delta == nil {
					continue
				}
				var c canonical.Chunk
				switch event.Delta.Type {
				case "text_delta":
					c = canonical.Chunk{Kind: canonical.ChunkContent, Text: event.Delta.Text}
				case "thinking_delta":
					c = canonical.Chunk{Kind: canonical.ChunkReasoning, Text: event.Delta.Thinking}
				case "input_json_delta":
					c = canonical.Chunk{Kind: canonical.ChunkToolCall, ToolCall: &canonical.ToolCallDelta{
						Index: event.Index, Arguments: event.Delta.PartialJSON,
					}}
				default:
					continue
				}
				if c.Text == "" && c.ToolCall == nil {
					continue
				}
				if !emit(ctx, ch, c) {
					return
				}
			case "message_delta":
				if event.Delta != nil && event.Delta.StopReason != "" {
					finish = canonicalStop(event.Delta.StopReason)
				}
				if event.Usage != nil {
					usage.CompletionTokens = event.Usage.OutputTokens
					usage.TotalTokens = usage.PromptTokens + event.Usage.OutputTokens
				}
			case "message_stop":
				u := usage
				if !emit(ctx, ch, canonical.Chunk{Kind: canonical.ChunkUsage, Usage: &u}) {
					return
				}
				if finish == canonical.FinishContentFilter {
					emit(ctx, ch, canonical.Chunk{Err: &provider.Error{
						Kind: provider.KindContentModerated, Provider: "anthropic", Model: req.Model,
						Message: "stream refused by the model",
					}})
					return
				}
				emit(ctx, ch, canonical.Chunk{Kind: canonical.ChunkDone, FinishReason: finish})
				return
			case "error":
				if event.Error != nil {
					emit(ctx, ch, canonical.Chunk{Err: &provider.Error{
						Kind:     kindForErrorType(event.Error.Type, provider.KindProviderDown),
						Provider: "anthropic",
						Model:    req.Model,
						Code:     event.Error.Type,
						Message:  event.Error.Message,
					}})
				}
				return
			}
		}
	}()
	return ch, nil
}

func (a *Adapter) post(ctx context.Context, req *canonical.Request, stream bool) (*http.Response, error) {
	system, msgs := wireMessages(req.Messages)
	maxTokens := defaultMaxTokens
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		maxTokens = *req.MaxTokens
	}
	wire := messagesRequest{
		Model:       req.Model,
		MaxTokens:   maxTokens,
		System:      system,
		Messages:    msgs,
		Tools:       wireTools(req.Tools),
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      stream,
		Thinking:    thinkingFor(req.Reasoning),
	}
	if wire.Thinking != nil {
		// the API insists on headroom above the budget and default sampling
		if wire.MaxTokens <= wire.Thinking.BudgetTokens {
			wire.MaxTokens = wire.Thinking.BudgetTokens + defaultMaxTokens
		}
		wire.Temperature = nil
		wire.TopP = nil
	}

	body, err := json.Marshal(wire)
	if err != nil {
		return nil, &provider.Error{
			Kind: provider.KindInvalidRequest, Provider: "anthropic", Model: req.Model,
			Message: "request not serializable", Err: err,
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, &provider.Error{
			Kind: provider.KindInvalidRequest, Provider: "anthropic", Model: req.Model, Err: err,
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, a.transportError(req.Model, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, a.statusError(req.Model, resp)
	}
	return resp, nil
}

func (a *Adapter) transportError(model string, err error) *provider.Error {
	return &provider.Error{
		Kind:     provider.KindForTransport(err),
		Provider: "anthropic",
		Model:    model,
		Message:  "upstream request failed",
		Err:      err,
	}
}

func (a *Adapter) statusError(model string, resp *http.Response) *provider.Error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
	var wire errorEnvelope
	_ = json.Unmarshal(body, &wire)

	msg := wire.Error.Message
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}

	return &provider.Error{
		Kind:     kindForErrorType(wire.Error.Type, provider.KindForStatus(resp.StatusCode)),
		Provider: "anthropic",
		Model:    model,
		Status:   resp.StatusCode,
		Code:     wire.Error.Type,
		Message:  msg,
	}
}

// kindForErrorType classifies by the API's error type vocabulary,
// falling back when the type is absent or unrecognized.
func kindForErrorType(errType string, fallback provider.ErrorKind) provider.ErrorKind {
	switch errType {
	case "rate_limit_error":
		return provider.KindRateLimited
	case "overloaded_error", "api_error", "authentication_error", "permission_error", "billing_error":
		return provider.KindProviderDown
	case "invalid_request_error", "not_found_error", "request_too_large":
		return provider.KindInvalidRequest
	}
	return fallback
}

func emit(ctx context.Context, ch chan<- canonical.Chunk, c canonical.Chunk) bool {
	select {
	case ch <- c:
		return true
	case <-ctx.Done():
		return false
	}
}
