// Package gemini adapts the generateContent API to the canonical model.
// Schema-constrained output maps onto responseSchema; thought parts come
// back as separate reasoning chunks.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/modelrelay/relay/internal/canonical"
	"github.com/modelrelay/relay/internal/provider"
	"github.com/modelrelay/relay/internal/provider/internal/sse"
)

type Adapter struct {
	apiKey  string
	baseURL string
	models  []string
	client  *http.Client
}

var _ provider.Adapter = (*Adapter)(nil)

func New(apiKey string, models []string, client *http.Client) *Adapter {
	return newAdapter("https://generativelanguage.googleapis.com", apiKey, models, client)
}

func newAdapter(baseURL, apiKey string, models []string, client *http.Client) *Adapter {
	if client == nil {
		client = &http.Client{Timeout: 120 * time.Second}
	}
	return &Adapter{apiKey: apiKey, baseURL: baseURL, models: models, client: client}
}

func (a *Adapter) Descriptor() provider.Descriptor {
	return provider.Descriptor{
		ID:     "gemini",
		Models: a.models,
		Capabilities: provider.Capabilities{
			Streaming: true, ToolCalls: true, StructuredOutput: true, JSONMode: true,
		},
		MaxContextTokens: 1048576,
		MaxOutputTokens:  65536,
	}
}

func (a *Adapter) Complete(ctx context.Context, req *canonical.Request) (*canonical.Response, error) {
	resp, err := a.post(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var wire generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, &provider.Error{
			Kind: provider.KindUnknown, Provider: "gemini", Model: req.Model,
			Message: "malformed generateContent body", Err: err,
		}
	}

	if fb := wire.PromptFeedback; fb != nil && fb.BlockReason != "" {
		return nil, &provider.Error{
			Kind: provider.KindContentModerated, Provider: "gemini", Model: req.Model,
			Code: fb.BlockReason, Message: "prompt blocked",
		}
	}
	if len(wire.Candidates) == 0 {
		return nil, &provider.Error{
			Kind: provider.KindUnknown, Provider: "gemini", Model: req.Model,
			Message: "response carried no candidates",
		}
	}

	cand := wire.Candidates[0]
	finish := canonicalFinish(cand.FinishReason)
	if finish == canonical.FinishContentFilter {
		return nil, &provider.Error{
			Kind: provider.KindContentModerated, Provider: "gemini", Model: req.Model,
			Code: cand.FinishReason, Message: "candidate blocked",
		}
	}

	var text, thought strings.Builder
	var calls []canonical.ToolCall
	for _, p := range cand.Content.Parts {
		switch {
		case p.FunctionCall != nil:
			calls = append(calls, canonical.ToolCall{
				ID:        fmt.Sprintf("call_%d", len(calls)),
				Name:      p.FunctionCall.Name,
				Arguments: marshalArgs(p.FunctionCall.Args),
			})
		case p.Thought:
			thought.WriteString(p.Text)
		default:
			text.WriteString(p.Text)
		}
	}
	if len(calls) > 0 && finish == canonical.FinishStop {
		finish = canonical.FinishToolCalls
	}

	return &canonical.Response{
		ID:           fmt.Sprintf("gemini-%d", time.Now().UnixNano()),
		Model:        req.Model,
		Provider:     "gemini",
		Content:      text.String(),
		Reasoning:    thought.String(),
		ToolCalls:    calls,
		FinishReason: finish,
		Usage:        canonicalUsage(wire.UsageMetadata),
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

		callIndex := 0
		reader := sse.NewReader(resp.Body)
		for {
			ev, ok := reader.Next()
			if !ok {
				if err := reader.Err(); err != nil {
					emit(ctx, ch, canonical.Chunk{Err: a.transportError(req.Model, err)})
				}
				return
			}

			var wire generateResponse
			if err := json.Unmarshal([]byte(ev.Data), &wire); err != nil {
				continue
			}
			if len(wire.Candidates) == 0 {
				continue
			}

			cand := wire.Candidates[0]
			for _, p := range cand.Content.Parts {
				var c canonical.Chunk
				switch {
				case p.FunctionCall != nil:
					c = canonical.Chunk{Kind: canonical.ChunkToolCall, ToolCall: &canonical.ToolCallDelta{
						Index:     callIndex,
						ID:        fmt.Sprintf("call_%d", callIndex),
						Name:      p.FunctionCall.Name,
						Arguments: marshalArgs(p.FunctionCall.Args),
					}}
					callIndex++
				case p.Thought:
					c = canonical.Chunk{Kind: canonical.ChunkReasoning, Text: p.Text}
				case p.Text != "":
					c = canonical.Chunk{Kind: canonical.ChunkContent, Text: p.Text}
				default:
					continue
				}
				if !emit(ctx, ch, c) {
					return
				}
			}

			if cand.FinishReason == "" {
				continue
			}
			finish := canonicalFinish(cand.FinishReason)
			if finish == canonical.FinishContentFilter {
				emit(ctx, ch, canonical.Chunk{Err: &provider.Error{
					Kind: provider.KindContentModerated, Provider: "gemini", Model: req.Model,
					Code: cand.FinishReason, Message: "stream blocked",
				}})
				return
			}
			if callIndex > 0 && finish == canonical.FinishStop {
				finish = canonical.FinishToolCalls
			}
			u := canonicalUsage(wire.UsageMetadata)
			if !emit(ctx, ch, canonical.Chunk{Kind: canonical.ChunkUsage, Usage: &u}) {
				return
			}
			emit(ctx, ch, canonical.Chunk{Kind: canonical.ChunkDone, FinishReason: finish})
			return
		}
	}()
	return ch, nil
}

func (a *Adapter) post(ctx context.Context, req *canonical.Request, stream bool) (*http.Response, error) {
	system, contents := wireContents(req.Messages)
	cfg := generationConfig{
		Temperature:    req.Temperature,
		TopP:           req.TopP,
		ThinkingConfig: thinkingConfigFor(req.Reasoning),
	}
	if req.MaxTokens != nil {
		cfg.MaxOutputTokens = *req.MaxTokens
	}
	switch req.Format.Kind {
	case canonical.FormatJSONObject:
		cfg.ResponseMimeType = "application/json"
	case canonical.FormatJSONSchema:
		cfg.ResponseMimeType = "application/json"
		cfg.ResponseSchema = req.Format.Schema
	}

	wire := generateRequest{
		SystemInstruction: system,
		Contents:          contents,
		Tools:             wireTools(req.Tools),
		GenerationConfig:  cfg,
	}
	body, err := json.Marshal(wire)
	if err != nil {
		return nil, &provider.Error{
			Kind: provider.KindInvalidRequest, Provider: "gemini", Model: req.Model,
			Message: "request not serializable", Err: err,
		}
	}

	verb := "generateContent"
	query := "?key=" + a.apiKey
	if stream {
		verb = "streamGenerateContent"
		query += "&alt=sse"
	}
	url := fmt.Sprintf("%s/v1beta/models/%s:%s%s", a.baseURL, req.Model, verb, query)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &provider.Error{
			Kind: provider.KindInvalidRequest, Provider: "gemini", Model: req.Model, Err: err,
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")

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
		Provider: "gemini",
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

	kind := provider.KindForStatus(resp.StatusCode)
	switch wire.Error.Status {
	case "RESOURCE_EXHAUSTED":
		kind = provider.KindRateLimited
	case "DEADLINE_EXCEEDED":
		kind = provider.KindTransientNetwork
	case "INVALID_ARGUMENT", "FAILED_PRECONDITION", "NOT_FOUND":
		kind = provider.KindInvalidRequest
	case "UNAVAILABLE", "INTERNAL", "PERMISSION_DENIED", "UNAUTHENTICATED":
		kind = provider.KindProviderDown
	}

	return &provider.Error{
		Kind:     kind,
		Provider: "gemini",
		Model:    model,
		Status:   resp.StatusCode,
		Code:     wire.Error.Status,
		Message:  msg,
	}
}

func marshalArgs(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

func emit(ctx context.Context, ch chan<- canonical.Chunk, c canonical.Chunk) bool {
	select {
	case ch <- c:
		return true
	case <-ctx.Done():
		return false
	}
}
