// Package openaic speaks the OpenAI chat-completions wire format. One
// codec serves every openai-compatible host; a Config per host sets the
// base URL, credentials and capability overrides.
package openaic

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

// Config describes one openai-compatible host.
type Config struct {
	ID      string
	BaseURL string
	APIKey  string
	Models  []string
	// KeyHeader carries the API key in a custom header instead of a
	// bearer token (azure uses api-key).
	KeyHeader string
	// URL overrides the request URL per model for hosts that encode the
	// deployment in the path.
	URL func(model string) string

	Capabilities     provider.Capabilities
	MaxContextTokens int
	MaxOutputTokens  int
}

// Adapter is the chat-completions codec bound to one host.
type Adapter struct {
	cfg    Config
	client *http.Client
}

var _ provider.Adapter = (*Adapter)(nil)

func New(cfg Config, client *http.Client) *Adapter {
	if client == nil {
		// safety net behind the orchestrator's per-attempt deadline
		client = &http.Client{Timeout: 120 * time.Second}
	}
	return &Adapter{cfg: cfg, client: client}
}

func (a *Adapter) Descriptor() provider.Descriptor {
	return provider.Descriptor{
		ID:               a.cfg.ID,
		Models:           a.cfg.Models,
		Capabilities:     a.cfg.Capabilities,
		MaxContextTokens: a.cfg.MaxContextTokens,
		MaxOutputTokens:  a.cfg.MaxOutputTokens,
	}
}

func (a *Adapter) Complete(ctx context.Context, req *canonical.Request) (*canonical.Response, error) {
	resp, err := a.post(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var wire chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, &provider.Error{
			Kind: provider.KindUnknown, Provider: a.cfg.ID, Model: req.Model,
			Message: "malformed completion body", Err: err,
		}
	}
	if len(wire.Choices) == 0 {
		return nil, &provider.Error{
			Kind: provider.KindUnknown, Provider: a.cfg.ID, Model: req.Model,
			Message: "completion carried no choices",
		}
	}

	ch := wire.Choices[0]
	if canonicalFinish(ch.FinishReason) == canonical.FinishContentFilter {
		return nil, &provider.Error{
			Kind: provider.KindContentModerated, Provider: a.cfg.ID, Model: req.Model,
			Message: "completion stopped by the host's content filter",
		}
	}

	out := &canonical.Response{
		ID:           wire.ID,
		Model:        req.Model,
		Provider:     a.cfg.ID,
		FinishReason: canonicalFinish(ch.FinishReason),
		Created:      wire.Created,
	}
	if ch.Message != nil {
		out.Content = ch.Message.Content
		out.Reasoning = ch.Message.reasoningText()
		out.ToolCalls = canonicalToolCalls(ch.Message.ToolCalls)
	}
	if wire.Usage != nil {
		out.Usage = canonicalUsage(wire.Usage)
	}
	return out, nil
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

		reader := sse.NewReader(resp.Body)
		for {
			ev, ok := reader.Next()
			if !ok {
				if err := reader.Err(); err != nil {
					emit(ctx, ch, canonical.Chunk{Err: a.transportError(req.Model, err)})
				}
				return
			}
			if ev.Data == "[DONE]" {
				return
			}
			var wire chatResponse
			if err := json.Unmarshal([]byte(ev.Data), &wire); err != nil {
				continue
			}
			for _, c := range a.chunksFrom(&wire) {
				if !emit(ctx, ch, c) {
					return
				}
			}
		}
	}()
	return ch, nil
}

func (a *Adapter) chunksFrom(wire *chatResponse) []canonical.Chunk {
	var out []canonical.Chunk
	if wire.Usage != nil {
		u := canonicalUsage(wire.Usage)
		out = append(out, canonical.Chunk{Kind: canonical.ChunkUsage, Usage: &u})
	}
	for _, ch := range wire.Choices {
		if d := ch.Delta; d != nil {
			if r := d.reasoningText(); r != "" {
				out = append(out, canonical.Chunk{Kind: canonical.ChunkReasoning, Text: r})
			}
			if d.Content != "" {
				out = append(out, canonical.Chunk{Kind: canonical.ChunkContent, Text: d.Content})
			}
			for _, tc := range d.ToolCalls {
				idx := 0
				if tc.Index != nil {
					idx = *tc.Index
				}
				out = append(out, canonical.Chunk{Kind: canonical.ChunkToolCall, ToolCall: &canonical.ToolCallDelta{
					Index: idx, ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments,
				}})
			}
		}
		if ch.FinishReason != "" {
			finish := canonicalFinish(ch.FinishReason)
			if finish == canonical.FinishContentFilter {
				out = append(out, canonical.Chunk{Err: &provider.Error{
					Kind: provider.KindContentModerated, Provider: a.cfg.ID, Model: wire.Model,
					Message: "stream stopped by the host's content filter",
				}})
				continue
			}
			out = append(out, canonical.Chunk{Kind: canonical.ChunkDone, FinishReason: finish})
		}
	}
	return out
}

func (a *Adapter) post(ctx context.Context, req *canonical.Request, stream bool) (*http.Response, error) {
	wire := chatRequest{
		Model:           req.Model,
		Messages:        wireMessages(req.Messages),
		Temperature:     req.Temperature,
		TopP:            req.TopP,
		MaxTokens:       req.MaxTokens,
		Stream:          stream,
		Tools:           wireTools(req.Tools),
		ResponseFormat:  wireFormat(req.Format),
		ReasoningEffort: effortFor(req.Reasoning),
	}
	if stream {
		wire.StreamOptions = &streamOptions{IncludeUsage: true}
	}

	body, err := json.Marshal(wire)
	if err != nil {
		return nil, &provider.Error{
			Kind: provider.KindInvalidRequest, Provider: a.cfg.ID, Model: req.Model,
			Message: "request not serializable", Err: err,
		}
	}

	url := a.cfg.BaseURL + "/chat/completions"
	if a.cfg.URL != nil {
		url = a.cfg.URL(req.Model)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &provider.Error{
			Kind: provider.KindInvalidRequest, Provider: a.cfg.ID, Model: req.Model, Err: err,
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if a.cfg.KeyHeader != "" {
		httpReq.Header.Set(a.cfg.KeyHeader, a.cfg.APIKey)
	} else {
		httpReq.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	}

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
		Provider: a.cfg.ID,
		Model:    model,
		Message:  "upstream request failed",
		Err:      err,
	}
}

func (a *Adapter) statusError(model string, resp *http.Response) *provider.Error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
	var wire errorResponse
	_ = json.Unmarshal(body, &wire)

	msg := wire.Error.Message
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	code := codeString(wire.Error.Code)

	kind := provider.KindForStatus(resp.StatusCode)
	switch {
	case code == "content_filter" || wire.Error.Type == "content_filter":
		kind = provider.KindContentModerated
	case resp.StatusCode == http.StatusBadRequest &&
		(strings.Contains(msg, "response_format") || strings.Contains(msg, "json_schema")):
		kind = provider.KindStructuredUnsupported
	}

	return &provider.Error{
		Kind:     kind,
		Provider: a.cfg.ID,
		Model:    model,
		Status:   resp.StatusCode,
		Code:     code,
		Message:  msg,
	}
}

func emit(ctx context.Context, ch chan<- canonical.Chunk, c canonical.Chunk) bool {
	select {
	case ch <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

// azureAPIVersion pins the deployments API revision.
const azureAPIVersion = "2024-10-21"

func azureURL(endpoint, model string) string {
	return fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
		strings.TrimRight(endpoint, "/"), model, azureAPIVersion)
}
