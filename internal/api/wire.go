// Package api exposes the gateway over an OpenAI-compatible HTTP
// surface: POST /v1/chat/completions plus the models, usage and health
// endpoints. Wire types here translate between the OpenAI JSON dialect
// (with the gateway's extension fields) and the canonical request model.
package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/modelrelay/relay/internal/canonical"
	"github.com/modelrelay/relay/internal/orchestrator"
	"github.com/modelrelay/relay/internal/provider"
	"github.com/modelrelay/relay/internal/runlog"
	"github.com/modelrelay/relay/internal/schema"
	"github.com/modelrelay/relay/internal/template"
)

// chatRequest is the inbound POST /v1/chat/completions body. The fields
// after Stream are gateway extensions; unknown fields are ignored so
// stock OpenAI clients work unchanged.
type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []wireMessage `json:"messages"`
	Tools          []wireTool    `json:"tools,omitempty"`
	ResponseFormat *wireFormat   `json:"response_format,omitempty"`
	Temperature    *float64      `json:"temperature,omitempty"`
	TopP           *float64      `json:"top_p,omitempty"`
	MaxTokens      *int          `json:"max_tokens,omitempty"`
	Stream         bool          `json:"stream,omitempty"`

	Input       map[string]any    `json:"input,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	UseCache    string            `json:"use_cache,omitempty"`
	UseFallback json.RawMessage   `json:"use_fallback,omitempty"`
	Reasoning   *wireReasoning    `json:"reasoning,omitempty"`
}

// wireMessage keeps Content raw because OpenAI allows both a plain
// string and a part array there.
type wireMessage struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content,omitempty"`
	ToolCalls  []wireToolCall  `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

type wirePart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *wireImageURL `json:"image_url,omitempty"`
}

type wireImageURL struct {
	URL string `json:"url"`
}

type wireTool struct {
	Type     string           `json:"type"`
	Function wireToolFunction `json:"function"`
}

type wireToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type wireToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function wireCallFunction `json:"function"`
}

type wireCallFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type wireFormat struct {
	Type       string          `json:"type"`
	JSONSchema *wireJSONSchema `json:"json_schema,omitempty"`
}

type wireJSONSchema struct {
	Name   string         `json:"name,omitempty"`
	Schema map[string]any `json:"schema"`
	Strict bool           `json:"strict,omitempty"`
}

type wireReasoning struct {
	Budget int    `json:"budget,omitempty"`
	Effort string `json:"effort,omitempty"`
}

func invalidf(format string, args ...any) *provider.Error {
	return &provider.Error{Kind: provider.KindInvalidRequest, Message: fmt.Sprintf(format, args...)}
}

// canonicalize validates the wire request and converts it. When the
// input extension is present the unresolved messages are captured as
// the template source before variables are substituted, so cache keys
// hash the template rather than the rendered transcript.
func (c *chatRequest) canonicalize() (*canonical.Request, error) {
	if c.Model == "" {
		return nil, invalidf("model is required")
	}
	if len(c.Messages) == 0 {
		return nil, invalidf("messages must not be empty")
	}

	msgs := make([]canonical.Message, 0, len(c.Messages))
	for i, wm := range c.Messages {
		m, err := wm.canonicalize()
		if err != nil {
			return nil, invalidf("messages[%d]: %v", i, err)
		}
		msgs = append(msgs, m)
	}

	req := &canonical.Request{
		Model:       c.Model,
		Messages:    msgs,
		Temperature: c.Temperature,
		TopP:        c.TopP,
		MaxTokens:   c.MaxTokens,
		Stream:      c.Stream,
		Metadata:    c.Metadata,
	}

	for i, wt := range c.Tools {
		if wt.Type != "" && wt.Type != "function" {
			return nil, invalidf("tools[%d]: unsupported tool type %q", i, wt.Type)
		}
		if wt.Function.Name == "" {
			return nil, invalidf("tools[%d]: function.name is required", i)
		}
		req.Tools = append(req.Tools, canonical.Tool{
			Name:        wt.Function.Name,
			Description: wt.Function.Description,
			Parameters:  wt.Function.Parameters,
		})
	}

	format, err := c.format()
	if err != nil {
		return nil, err
	}
	req.Format = format

	switch c.UseCache {
	case "":
		req.Cache = canonical.CacheAuto
	case "auto", "always", "never":
		req.Cache = canonical.CachePolicy(c.UseCache)
	default:
		return nil, invalidf("unknown use_cache %q", c.UseCache)
	}

	fb, err := decodeFallback(c.UseFallback)
	if err != nil {
		return nil, err
	}
	req.Fallback = fb

	if c.Reasoning != nil {
		r, err := c.Reasoning.canonicalize()
		if err != nil {
			return nil, err
		}
		req.Reasoning = r
	}

	if c.Input != nil {
		src := template.Source(req.Messages)
		rendered, err := template.Render(req.Messages, c.Input)
		if err != nil {
			return nil, invalidf("template: %v", err)
		}
		req.Messages = rendered
		req.Template = &canonical.Template{Source: src, Input: c.Input}
	}

	return req, nil
}

func (c *chatRequest) format() (canonical.ResponseFormat, error) {
	if c.ResponseFormat == nil {
		return canonical.ResponseFormat{Kind: canonical.FormatText}, nil
	}
	switch c.ResponseFormat.Type {
	case "", "text":
		return canonical.ResponseFormat{Kind: canonical.FormatText}, nil
	case "json_object":
		return canonical.ResponseFormat{Kind: canonical.FormatJSONObject}, nil
	case "json_schema":
		js := c.ResponseFormat.JSONSchema
		if js == nil || js.Schema == nil {
			return canonical.ResponseFormat{}, invalidf("response_format.json_schema.schema is required")
		}
		return canonical.ResponseFormat{
			Kind:   canonical.FormatJSONSchema,
			Name:   js.Name,
			Schema: js.Schema,
		}, nil
	default:
		return canonical.ResponseFormat{}, invalidf("unknown response_format type %q", c.ResponseFormat.Type)
	}
}

func (m *wireMessage) canonicalize() (canonical.Message, error) {
	var role canonical.Role
	switch m.Role {
	case "system", "developer":
		role = canonical.RoleSystem
	case "user":
		role = canonical.RoleUser
	case "assistant":
		role = canonical.RoleAssistant
	case "tool":
		role = canonical.RoleTool
	default:
		return canonical.Message{}, fmt.Errorf("unknown role %q", m.Role)
	}

	parts, err := decodeContent(m.Content)
	if err != nil {
		return canonical.Message{}, err
	}

	if role == canonical.RoleTool {
		if m.ToolCallID == "" {
			return canonical.Message{}, fmt.Errorf("tool message requires tool_call_id")
		}
		var text bytes.Buffer
		for _, p := range parts {
			text.WriteString(p.Text)
		}
		return canonical.Message{Role: role, Parts: []canonical.Part{{
			Kind: canonical.PartToolResult, Text: text.String(), ToolCallID: m.ToolCallID,
		}}}, nil
	}

	msg := canonical.Message{Role: role, Parts: parts}
	for _, tc := range m.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, canonical.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	if len(msg.Parts) == 0 && len(msg.ToolCalls) == 0 {
		return canonical.Message{}, fmt.Errorf("message has no content")
	}
	return msg, nil
}

func decodeContent(raw json.RawMessage) ([]canonical.Part, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return nil, fmt.Errorf("invalid content: %w", err)
		}
		return []canonical.Part{canonical.TextPart(s)}, nil
	}
	if trimmed[0] == '[' {
		var wps []wirePart
		if err := json.Unmarshal(trimmed, &wps); err != nil {
			return nil, fmt.Errorf("invalid content parts: %w", err)
		}
		parts := make([]canonical.Part, 0, len(wps))
		for i, wp := range wps {
			switch wp.Type {
			case "text":
				parts = append(parts, canonical.TextPart(wp.Text))
			case "image_url":
				if wp.ImageURL == nil || wp.ImageURL.URL == "" {
					return nil, fmt.Errorf("content[%d]: image_url.url is required", i)
				}
				parts = append(parts, canonical.ImagePart(wp.ImageURL.URL))
			default:
				return nil, fmt.Errorf("content[%d]: unsupported part type %q", i, wp.Type)
			}
		}
		return parts, nil
	}
	return nil, fmt.Errorf("content must be a string or a part array")
}

func decodeFallback(raw json.RawMessage) (canonical.FallbackPolicy, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return canonical.FallbackPolicy{Mode: canonical.FallbackAuto}, nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return canonical.FallbackPolicy{}, invalidf("invalid use_fallback: %v", err)
		}
		switch s {
		case "auto":
			return canonical.FallbackPolicy{Mode: canonical.FallbackAuto}, nil
		case "never":
			return canonical.FallbackPolicy{Mode: canonical.FallbackNever}, nil
		default:
			return canonical.FallbackPolicy{}, invalidf("unknown use_fallback %q", s)
		}
	}
	if trimmed[0] == '[' {
		var list []string
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return canonical.FallbackPolicy{}, invalidf("invalid use_fallback list: %v", err)
		}
		if len(list) == 0 {
			return canonical.FallbackPolicy{}, invalidf("use_fallback list must not be empty")
		}
		return canonical.FallbackPolicy{Mode: canonical.FallbackList, Targets: list}, nil
	}
	return canonical.FallbackPolicy{}, invalidf(`use_fallback must be "auto", "never", or a model list`)
}

func (r *wireReasoning) canonicalize() (*canonical.Reasoning, error) {
	if r.Budget != 0 && r.Effort != "" {
		return nil, invalidf("reasoning accepts budget or effort, not both")
	}
	if r.Budget < 0 {
		return nil, invalidf("reasoning budget must be positive")
	}
	if r.Effort != "" {
		switch r.Effort {
		case "low", "medium", "high":
		default:
			return nil, invalidf("unknown reasoning effort %q", r.Effort)
		}
	}
	if r.Budget == 0 && r.Effort == "" {
		return nil, invalidf("reasoning requires budget or effort")
	}
	return &canonical.Reasoning{Budget: r.Budget, Effort: r.Effort}, nil
}

// Outbound shapes.

type chatResponse struct {
	ID       string       `json:"id"`
	Object   string       `json:"object"`
	Created  int64        `json:"created"`
	Model    string       `json:"model"`
	Provider string       `json:"provider,omitempty"`
	Choices  []chatChoice `json:"choices"`
	Usage    wireUsage    `json:"usage"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatMessage struct {
	Role             string         `json:"role"`
	Content          string         `json:"content"`
	ReasoningContent string         `json:"reasoning_content,omitempty"`
	ToolCalls        []wireToolCall `json:"tool_calls,omitempty"`
}

type wireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	ReasoningTokens  int `json:"reasoning_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens"`
}

func completionResponse(res *orchestrator.Result) chatResponse {
	resp := res.Response
	return chatResponse{
		ID:       resp.ID,
		Object:   "chat.completion",
		Created:  resp.Created,
		Model:    resp.Model,
		Provider: resp.Provider,
		Choices: []chatChoice{{
			Message: chatMessage{
				Role:             "assistant",
				Content:          resp.Content,
				ReasoningContent: resp.Reasoning,
				ToolCalls:        toolCallsOut(resp.ToolCalls),
			},
			FinishReason: string(resp.FinishReason),
		}},
		Usage: usageOut(resp.Usage),
	}
}

func toolCallsOut(calls []canonical.ToolCall) []wireToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]wireToolCall, len(calls))
	for i, tc := range calls {
		out[i] = wireToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: wireCallFunction{
				Name:      tc.Name,
				Arguments: tc.Arguments,
			},
		}
	}
	return out
}

func usageOut(u canonical.Usage) wireUsage {
	return wireUsage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		ReasoningTokens:  u.ReasoningTokens,
		TotalTokens:      u.TotalTokens,
	}
}

type chatChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []chunkChoice `json:"choices"`
	Usage   *wireUsage    `json:"usage,omitempty"`
}

type chunkChoice struct {
	Index        int       `json:"index"`
	Delta        chatDelta `json:"delta"`
	FinishReason *string   `json:"finish_reason"`
}

type chatDelta struct {
	Role             string              `json:"role,omitempty"`
	Content          string              `json:"content,omitempty"`
	ReasoningContent string              `json:"reasoning_content,omitempty"`
	ToolCalls        []wireToolCallDelta `json:"tool_calls,omitempty"`
}

type wireToolCallDelta struct {
	Index    int               `json:"index"`
	ID       string            `json:"id,omitempty"`
	Type     string            `json:"type,omitempty"`
	Function *wireCallFunction `json:"function,omitempty"`
}

type modelList struct {
	Object string        `json:"object"`
	Data   []modelObject `json:"data"`
}

type modelObject struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

// errorBody is the error envelope for every non-2xx JSON response. Code
// is the canonical error kind; provider and model are set when a
// specific upstream attempt produced the failure.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code       string             `json:"code"`
	Message    string             `json:"message"`
	Provider   string             `json:"provider,omitempty"`
	Model      string             `json:"model,omitempty"`
	Violations []schema.Violation `json:"violations,omitempty"`
	Total      int                `json:"violation_total,omitempty"`
}

type usageReport struct {
	TenantID string      `json:"tenant_id"`
	From     time.Time   `json:"from"`
	To       time.Time   `json:"to"`
	Totals   usageTotals `json:"totals"`
	Runs     []usageRun  `json:"runs"`
}

type usageTotals struct {
	Runs             int `json:"runs"`
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	ReasoningTokens  int `json:"reasoning_tokens"`
	CacheHits        int `json:"cache_hits"`
}

type usageRun struct {
	RunID            string    `json:"run_id"`
	AgentID          string    `json:"agent_id,omitempty"`
	ConversationID   string    `json:"conversation_id,omitempty"`
	Provider         string    `json:"provider,omitempty"`
	Model            string    `json:"model"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	ReasoningTokens  int       `json:"reasoning_tokens,omitempty"`
	CacheHit         bool      `json:"cache_hit"`
	Attempts         int       `json:"attempts"`
	FinishReason     string    `json:"finish_reason,omitempty"`
	ErrorKind        string    `json:"error_kind,omitempty"`
	LatencyMs        int64     `json:"latency_ms"`
	CreatedAt        time.Time `json:"created_at"`
}

func usageRunOut(e runlog.Entry) usageRun {
	return usageRun{
		RunID:            e.RunID,
		AgentID:          e.AgentID,
		ConversationID:   e.ConversationID,
		Provider:         e.Provider,
		Model:            e.Model,
		PromptTokens:     e.PromptTokens,
		CompletionTokens: e.CompletionTokens,
		ReasoningTokens:  e.ReasoningTokens,
		CacheHit:         e.CacheHit,
		Attempts:         e.Attempts,
		FinishReason:     e.FinishReason,
		ErrorKind:        e.ErrorKind,
		LatencyMs:        e.LatencyMs,
		CreatedAt:        e.CreatedAt,
	}
}
