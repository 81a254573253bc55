package openaic

import (
	"fmt"

	"github.com/modelrelay/relay/internal/canonical"
)

// Wire types for the chat-completions dialect shared by every
// openai-compatible host.

type chatRequest struct {
	Model           string          `json:"model"`
	Messages        []chatMessage   `json:"messages"`
	Temperature     *float64        `json:"temperature,omitempty"`
	TopP            *float64        `json:"top_p,omitempty"`
	MaxTokens       *int            `json:"max_tokens,omitempty"`
	Stream          bool            `json:"stream,omitempty"`
	StreamOptions   *streamOptions  `json:"stream_options,omitempty"`
	Tools           []chatTool      `json:"tools,omitempty"`
	ResponseFormat  *responseFormat `json:"response_format,omitempty"`
	ReasoningEffort string          `json:"reasoning_effort,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatMessage struct {
	Role       string     `json:"role"`
	Content    any        `json:"content"`
	ToolCalls  []toolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type toolCall struct {
	Index    *int         `json:"index,omitempty"`
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"`
	Function toolFunction `json:"function"`
}

type toolFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type chatTool struct {
	Type     string  `json:"type"`
	Function toolDef `json:"function"`
}

type toolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type responseFormat struct {
	Type       string      `json:"type"`
	JSONSchema *jsonSchema `json:"json_schema,omitempty"`
}

type jsonSchema struct {
	Name   string         `json:"name"`
	Strict bool           `json:"strict"`
	Schema map[string]any `json:"schema"`
}

type chatResponse struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Created int64    `json:"created"`
	Choices []choice `json:"choices"`
	Usage   *usage   `json:"usage"`
}

type choice struct {
	Message      *wireMessage `json:"message,omitempty"`
	Delta        *wireMessage `json:"delta,omitempty"`
	FinishReason string       `json:"finish_reason,omitempty"`
}

type wireMessage struct {
	Role             string     `json:"role,omitempty"`
	Content          string     `json:"content,omitempty"`
	ReasoningContent string     `json:"reasoning_content,omitempty"`
	Reasoning        string     `json:"reasoning,omitempty"`
	ToolCalls        []toolCall `json:"tool_calls,omitempty"`
}

// reasoningText covers the two field names compat hosts use for thinking
// deltas.
func (m *wireMessage) reasoningText() string {
	if m.ReasoningContent != "" {
		return m.ReasoningContent
	}
	return m.Reasoning
}

type usage struct {
	PromptTokens            int `json:"prompt_tokens"`
	CompletionTokens        int `json:"completion_tokens"`
	TotalTokens             int `json:"total_tokens"`
	CompletionTokensDetails *struct {
		ReasoningTokens int `json:"reasoning_tokens"`
	} `json:"completion_tokens_details,omitempty"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error"`
}

func wireMessages(msgs []canonical.Message) []chatMessage {
	out := make([]chatMessage, 0, len(msgs))
	for _, m := range msgs {
		wm := chatMessage{Role: string(m.Role)}

		hasImage := false
		for _, p := range m.Parts {
			if p.Kind == canonical.PartImage {
				hasImage = true
			}
			if p.Kind == canonical.PartToolResult && p.ToolCallID != "" {
				wm.ToolCallID = p.ToolCallID
			}
		}
		if hasImage {
			parts := make([]contentPart, 0, len(m.Parts))
			for _, p := range m.Parts {
				switch p.Kind {
				case canonical.PartText, canonical.PartToolResult:
					parts = append(parts, contentPart{Type: "text", Text: p.Text})
				case canonical.PartImage:
					parts = append(parts, contentPart{Type: "image_url", ImageURL: &imageURL{URL: p.ImageURL}})
				}
			}
			wm.Content = parts
		} else {
			wm.Content = m.Text()
		}

		for _, tc := range m.ToolCalls {
			wm.ToolCalls = append(wm.ToolCalls, toolCall{
				ID:       tc.ID,
				Type:     "function",
				Function: toolFunction{Name: tc.Name, Arguments: tc.Arguments},
			})
		}
		out = append(out, wm)
	}
	return out
}

func wireTools(tools []canonical.Tool) []chatTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]chatTool, len(tools))
	for i, t := range tools {
		out[i] = chatTool{
			Type:     "function",
			Function: toolDef{Name: t.Name, Description: t.Description, Parameters: t.Parameters},
		}
	}
	return out
}

func wireFormat(f canonical.ResponseFormat) *responseFormat {
	switch f.Kind {
	case canonical.FormatJSONObject:
		return &responseFormat{Type: "json_object"}
	case canonical.FormatJSONSchema:
		name := f.Name
		if name == "" {
			name = "response"
		}
		return &responseFormat{
			Type:       "json_schema",
			JSONSchema: &jsonSchema{Name: name, Strict: true, Schema: f.Schema},
		}
	}
	return nil
}

// effortFor maps the caller's reasoning options onto the effort knob,
// the only control this dialect exposes.
func effortFor(r *canonical.Reasoning) string {
	if r == nil {
		return ""
	}
	if r.Effort != "" {
		return r.Effort
	}
	switch {
	case r.Budget <= 0:
		return ""
	case r.Budget <= 4096:
		return "low"
	case r.Budget <= 16384:
		return "medium"
	default:
		return "high"
	}
}

func canonicalUsage(u *usage) canonical.Usage {
	out := canonical.Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
	if u.CompletionTokensDetails != nil {
		out.ReasoningTokens = u.CompletionTokensDetails.ReasoningTokens
	}
	return out
}

func canonicalFinish(reason string) canonical.FinishReason {
	switch reason {
	case "stop":
		return canonical.FinishStop
	case "length":
		return canonical.FinishLength
	case "tool_calls", "function_call":
		return canonical.FinishToolCalls
	case "content_filter":
		return canonical.FinishContentFilter
	}
	return canonical.FinishReason(reason)
}

func canonicalToolCalls(calls []toolCall) []canonical.ToolCall {
	out := make([]canonical.ToolCall, len(calls))
	for i, tc := range calls {
		out[i] = canonical.ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments}
	}
	return out
}

func codeString(code any) string {
	if code == nil {
		return ""
	}
	return fmt.Sprint(code)
}
