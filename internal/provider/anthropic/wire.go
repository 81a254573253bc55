package anthropic

import (
	"encoding/json"
	"strings"

	"github.com/modelrelay/relay/internal/canonical"
)

type messagesRequest struct {
	Model       string        `json:"model"`
	MaxTokens   int           `json:"max_tokens"`
	System      string        `json:"system,omitempty"`
	Messages    []wireMessage `json:"messages"`
	Tools       []wireTool    `json:"tools,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
	Thinking    *thinking     `json:"thinking,omitempty"`
}

type thinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens"`
}

type wireMessage struct {
	Role    string  `json:"role"`
	Content []block `json:"content"`
}

// block is the content unit on both sides of the messages API. The type
// field selects which of the remaining fields are meaningful.
type block struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	Source    *imageSource    `json:"source,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
}

type imageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

type wireTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

type messagesResponse struct {
	ID         string    `json:"id"`
	Model      string    `json:"model"`
	Content    []block   `json:"content"`
	StopReason string    `json:"stop_reason"`
	Usage      wireUsage `json:"usage"`
}

type wireUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type errorEnvelope struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

type streamEvent struct {
	Type         string            `json:"type"`
	Message      *messagesResponse `json:"message,omitempty"`
	Index        int               `json:"index"`
	ContentBlock *block            `json:"content_block,omitempty"`
	Delta        *streamDelta      `json:"delta,omitempty"`
	Usage        *wireUsage        `json:"usage,omitempty"`
	Error        *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type streamDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

// wireMessages splits the transcript into the system string and the
// alternating turn list the messages API expects. Tool results become
// tool_result blocks on a user turn; adjacent same-role turns merge.
func wireMessages(msgs []canonical.Message) (string, []wireMessage) {
	var system []string
	var out []wireMessage

	push := func(role string, blocks []block) {
		if len(blocks) == 0 {
			return
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, blocks...)
			return
		}
		out = append(out, wireMessage{Role: role, Content: blocks})
	}

	for _, m := range msgs {
		if m.Role == canonical.RoleSystem {
			system = append(system, m.Text())
			continue
		}

		role := "user"
		if m.Role == canonical.RoleAssistant {
			role = "assistant"
		}

		var blocks []block
		for _, p := range m.Parts {
			switch p.Kind {
			case canonical.PartText:
				if p.Text != "" {
					blocks = append(blocks, block{Type: "text", Text: p.Text})
				}
			case canonical.PartImage:
				blocks = append(blocks, block{Type: "image", Source: imageSourceFor(p.ImageURL)})
			case canonical.PartToolResult:
				blocks = append(blocks, block{Type: "tool_result", ToolUseID: p.ToolCallID, Content: p.Text})
			}
		}
		for _, tc := range m.ToolCalls {
			input := json.RawMessage(tc.Arguments)
			if len(input) == 0 {
				input = json.RawMessage("{}")
			}
			blocks = append(blocks, block{Type: "tool_use", ID: tc.ID, Name: tc.Name, Input: input})
		}
		push(role, blocks)
	}

	return strings.Join(system, "\n\n"), out
}

// imageSourceFor keeps the caller's representation: data URIs become
// inline base64 sources, anything else is passed through as a URL.
func imageSourceFor(ref string) *imageSource {
	if rest, ok := strings.CutPrefix(ref, "data:"); ok {
		mediaType, data, found := strings.Cut(rest, ";base64,")
		if found {
			return &imageSource{Type: "base64", MediaType: mediaType, Data: data}
		}
	}
	return &imageSource{Type: "url", URL: ref}
}

func wireTools(tools []canonical.Tool) []wireTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]wireTool, len(tools))
	for i, t := range tools {
		params := t.Parameters
		if params == nil {
			params = map[string]any{"type": "object"}
		}
		out[i] = wireTool{Name: t.Name, Description: t.Description, InputSchema: params}
	}
	return out
}

const minThinkingBudget = 1024

// thinkingFor maps the caller's reasoning options onto the thinking
// budget, the only control this API exposes.
func thinkingFor(r *canonical.Reasoning) *thinking {
	if r == nil {
		return nil
	}
	budget := r.Budget
	if budget == 0 {
		switch r.Effort {
		case "low":
			budget = 2048
		case "medium":
			budget = 8192
		case "high":
			budget = 16384
		}
	}
	if budget <= 0 {
		return nil
	}
	if budget < minThinkingBudget {
		budget = minThinkingBudget
	}
	return &thinking{Type: "enabled", BudgetTokens: budget}
}

func canonicalStop(reason string) canonical.FinishReason {
	switch reason {
	case "end_turn", "stop_sequence":
		return canonical.FinishStop
	case "max_tokens":
		return canonical.FinishLength
	case "tool_use":
		return canonical.FinishToolCalls
	case "refusal":
		return canonical.FinishContentFilter
	}
	return canonical.FinishReason(reason)
}

// collect flattens response blocks into the canonical fields, keeping
// thinking text apart from answer text.
func collect(blocks []block) (content, reasoning string, calls []canonical.ToolCall) {
	var text, thought strings.Builder
	for _, b := range blocks {
		switch b.Type {
		case "text":
			text.WriteString(b.Text)
		case "thinking":
			thought.WriteString(b.Thinking)
		case "tool_use":
			calls = append(calls, canonical.ToolCall{ID: b.ID, Name: b.Name, Arguments: string(b.Input)})
		}
	}
	return text.String(), thought.String(), calls
}

func canonicalUsage(u wireUsage) canonical.Usage {
	return canonical.Usage{
		PromptTokens:     u.InputTokens,
		CompletionTokens: u.OutputTokens,
		TotalTokens:      u.InputTokens + u.OutputTokens,
	}
}
