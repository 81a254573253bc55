// Package canonical defines the provider-agnostic request, response and
// streaming-chunk model shared by the wire codecs and the policy engines.
// Adapters translate at the edge; everything inside the gateway speaks
// these types.
package canonical

import "strings"

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// PartKind discriminates message content parts.
type PartKind string

const (
	PartText       PartKind = "text"
	PartImage      PartKind = "image"
	PartToolResult PartKind = "tool_result"
)

// Part is one piece of message content. Images carry exactly the
// representation the caller gave (URL or data URI); the gateway never
// fetches them.
type Part struct {
	Kind       PartKind `json:"kind"`
	Text       string   `json:"text,omitempty"`
	ImageURL   string   `json:"image_url,omitempty"`
	ToolCallID string   `json:"tool_call_id,omitempty"`
}

// TextPart builds a plain text part.
func TextPart(s string) Part { return Part{Kind: PartText, Text: s} }

// ImagePart builds an image part from the caller-supplied representation.
func ImagePart(url string) Part { return Part{Kind: PartImage, ImageURL: url} }

// Message is one turn of the transcript.
type Message struct {
	Role      Role       `json:"role"`
	Parts     []Part     `json:"parts"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// Text returns the message's text parts concatenated in order.
func (m Message) Text() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Kind == PartText || p.Kind == PartToolResult {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// TextMessage builds a single-part text message.
func TextMessage(role Role, text string) Message {
	return Message{Role: role, Parts: []Part{TextPart(text)}}
}

// ToolCall is a model-requested function invocation. Arguments holds the
// raw JSON argument object exactly as the model produced it.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Tool declares a function the model may call.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// FormatKind is the requested output shape.
type FormatKind string

const (
	FormatText       FormatKind = "text"
	FormatJSONObject FormatKind = "json_object"
	FormatJSONSchema FormatKind = "json_schema"
)

// ResponseFormat carries the caller's original schema when Kind is
// FormatJSONSchema. Engines derive prepared copies; they never mutate it.
type ResponseFormat struct {
	Kind   FormatKind     `json:"kind"`
	Name   string         `json:"name,omitempty"`
	Schema map[string]any `json:"schema,omitempty"`
}

// CachePolicy controls response-cache participation.
type CachePolicy string

const (
	CacheAuto   CachePolicy = "auto"
	CacheAlways CachePolicy = "always"
	CacheNever  CachePolicy = "never"
)

// FallbackMode controls failover behavior.
type FallbackMode string

const (
	FallbackAuto  FallbackMode = "auto"
	FallbackNever FallbackMode = "never"
	FallbackList  FallbackMode = "list"
)

// FallbackPolicy selects failover behavior. Targets holds the explicit
// model list when Mode is FallbackList.
type FallbackPolicy struct {
	Mode    FallbackMode `json:"mode"`
	Targets []string     `json:"targets,omitempty"`
}

// Reasoning bounds model deliberation, by token budget or by named effort.
// At most one of the two is set.
type Reasoning struct {
	Budget int    `json:"budget,omitempty"`
	Effort string `json:"effort,omitempty"`
}

// Metadata keys the gateway itself interprets.
const (
	MetaAgentID        = "agent_id"
	MetaConversationID = "conversation_id"
)

// Template preserves a templated request's source form: the unresolved
// message list and the variables that were substituted into it.
type Template struct {
	Source string         `json:"source"`
	Input  map[string]any `json:"input,omitempty"`
}

// Request is one canonical inference call. It lives for exactly one
// gateway invocation.
type Request struct {
	Model       string
	Messages    []Message
	Tools       []Tool
	Format      ResponseFormat
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
	Cache       CachePolicy
	Fallback    FallbackPolicy
	Reasoning   *Reasoning
	Metadata    map[string]string
	Stream      bool

	// Template is non-nil when the caller sent templated messages; it is
	// what the cache hashes instead of the resolved transcript.
	Template *Template
}

// Meta returns the metadata value for key, or "".
func (r *Request) Meta(key string) string {
	if r.Metadata == nil {
		return ""
	}
	return r.Metadata[key]
}

// FinishReason mirrors the OpenAI finish_reason vocabulary.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishToolCalls     FinishReason = "tool_calls"
	FinishContentFilter FinishReason = "content_filter"
)

// Usage counts tokens for one response. Reasoning tokens are tracked
// separately because they are billed separately.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	ReasoningTokens  int `json:"reasoning_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is a complete canonical result. Reasoning stays separate from
// Content at every layer.
type Response struct {
	ID           string       `json:"id"`
	Model        string       `json:"model"`
	Provider     string       `json:"provider"`
	Content      string       `json:"content"`
	Reasoning    string       `json:"reasoning,omitempty"`
	ToolCalls    []ToolCall   `json:"tool_calls,omitempty"`
	FinishReason FinishReason `json:"finish_reason"`
	Usage        Usage        `json:"usage"`
	Created      int64        `json:"created"`
}

// ChunkKind discriminates streaming deltas.
type ChunkKind string

const (
	ChunkContent   ChunkKind = "content"
	ChunkReasoning ChunkKind = "reasoning"
	ChunkToolCall  ChunkKind = "tool_call"
	ChunkUsage     ChunkKind = "usage"
	ChunkDone      ChunkKind = "done"
)

// Chunk is one streaming delta. Reasoning text and answer text arrive as
// distinct kinds, never concatenated. A set Err terminates the stream.
type Chunk struct {
	Kind         ChunkKind
	Text         string
	ToolCall     *ToolCallDelta
	Usage        *Usage
	FinishReason FinishReason
	Err          error
}

// ToolCallDelta is an incremental tool-call fragment. Index correlates
// fragments of the same call across chunks.
type ToolCallDelta struct {
	Index     int
	ID        string
	Name      string
	Arguments string
}
