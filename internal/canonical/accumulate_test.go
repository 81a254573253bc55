package canonical

import "testing"

func TestAccumulatorAssemblesResponse(t *testing.T) {
	acc := NewAccumulator()
	acc.Add(Chunk{Kind: ChunkReasoning, Text: "thinking about it. "})
	acc.Add(Chunk{Kind: ChunkContent, Text: "Hello"})
	acc.Add(Chunk{Kind: ChunkContent, Text: ", world"})
	acc.Add(Chunk{Kind: ChunkUsage, Usage: &Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5}})
	acc.Add(Chunk{Kind: ChunkDone, FinishReason: FinishStop})

	resp := acc.Response("run-1", "gpt-4o", "openai", 1700000000)
	if resp.Content != "Hello, world" {
		t.Errorf("Expected content %q, got %q", "Hello, world", resp.Content)
	}
	if resp.Reasoning != "thinking about it. " {
		t.Errorf("Expected reasoning kept separate, got %q", resp.Reasoning)
	}
	if resp.FinishReason != FinishStop {
		t.Errorf("Expected finish reason stop, got %q", resp.FinishReason)
	}
	if resp.Usage.TotalTokens != 5 {
		t.Errorf("Expected 5 total tokens, got %d", resp.Usage.TotalTokens)
	}
}

func TestAccumulatorNeverMixesReasoningIntoContent(t *testing.T) {
	acc := NewAccumulator()
	acc.Add(Chunk{Kind: ChunkReasoning, Text: "secret deliberation"})
	acc.Add(Chunk{Kind: ChunkContent, Text: "answer"})

	resp := acc.Response("run-2", "m", "p", 0)
	if resp.Content != "answer" {
		t.Errorf("Expected content %q, got %q", "answer", resp.Content)
	}
	if resp.Reasoning != "secret deliberation" {
		t.Errorf("Expected reasoning %q, got %q", "secret deliberation", resp.Reasoning)
	}
}

func TestAccumulatorAssemblesToolCallFragments(t *testing.T) {
	acc := NewAccumulator()
	acc.Add(Chunk{Kind: ChunkToolCall, ToolCall: &ToolCallDelta{Index: 0, ID: "call_1", Name: "get_weather"}})
	acc.Add(Chunk{Kind: ChunkToolCall, ToolCall: &ToolCallDelta{Index: 0, Arguments: `{"city":`}})
	acc.Add(Chunk{Kind: ChunkToolCall, ToolCall: &ToolCallDelta{Index: 0, Arguments: `"Paris"}`}})
	acc.Add(Chunk{Kind: ChunkToolCall, ToolCall: &ToolCallDelta{Index: 1, ID: "call_2", Name: "get_time", Arguments: `{}`}})
	acc.Add(Chunk{Kind: ChunkDone, FinishReason: FinishToolCalls})

	resp := acc.Response("run-3", "m", "p", 0)
	if len(resp.ToolCalls) != 2 {
		t.Fatalf("Expected 2 tool calls, got %d", len(resp.ToolCalls))
	}
	if resp.ToolCalls[0].Arguments != `{"city":"Paris"}` {
		t.Errorf("Expected assembled arguments, got %q", resp.ToolCalls[0].Arguments)
	}
	if resp.ToolCalls[1].Name != "get_time" {
		t.Errorf("Expected second call get_time, got %q", resp.ToolCalls[1].Name)
	}
}

func TestAccumulatorDefaultsFinishReason(t *testing.T) {
	acc := NewAccumulator()
	acc.Add(Chunk{Kind: ChunkToolCall, ToolCall: &ToolCallDelta{Index: 0, ID: "c", Name: "f", Arguments: "{}"}})
	if got := acc.Response("r", "m", "p", 0).FinishReason; got != FinishToolCalls {
		t.Errorf("Expected tool_calls finish, got %q", got)
	}

	acc = NewAccumulator()
	acc.Add(Chunk{Kind: ChunkContent, Text: "hi"})
	if got := acc.Response("r", "m", "p", 0).FinishReason; got != FinishStop {
		t.Errorf("Expected stop finish, got %q", got)
	}
}

func TestMessageText(t *testing.T) {
	m := Message{Role: RoleUser, Parts: []Part{
		TextPart("look at "),
		ImagePart("https://example.com/cat.png"),
		TextPart("this"),
	}}
	if m.Text() != "look at this" {
		t.Errorf("Expected text parts only, got %q", m.Text())
	}
}
