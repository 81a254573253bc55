package canonical

import "strings"

// Accumulator assembles a complete Response from a stream of chunks. The
// orchestrator feeds it the exact chunks it flushes to the caller, so the
// accumulated content always equals the concatenation of delivered deltas.
type Accumulator struct {
	content   strings.Builder
	reasoning strings.Builder
	order     []int
	calls     map[int]*ToolCall
	usage     *Usage
	finish    FinishReason
}

func NewAccumulator() *Accumulator {
	return &Accumulator{calls: make(map[int]*ToolCall)}
}

// Add folds one chunk into the accumulated state. Error chunks carry no
// payload and are ignored here; the caller handles them.
func (a *Accumulator) Add(c Chunk) {
	switch c.Kind {
	case ChunkContent:
		a.content.WriteString(c.Text)
	case ChunkReasoning:
		a.reasoning.WriteString(c.Text)
	case ChunkToolCall:
		if c.ToolCall == nil {
			break
		}
		tc, ok := a.calls[c.ToolCall.Index]
		if !ok {
			tc = &ToolCall{}
			a.calls[c.ToolCall.Index] = tc
			a.order = append(a.order, c.ToolCall.Index)
		}
		if c.ToolCall.ID != "" {
			tc.ID = c.ToolCall.ID
		}
		if c.ToolCall.Name != "" {
			tc.Name = c.ToolCall.Name
		}
		tc.Arguments += c.ToolCall.Arguments
	case ChunkUsage:
		if c.Usage != nil {
			u := *c.Usage
			a.usage = &u
		}
	}
	if c.FinishReason != "" {
		a.finish = c.FinishReason
	}
}

// Content returns the answer text accumulated so far.
func (a *Accumulator) Content() string { return a.content.String() }

// Response materializes the accumulated result for the attempt identified
// by id, model and provider.
func (a *Accumulator) Response(id, model, providerID string, created int64) *Response {
	resp := &Response{
		ID:           id,
		Model:        model,
		Provider:     providerID,
		Content:      a.content.String(),
		Reasoning:    a.reasoning.String(),
		FinishReason: a.finish,
		Created:      created,
	}
	for _, i := range a.order {
		resp.ToolCalls = append(resp.ToolCalls, *a.calls[i])
	}
	if a.usage != nil {
		resp.Usage = *a.usage
	}
	if resp.FinishReason == "" {
		if len(resp.ToolCalls) > 0 {
			resp.FinishReason = FinishToolCalls
		} else {
			resp.FinishReason = FinishStop
		}
	}
	return resp
}
