package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/modelrelay/relay/internal/canonical"
	"github.com/modelrelay/relay/internal/orchestrator"
)

// streamWriter renders canonical chunks as OpenAI chat.completion.chunk
// SSE frames. Headers go out lazily with the first frame, so a run that
// fails before producing anything still gets a plain HTTP error.
type streamWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	model   string
	id      string
	created int64

	started  bool
	sentRole bool

	// usage arrives before the done marker upstream but OpenAI clients
	// expect it after the finish chunk, so it is held back.
	pendingUsage *wireUsage
}

func newStreamWriter(w http.ResponseWriter, flusher http.Flusher, model string) *streamWriter {
	return &streamWriter{w: w, flusher: flusher, model: model}
}

// begin writes the SSE headers once. The run metadata headers must be
// set here because nothing can change them after the first body byte.
func (s *streamWriter) begin(res *orchestrator.Result) {
	if s.started {
		return
	}
	s.started = true
	s.id = res.RunID
	s.created = time.Now().Unix()

	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	if res.Conversation.ConversationID != "" {
		h.Set("X-Conversation-Id", res.Conversation.ConversationID)
	}
	h.Set("X-Cache", string(res.CacheStatus))
	s.w.WriteHeader(http.StatusOK)
}

func (s *streamWriter) chunk(c canonical.Chunk) error {
	switch c.Kind {
	case canonical.ChunkContent:
		return s.delta(chatDelta{Content: c.Text}, nil)
	case canonical.ChunkReasoning:
		return s.delta(chatDelta{ReasoningContent: c.Text}, nil)
	case canonical.ChunkToolCall:
		tc := c.ToolCall
		d := wireToolCallDelta{Index: tc.Index, ID: tc.ID}
		if tc.ID != "" {
			d.Type = "function"
		}
		if tc.Name != "" || tc.Arguments != "" {
			d.Function = &wireCallFunction{Name: tc.Name, Arguments: tc.Arguments}
		}
		return s.delta(chatDelta{ToolCalls: []wireToolCallDelta{d}}, nil)
	case canonical.ChunkUsage:
		u := usageOut(*c.Usage)
		s.pendingUsage = &u
		return nil
	case canonical.ChunkDone:
		return s.finish(c.FinishReason)
	}
	return nil
}

func (s *streamWriter) delta(d chatDelta, finish *string) error {
	if !s.sentRole {
		d.Role = "assistant"
		s.sentRole = true
	}
	return s.write(chatChunk{
		ID:      s.id,
		Object:  "chat.completion.chunk",
		Created: s.created,
		Model:   s.model,
		Choices: []chunkChoice{{Delta: d, FinishReason: finish}},
	})
}

// finish emits the finish chunk, the held-back usage chunk, and the
// [DONE] marker.
func (s *streamWriter) finish(reason canonical.FinishReason) error {
	fr := string(reason)
	if err := s.delta(chatDelta{}, &fr); err != nil {
		return err
	}
	if s.pendingUsage != nil {
		if err := s.write(chatChunk{
			ID:      s.id,
			Object:  "chat.completion.chunk",
			Created: s.created,
			Model:   s.model,
			Choices: []chunkChoice{},
			Usage:   s.pendingUsage,
		}); err != nil {
			return err
		}
	}
	return s.done()
}

// fail terminates an already-started stream with an error event
// followed by [DONE]. Best effort: the client may already be gone.
func (s *streamWriter) fail(err error) {
	data, merr := json.Marshal(errorBody{Error: detailFor(err)})
	if merr != nil {
		return
	}
	if _, werr := fmt.Fprintf(s.w, "event: error\ndata: %s\n\n", data); werr != nil {
		return
	}
	s.flusher.Flush()
	_ = s.done()
}

func (s *streamWriter) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *streamWriter) done() error {
	if _, err := fmt.Fprint(s.w, "data: [DONE]\n\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
