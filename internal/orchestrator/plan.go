package orchestrator

import (
	"encoding/json"
	"strings"

	"github.com/modelrelay/relay/internal/canonical"
	"github.com/modelrelay/relay/internal/fallback"
	"github.com/modelrelay/relay/internal/provider"
	"github.com/modelrelay/relay/internal/schema"
)

// Strategy is how a structured-output request was realized on a given
// host. It decides how strictly a validation failure is judged: a native
// miss is the host's fault and worth a failover, anything else is final.
type Strategy string

const (
	StrategyNative     Strategy = "native"
	StrategyJSONMode   Strategy = "json_mode"
	StrategyInstructed Strategy = "instructed"
)

const jsonObjectInstruction = "Reply with a single JSON object. Output only the JSON, with no prose and no markdown fences."

func schemaInstruction(s map[string]any) string {
	raw, err := json.Marshal(schema.Prepare(s))
	if err != nil {
		raw, _ = json.Marshal(s)
	}
	return "Reply with a single JSON document that conforms to this JSON Schema:\n" +
		string(raw) +
		"\nOutput only the JSON, with no prose and no markdown fences."
}

// planRequest derives the per-attempt request for a host with the given
// capabilities. The caller's request is never mutated; the returned copy
// is safe to adjust further.
func planRequest(req *canonical.Request, caps provider.Capabilities) (*canonical.Request, Strategy) {
	out := *req
	switch req.Format.Kind {
	case canonical.FormatJSONSchema:
		switch {
		case caps.StructuredOutput:
			out.Format.Schema = schema.Prepare(req.Format.Schema)
			return &out, StrategyNative
		case caps.JSONMode:
			out.Format = canonical.ResponseFormat{Kind: canonical.FormatJSONObject}
			out.Messages = withInstruction(req.Messages, schemaInstruction(req.Format.Schema))
			return &out, StrategyJSONMode
		default:
			out.Format = canonical.ResponseFormat{Kind: canonical.FormatText}
			out.Messages = withInstruction(req.Messages, schemaInstruction(req.Format.Schema))
			return &out, StrategyInstructed
		}
	case canonical.FormatJSONObject:
		if caps.JSONMode {
			return &out, StrategyNative
		}
		out.Format = canonical.ResponseFormat{Kind: canonical.FormatText}
		out.Messages = withInstruction(req.Messages, jsonObjectInstruction)
		return &out, StrategyInstructed
	}
	return &out, StrategyNative
}

func withInstruction(msgs []canonical.Message, text string) []canonical.Message {
	out := make([]canonical.Message, 0, len(msgs)+1)
	out = append(out, msgs...)
	out = append(out, canonical.TextMessage(canonical.RoleSystem, text))
	return out
}

// extractJSON strips the markdown fence a model sometimes wraps around a
// JSON answer despite instructions.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	if i := strings.LastIndex(s, "```"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

// checkFormat enforces the caller's requested output shape on a finished
// response and normalizes the content for non-native strategies.
func checkFormat(req *canonical.Request, cand fallback.Candidate, strat Strategy, resp *canonical.Response) error {
	if req.Format.Kind != canonical.FormatJSONSchema {
		if req.Format.Kind == canonical.FormatJSONObject && strat == StrategyInstructed {
			resp.Content = extractJSON(resp.Content)
		}
		return nil
	}

	body := resp.Content
	if strat != StrategyNative {
		body = extractJSON(body)
	}
	if err := schema.Validate(req.Format.Schema, []byte(body)); err != nil {
		if strat == StrategyNative {
			return &provider.Error{
				Kind: provider.KindStructuredUnsupported, Provider: cand.Provider, Model: cand.Model,
				Message: "schema-constrained output failed validation", Err: err,
			}
		}
		return &provider.Error{
			Kind: provider.KindValidationFailed, Provider: cand.Provider, Model: cand.Model,
			Message: "response does not satisfy the output schema", Err: err,
		}
	}
	resp.Content = body
	return nil
}
