package openaic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/modelrelay/relay/internal/canonical"
	"github.com/modelrelay/relay/internal/provider"
)

func testAdapter(serverURL string) *Adapter {
	return New(Config{
		ID:      "openai",
		BaseURL: serverURL,
		APIKey:  "sk-test",
		Models:  []string{"gpt-4o"},
		Capabilities: provider.Capabilities{
			Streaming: true, ToolCalls: true, StructuredOutput: true, JSONMode: true,
		},
	}, nil)
}

func temp(v float64) *float64 { return &v }

func TestCompleteDecodesResponse(t *testing.T) {
	var got chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auth := r.Header.Get("Authorization"); auth != "Bearer sk-test" {
			t.Errorf("Expected bearer auth, got %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("Expected decodable request, got error: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "chatcmpl-1",
			"model": "gpt-4o-2024-08-06",
			"created": 1700000000,
			"choices": [{
				"index": 0,
				"message": {"role": "assistant", "content": "Hello!", "reasoning_content": "greeting back"},
				"finish_reason": "stop"
			}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 4, "total_tokens": 16,
				"completion_tokens_details": {"reasoning_tokens": 2}}
		}`))
	}))
	defer server.Close()

	req := &canonical.Request{
		Model:       "gpt-4o",
		Messages:    []canonical.Message{canonical.TextMessage(canonical.RoleUser, "Hi")},
		Temperature: temp(0.3),
		Format:      canonical.ResponseFormat{Kind: canonical.FormatJSONObject},
	}
	resp, err := testAdapter(server.URL).Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("Expected success, got error: %v", err)
	}

	if got.Model != "gpt-4o" {
		t.Errorf("Expected model gpt-4o on the wire, got %q", got.Model)
	}
	if got.Temperature == nil || *got.Temperature != 0.3 {
		t.Errorf("Expected temperature 0.3 on the wire, got %v", got.Temperature)
	}
	if got.ResponseFormat == nil || got.ResponseFormat.Type != "json_object" {
		t.Errorf("Expected response_format json_object, got %+v", got.ResponseFormat)
	}

	if resp.Content != "Hello!" {
		t.Errorf("Expected content 'Hello!', got %q", resp.Content)
	}
	if resp.Reasoning != "greeting back" {
		t.Errorf("Expected reasoning text, got %q", resp.Reasoning)
	}
	if resp.Provider != "openai" || resp.Model != "gpt-4o" {
		t.Errorf("Expected provider/model stamp, got %s/%s", resp.Provider, resp.Model)
	}
	if resp.FinishReason != canonical.FinishStop {
		t.Errorf("Expected finish stop, got %q", resp.FinishReason)
	}
	if resp.Usage.TotalTokens != 16 || resp.Usage.ReasoningTokens != 2 {
		t.Errorf("Expected usage 16 total / 2 reasoning, got %+v", resp.Usage)
	}
}

func TestCompleteStatusClassification(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		kind   provider.ErrorKind
	}{
		{"rate limited", 429, `{"error":{"message":"slow down","type":"rate_limit_error"}}`, provider.KindRateLimited},
		{"server error", 500, `{"error":{"message":"boom"}}`, provider.KindProviderDown},
		{"overloaded", 503, `{"error":{"message":"overloaded"}}`, provider.KindProviderDown},
		{"bad key", 401, `{"error":{"message":"invalid api key"}}`, provider.KindProviderDown},
		{"bad request", 400, `{"error":{"message":"messages must not be empty"}}`, provider.KindInvalidRequest},
		{"schema rejected", 400, `{"error":{"message":"json_schema is not supported by this model"}}`, provider.KindStructuredUnsupported},
		{"moderated", 400, `{"error":{"message":"flagged","code":"content_filter"}}`, provider.KindContentModerated},
		{"timeout", 504, `{"error":{"message":"gateway timeout"}}`, provider.KindTransientNetwork},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			}))
			defer server.Close()

			req := &canonical.Request{Model: "gpt-4o", Messages: []canonical.Message{canonical.TextMessage(canonical.RoleUser, "x")}}
			_, err := testAdapter(server.URL).Complete(context.Background(), req)
			if err == nil {
				t.Fatal("Expected an error")
			}
			if kind := provider.KindOf(err); kind != tc.kind {
				t.Errorf("Expected kind %s, got %s (%v)", tc.kind, kind, err)
			}
			pe := provider.AsError(err)
			if pe == nil {
				t.Fatal("Expected a classified provider error")
			}
			if pe.Status != tc.status {
				t.Errorf("Expected status %d recorded, got %d", tc.status, pe.Status)
			}
		})
	}
}

func TestCompleteContentFilterFinish(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"c1","choices":[{"index":0,"message":{"role":"assistant","content":""},"finish_reason":"content_filter"}]}`))
	}))
	defer server.Close()

	req := &canonical.Request{Model: "gpt-4o", Messages: []canonical.Message{canonical.TextMessage(canonical.RoleUser, "x")}}
	_, err := testAdapter(server.URL).Complete(context.Background(), req)
	if provider.KindOf(err) != provider.KindContentModerated {
		t.Errorf("Expected content_moderated for a filtered finish, got %v", err)
	}
}

func TestStreamAssemblesChunks(t *testing.T) {
	script := strings.Join([]string{
		`data: {"id":"c1","model":"gpt-4o","choices":[{"index":0,"delta":{"role":"assistant","reasoning_content":"thinking "}}]}`,
		``,
		`data: {"id":"c1","choices":[{"index":0,"delta":{"reasoning_content":"hard"}}]}`,
		``,
		`data: {"id":"c1","choices":[{"index":0,"delta":{"content":"Hel"}}]}`,
		``,
		`data: {"id":"c1","choices":[{"index":0,"delta":{"content":"lo"}}]}`,
		``,
		`data: {"id":"c1","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"lookup","arguments":"{\"q\":"}}]}}]}`,
		``,
		`data: {"id":"c1","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"go\"}"}}]}}]}`,
		``,
		`data: {"id":"c1","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
		``,
		`data: {"id":"c1","choices":[],"usage":{"prompt_tokens":9,"completion_tokens":7,"total_tokens":16}}`,
		``,
		`data: [DONE]`,
		``,
	}, "\n")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var got chatRequest
		if err := json.NewDecoder(r.Body).Decode(&got); err == nil {
			if !got.Stream {
				t.Error("Expected stream=true on the wire")
			}
			if got.StreamOptions == nil || !got.StreamOptions.IncludeUsage {
				t.Error("Expected stream_options.include_usage on the wire")
			}
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(script))
	}))
	defer server.Close()

	req := &canonical.Request{Model: "gpt-4o", Messages: []canonical.Message{canonical.TextMessage(canonical.RoleUser, "x")}, Stream: true}
	ch, err := testAdapter(server.URL).Stream(context.Background(), req)
	if err != nil {
		t.Fatalf("Expected stream start, got error: %v", err)
	}

	acc := canonical.NewAccumulator()
	for c := range ch {
		if c.Err != nil {
			t.Fatalf("Expected clean stream, got chunk error: %v", c.Err)
		}
		acc.Add(c)
	}

	resp := acc.Response("c1", "gpt-4o", "openai", 0)
	if resp.Content != "Hello" {
		t.Errorf("Expected assembled content 'Hello', got %q", resp.Content)
	}
	if resp.Reasoning != "thinking hard" {
		t.Errorf("Expected assembled reasoning, got %q", resp.Reasoning)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("Expected one tool call, got %d", len(resp.ToolCalls))
	}
	if resp.ToolCalls[0].Name != "lookup" || resp.ToolCalls[0].Arguments != `{"q":"go"}` {
		t.Errorf("Expected assembled tool call, got %+v", resp.ToolCalls[0])
	}
	if resp.FinishReason != canonical.FinishToolCalls {
		t.Errorf("Expected finish tool_calls, got %q", resp.FinishReason)
	}
	if resp.Usage.TotalTokens != 16 {
		t.Errorf("Expected usage from the trailing frame, got %+v", resp.Usage)
	}
}

func TestStreamContentFilterChunk(t *testing.T) {
	script := "data: {\"id\":\"c1\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"so\"}}]}\n\n" +
		"data: {\"id\":\"c1\",\"choices\":[{\"index\":0,\"delta\":{},\"finish_reason\":\"content_filter\"}]}\n\n" +
		"data: [DONE]\n\n"
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(script))
	}))
	defer server.Close()

	req := &canonical.Request{Model: "gpt-4o", Messages: []canonical.Message{canonical.TextMessage(canonical.RoleUser, "x")}, Stream: true}
	ch, err := testAdapter(server.URL).Stream(context.Background(), req)
	if err != nil {
		t.Fatalf("Expected stream start, got error: %v", err)
	}

	var chunkErr error
	for c := range ch {
		if c.Err != nil {
			chunkErr = c.Err
		}
	}
	if provider.KindOf(chunkErr) != provider.KindContentModerated {
		t.Errorf("Expected content_moderated chunk error, got %v", chunkErr)
	}
}

func TestStreamContextCancel(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("data: {\"id\":\"c1\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"a\"}}]}\n\n"))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-release
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	req := &canonical.Request{Model: "gpt-4o", Messages: []canonical.Message{canonical.TextMessage(canonical.RoleUser, "x")}, Stream: true}
	ch, err := testAdapter(server.URL).Stream(ctx, req)
	if err != nil {
		t.Fatalf("Expected stream start, got error: %v", err)
	}

	<-ch
	cancel()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("Expected channel to close after cancel")
		}
	}
}

func TestAzureAdapterURLAndKeyHeader(t *testing.T) {
	var gotPath, gotQuery, gotKey string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotKey = r.Header.Get("api-key")
		w.Write([]byte(`{"id":"c1","choices":[{"index":0,"message":{"role":"assistant","content":"ok"},"finish_reason":"stop"}]}`))
	}))
	defer server.Close()

	a := AzureOpenAI(server.URL, "azure-key", []string{"gpt-4o"})
	req := &canonical.Request{Model: "gpt-4o", Messages: []canonical.Message{canonical.TextMessage(canonical.RoleUser, "x")}}
	if _, err := a.Complete(context.Background(), req); err != nil {
		t.Fatalf("Expected success, got error: %v", err)
	}

	if gotPath != "/openai/deployments/gpt-4o/chat/completions" {
		t.Errorf("Expected deployment path, got %q", gotPath)
	}
	if !strings.Contains(gotQuery, "api-version=") {
		t.Errorf("Expected api-version query, got %q", gotQuery)
	}
	if gotKey != "azure-key" {
		t.Errorf("Expected api-key header, got %q", gotKey)
	}
}

func TestEffortMapping(t *testing.T) {
	cases := []struct {
		name string
		r    *canonical.Reasoning
		want string
	}{
		{"nil reasoning", nil, ""},
		{"explicit effort", &canonical.Reasoning{Effort: "high"}, "high"},
		{"small budget", &canonical.Reasoning{Budget: 2000}, "low"},
		{"medium budget", &canonical.Reasoning{Budget: 10000}, "medium"},
		{"large budget", &canonical.Reasoning{Budget: 50000}, "high"},
	}
	for _, tc := range cases {
		if got := effortFor(tc.r); got != tc.want {
			t.Errorf("%s: expected %q, got %q", tc.name, tc.want, got)
		}
	}
}
