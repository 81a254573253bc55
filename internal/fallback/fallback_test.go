package fallback

import (
	"errors"
	"testing"

	"github.com/modelrelay/relay/internal/canonical"
	"github.com/modelrelay/relay/internal/catalog"
	"github.com/modelrelay/relay/internal/provider"
)

const testCatalog = `
models:
  - model: gpt-4o
    providers: [openai, azure-openai]
    price_tier: 3
    speed_tier: 2
    permissiveness: 2
    structured_output: true
  - model: claude-sonnet
    providers: [anthropic]
    price_tier: 3
    speed_tier: 2
    permissiveness: 1
  - model: grok-3
    providers: [xai]
    price_tier: 3
    speed_tier: 2
    permissiveness: 4
  - model: llama-70b
    providers: [groq, fireworks]
    price_tier: 1
    speed_tier: 1
    permissiveness: 3
  - model: mistral-large
    providers: [mistral]
    price_tier: 2
    speed_tier: 2
    permissiveness: 3
    structured_output: true
`

func testEngine(t *testing.T, maxAttempts int) *Engine {
	t.Helper()
	cat, err := catalog.Parse([]byte(testCatalog))
	if err != nil {
		t.Fatalf("parse catalog: %v", err)
	}
	return New(cat, maxAttempts)
}

func autoReq(model string) *canonical.Request {
	return &canonical.Request{Model: model, Fallback: canonical.FallbackPolicy{Mode: canonical.FallbackAuto}}
}

func TestFirstResolvesPrimaryHost(t *testing.T) {
	e := testEngine(t, 0)
	c, err := e.First(autoReq("llama-70b"))
	if err != nil {
		t.Fatalf("First failed: %v", err)
	}
	if c.Provider != "groq" || c.Model != "llama-70b" {
		t.Errorf("Expected groq/llama-70b, got %s/%s", c.Provider, c.Model)
	}
}

func TestFirstUnknownModelIsInvalidRequest(t *testing.T) {
	e := testEngine(t, 0)
	_, err := e.First(autoReq("gpt-99"))
	var pe *provider.Error
	if !errors.As(err, &pe) || pe.Kind != provider.KindInvalidRequest {
		t.Errorf("Expected invalid_request, got %v", err)
	}
}

func TestNeverModeStopsAfterOneAttempt(t *testing.T) {
	e := testEngine(t, 0)
	req := autoReq("gpt-4o")
	req.Fallback.Mode = canonical.FallbackNever

	attempted := []Candidate{{Provider: "openai", Model: "gpt-4o"}}
	if _, ok := e.Next(req, attempted, provider.KindRateLimited); ok {
		t.Error("Expected never mode to refuse a second attempt")
	}
}

func TestExplicitListFollowedInOrder(t *testing.T) {
	e := testEngine(t, 0)
	req := autoReq("gpt-4o")
	req.Fallback = canonical.FallbackPolicy{
		Mode:    canonical.FallbackList,
		Targets: []string{"claude-sonnet", "llama-70b"},
	}

	attempted := []Candidate{{Provider: "openai", Model: "gpt-4o"}}
	c, ok := e.Next(req, attempted, provider.KindProviderDown)
	if !ok || c.Model != "claude-sonnet" || c.Provider != "anthropic" {
		t.Fatalf("Expected anthropic/claude-sonnet first, got %+v ok=%v", c, ok)
	}

	attempted = append(attempted, c)
	c, ok = e.Next(req, attempted, provider.KindProviderDown)
	if !ok || c.Model != "llama-70b" {
		t.Fatalf("Expected llama-70b second, got %+v ok=%v", c, ok)
	}

	attempted = append(attempted, c)
	if _, ok := e.Next(req, attempted, provider.KindProviderDown); ok {
		t.Error("Expected exhaustion after the list ends")
	}
}

func TestAutoRateLimitedPrefersSameTierOtherProvider(t *testing.T) {
	e := testEngine(t, 0)
	req := autoReq("gpt-4o")
	attempted := []Candidate{{Provider: "openai", Model: "gpt-4o"}}

	c, ok := e.Next(req, attempted, provider.KindRateLimited)
	if !ok {
		t.Fatal("Expected a candidate")
	}
	if c.Provider != "azure-openai" || c.Model != "gpt-4o" {
		t.Errorf("Expected same model via azure-openai, got %s/%s", c.Provider, c.Model)
	}
}

func TestAutoStructuredUnsupportedPicksNativeSupport(t *testing.T) {
	e := testEngine(t, 0)
	req := autoReq("claude-sonnet")
	attempted := []Candidate{{Provider: "anthropic", Model: "claude-sonnet"}}

	c, ok := e.Next(req, attempted, provider.KindStructuredUnsupported)
	if !ok || c.Model != "gpt-4o" {
		t.Errorf("Expected gpt-4o (structured output, same tier), got %+v ok=%v", c, ok)
	}
}

func TestAutoContentModeratedPicksMorePermissive(t *testing.T) {
	e := testEngine(t, 0)
	req := autoReq("claude-sonnet")
	attempted := []Candidate{{Provider: "anthropic", Model: "claude-sonnet"}}

	c, ok := e.Next(req, attempted, provider.KindContentModerated)
	if !ok || c.Model != "grok-3" {
		t.Errorf("Expected grok-3 (most permissive), got %+v ok=%v", c, ok)
	}
}

func TestAutoTransientTriesAlternateHostThenOtherModels(t *testing.T) {
	e := testEngine(t, 0)
	req := autoReq("llama-70b")
	attempted := []Candidate{{Provider: "groq", Model: "llama-70b"}}

	c, ok := e.Next(req, attempted, provider.KindTransientNetwork)
	if !ok || c.Provider != "fireworks" || c.Model != "llama-70b" {
		t.Fatalf("Expected the fireworks host first, got %+v ok=%v", c, ok)
	}

	attempted = append(attempted, c)
	c, ok = e.Next(req, attempted, provider.KindProviderDown)
	if !ok || c.Model != "mistral-large" {
		t.Errorf("Expected nearest-tier mistral-large after hosts exhausted, got %+v ok=%v", c, ok)
	}
}

func TestTerminalKindsNeverPropose(t *testing.T) {
	e := testEngine(t, 0)
	req := autoReq("gpt-4o")
	attempted := []Candidate{{Provider: "openai", Model: "gpt-4o"}}

	for _, kind := range []provider.ErrorKind{provider.KindInvalidRequest, provider.KindUnknown, provider.KindValidationFailed} {
		if _, ok := e.Next(req, attempted, kind); ok {
			t.Errorf("Expected %s to fail fast", kind)
		}
	}
}

func TestMaxAttemptsBoundsTheChain(t *testing.T) {
	e := testEngine(t, 2)
	req := autoReq("gpt-4o")
	attempted := []Candidate{
		{Provider: "openai", Model: "gpt-4o"},
		{Provider: "azure-openai", Model: "gpt-4o"},
	}
	if _, ok := e.Next(req, attempted, provider.KindRateLimited); ok {
		t.Error("Expected the attempt budget to stop the chain")
	}
}

func TestAutoSelectionIsDeterministic(t *testing.T) {
	req := autoReq("gpt-4o")
	attempted := []Candidate{{Provider: "openai", Model: "gpt-4o"}}

	for _, kind := range []provider.ErrorKind{
		provider.KindRateLimited, provider.KindStructuredUnsupported,
		provider.KindContentModerated, provider.KindProviderDown,
	} {
		first, ok1 := testEngine(t, 0).Next(req, attempted, kind)
		second, ok2 := testEngine(t, 0).Next(req, attempted, kind)
		if ok1 != ok2 || first != second {
			t.Errorf("kind %s: expected deterministic candidate, got %+v vs %+v", kind, first, second)
		}
	}
}
