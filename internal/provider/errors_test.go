package provider

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestKindForStatus(t *testing.T) {
	tests := []struct {
		status int
		want   ErrorKind
	}{
		{400, KindInvalidRequest},
		{401, KindProviderDown},
		{404, KindInvalidRequest},
		{408, KindTransientNetwork},
		{422, KindInvalidRequest},
		{429, KindRateLimited},
		{500, KindProviderDown},
		{503, KindProviderDown},
		{504, KindTransientNetwork},
		{529, KindProviderDown},
		{418, KindUnknown},
	}
	for _, tt := range tests {
		if got := KindForStatus(tt.status); got != tt.want {
			t.Errorf("KindForStatus(%d): expected %s, got %s", tt.status, tt.want, got)
		}
	}
}

func TestKindForTransport(t *testing.T) {
	if got := KindForTransport(context.Canceled); got != KindUnknown {
		t.Errorf("Expected cancellation to be unretriable, got %s", got)
	}
	if got := KindForTransport(context.DeadlineExceeded); got != KindTransientNetwork {
		t.Errorf("Expected deadline to be transient, got %s", got)
	}
	if got := KindForTransport(errors.New("dial tcp: connection refused")); got != KindTransientNetwork {
		t.Errorf("Expected dial failure to be transient, got %s", got)
	}
}

func TestRetriable(t *testing.T) {
	retriable := []ErrorKind{
		KindRateLimited, KindContentModerated, KindStructuredUnsupported,
		KindTransientNetwork, KindProviderDown,
	}
	for _, k := range retriable {
		if !k.Retriable() {
			t.Errorf("Expected %s to be retriable", k)
		}
	}
	terminal := []ErrorKind{
		KindInvalidRequest, KindValidationFailed, KindUnknown,
		KindCacheUnavailable, KindConversationUnavailable,
	}
	for _, k := range terminal {
		if k.Retriable() {
			t.Errorf("Expected %s to be terminal", k)
		}
	}
}

func TestKindOfWrappedError(t *testing.T) {
	inner := &Error{Kind: KindRateLimited, Provider: "openai", Model: "gpt-4o", Status: 429, Message: "slow down"}
	wrapped := fmt.Errorf("attempt 2: %w", inner)

	if got := KindOf(wrapped); got != KindRateLimited {
		t.Errorf("Expected rate_limited through wrapping, got %s", got)
	}
	if pe := AsError(wrapped); pe == nil || pe.Provider != "openai" {
		t.Errorf("Expected to recover classified error, got %+v", pe)
	}
	if got := KindOf(errors.New("plain")); got != KindUnknown {
		t.Errorf("Expected unknown for unclassified error, got %s", got)
	}
}

func TestErrorString(t *testing.T) {
	e := &Error{Kind: KindRateLimited, Provider: "groq", Model: "llama-3.3-70b", Status: 429, Message: "tokens exhausted"}
	want := "groq/llama-3.3-70b: rate_limited (429): tokens exhausted"
	if e.Error() != want {
		t.Errorf("Expected %q, got %q", want, e.Error())
	}
}
