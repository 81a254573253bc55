package provider

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies a failed attempt. Every failure carries exactly one
// kind; the fallback engine keys candidate selection on it.
type ErrorKind string

const (
	KindRateLimited             ErrorKind = "rate_limited"
	KindContentModerated        ErrorKind = "content_moderated"
	KindStructuredUnsupported   ErrorKind = "structured_generation_unsupported"
	KindTransientNetwork        ErrorKind = "transient_network"
	KindProviderDown            ErrorKind = "provider_down"
	KindInvalidRequest          ErrorKind = "invalid_request"
	KindValidationFailed        ErrorKind = "validation_failed"
	KindCacheUnavailable        ErrorKind = "cache_store_unavailable"
	KindConversationUnavailable ErrorKind = "conversation_store_unavailable"
	KindUnknown                 ErrorKind = "unknown"
)

// Retriable reports whether the fallback engine may propose another
// candidate after a failure of this kind.
func (k ErrorKind) Retriable() bool {
	switch k {
	case KindRateLimited, KindContentModerated, KindStructuredUnsupported,
		KindTransientNetwork, KindProviderDown:
		return true
	}
	return false
}

// Error is a classified attempt failure. It is computed once, next to the
// wire codec that observed it, and carried as data from there on.
type Error struct {
	Kind     ErrorKind
	Provider string
	Model    string
	Status   int
	Code     string
	Message  string
	Err      error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Status != 0 {
		return fmt.Sprintf("%s/%s: %s (%d): %s", e.Provider, e.Model, e.Kind, e.Status, msg)
	}
	return fmt.Sprintf("%s/%s: %s: %s", e.Provider, e.Model, e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the classification from err. Unclassified errors are
// KindUnknown.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnknown
}

// AsError extracts the classified error from err, or nil.
func AsError(err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return nil
}

// KindForStatus is the default HTTP-status classification codecs start
// from before applying provider-specific overrides. Upstream auth and
// billing failures count as provider_down so auto fallback reroutes to an
// alternate host instead of failing fast on a caller mistake.
func KindForStatus(status int) ErrorKind {
	switch status {
	case 400, 404, 405, 413, 414, 415, 422:
		return KindInvalidRequest
	case 401, 402, 403:
		return KindProviderDown
	case 408:
		return KindTransientNetwork
	case 429:
		return KindRateLimited
	case 500, 501, 502, 503:
		return KindProviderDown
	case 504:
		return KindTransientNetwork
	}
	if status >= 500 {
		return KindProviderDown
	}
	return KindUnknown
}

// KindForTransport classifies errors raised before any HTTP status
// arrived: DNS, dial, TLS and deadline failures are all transient. A
// cancelled context is the caller leaving, never a provider fault, so it
// stays unretriable.
func KindForTransport(err error) ErrorKind {
	if errors.Is(err, context.Canceled) {
		return KindUnknown
	}
	return KindTransientNetwork
}
