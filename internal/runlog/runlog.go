// Package runlog persists one row per finished run, success or failure.
// The usage endpoint reads the same table back per tenant.
package runlog

import (
	"context"
	"time"
)

// Entry is one run's ledger row. Provider, token and finish fields stay
// zero when the run never produced a response.
type Entry struct {
	RunID            string
	TenantID         string
	AgentID          string
	ConversationID   string
	Provider         string
	Model            string
	PromptTokens     int
	CompletionTokens int
	ReasoningTokens  int
	CacheHit         bool
	Attempts         int
	Strategy         string
	FinishReason     string
	ErrorKind        string
	LatencyMs        int64
	CreatedAt        time.Time
}

// Recorder accepts finished-run entries. Implementations must not block
// the request path.
type Recorder interface {
	Record(e Entry)
}

// Totals aggregates a tenant's runs over a window.
type Totals struct {
	Runs             int
	PromptTokens     int
	CompletionTokens int
	ReasoningTokens  int
	CacheHits        int
}

type Store interface {
	Insert(ctx context.Context, e *Entry) error
	UsageByTenant(ctx context.Context, tenantID string, from, to time.Time) ([]Entry, error)
	TotalsByTenant(ctx context.Context, tenantID string, from, to time.Time) (Totals, error)
}
