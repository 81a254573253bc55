package runlog

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Insert(ctx context.Context, e *Entry) error {
	query := `
		INSERT INTO runs (run_id, tenant_id, agent_id, conversation_id, provider, model,
			prompt_tokens, completion_tokens, reasoning_tokens, cache_hit, attempts,
			strategy, finish_reason, error_kind, latency_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`
	_, err := s.db.Exec(ctx, query,
		e.RunID, e.TenantID, e.AgentID, e.ConversationID, e.Provider, e.Model,
		e.PromptTokens, e.CompletionTokens, e.ReasoningTokens, e.CacheHit, e.Attempts,
		e.Strategy, e.FinishReason, e.ErrorKind, e.LatencyMs, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

func (s *PostgresStore) UsageByTenant(ctx context.Context, tenantID string, from, to time.Time) ([]Entry, error) {
	query := `
		SELECT run_id, tenant_id, agent_id, conversation_id, provider, model,
			prompt_tokens, completion_tokens, reasoning_tokens, cache_hit, attempts,
			strategy, finish_reason, error_kind, latency_ms, created_at
		FROM runs
		WHERE tenant_id = $1 AND created_at BETWEEN $2 AND $3
		ORDER BY created_at DESC
	`
	rows, err := s.db.Query(ctx, query, tenantID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		err := rows.Scan(
			&e.RunID, &e.TenantID, &e.AgentID, &e.ConversationID, &e.Provider, &e.Model,
			&e.PromptTokens, &e.CompletionTokens, &e.ReasoningTokens, &e.CacheHit, &e.Attempts,
			&e.Strategy, &e.FinishReason, &e.ErrorKind, &e.LatencyMs, &e.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return entries, nil
}

func (s *PostgresStore) TotalsByTenant(ctx context.Context, tenantID string, from, to time.Time) (Totals, error) {
	query := `
		SELECT COUNT(*),
			COALESCE(SUM(prompt_tokens), 0),
			COALESCE(SUM(completion_tokens), 0),
			COALESCE(SUM(reasoning_tokens), 0),
			COALESCE(SUM(CASE WHEN cache_hit THEN 1 ELSE 0 END), 0)
		FROM runs
		WHERE tenant_id = $1 AND created_at BETWEEN $2 AND $3
	`
	var t Totals
	err := s.db.QueryRow(ctx, query, tenantID, from, to).Scan(
		&t.Runs, &t.PromptTokens, &t.CompletionTokens, &t.ReasoningTokens, &t.CacheHits,
	)
	if err != nil {
		return Totals{}, fmt.Errorf("failed to total runs: %w", err)
	}
	return t, nil
}

// Schema is the runs table DDL, applied by the migrate command.
const Schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	agent_id TEXT NOT NULL DEFAULT '',
	conversation_id TEXT NOT NULL DEFAULT '',
	provider TEXT NOT NULL DEFAULT '',
	model TEXT NOT NULL DEFAULT '',
	prompt_tokens INT NOT NULL DEFAULT 0,
	completion_tokens INT NOT NULL DEFAULT 0,
	reasoning_tokens INT NOT NULL DEFAULT 0,
	cache_hit BOOLEAN NOT NULL DEFAULT FALSE,
	attempts INT NOT NULL DEFAULT 0,
	strategy TEXT NOT NULL DEFAULT '',
	finish_reason TEXT NOT NULL DEFAULT '',
	error_kind TEXT NOT NULL DEFAULT '',
	latency_ms BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS runs_tenant_created_idx ON runs (tenant_id, created_at);
`
