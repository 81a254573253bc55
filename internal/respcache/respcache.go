// Package respcache deduplicates identical computations. A response is
// keyed by what was asked (InputHash) and how generation was configured
// (VersionHash); entries are idempotent per key, so concurrent identical
// requests racing to compute twice is harmless.
package respcache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/modelrelay/relay/internal/canonical"
	"github.com/modelrelay/relay/internal/kv"
)

// Key identifies one cacheable unit of work.
type Key struct {
	InputHash   string
	VersionHash string
}

func (k Key) storageKey() string {
	return "respcache:" + k.InputHash + ":" + k.VersionHash
}

type inputSeed struct {
	Template string         `json:"template"`
	Input    map[string]any `json:"input,omitempty"`
}

type versionSeed struct {
	Model       string   `json:"model"`
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	Template    string   `json:"template,omitempty"`
}

// KeyFor derives the cache key for req. Templated requests hash the
// template plus its resolved variables as input, and carry the unresolved
// template in the version hash.
func KeyFor(req *canonical.Request) Key {
	var input, tmpl string
	if req.Template != nil {
		tmpl = req.Template.Source
		input = canonical.HashJSON(inputSeed{Template: tmpl, Input: req.Template.Input})
	} else {
		input = canonical.TranscriptHash(req.Messages)
	}
	version := canonical.HashJSON(versionSeed{
		Model:       req.Model,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxTokens,
		Template:    tmpl,
	})
	return Key{InputHash: input, VersionHash: version}
}

// Applicable reports whether the cache may serve req at all: policy
// always, or policy auto with temperature pinned to zero and no tools in
// play. The orchestrator is the only caller; the engine itself never
// gates.
func Applicable(req *canonical.Request) bool {
	switch req.Cache {
	case canonical.CacheAlways:
		return true
	case canonical.CacheNever:
		return false
	}
	return req.Temperature != nil && *req.Temperature == 0 && len(req.Tools) == 0
}

// Cache is the response cache over the shared expiring KV store.
type Cache struct {
	store kv.Store
	ttl   time.Duration
	log   *slog.Logger
}

// New builds a cache. ttl <= 0 keeps entries until the store evicts them.
func New(store kv.Store, ttl time.Duration, log *slog.Logger) *Cache {
	return &Cache{store: store, ttl: ttl, log: log}
}

// Lookup returns the cached response for key, or nil on miss. Store
// failures and corrupt entries degrade to a miss with a warning; the
// cache is off the correctness-critical path.
func (c *Cache) Lookup(ctx context.Context, key Key) *canonical.Response {
	data, err := c.store.Get(ctx, key.storageKey())
	if err != nil {
		if err != kv.ErrNotFound {
			c.log.Warn("cache lookup degraded to miss",
				"error_kind", "cache_store_unavailable", "error", err)
		}
		return nil
	}
	var resp canonical.Response
	if err := json.Unmarshal(data, &resp); err != nil {
		c.log.Warn("cache entry corrupt, treating as miss", "error", err)
		return nil
	}
	return &resp
}

// Store writes resp under key. Overwrites are idempotent; failures are
// logged and swallowed.
func (c *Cache) Store(ctx context.Context, key Key, resp *canonical.Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		c.log.Warn("cache store skipped", "error", err)
		return
	}
	if err := c.store.Set(ctx, key.storageKey(), data, c.ttl); err != nil {
		c.log.Warn("cache store failed",
			"error_kind", "cache_store_unavailable", "error", err)
	}
}
