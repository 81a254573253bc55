// Package conversation groups runs into conversations without
// caller-managed session ids. Chat callers resend the full transcript
// each turn, so the hash of a transcript prefix ending at the previous
// assistant message identifies the turn that produced it.
package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/modelrelay/relay/internal/canonical"
	"github.com/modelrelay/relay/internal/kv"
)

// TTL bounds how long a stored exchange can be chained onto. Transcripts
// returning later than this deliberately start a new conversation.
const TTL = time.Hour

// Origin says how a conversation id was assigned.
type Origin string

const (
	OriginExplicit Origin = "explicit"
	OriginMatched  Origin = "matched"
	OriginMinted   Origin = "minted"
)

// Resolution is the conversation identity assigned to one request.
type Resolution struct {
	ConversationID string
	Origin         Origin
}

type entry struct {
	ConversationID string `json:"conversation_id"`
	RunID          string `json:"run_id"`
}

// Correlator matches transcript prefixes against the shared expiring map.
type Correlator struct {
	store kv.Store
	log   *slog.Logger
}

func New(store kv.Store, log *slog.Logger) *Correlator {
	return &Correlator{store: store, log: log}
}

// Resolve assigns a conversation id to req. An explicit conversation_id
// in the metadata bypasses hashing. Otherwise every prefix ending right
// after an assistant message is probed, longest first; the first entry
// this call manages to consume wins. No hit, or a degraded store, mints
// a fresh id.
func (c *Correlator) Resolve(ctx context.Context, req *canonical.Request) Resolution {
	if id := req.Meta(canonical.MetaConversationID); id != "" {
		return Resolution{ConversationID: id, Origin: OriginExplicit}
	}

	for _, end := range assistantPrefixEnds(req.Messages) {
		key := storageKey(canonical.TranscriptHash(req.Messages[:end]))
		raw, err := c.store.Get(ctx, key)
		if errors.Is(err, kv.ErrNotFound) {
			continue
		}
		if err != nil {
			c.log.Warn("conversation probe degraded to mint",
				"error_kind", "conversation_store_unavailable", "error", err)
			break
		}

		var e entry
		if err := json.Unmarshal(raw, &e); err != nil || e.ConversationID == "" {
			continue
		}
		// consume exactly once; losing the race means another request
		// owns this entry, so keep probing shorter prefixes
		consumed, err := c.store.CompareAndDelete(ctx, key, raw)
		if err != nil {
			c.log.Warn("conversation consume degraded to mint",
				"error_kind", "conversation_store_unavailable", "error", err)
			break
		}
		if consumed {
			return Resolution{ConversationID: e.ConversationID, Origin: OriginMatched}
		}
	}

	return Resolution{ConversationID: uuid.NewString(), Origin: OriginMinted}
}

// Commit stores the hash of the completed exchange, transcript plus the
// assistant response, so the next turn can chain onto it. Partial
// responses must never reach here.
func (c *Correlator) Commit(ctx context.Context, req *canonical.Request, res Resolution, resp *canonical.Response) {
	full := make([]canonical.Message, 0, len(req.Messages)+1)
	full = append(full, req.Messages...)
	full = append(full, canonical.TextMessage(canonical.RoleAssistant, resp.Content))

	raw, err := json.Marshal(entry{ConversationID: res.ConversationID, RunID: resp.ID})
	if err != nil {
		return
	}
	key := storageKey(canonical.TranscriptHash(full))
	if err := c.store.Set(ctx, key, raw, TTL); err != nil {
		c.log.Warn("conversation commit skipped",
			"error_kind", "conversation_store_unavailable", "error", err)
	}
}

func storageKey(hash string) string { return "conv:" + hash }

// assistantPrefixEnds returns the transcript lengths that end right after
// an assistant message, longest first.
func assistantPrefixEnds(msgs []canonical.Message) []int {
	var ends []int
	for i, m := range msgs {
		if m.Role == canonical.RoleAssistant {
			ends = append(ends, i+1)
		}
	}
	slices.Reverse(ends)
	return ends
}
