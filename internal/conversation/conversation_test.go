package conversation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/modelrelay/relay/internal/canonical"
	"github.com/modelrelay/relay/internal/kv"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func msg(role canonical.Role, text string) canonical.Message {
	return canonical.TextMessage(role, text)
}

func request(msgs ...canonical.Message) *canonical.Request {
	return &canonical.Request{Model: "gpt-4o", Messages: msgs}
}

func TestThreeTurnChainSharesOneConversation(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()
	c := New(store, discardLogger())

	system := msg(canonical.RoleSystem, "Be brief.")
	u1 := msg(canonical.RoleUser, "First question")
	a1 := "First answer"
	u2 := msg(canonical.RoleUser, "Second question")
	a2 := "Second answer"
	u3 := msg(canonical.RoleUser, "Third question")

	// turn 1: no assistant message yet, mints
	t1 := request(system, u1)
	r1 := c.Resolve(ctx, t1)
	if r1.Origin != OriginMinted {
		t.Fatalf("Expected minted id on first turn, got %s", r1.Origin)
	}
	c.Commit(ctx, t1, r1, &canonical.Response{ID: "run-1", Content: a1})

	// turn 2 resends the transcript and chains
	t2 := request(system, u1, msg(canonical.RoleAssistant, a1), u2)
	r2 := c.Resolve(ctx, t2)
	if r2.Origin != OriginMatched {
		t.Fatalf("Expected match on second turn, got %s", r2.Origin)
	}
	if r2.ConversationID != r1.ConversationID {
		t.Errorf("Expected conversation %s, got %s", r1.ConversationID, r2.ConversationID)
	}
	c.Commit(ctx, t2, r2, &canonical.Response{ID: "run-2", Content: a2})

	// turn 3
	t3 := request(system, u1, msg(canonical.RoleAssistant, a1), u2, msg(canonical.RoleAssistant, a2), u3)
	r3 := c.Resolve(ctx, t3)
	if r3.Origin != OriginMatched || r3.ConversationID != r1.ConversationID {
		t.Errorf("Expected third turn to chain to %s, got %s (%s)", r1.ConversationID, r3.ConversationID, r3.Origin)
	}
	c.Commit(ctx, t3, r3, &canonical.Response{ID: "run-3", Content: "Third answer"})

	// turns 1 and 2 were consumed; only turn 3's entry remains
	if store.Len() != 1 {
		t.Errorf("Expected exactly 1 unconsumed entry after turn 3, got %d", store.Len())
	}
}

func TestExpiredEntryStartsNewConversation(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	store := kv.NewMemoryStoreWithClock(func() time.Time { return clock })
	c := New(store, discardLogger())

	t1 := request(msg(canonical.RoleUser, "hello"))
	r1 := c.Resolve(ctx, t1)
	c.Commit(ctx, t1, r1, &canonical.Response{ID: "run-1", Content: "hi"})

	clock = clock.Add(61 * time.Minute)

	t2 := request(msg(canonical.RoleUser, "hello"), msg(canonical.RoleAssistant, "hi"), msg(canonical.RoleUser, "again"))
	r2 := c.Resolve(ctx, t2)
	if r2.Origin != OriginMinted {
		t.Errorf("Expected expired entry to mint, got %s", r2.Origin)
	}
	if r2.ConversationID == r1.ConversationID {
		t.Error("Expected a distinct conversation id after expiry")
	}
}

func TestEntryConsumedAtMostOnce(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()
	c := New(store, discardLogger())

	t1 := request(msg(canonical.RoleUser, "q"))
	r1 := c.Resolve(ctx, t1)
	c.Commit(ctx, t1, r1, &canonical.Response{ID: "run-1", Content: "a"})

	t2 := request(msg(canonical.RoleUser, "q"), msg(canonical.RoleAssistant, "a"), msg(canonical.RoleUser, "next"))
	first := c.Resolve(ctx, t2)
	second := c.Resolve(ctx, t2)

	if first.Origin != OriginMatched {
		t.Fatalf("Expected first resolver to match, got %s", first.Origin)
	}
	if second.Origin != OriginMinted {
		t.Errorf("Expected second resolver to mint after consume, got %s", second.Origin)
	}
	if second.ConversationID == first.ConversationID {
		t.Error("Expected the second resolver to get a fresh id")
	}
}

func TestLongestPrefixWins(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()
	c := New(store, discardLogger())

	u1 := msg(canonical.RoleUser, "one")
	a1 := msg(canonical.RoleAssistant, "1")
	u2 := msg(canonical.RoleUser, "two")
	a2 := msg(canonical.RoleAssistant, "2")

	// conversation A owns the short prefix
	short := request(u1)
	rShort := c.Resolve(ctx, short)
	c.Commit(ctx, short, rShort, &canonical.Response{ID: "run-s", Content: "1"})

	// conversation B owns the long prefix; the explicit id keeps its
	// resolution from consuming A's entry
	long := request(u1, a1, u2)
	long.Metadata = map[string]string{canonical.MetaConversationID: "conv-b"}
	rLong := c.Resolve(ctx, long)
	c.Commit(ctx, long, rLong, &canonical.Response{ID: "run-l", Content: "2"})

	if store.Len() != 2 {
		t.Fatalf("Expected both prefix entries live, got %d", store.Len())
	}

	next := request(u1, a1, u2, a2, msg(canonical.RoleUser, "three"))
	got := c.Resolve(ctx, next)
	if got.Origin != OriginMatched || got.ConversationID != "conv-b" {
		t.Errorf("Expected the longest prefix to win with conv-b, got %s (%s)",
			got.ConversationID, got.Origin)
	}
	// A's short-prefix entry must survive untouched
	if store.Len() != 1 {
		t.Errorf("Expected only the long-prefix entry consumed, got %d live", store.Len())
	}
}

func TestExplicitIDBypassesHashing(t *testing.T) {
	ctx := context.Background()
	c := New(kv.NewMemoryStore(), discardLogger())

	req := request(msg(canonical.RoleUser, "q"), msg(canonical.RoleAssistant, "a"), msg(canonical.RoleUser, "next"))
	req.Metadata = map[string]string{canonical.MetaConversationID: "conv-given"}

	got := c.Resolve(ctx, req)
	if got.Origin != OriginExplicit || got.ConversationID != "conv-given" {
		t.Errorf("Expected explicit id to pass through, got %+v", got)
	}
}

func TestSamplingParamsDoNotAffectMatching(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()
	c := New(store, discardLogger())

	temp := 0.9
	t1 := request(msg(canonical.RoleUser, "q"))
	t1.Model = "gpt-4o"
	r1 := c.Resolve(ctx, t1)
	c.Commit(ctx, t1, r1, &canonical.Response{ID: "run-1", Content: "a"})

	t2 := request(msg(canonical.RoleUser, "q"), msg(canonical.RoleAssistant, "a"), msg(canonical.RoleUser, "more"))
	t2.Model = "claude-sonnet-4-20250514"
	t2.Temperature = &temp
	r2 := c.Resolve(ctx, t2)
	if r2.Origin != OriginMatched || r2.ConversationID != r1.ConversationID {
		t.Errorf("Expected model and temperature changes to still correlate, got %+v", r2)
	}
}

type downStore struct{}

func (downStore) Get(context.Context, string) ([]byte, error) {
	return nil, errors.New("redis: connection refused")
}
func (downStore) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("redis: connection refused")
}
func (downStore) CompareAndDelete(context.Context, string, []byte) (bool, error) {
	return false, errors.New("redis: connection refused")
}

func TestStoreOutageDegradesToMinting(t *testing.T) {
	ctx := context.Background()
	c := New(downStore{}, discardLogger())

	req := request(msg(canonical.RoleUser, "q"), msg(canonical.RoleAssistant, "a"), msg(canonical.RoleUser, "next"))
	got := c.Resolve(ctx, req)
	if got.Origin != OriginMinted || got.ConversationID == "" {
		t.Errorf("Expected degraded resolve to mint, got %+v", got)
	}
	// commit must swallow the failure
	c.Commit(ctx, req, got, &canonical.Response{ID: "run-x", Content: "y"})
}
