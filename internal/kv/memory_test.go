package kv

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryStoreSetGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if _, err := s.Get(ctx, "absent"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	if err := s.Set(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	got, err := s.Get(ctx, "k")
	if err != nil || string(got) != "v" {
		t.Errorf("Expected v, got %q err %v", got, err)
	}
}

func TestMemoryStoreExpiry(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s := NewMemoryStoreWithClock(func() time.Time { return clock })

	if err := s.Set(ctx, "k", []byte("v"), time.Hour); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	clock = clock.Add(59 * time.Minute)
	if _, err := s.Get(ctx, "k"); err != nil {
		t.Errorf("Expected live entry before TTL, got %v", err)
	}

	clock = clock.Add(2 * time.Minute)
	if _, err := s.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected expiry after TTL, got %v", err)
	}
	if s.Len() != 0 {
		t.Errorf("Expected no live entries, got %d", s.Len())
	}
}

func TestMemoryStoreCompareAndDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.Set(ctx, "k", []byte("v1"), 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	if ok, _ := s.CompareAndDelete(ctx, "k", []byte("other")); ok {
		t.Error("Expected mismatched value to not delete")
	}
	if _, err := s.Get(ctx, "k"); err != nil {
		t.Errorf("Expected entry to survive mismatched delete, got %v", err)
	}

	if ok, _ := s.CompareAndDelete(ctx, "k", []byte("v1")); !ok {
		t.Error("Expected matching delete to succeed")
	}
	if ok, _ := s.CompareAndDelete(ctx, "k", []byte("v1")); ok {
		t.Error("Expected second delete of same key to lose")
	}
}
