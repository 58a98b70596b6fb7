package storage

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.Get(ctx, "owner", "key"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get on empty store = %v, want ErrNotFound", err)
	}

	if err := s.Set(ctx, "owner", "key", []byte("value")); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, err := s.Get(ctx, "owner", "key")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "value" {
		t.Errorf("Get = %q, want %q", got, "value")
	}

	ok, err := s.Has(ctx, "owner", "key")
	if err != nil || !ok {
		t.Errorf("Has = %v/%v, want true/nil", ok, err)
	}

	if err := s.Delete(ctx, "owner", "key"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if ok, _ := s.Has(ctx, "owner", "key"); ok {
		t.Error("entry still present after Delete")
	}
}

func TestMemoryStoreIsolatesOwners(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.Set(ctx, "owner-a", "key", []byte("a")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, err := s.Get(ctx, "owner-b", "key"); !errors.Is(err, ErrNotFound) {
		t.Errorf("owner-b sees owner-a's entry: %v", err)
	}
}

func TestMemoryStoreCopiesValues(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	value := []byte("original")
	if err := s.Set(ctx, "owner", "key", value); err != nil {
		t.Fatalf("Set: %v", err)
	}
	value[0] = 'X'

	got, err := s.Get(ctx, "owner", "key")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "original" {
		t.Errorf("stored value aliased caller's slice: %q", got)
	}
}
