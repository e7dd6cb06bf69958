// Package storetest provides a shared conformance test suite for
// store.BlockStore implementations. The memstore, localdir and
// faultyblockstore tests wire this suite to verify they satisfy the full
// BlockStore contract; the cloud-backed reference stores have no tests.
package storetest

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/mwatts/acid-store/internal/blockio"
)

// TestBlockStore runs the full conformance suite against a BlockStore
// implementation. newStore must return a fresh, empty store for each
// sub-test.
func TestBlockStore(t *testing.T, newStore func(t *testing.T) blockio.BlockStore) {
	t.Run("GetMissing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(context.Background(), blockio.NewID())
		if !errors.Is(err, blockio.ErrNotFound) {
			t.Fatalf("Get on missing id: expected ErrNotFound, got %v", err)
		}
	})

	t.Run("PutGetRoundTrip", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		id := blockio.NewID()
		want := []byte("hello, block")

		if err := s.Put(ctx, id, want); err != nil {
			t.Fatalf("Put: %v", err)
		}
		got, err := s.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("Get: expected %q, got %q", want, got)
		}
	})

	t.Run("PutOverwrite", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		id := blockio.NewID()

		if err := s.Put(ctx, id, []byte("v1")); err != nil {
			t.Fatalf("Put v1: %v", err)
		}
		if err := s.Put(ctx, id, []byte("v2")); err != nil {
			t.Fatalf("Put v2: %v", err)
		}
		got, err := s.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if !bytes.Equal(got, []byte("v2")) {
			t.Fatalf("expected v2, got %q", got)
		}
	})

	t.Run("EmptyFrame", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		id := blockio.NewID()

		if err := s.Put(ctx, id, nil); err != nil {
			t.Fatalf("Put empty: %v", err)
		}
		got, err := s.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if len(got) != 0 {
			t.Fatalf("expected empty frame, got %q", got)
		}
	})

	t.Run("Remove", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		id := blockio.NewID()

		if err := s.Put(ctx, id, []byte("x")); err != nil {
			t.Fatalf("Put: %v", err)
		}
		if err := s.Remove(ctx, id); err != nil {
			t.Fatalf("Remove: %v", err)
		}
		if _, err := s.Get(ctx, id); !errors.Is(err, blockio.ErrNotFound) {
			t.Fatalf("Get after Remove: expected ErrNotFound, got %v", err)
		}
	})

	t.Run("RemoveMissing", func(t *testing.T) {
		s := newStore(t)
		if err := s.Remove(context.Background(), blockio.NewID()); !errors.Is(err, blockio.ErrNotFound) {
			t.Fatalf("Remove missing id: expected ErrNotFound, got %v", err)
		}
	})

	t.Run("ListEmpty", func(t *testing.T) {
		s := newStore(t)
		ids, err := s.List(context.Background())
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(ids) != 0 {
			t.Fatalf("expected 0 ids, got %d", len(ids))
		}
	})

	t.Run("ListAfterPutRemove", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		a, b, c := blockio.NewID(), blockio.NewID(), blockio.NewID()

		for _, id := range []blockio.BlockID{a, b, c} {
			if err := s.Put(ctx, id, []byte("x")); err != nil {
				t.Fatalf("Put %s: %v", id, err)
			}
		}
		if err := s.Remove(ctx, b); err != nil {
			t.Fatalf("Remove: %v", err)
		}

		ids, err := s.List(ctx)
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		seen := make(map[blockio.BlockID]bool, len(ids))
		for _, id := range ids {
			seen[id] = true
		}
		if !seen[a] || !seen[c] {
			t.Fatalf("expected a and c present, got %v", ids)
		}
		if seen[b] {
			t.Fatalf("expected b absent after Remove, got %v", ids)
		}
	})

	t.Run("DistinctIDsDistinctData", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		a, b := blockio.NewID(), blockio.NewID()

		if err := s.Put(ctx, a, []byte("a-data")); err != nil {
			t.Fatalf("Put a: %v", err)
		}
		if err := s.Put(ctx, b, []byte("b-data")); err != nil {
			t.Fatalf("Put b: %v", err)
		}
		gotA, err := s.Get(ctx, a)
		if err != nil {
			t.Fatalf("Get a: %v", err)
		}
		gotB, err := s.Get(ctx, b)
		if err != nil {
			t.Fatalf("Get b: %v", err)
		}
		if bytes.Equal(gotA, gotB) {
			t.Fatalf("expected distinct data for distinct ids")
		}
	})
}

// TestLocker runs a conformance suite against the optional Locker
// capability. newPair must return two handles onto the SAME underlying
// storage namespace (e.g. the same directory, or the same in-memory map),
// so exclusion can be observed across them.
func TestLocker(t *testing.T, newPair func(t *testing.T) (a, b blockio.Locker)) {
	t.Run("ExclusiveExcludesExclusive", func(t *testing.T) {
		a, b := newPair(t)
		ctx := context.Background()
		if err := a.LockExclusive(ctx); err != nil {
			t.Fatalf("a.LockExclusive: %v", err)
		}
		defer a.Unlock(ctx)
		if err := b.LockExclusive(ctx); err == nil {
			b.Unlock(ctx)
			t.Fatalf("expected b.LockExclusive to fail while a holds the lock")
		}
	})

	t.Run("ExclusiveExcludesShared", func(t *testing.T) {
		a, b := newPair(t)
		ctx := context.Background()
		if err := a.LockExclusive(ctx); err != nil {
			t.Fatalf("a.LockExclusive: %v", err)
		}
		defer a.Unlock(ctx)
		if err := b.LockShared(ctx); err == nil {
			b.Unlock(ctx)
			t.Fatalf("expected b.LockShared to fail while a holds the exclusive lock")
		}
	})

	t.Run("SharedAllowsShared", func(t *testing.T) {
		a, b := newPair(t)
		ctx := context.Background()
		if err := a.LockShared(ctx); err != nil {
			t.Fatalf("a.LockShared: %v", err)
		}
		defer a.Unlock(ctx)
		if err := b.LockShared(ctx); err != nil {
			t.Fatalf("b.LockShared while a holds shared: %v", err)
		}
		defer b.Unlock(ctx)
	})

	t.Run("UnlockReleasesForNextWriter", func(t *testing.T) {
		a, b := newPair(t)
		ctx := context.Background()
		if err := a.LockExclusive(ctx); err != nil {
			t.Fatalf("a.LockExclusive: %v", err)
		}
		if err := a.Unlock(ctx); err != nil {
			t.Fatalf("a.Unlock: %v", err)
		}
		if err := b.LockExclusive(ctx); err != nil {
			t.Fatalf("b.LockExclusive after a.Unlock: %v", err)
		}
		defer b.Unlock(ctx)
	})
}
