// Package memstore is an in-memory BlockStore, for tests and short-lived
// repositories. Nothing it stores survives process exit.
package memstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/mwatts/acid-store/internal/blockio"
)

// Store is a BlockStore backed by a plain map. The zero value is not
// usable; construct with New.
type Store struct {
	mu     sync.RWMutex
	blocks map[blockio.BlockID][]byte

	lockMu    sync.Mutex
	exclusive bool
	shared    int
}

// New returns an empty Store.
func New() *Store {
	return &Store{blocks: make(map[blockio.BlockID][]byte)}
}

func (s *Store) Put(_ context.Context, id blockio.BlockID, frame []byte) error {
	cp := append([]byte{}, frame...)
	s.mu.Lock()
	s.blocks[id] = cp
	s.mu.Unlock()
	return nil
}

func (s *Store) Get(_ context.Context, id blockio.BlockID) ([]byte, error) {
	s.mu.RLock()
	frame, ok := s.blocks[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("memstore: get %s: %w", id, blockio.ErrNotFound)
	}
	return append([]byte{}, frame...), nil
}

func (s *Store) Remove(_ context.Context, id blockio.BlockID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blocks[id]; !ok {
		return fmt.Errorf("memstore: remove %s: %w", id, blockio.ErrNotFound)
	}
	delete(s.blocks, id)
	return nil
}

func (s *Store) List(_ context.Context) ([]blockio.BlockID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]blockio.BlockID, 0, len(s.blocks))
	for id := range s.blocks {
		ids = append(ids, id)
	}
	return ids, nil
}

// LockExclusive acquires the in-process writer lock. Since memstore never
// outlives one process, this only guards against two Repository sessions
// in the same process sharing one Store concurrently — it has no
// cross-process meaning, unlike blockstore/localdir's flock.
func (s *Store) LockExclusive(_ context.Context) error {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	if s.exclusive || s.shared > 0 {
		return fmt.Errorf("memstore: already locked")
	}
	s.exclusive = true
	return nil
}

func (s *Store) LockShared(_ context.Context) error {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	if s.exclusive {
		return fmt.Errorf("memstore: already exclusively locked")
	}
	s.shared++
	return nil
}

func (s *Store) Unlock(_ context.Context) error {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	if s.exclusive {
		s.exclusive = false
		return nil
	}
	if s.shared > 0 {
		s.shared--
		return nil
	}
	return fmt.Errorf("memstore: not locked")
}
