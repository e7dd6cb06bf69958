// Package faultyblockstore wraps a BlockStore with deterministic fault
// injection, for driving crash-consistency tests against the engine's
// two-phase header commit without needing a real process kill.
package faultyblockstore

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/mwatts/acid-store/internal/blockio"
)

// ErrInjected is the error returned by an operation a Store was configured
// to fail.
var ErrInjected = errors.New("faultyblockstore: injected fault")

// Op identifies which BlockStore method a fault targets.
type Op int

const (
	OpPut Op = iota
	OpGet
	OpRemove
	OpList
)

// Store wraps an underlying BlockStore and can be told to fail the Nth
// call to a given Op, optionally after letting the underlying call
// through (simulating a crash after the write already landed, the
// classic "durable write, lost acknowledgement" case) or before (the
// write never happens at all).
type Store struct {
	underlying blockio.BlockStore

	mu     sync.Mutex
	faults map[Op]*fault
	calls  map[Op]*int64
}

type fault struct {
	atCall     int64
	afterWrite bool
}

// New wraps underlying with no faults configured; it behaves exactly
// like underlying until FailNext is called.
func New(underlying blockio.BlockStore) *Store {
	return &Store{
		underlying: underlying,
		faults:     make(map[Op]*fault),
		calls:      make(map[Op]*int64),
	}
}

// FailNext arranges for the nth call to op counted from right now to fail
// (n=1 is the very next call, regardless of how many calls to op happened
// before FailNext was called). If afterWrite is true and op is OpPut or
// OpRemove, the underlying call is still performed before the error is returned —
// modeling a crash between a durable write and its acknowledgement
// reaching the caller. Any other combination fails before the underlying
// call runs at all.
func (s *Store) FailNext(op Op, n int64, afterWrite bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var zero int64
	s.calls[op] = &zero
	s.faults[op] = &fault{atCall: n, afterWrite: afterWrite}
}

// Reset clears all configured faults and call counters.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = make(map[Op]*fault)
	s.calls = make(map[Op]*int64)
}

func (s *Store) shouldFail(op Op) (f *fault, fire bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counter, ok := s.calls[op]
	if !ok {
		var c int64
		counter = &c
		s.calls[op] = counter
	}
	*counter++
	f, ok = s.faults[op]
	if !ok {
		return nil, false
	}
	return f, atomic.LoadInt64(counter) == f.atCall
}

func (s *Store) Put(ctx context.Context, id blockio.BlockID, frame []byte) error {
	f, fire := s.shouldFail(OpPut)
	if fire && !f.afterWrite {
		return ErrInjected
	}
	if err := s.underlying.Put(ctx, id, frame); err != nil {
		return err
	}
	if fire {
		return ErrInjected
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id blockio.BlockID) ([]byte, error) {
	if _, fire := s.shouldFail(OpGet); fire {
		return nil, ErrInjected
	}
	return s.underlying.Get(ctx, id)
}

func (s *Store) Remove(ctx context.Context, id blockio.BlockID) error {
	f, fire := s.shouldFail(OpRemove)
	if fire && !f.afterWrite {
		return ErrInjected
	}
	if err := s.underlying.Remove(ctx, id); err != nil {
		return err
	}
	if fire {
		return ErrInjected
	}
	return nil
}

func (s *Store) List(ctx context.Context) ([]blockio.BlockID, error) {
	if _, fire := s.shouldFail(OpList); fire {
		return nil, ErrInjected
	}
	return s.underlying.List(ctx)
}

// LockExclusive, LockShared and Unlock pass straight through to the
// underlying store's Locker, unfaulted: lock acquisition failures are
// exercised through the real backend, not this wrapper.
func (s *Store) LockExclusive(ctx context.Context) error {
	l, ok := s.underlying.(blockio.Locker)
	if !ok {
		return errors.New("faultyblockstore: underlying store does not implement Locker")
	}
	return l.LockExclusive(ctx)
}

func (s *Store) LockShared(ctx context.Context) error {
	l, ok := s.underlying.(blockio.Locker)
	if !ok {
		return errors.New("faultyblockstore: underlying store does not implement Locker")
	}
	return l.LockShared(ctx)
}

func (s *Store) Unlock(ctx context.Context) error {
	l, ok := s.underlying.(blockio.Locker)
	if !ok {
		return errors.New("faultyblockstore: underlying store does not implement Locker")
	}
	return l.Unlock(ctx)
}
