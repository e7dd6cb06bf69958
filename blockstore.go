package store

import "github.com/mwatts/acid-store/internal/blockio"

// BlockID opaquely identifies one stored block. It is a 128-bit value,
// assigned by the engine (never derived from content).
type BlockID = blockio.BlockID

// NewBlockID returns a fresh random block id.
func NewBlockID() BlockID {
	return blockio.NewID()
}

// BlockStore is the capability this engine consumes: an opaque byte-blob
// CRUD namespace keyed by BlockID. Implementations live
// outside this package — see blockstore/memstore, blockstore/localdir, and
// the cloud-backed reference implementations under blockstore/ for
// examples — and are expected to satisfy this contract:
//
//   - Put is durable on return: the backend's native fsync/commit/ack has
//     already happened by the time Put returns nil.
//   - Get returns an error satisfying errors.Is(err, ErrNotFound) when id
//     has never been Put, or has been Remove'd.
//   - List is eventually consistent enough to enumerate every block id that
//     has been durably Put and not yet Remove'd; it need not be
//     linearizable with concurrent Put/Remove calls.
//   - Implementations should wrap underlying I/O failures with
//     store.Backend(cause, ...) before returning them.
type BlockStore = blockio.BlockStore

// Locker is an optional capability a BlockStore may implement to enforce
// single-writer-at-a-time access across processes sharing the same
// backend namespace. Backends that cannot express cross-process exclusion
// (most object-store-style backends) should not implement this interface;
// Open then requires WithAllowUnlockedBackend to proceed for a writable
// session.
//
//   - LockExclusive acquires a writer lock; a backend already locked by
//     another writer returns an error satisfying IsKind(err, KindLocked).
//   - LockShared acquires a reader lock. Multiple readers may hold it
//     concurrently; it excludes a concurrent LockExclusive.
//   - Unlock releases whichever lock this instance holds.
type Locker = blockio.Locker
