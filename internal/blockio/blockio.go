// Package blockio defines the BlockStore capability as a type shared
// between the root store package and every internal
// package that needs to talk to a backend (blocklayer, metadata,
// objectio) without those packages importing the root package and
// creating an import cycle. store.BlockID, store.BlockStore and
// store.Locker are type aliases of the definitions here.
package blockio

import (
	"context"

	"github.com/google/uuid"
)

// BlockID opaquely identifies one stored block. It is a 128-bit value,
// assigned by the engine (never derived from content), backed by
// github.com/google/uuid for generation.
type BlockID [16]byte

// NewID returns a fresh random block id.
func NewID() BlockID {
	return BlockID(uuid.New())
}

// ParseID parses the canonical UUID string form produced by
// BlockID.String, for backends (s3store, gcsstore, azblobstore) that key
// blocks by that string under a bucket or container.
func ParseID(s string) (BlockID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return BlockID{}, err
	}
	return BlockID(u), nil
}

// String returns the canonical UUID string form.
func (id BlockID) String() string {
	return uuid.UUID(id).String()
}

// IsZero reports whether id is the all-zero well-known id reserved for
// the repository's header pointer block.
func (id BlockID) IsZero() bool {
	return id == BlockID{}
}

// BlockStore is the capability this engine consumes: an opaque byte-blob
// CRUD namespace keyed by BlockID. Implementations live outside this
// package (see blockstore/memstore, blockstore/localdir, and the
// cloud-backed reference implementations under blockstore/) and are
// expected to satisfy this contract:
//
//   - Put is durable on return: the backend's native fsync/commit/ack has
//     already happened by the time Put returns nil.
//   - Get returns an error satisfying errors.Is(err, ErrNotFound) when id
//     has never been Put, or has been Remove'd.
//   - List is eventually consistent enough to enumerate every block id
//     that has been durably Put and not yet Remove'd; it need not be
//     linearizable with concurrent Put/Remove calls.
type BlockStore interface {
	Put(ctx context.Context, id BlockID, frame []byte) error
	Get(ctx context.Context, id BlockID) ([]byte, error)
	Remove(ctx context.Context, id BlockID) error
	List(ctx context.Context) ([]BlockID, error)
}

// Locker is an optional capability a BlockStore may implement to enforce
// single-writer-at-a-time access across processes sharing the same
// backend namespace.
type Locker interface {
	LockExclusive(ctx context.Context) error
	LockShared(ctx context.Context) error
	Unlock(ctx context.Context) error
}

// ErrNotFound is the sentinel a BlockStore.Get implementation should wrap
// (via fmt.Errorf("...: %w", ErrNotFound) or equivalent) when id is
// absent, so callers can test with errors.Is regardless of backend.
var ErrNotFound = notFoundError{}

type notFoundError struct{}

func (notFoundError) Error() string { return "blockio: block not found" }
