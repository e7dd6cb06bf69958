package blocklayer

import (
	"maps"
	"sync/atomic"

	"github.com/mwatts/acid-store/internal/blockio"
	"github.com/mwatts/acid-store/internal/codec"
)

// ChunkRef records where one deduplicated chunk lives and how many live
// object references point at it.
type ChunkRef struct {
	BlockID  blockio.BlockID
	Size     int
	RefCount int
}

// chunkMap is the digest -> ChunkRef table shared, copy-on-write, between
// the persisted index and any in-flight staged transaction — the same
// atomic.Pointer[map]-snapshot idiom the engine's logging package uses for
// lock-free reads of a level map, generalized here to chunk refcounts.
type chunkMap = map[codec.Digest]ChunkRef

// index is the authoritative, already-committed chunk table. All reads
// go through an atomically-loaded snapshot; all writes replace the whole
// snapshot with a copy that has the mutation applied.
type index struct {
	snapshot atomic.Pointer[chunkMap]
}

func newIndex() *index {
	idx := &index{}
	empty := make(chunkMap)
	idx.snapshot.Store(&empty)
	return idx
}

// load returns the current snapshot. Callers must treat the returned map
// as read-only.
func (idx *index) load() chunkMap {
	return *idx.snapshot.Load()
}

// clone returns a mutable copy of the current snapshot, for a caller about
// to build a new staged overlay.
func (idx *index) clone() chunkMap {
	return maps.Clone(idx.load())
}

// store atomically replaces the snapshot, e.g. on commit.
func (idx *index) store(m chunkMap) {
	idx.snapshot.Store(&m)
}

// freeSet is the set of block ids whose chunk refcount has dropped to
// zero; deletion from the backend is deferred until commit (the block id
// moves to the free-block set rather than being removed immediately).
type freeSet = map[blockio.BlockID]struct{}
