package objectio

import (
	"sort"

	"github.com/mwatts/acid-store/internal/codec"
)

// ChunkEntry is one entry in an object's chunk list: the digest of a
// chunk and its plaintext length. Lengths are carried alongside digests
// so the cumulative-length index can be built without touching the
// backend.
type ChunkEntry struct {
	Digest codec.Digest
	Size   int64
}

// cumulativeIndex holds the running total of chunk lengths, so that
// cumulative[i] is the logical offset at which chunk i begins and
// cumulative[len(chunks)] is the object's total size. All offsets use
// int64 throughout so a single object may exceed 2^32 bytes.
type cumulativeIndex struct {
	cumulative []int64
}

func buildCumulativeIndex(chunks []ChunkEntry) cumulativeIndex {
	cum := make([]int64, len(chunks)+1)
	for i, c := range chunks {
		cum[i+1] = cum[i] + c.Size
	}
	return cumulativeIndex{cumulative: cum}
}

// total returns the object's logical size.
func (idx cumulativeIndex) total() int64 {
	if len(idx.cumulative) == 0 {
		return 0
	}
	return idx.cumulative[len(idx.cumulative)-1]
}

// locate returns the index of the chunk covering offset via binary
// search over the cumulative-length table, and the offset within that
// chunk. ok is false if offset is at or past the object's total size.
func (idx cumulativeIndex) locate(offset int64) (chunkIdx int, withinChunk int64, ok bool) {
	n := len(idx.cumulative) - 1
	if n <= 0 || offset < 0 || offset >= idx.total() {
		return 0, 0, false
	}
	i := sort.Search(n, func(i int) bool { return idx.cumulative[i+1] > offset })
	return i, offset - idx.cumulative[i], true
}
