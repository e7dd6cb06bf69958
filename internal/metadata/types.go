// Package metadata serializes the repository's object table, chunk
// index and free-block set into a single chunked, codec-pipelined blob,
// and reconstitutes it from a metadata root digest list.
package metadata

// ObjectEntry is one entry in the object table: a caller-supplied key
// mapped to the ordered list of chunk digests that reconstruct it.
//
// Key and Digest are plain byte slices rather than Go map keys because
// CBOR's canonical encoding only orders map keys it controls; keeping the
// table as an explicit ordered slice (sorted by Key before encoding, see
// codec.go) gives the same deterministic-bytes guarantee without
// depending on a CBOR library's map key ordering for non-string keys.
type ObjectEntry struct {
	Key     []byte   `cbor:"1,keyasint"`
	Digests [][]byte `cbor:"2,keyasint"`
	Size    int64    `cbor:"3,keyasint"`
}

// ChunkIndexEntry is one entry in the chunk index: a digest and the
// ChunkRef fields blocklayer.ChunkRef tracks in memory.
type ChunkIndexEntry struct {
	Digest   []byte `cbor:"1,keyasint"`
	BlockID  []byte `cbor:"2,keyasint"`
	Size     int64  `cbor:"3,keyasint"`
	RefCount int64  `cbor:"4,keyasint"`
}

// Root is the full decoded metadata blob: object table, chunk index, and
// the free-block set. Repository.Commit always writes FreeSet empty and
// Open does not read it: blocks freed by a commit are removed directly by
// the block layer after the header swap, so no pending frees are recorded
// here.
type Root struct {
	Objects    []ObjectEntry     `cbor:"1,keyasint"`
	ChunkIndex []ChunkIndexEntry `cbor:"2,keyasint"`
	FreeSet    [][]byte          `cbor:"3,keyasint"`
}
