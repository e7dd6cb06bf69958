package codec

import (
	"crypto/sha256"
	"fmt"
	"hash"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"
	"lukechampine.com/blake3"
)

// Algorithm selects a hash function for content digests. The choice is
// stored in a repository's header (codec params) and must stay fixed for
// the life of that repository: digests are dedup keys, so mixing
// algorithms within one chunk index would break the "equal plaintext =>
// equal digest" invariant.
type Algorithm int

const (
	BLAKE3 Algorithm = iota + 1
	BLAKE2b256
	SHA256
	SHA3_256
)

func (a Algorithm) String() string {
	switch a {
	case BLAKE3:
		return "blake3"
	case BLAKE2b256:
		return "blake2b-256"
	case SHA256:
		return "sha2-256"
	case SHA3_256:
		return "sha3-256"
	default:
		return "unknown"
	}
}

// DigestSize is the length in bytes of every digest this package produces,
// regardless of Algorithm. All four supported algorithms are configured to
// a 32-byte output so Digest can be a fixed-size array throughout the
// engine.
const DigestSize = 32

// Digest is a content digest: the dedup key for a chunk, per spec
// invariant 1 ("equal plaintext implies equal digest implies at most one
// stored block").
type Digest [DigestSize]byte

// NewHasher returns a fresh hash.Hash for the given algorithm.
func NewHasher(a Algorithm) (hash.Hash, error) {
	switch a {
	case BLAKE3:
		return blake3.New(DigestSize, nil), nil
	case BLAKE2b256:
		return blake2b.New256(nil)
	case SHA256:
		return sha256.New(), nil
	case SHA3_256:
		return sha3.New256(), nil
	default:
		return nil, fmt.Errorf("codec: unknown hash algorithm %d", a)
	}
}

// Sum computes the digest of data using algorithm a.
func Sum(a Algorithm, data []byte) (Digest, error) {
	h, err := NewHasher(a)
	if err != nil {
		return Digest{}, err
	}
	h.Write(data)
	var d Digest
	copy(d[:], h.Sum(nil))
	return d, nil
}
