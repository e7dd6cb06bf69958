package store

import (
	"github.com/mwatts/acid-store/internal/chunker"
	"github.com/mwatts/acid-store/internal/codec"
	"github.com/mwatts/acid-store/internal/keywrap"
)

// HashAlgorithm selects the digest function used as a chunk's dedup key.
// Fixed for the life of a repository.
type HashAlgorithm = codec.Algorithm

const (
	HashBLAKE3     = codec.BLAKE3
	HashBLAKE2b256 = codec.BLAKE2b256
	HashSHA256     = codec.SHA256
	HashSHA3_256   = codec.SHA3_256
)

// CompressionAlgorithm selects the compressor applied to a chunk before
// encryption. Fixed for the life of a repository.
type CompressionAlgorithm = codec.CompressionAlgorithm

const (
	CompressionNone = codec.CompressionNone
	CompressionLZ4  = codec.CompressionLZ4
)

// EncryptionAlgorithm selects the AEAD applied to a chunk after
// compression. Fixed for the life of a repository.
type EncryptionAlgorithm = codec.EncryptionAlgorithm

const (
	EncryptionNone              = codec.EncryptionNone
	EncryptionXChaCha20Poly1305 = codec.EncryptionXChaCha20Poly1305
)

// ChunkerParams fixes the content-defined chunker's size envelope. See
// chunker.Params for field meaning. Fixed for the life of a repository:
// changing it would make old chunk boundaries unreproducible on rewrite.
type ChunkerParams = chunker.Params

// DefaultChunkerParams mirrors chunker.DefaultParams.
var DefaultChunkerParams = chunker.DefaultParams

// Config selects a new repository's fixed algorithm parameters. It is
// consumed only by Create; Open always re-derives these from the
// repository's header, since they must never drift from what the
// existing blocks were written with.
type Config struct {
	// Hash is the digest function used as a chunk's dedup key.
	Hash HashAlgorithm
	// Compression is applied to a chunk's plaintext before encryption.
	Compression CompressionAlgorithm
	// Encryption is applied after compression. EncryptionNone is only
	// appropriate for a backend that is otherwise trusted end to end.
	Encryption EncryptionAlgorithm
	// Chunker fixes the content-defined chunking envelope.
	Chunker ChunkerParams
}

// DefaultConfig is a reasonable default for a new repository: BLAKE3
// digests, LZ4 compression, XChaCha20-Poly1305 encryption, and the
// standard chunking envelope.
var DefaultConfig = Config{
	Hash:        HashBLAKE3,
	Compression: CompressionLZ4,
	Encryption:  EncryptionXChaCha20Poly1305,
	Chunker:     DefaultChunkerParams,
}

func (c Config) codecParams() codec.Params {
	return codec.Params{Hash: c.Hash, Compression: c.Compression, Encryption: c.Encryption}
}

// kdfParams is an alias of keywrap.Params kept local to this file so
// header.go doesn't need to import keywrap directly for the type name.
type kdfParams = keywrap.Params
