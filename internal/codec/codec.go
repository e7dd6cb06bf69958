// Package codec implements the encode/decode pipeline between an object's
// plaintext chunk bytes and the ciphertext frame a BlockStore actually
// stores: digest, then compress, then authenticate-encrypt.
package codec

import (
	"crypto/rand"
	"errors"
	"fmt"
)

const (
	flagCompressed byte = 1 << 0
	flagEncrypted  byte = 1 << 1

	frameHeaderSize = 5 // version, flags, 3 reserved bytes
	wireVersion     = 1
)

var (
	// ErrFrameTooShort is returned when a byte slice is too small to be a
	// valid frame of its declared flags.
	ErrFrameTooShort = errors.New("codec: frame too short")
	// ErrUnsupportedVersion is returned when a frame's version byte is not
	// one this build understands.
	ErrUnsupportedVersion = errors.New("codec: unsupported frame version")
	// ErrDigestMismatch is returned by Decode when the recomputed digest of
	// the decoded plaintext does not match the digest the caller expected.
	// This is the "corrupt" integrity failure.
	ErrDigestMismatch = errors.New("codec: digest mismatch")
)

// Params fixes the algorithm choice for one repository. Stored verbatim in
// the repository header so every session, past and future, decodes blocks
// identically.
type Params struct {
	Hash        Algorithm
	Compression CompressionAlgorithm
	Encryption  EncryptionAlgorithm
}

// Pipeline binds Params to a master key and exposes Encode/Decode.
type Pipeline struct {
	params    Params
	masterKey []byte
}

// NewPipeline constructs a Pipeline. masterKey must be
// chacha20poly1305.KeySize bytes when params.Encryption is not
// EncryptionNone; it is ignored otherwise.
func NewPipeline(params Params, masterKey []byte) *Pipeline {
	return &Pipeline{params: params, masterKey: masterKey}
}

// Encode computes the digest of plaintext, compresses, encrypts, and
// returns (digest, frame). frame is what a BlockStore.Put call stores.
func (p *Pipeline) Encode(plaintext []byte) (Digest, []byte, error) {
	digest, err := Sum(p.params.Hash, plaintext)
	if err != nil {
		return Digest{}, nil, err
	}

	compressed, err := Compress(p.params.Compression, plaintext)
	if err != nil {
		return Digest{}, nil, err
	}

	flags := byte(0)
	if p.params.Compression != CompressionNone {
		flags |= flagCompressed
	}

	frame := make([]byte, frameHeaderSize, frameHeaderSize+NonceSize+len(compressed)+TagSize)
	frame[0] = wireVersion
	// frame[1] (flags) is patched in below once we know whether encryption
	// produced output; frame[2:5] stay zero (reserved).

	if p.params.Encryption == EncryptionNone {
		frame[1] = flags
		frame = append(frame, compressed...)
		return digest, frame, nil
	}

	flags |= flagEncrypted
	frame[1] = flags

	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return Digest{}, nil, fmt.Errorf("codec: generate nonce: %w", err)
	}

	associatedData := associatedData(digest)
	ciphertext, err := seal(p.params.Encryption, p.masterKey, nonce, associatedData, compressed)
	if err != nil {
		return Digest{}, nil, err
	}

	frame = append(frame, nonce...)
	frame = append(frame, ciphertext...)
	return digest, frame, nil
}

// Decode parses frame, decrypts and decompresses it, and verifies the
// result hashes to expectedDigest. Any failure (malformed frame, bad AEAD
// tag, digest mismatch) is reported so the caller can surface a single
// uniform integrity error kind; Decode itself does not know about
// store.Error, so it returns sentinel errors from this package plus
// wrapped causes.
func (p *Pipeline) Decode(frame []byte, expectedDigest Digest) ([]byte, error) {
	if len(frame) < frameHeaderSize {
		return nil, ErrFrameTooShort
	}
	version := frame[0]
	flags := frame[1]
	if version != wireVersion {
		return nil, ErrUnsupportedVersion
	}
	rest := frame[frameHeaderSize:]

	encrypted := flags&flagEncrypted != 0
	compressed := flags&flagCompressed != 0

	var plaintextCompressed []byte
	if encrypted {
		if len(rest) < NonceSize {
			return nil, ErrFrameTooShort
		}
		nonce, ciphertext := rest[:NonceSize], rest[NonceSize:]
		associatedData := associatedData(expectedDigest)
		out, err := open(p.params.Encryption, p.masterKey, nonce, associatedData, ciphertext)
		if err != nil {
			return nil, err
		}
		plaintextCompressed = out
	} else {
		plaintextCompressed = rest
	}

	var plaintext []byte
	if compressed {
		out, err := Decompress(p.params.Compression, plaintextCompressed)
		if err != nil {
			return nil, err
		}
		plaintext = out
	} else {
		plaintext = plaintextCompressed
	}

	digest, err := Sum(p.params.Hash, plaintext)
	if err != nil {
		return nil, err
	}
	if digest != expectedDigest {
		return nil, ErrDigestMismatch
	}
	return plaintext, nil
}

// associatedData builds the AEAD associated data: digest || version byte.
func associatedData(digest Digest) []byte {
	ad := make([]byte, len(digest)+1)
	copy(ad, digest[:])
	ad[len(digest)] = wireVersion
	return ad
}
