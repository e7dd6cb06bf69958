package codec

import (
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// EncryptionAlgorithm selects the authenticated encryption applied after
// compression: an XChaCha20-Poly1305 AEAD with a random 192-bit nonce per
// block, via golang.org/x/crypto/chacha20poly1305's NewX constructor
// (24-byte/192-bit nonces).
type EncryptionAlgorithm int

const (
	EncryptionNone EncryptionAlgorithm = iota
	EncryptionXChaCha20Poly1305
)

func (e EncryptionAlgorithm) String() string {
	switch e {
	case EncryptionNone:
		return "none"
	case EncryptionXChaCha20Poly1305:
		return "xchacha20poly1305"
	default:
		return "unknown"
	}
}

// NonceSize is the nonce length used by EncryptionXChaCha20Poly1305.
const NonceSize = chacha20poly1305.NonceSizeX

// TagSize is the authentication tag length appended by Seal.
const TagSize = chacha20poly1305.Overhead

// seal encrypts compressed under masterKey with the caller-supplied nonce,
// authenticating associatedData (digest || version byte). Returns the
// ciphertext with the tag appended; the nonce itself is not included.
func seal(algo EncryptionAlgorithm, masterKey, nonce, associatedData, compressed []byte) ([]byte, error) {
	switch algo {
	case EncryptionNone:
		return compressed, nil
	case EncryptionXChaCha20Poly1305:
		aead, err := chacha20poly1305.NewX(masterKey)
		if err != nil {
			return nil, fmt.Errorf("codec: init aead: %w", err)
		}
		return aead.Seal(nil, nonce, compressed, associatedData), nil
	default:
		return nil, fmt.Errorf("codec: unknown encryption algorithm %d", algo)
	}
}

// open reverses seal. Returns an error (always treated by callers as an
// integrity failure) if the AEAD tag does not verify.
func open(algo EncryptionAlgorithm, masterKey, nonce, associatedData, ciphertext []byte) ([]byte, error) {
	switch algo {
	case EncryptionNone:
		return ciphertext, nil
	case EncryptionXChaCha20Poly1305:
		aead, err := chacha20poly1305.NewX(masterKey)
		if err != nil {
			return nil, fmt.Errorf("codec: init aead: %w", err)
		}
		plaintext, err := aead.Open(nil, nonce, ciphertext, associatedData)
		if err != nil {
			return nil, fmt.Errorf("codec: aead tag verification failed: %w", err)
		}
		return plaintext, nil
	default:
		return nil, fmt.Errorf("codec: unknown encryption algorithm %d", algo)
	}
}
