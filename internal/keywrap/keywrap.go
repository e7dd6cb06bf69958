// Package keywrap derives a key-encryption key from a caller-supplied
// secret and uses it to wrap/unwrap a repository's master key.
//
// Rotating the secret (store.Repository.ChangePassword) only needs to
// re-derive the KEK and re-wrap the existing master key; no block is ever
// rewritten, since every block is encrypted under the master key, not the
// KEK.
package keywrap

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// Argon2id parameters following OWASP recommendations. These are the
// defaults used by NewParams; a repository's header records the actual
// parameters used so they can evolve without invalidating old repositories.
const (
	DefaultMemory  = 64 * 1024 // 64 MB
	DefaultTime    = 3         // 3 iterations
	DefaultThreads = 4         // 4 parallel lanes
	keyLen         = chacha20poly1305.KeySize
	saltLen        = 16
)

var (
	// ErrWrongSecret is returned by Unwrap when the supplied secret does not
	// match the one the master key was wrapped under (AEAD tag mismatch).
	ErrWrongSecret = errors.New("keywrap: incorrect secret")
	// ErrMalformedWrap is returned when a wrapped key blob is too short to
	// contain a nonce and authentication tag.
	ErrMalformedWrap = errors.New("keywrap: malformed wrapped key")
)

// Params are the argon2id KDF parameters, stored verbatim in a repository
// header so that Open can re-derive the same key-encryption key.
type Params struct {
	Memory  uint32
	Time    uint32
	Threads uint8
	Salt    []byte
}

// NewParams generates fresh OWASP-recommended parameters with a random salt.
func NewParams() (Params, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return Params{}, fmt.Errorf("keywrap: generate salt: %w", err)
	}
	return Params{
		Memory:  DefaultMemory,
		Time:    DefaultTime,
		Threads: DefaultThreads,
		Salt:    salt,
	}, nil
}

// deriveKEK runs argon2id over the secret with the stored parameters.
func deriveKEK(secret []byte, p Params) []byte {
	return argon2.IDKey(secret, p.Salt, p.Time, p.Memory, p.Threads, keyLen)
}

// Wrap derives a key-encryption key from secret and p, then seals masterKey
// under it with XChaCha20-Poly1305. The returned blob is nonce||ciphertext||tag
// and is what a repository header stores as WrappedKey.
func Wrap(secret, masterKey []byte, p Params) ([]byte, error) {
	kek := deriveKEK(secret, p)
	aead, err := chacha20poly1305.NewX(kek)
	if err != nil {
		return nil, fmt.Errorf("keywrap: init aead: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("keywrap: generate nonce: %w", err)
	}

	sealed := aead.Seal(nil, nonce, masterKey, nil)
	return append(nonce, sealed...), nil
}

// Unwrap derives the key-encryption key from secret and p, then opens a blob
// produced by Wrap. Returns ErrWrongSecret if the secret (or parameters) do
// not match — the AEAD tag fails to verify.
func Unwrap(secret, wrapped []byte, p Params) ([]byte, error) {
	kek := deriveKEK(secret, p)
	aead, err := chacha20poly1305.NewX(kek)
	if err != nil {
		return nil, fmt.Errorf("keywrap: init aead: %w", err)
	}

	if len(wrapped) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrMalformedWrap
	}
	nonce, ciphertext := wrapped[:aead.NonceSize()], wrapped[aead.NonceSize():]

	masterKey, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrWrongSecret
	}
	return masterKey, nil
}

// SecretsEqual does a constant-time comparison of two secrets. Exposed for
// callers that want to short-circuit re-derivation (e.g. rejecting a
// change-password call where the new secret equals the old one) without
// introducing a timing side channel.
func SecretsEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}
