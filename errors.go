package store

import (
	"errors"
	"fmt"

	"github.com/mwatts/acid-store/internal/blockio"
)

// Kind classifies the error conditions a repository or backend can raise.
// Errors this package constructs are *Error values carrying one of the
// Kind values below; inspect them with IsKind, or unwrap them with
// errors.As to reach the underlying cause. Some paths (ObjectHandle
// WriteAt/Truncate/Flush/Close, and configuration or key-generation
// failures in Create) return errors that are not wrapped in an *Error.
type Kind int

const (
	// KindAlreadyExists is returned by Insert when the key is already in use.
	KindAlreadyExists Kind = iota + 1
	// KindNotFound is returned when a key, block, or repository does not exist.
	KindNotFound
	// KindInvalidKey is returned for malformed or empty object keys.
	KindInvalidKey
	// KindUnsupportedFormat is returned by Open when the header's magic or
	// version is not recognized.
	KindUnsupportedFormat
	// KindPassword is returned by Open when the supplied secret fails to
	// unwrap the master key.
	KindPassword
	// KindIntegrity is returned when a decoded digest doesn't match what
	// was expected, an AEAD tag fails to verify, or a frame fails to parse.
	KindIntegrity
	// KindBackend wraps any error surfaced by a BlockStore implementation.
	KindBackend
	// KindLocked is returned when another writer already holds the
	// repository's exclusive lock.
	KindLocked
	// KindCorrupt is returned when verify/open finds a cross-structural
	// inconsistency (e.g. a chunk index entry with no backing block). It is
	// also returned by mutating calls on a read-only session.
	KindCorrupt
	// KindPoisoned is returned by any mutating call on a session that
	// aborted a prior mutation partway through a block write.
	KindPoisoned
)

func (k Kind) String() string {
	switch k {
	case KindAlreadyExists:
		return "already_exists"
	case KindNotFound:
		return "not_found"
	case KindInvalidKey:
		return "invalid_key"
	case KindUnsupportedFormat:
		return "unsupported_format"
	case KindPassword:
		return "password"
	case KindIntegrity:
		return "integrity"
	case KindBackend:
		return "backend"
	case KindLocked:
		return "locked"
	case KindCorrupt:
		return "corrupt"
	case KindPoisoned:
		return "poisoned"
	default:
		return "unknown"
	}
}

// Error is the concrete error type returned across this module's public
// API. Kind is always set; Cause may be nil when there is no wrapped error
// to report (e.g. KindInvalidKey).
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("store: %s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("store: %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error of the same Kind, so
// errors.Is(err, &Error{Kind: KindX}) matches any KindX error in err's
// chain. IsKind below is the shorter form of the same check.
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == te.Kind
}

func newErr(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Backend wraps a BlockStore-originated error as a *Error of KindBackend.
// BlockStore implementations should call this (or rely on the engine to
// call it at the point the error crosses into the block layer) rather than
// returning raw backend errors.
func Backend(cause error, format string, args ...any) error {
	return newErr(KindBackend, cause, format, args...)
}

// Integrity constructs a KindIntegrity error.
func Integrity(cause error, format string, args ...any) error {
	return newErr(KindIntegrity, cause, format, args...)
}

// NotFound constructs a KindNotFound error.
func NotFound(format string, args ...any) error {
	return newErr(KindNotFound, nil, format, args...)
}

// AlreadyExists constructs a KindAlreadyExists error.
func AlreadyExists(format string, args ...any) error {
	return newErr(KindAlreadyExists, nil, format, args...)
}

// InvalidKey constructs a KindInvalidKey error.
func InvalidKey(format string, args ...any) error {
	return newErr(KindInvalidKey, nil, format, args...)
}

// UnsupportedFormat constructs a KindUnsupportedFormat error.
func UnsupportedFormat(cause error, format string, args ...any) error {
	return newErr(KindUnsupportedFormat, cause, format, args...)
}

// Password constructs a KindPassword error.
func Password(cause error, format string, args ...any) error {
	return newErr(KindPassword, cause, format, args...)
}

// Locked constructs a KindLocked error.
func Locked(cause error, format string, args ...any) error {
	return newErr(KindLocked, cause, format, args...)
}

// Corrupt constructs a KindCorrupt error.
func Corrupt(cause error, format string, args ...any) error {
	return newErr(KindCorrupt, cause, format, args...)
}

// Poisoned constructs a KindPoisoned error.
func Poisoned(format string, args ...any) error {
	return newErr(KindPoisoned, nil, format, args...)
}

// IsKind reports whether err (or any error in its chain) is a *Error of the
// given Kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

var (
	// ErrNotFound is a sentinel BlockStore implementations should return
	// (wrapped or bare) from Get/Remove when a block id is absent, distinct
	// from any other backend failure. It is the same value internal packages
	// compare against as blockio.ErrNotFound, so a backend returning either
	// form is recognized identically by errors.Is throughout the engine.
	ErrNotFound = blockio.ErrNotFound
	// ErrLockUnsupported is returned by a Locker's LockExclusive or
	// LockShared when the backend has no way to enforce cross-process
	// exclusion; the engine also reports it, wrapped in a KindLocked error,
	// for a backend that does not implement Locker at all. A writable
	// session proceeds without a lock in either case only when
	// WithAllowUnlockedBackend is given; a read-only session always does.
	ErrLockUnsupported = errors.New("store: backend does not support locking")
)
