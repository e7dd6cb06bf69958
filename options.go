package store

import "log/slog"

// openOptions collects the functional options Open/Create accept.
type openOptions struct {
	logger               *slog.Logger
	allowUnlockedBackend bool
	verifyOnOpen         bool
	cacheSize            int
	readOnly             bool
}

func defaultOpenOptions() openOptions {
	return openOptions{}
}

// OpenOption configures Open or Create.
type OpenOption func(*openOptions)

// WithLogger attaches a structured logger. Components are tagged with a
// "component" attribute the same way the rest of this module's internal
// packages are; see internal/logging.
func WithLogger(logger *slog.Logger) OpenOption {
	return func(o *openOptions) { o.logger = logger }
}

// WithAllowUnlockedBackend permits opening a writable session against a
// backend that does not implement Locker. Without this option, Open
// returns a KindLocked error for such a backend, since two writers
// sharing it could otherwise silently corrupt the header.
func WithAllowUnlockedBackend() OpenOption {
	return func(o *openOptions) { o.allowUnlockedBackend = true }
}

// WithVerifyOnOpen runs the equivalent of Repository.Verify immediately
// after Open reconstructs the chunk index, failing Open with a
// KindCorrupt error if any chunk fails to decode. Off by default since it
// touches every block in the repository.
func WithVerifyOnOpen() OpenOption {
	return func(o *openOptions) { o.verifyOnOpen = true }
}

// WithCacheSize overrides the default bounded chunk cache capacity (see
// internal/blocklayer.DefaultCacheSize).
func WithCacheSize(n int) OpenOption {
	return func(o *openOptions) { o.cacheSize = n }
}

// WithReadOnly opens a read-only session: concurrent read handles against
// a committed repository are permitted. A read-only session takes a
// shared lock if the backend's Locker supports one,
// otherwise opens without any lock at all — WithAllowUnlockedBackend is
// never required for a read-only Open. The mutating Repository methods
// (Insert, Remove, Commit, Rollback, Clean, ChangePassword) return a
// KindCorrupt read-only error instead of running. Get still returns a
// handle; no transaction is open, so Flush on a handle that was written
// to fails.
func WithReadOnly() OpenOption {
	return func(o *openOptions) { o.readOnly = true }
}
