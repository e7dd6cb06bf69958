// Package localdir is a BlockStore backed by a local directory: one file
// per block, named by its id, with a flock-guarded directory lock so at
// most one writable session can touch the directory at a time across
// processes.
package localdir

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/mwatts/acid-store/internal/blockio"
	"github.com/mwatts/acid-store/internal/logging"
)

// ErrDirectoryLocked is returned by LockExclusive/LockShared when another
// process already holds a conflicting lock on the directory.
var ErrDirectoryLocked = errors.New("localdir: directory is locked by another process")

const lockFileName = ".lock"

// Store is a BlockStore that keeps one file per block under Dir.
type Store struct {
	dir      string
	fileMode os.FileMode
	logger   *slog.Logger

	mu       sync.Mutex
	lockFile *os.File

	listMu    sync.Mutex
	listCache []blockio.BlockID
	listValid bool
	watcher   *fsnotify.Watcher
	watchDone chan struct{}
}

// Open opens (creating if necessary) a localdir store rooted at dir. It
// does not itself acquire the directory lock — call LockExclusive or
// LockShared, as store.Open/store.Create does through the Locker
// interface, before performing any Put/Remove.
func Open(dir string, logger *slog.Logger) (*Store, error) {
	if dir == "" {
		return nil, errors.New("localdir: dir must not be empty")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("localdir: create directory: %w", err)
	}
	s := &Store{
		dir:      dir,
		fileMode: 0o644,
		logger:   logging.Default(logger).With("component", "localdir"),
	}
	if err := s.startWatch(); err != nil {
		s.logger.Warn("directory watch unavailable, List will not cache", "error", err)
	}
	return s, nil
}

// startWatch arms an fsnotify watch on dir so List's cache is invalidated
// the moment a block file changes underneath this Store from any source,
// not just this Store's own Put/Remove calls (e.g. another process sharing
// the directory).
func (s *Store) startWatch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(s.dir); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch %q: %w", s.dir, err)
	}
	s.watcher = w
	s.watchDone = make(chan struct{})
	go s.watchLoop(w, s.watchDone)
	return nil
}

func (s *Store) watchLoop(w *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				s.invalidateList()
			}
		case _, ok := <-w.Errors:
			if !ok {
				return
			}
		}
	}
}

func (s *Store) invalidateList() {
	s.listMu.Lock()
	s.listValid = false
	s.listCache = nil
	s.listMu.Unlock()
}

// Close stops the directory watch. It does not release any held lock;
// call Unlock separately.
func (s *Store) Close() error {
	if s.watcher == nil {
		return nil
	}
	err := s.watcher.Close()
	<-s.watchDone
	return err
}

func (s *Store) blockPath(id blockio.BlockID) string {
	return filepath.Join(s.dir, uuid.UUID(id).String()+".blk")
}

func (s *Store) Put(_ context.Context, id blockio.BlockID, frame []byte) error {
	tmp, err := os.CreateTemp(s.dir, ".block-*.tmp")
	if err != nil {
		return fmt.Errorf("localdir: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if err := tmp.Chmod(s.fileMode); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("localdir: chmod temp file: %w", err)
	}
	if _, err := tmp.Write(frame); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("localdir: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("localdir: fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("localdir: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.blockPath(id)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("localdir: rename into place: %w", err)
	}
	s.invalidateList()
	return nil
}

func (s *Store) Get(_ context.Context, id blockio.BlockID) ([]byte, error) {
	data, err := os.ReadFile(s.blockPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("localdir: get %s: %w", id, blockio.ErrNotFound)
		}
		return nil, fmt.Errorf("localdir: get %s: %w", id, err)
	}
	return data, nil
}

func (s *Store) Remove(_ context.Context, id blockio.BlockID) error {
	if err := os.Remove(s.blockPath(id)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("localdir: remove %s: %w", id, blockio.ErrNotFound)
		}
		return fmt.Errorf("localdir: remove %s: %w", id, err)
	}
	s.invalidateList()
	return nil
}

// List is served from a cache invalidated by the fsnotify watch armed in
// Open, so repeated calls between directory changes skip re-reading the
// directory.
func (s *Store) List(_ context.Context) ([]blockio.BlockID, error) {
	s.listMu.Lock()
	if s.listValid {
		cached := append([]blockio.BlockID{}, s.listCache...)
		s.listMu.Unlock()
		return cached, nil
	}
	s.listMu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("localdir: list: %w", err)
	}
	ids := make([]blockio.BlockID, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		const suffix = ".blk"
		if len(name) != len(suffix)+36 || name[len(name)-len(suffix):] != suffix {
			continue
		}
		u, err := uuid.Parse(name[:36])
		if err != nil {
			s.logger.Warn("skipping unparseable block file", "name", name)
			continue
		}
		ids = append(ids, blockio.BlockID(u))
	}

	s.listMu.Lock()
	s.listCache = append([]blockio.BlockID{}, ids...)
	s.listValid = true
	s.listMu.Unlock()
	return ids, nil
}

// LockExclusive takes an flock(2) exclusive, non-blocking lock on the
// directory's .lock file.
func (s *Store) LockExclusive(ctx context.Context) error {
	return s.lock(ctx, syscall.LOCK_EX)
}

// LockShared takes an flock(2) shared, non-blocking lock on the
// directory's .lock file.
func (s *Store) LockShared(ctx context.Context) error {
	return s.lock(ctx, syscall.LOCK_SH)
}

func (s *Store) lock(_ context.Context, how int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lockFile != nil {
		return errors.New("localdir: this Store instance already holds a lock")
	}
	path := filepath.Join(s.dir, lockFileName)
	f, err := os.OpenFile(filepath.Clean(path), os.O_CREATE|os.O_RDWR, s.fileMode)
	if err != nil {
		return fmt.Errorf("localdir: open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), how|syscall.LOCK_NB); err != nil {
		f.Close()
		return fmt.Errorf("%w: %s", ErrDirectoryLocked, s.dir)
	}
	s.lockFile = f
	return nil
}

func (s *Store) Unlock(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lockFile == nil {
		return errors.New("localdir: not locked")
	}
	err := syscall.Flock(int(s.lockFile.Fd()), syscall.LOCK_UN)
	closeErr := s.lockFile.Close()
	s.lockFile = nil
	if err != nil {
		return fmt.Errorf("localdir: unlock: %w", err)
	}
	return closeErr
}
