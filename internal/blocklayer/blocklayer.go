// Package blocklayer maintains the in-memory, digest-keyed chunk index
// and the staged copy-on-write overlay a single in-flight transaction
// mutates. It is the only layer that talks both to a
// blockio.BlockStore and to the codec pipeline.
package blocklayer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mwatts/acid-store/internal/blockio"
	"github.com/mwatts/acid-store/internal/codec"
	"github.com/mwatts/acid-store/internal/logging"
)

// ErrMissingBlock is returned by LoadChunk/Release when the digest has no
// entry in the chunk index.
var ErrMissingBlock = errors.New("blocklayer: chunk references a missing block")

// ErrNoTransaction is returned by StoreChunk/Release when called without
// an open transaction.
var ErrNoTransaction = errors.New("blocklayer: no transaction in progress")

// BlockLayer is the C4 block layer: it owns the chunk index and every
// call into the codec pipeline and the backend BlockStore.
type BlockLayer struct {
	bs       blockio.BlockStore
	pipeline *codec.Pipeline
	logger   *slog.Logger

	idx   *index
	cache *cache

	mu      sync.Mutex
	staged  chunkMap // nil when no transaction is open
	created freeSet  // block ids Put during the open transaction
	freed   freeSet  // block ids whose refcount reached zero this transaction
}

// New constructs a BlockLayer around an already-opened backend and a
// codec pipeline configured with the repository's fixed algorithm
// parameters and master key.
func New(bs blockio.BlockStore, pipeline *codec.Pipeline, logger *slog.Logger) *BlockLayer {
	return NewWithCacheSize(bs, pipeline, logger, DefaultCacheSize)
}

// NewWithCacheSize is New with an explicit chunk cache capacity.
func NewWithCacheSize(bs blockio.BlockStore, pipeline *codec.Pipeline, logger *slog.Logger, cacheSize int) *BlockLayer {
	return &BlockLayer{
		bs:       bs,
		pipeline: pipeline,
		logger:   logging.Default(logger).With("component", "blocklayer"),
		idx:      newIndex(),
		cache:    newCache(cacheSize),
	}
}

// LoadIndex replaces the committed index wholesale, e.g. after decoding
// the metadata root on Open. It must not be called while a transaction is
// open.
func (b *BlockLayer) LoadIndex(entries map[codec.Digest]ChunkRef) {
	m := make(chunkMap, len(entries))
	for k, v := range entries {
		m[k] = v
	}
	b.idx.store(m)
}

// Snapshot returns a read-only copy of the committed index, e.g. for
// serializing the metadata root.
func (b *BlockLayer) Snapshot() map[codec.Digest]ChunkRef {
	return b.idx.clone()
}

// StagedSnapshot returns a read-only copy of the current view: the open
// transaction's staged overlay if one exists, otherwise the committed
// index. Callers building the metadata root at Commit time need this
// rather than Snapshot, since the root must reflect the transaction about
// to be committed, not the one it is replacing.
func (b *BlockLayer) StagedSnapshot() map[codec.Digest]ChunkRef {
	b.mu.Lock()
	defer b.mu.Unlock()
	src := b.idx.load()
	if b.staged != nil {
		src = b.staged
	}
	m := make(map[codec.Digest]ChunkRef, len(src))
	for k, v := range src {
		m[k] = v
	}
	return m
}

// Begin opens a transaction: a staged copy-on-write overlay of the
// committed index that StoreChunk/Release mutate until Commit or
// Rollback. Only one transaction may be open at a time.
func (b *BlockLayer) Begin() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.staged != nil {
		return errors.New("blocklayer: transaction already open")
	}
	b.staged = b.idx.clone()
	b.created = make(freeSet)
	b.freed = make(freeSet)
	return nil
}

// view returns the chunk map a read should consult: the staged overlay if
// a transaction is open, otherwise the committed index.
func (b *BlockLayer) view() chunkMap {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.staged != nil {
		return b.staged
	}
	return b.idx.load()
}

// StoreChunk encodes plaintext, deduplicating against the current
// transaction's view: if its digest is already present, the existing
// block is reused and only its refcount is bumped; otherwise a fresh
// block id is allocated and the frame is written through to the backend.
func (b *BlockLayer) StoreChunk(ctx context.Context, plaintext []byte) (codec.Digest, error) {
	digest, frame, err := b.pipeline.Encode(plaintext)
	if err != nil {
		return codec.Digest{}, fmt.Errorf("blocklayer: encode chunk: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.staged == nil {
		return codec.Digest{}, ErrNoTransaction
	}

	if ref, ok := b.staged[digest]; ok {
		ref.RefCount++
		b.staged[digest] = ref
		return digest, nil
	}

	id := blockio.NewID()
	if err := b.bs.Put(ctx, id, frame); err != nil {
		return codec.Digest{}, fmt.Errorf("blocklayer: put block %s: %w", id, err)
	}
	b.staged[digest] = ChunkRef{BlockID: id, Size: len(plaintext), RefCount: 1}
	b.created[id] = struct{}{}
	b.cache.put(digest, plaintext)
	b.logger.Debug("stored new chunk", "digest", fmt.Sprintf("%x", digest[:8]), "block", id, "size", len(plaintext))
	return digest, nil
}

// LoadChunk resolves digest to its block id and decodes the stored frame
// back to plaintext. It may be called with or without an open
// transaction: an open transaction's staged overlay takes priority so a
// writer sees its own uncommitted inserts.
func (b *BlockLayer) LoadChunk(ctx context.Context, digest codec.Digest) ([]byte, error) {
	if plaintext, ok := b.cache.get(digest); ok {
		return plaintext, nil
	}
	ref, ok := b.view()[digest]
	if !ok {
		return nil, ErrMissingBlock
	}
	frame, err := b.bs.Get(ctx, ref.BlockID)
	if err != nil {
		return nil, fmt.Errorf("blocklayer: get block %s: %w", ref.BlockID, err)
	}
	plaintext, err := b.pipeline.Decode(frame, digest)
	if err != nil {
		return nil, fmt.Errorf("blocklayer: decode block %s: %w", ref.BlockID, err)
	}
	b.cache.put(digest, plaintext)
	return plaintext, nil
}

// Release decrements digest's refcount within the open transaction. Once
// it reaches zero the entry is dropped from the staged overlay and its
// block id is recorded for deletion at Commit, rather than removed
// immediately.
func (b *BlockLayer) Release(digest codec.Digest) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.staged == nil {
		return ErrNoTransaction
	}
	ref, ok := b.staged[digest]
	if !ok {
		return ErrMissingBlock
	}
	ref.RefCount--
	if ref.RefCount <= 0 {
		delete(b.staged, digest)
		b.freed[ref.BlockID] = struct{}{}
		b.cache.evict(digest)
		return nil
	}
	b.staged[digest] = ref
	return nil
}

// Verify checks every ChunkRef in the current view has a backing block,
// and that the block decodes under its recorded digest. It returns the
// digests that failed either check.
func (b *BlockLayer) Verify(ctx context.Context) ([]codec.Digest, error) {
	view := b.view()
	var bad []codec.Digest
	for digest, ref := range view {
		frame, err := b.bs.Get(ctx, ref.BlockID)
		if err != nil {
			bad = append(bad, digest)
			continue
		}
		if _, err := b.pipeline.Decode(frame, digest); err != nil {
			bad = append(bad, digest)
		}
	}
	return bad, nil
}

// Commit deletes blocks freed during the transaction, then atomically
// replaces the committed index with the staged overlay.
func (b *BlockLayer) Commit(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.staged == nil {
		return ErrNoTransaction
	}
	for id := range b.freed {
		if err := b.bs.Remove(ctx, id); err != nil && !errors.Is(err, blockio.ErrNotFound) {
			return fmt.Errorf("blocklayer: remove freed block %s: %w", id, err)
		}
	}
	b.idx.store(b.staged)
	b.staged, b.created, b.freed = nil, nil, nil
	return nil
}

// Rollback discards the staged overlay and best-effort deletes blocks
// that were newly Put during the aborted transaction, since they are
// unreferenced by the still-committed index.
func (b *BlockLayer) Rollback(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.staged == nil {
		return ErrNoTransaction
	}
	var firstErr error
	for id := range b.created {
		if err := b.bs.Remove(ctx, id); err != nil && !errors.Is(err, blockio.ErrNotFound) && firstErr == nil {
			firstErr = fmt.Errorf("blocklayer: cleanup block %s: %w", id, err)
		}
	}
	b.staged, b.created, b.freed = nil, nil, nil
	return firstErr
}

// InTransaction reports whether a transaction is currently open.
func (b *BlockLayer) InTransaction() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.staged != nil
}
