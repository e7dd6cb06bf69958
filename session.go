package store

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"sort"

	"github.com/mwatts/acid-store/internal/blocklayer"
	"github.com/mwatts/acid-store/internal/codec"
	"github.com/mwatts/acid-store/internal/keywrap"
	"github.com/mwatts/acid-store/internal/metadata"
	"github.com/mwatts/acid-store/internal/objectio"
)

// Insert creates a new, empty object under key and returns a handle to it.
// The key becomes visible to Contains/Get/Keys immediately, but is only
// durable past a crash once Commit succeeds.
func (r *Repository) Insert(key []byte) (*ObjectHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkMutable(); err != nil {
		return nil, err
	}
	if len(key) == 0 {
		return nil, InvalidKey("key must be non-empty")
	}
	k := string(key)
	if _, exists := r.directory[k]; exists {
		return nil, AlreadyExists("key %q already exists", k)
	}

	h := objectio.New(r.bl, r.chunker, nil)
	r.directory[k] = dirEntry{}
	r.handles[k] = h
	return &ObjectHandle{key: append([]byte{}, key...), h: h}, nil
}

// Remove deletes key and releases its chunk references. It reports false
// if key did not exist.
func (r *Repository) Remove(key []byte) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkMutable(); err != nil {
		return false, err
	}
	k := string(key)
	entry, ok := r.directory[k]
	if !ok {
		return false, nil
	}
	for _, c := range entry.chunks {
		if err := r.bl.Release(c.Digest); err != nil && !errors.Is(err, blocklayer.ErrMissingBlock) {
			return false, r.poison(Backend(err, "release chunk for removed key %q", k))
		}
	}
	delete(r.directory, k)
	delete(r.handles, k)
	return true, nil
}

// Get returns a handle to the object stored under key. Repeated calls with
// the same key, without an intervening Commit/Rollback, return the same
// handle instance: handles to the same object share a logical copy.
func (r *Repository) Get(key []byte) (*ObjectHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, NotFound("repository is closed")
	}
	if r.poisoned {
		return nil, Poisoned("session aborted by a prior I/O failure: %v", r.poisonErr)
	}
	k := string(key)
	entry, ok := r.directory[k]
	if !ok {
		return nil, NotFound("key %q not found", k)
	}
	if h, ok := r.handles[k]; ok {
		return &ObjectHandle{key: append([]byte{}, key...), h: h}, nil
	}
	h := objectio.New(r.bl, r.chunker, entry.chunks)
	r.handles[k] = h
	return &ObjectHandle{key: append([]byte{}, key...), h: h}, nil
}

// Contains reports whether key is present in the object table.
func (r *Repository) Contains(key []byte) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false, NotFound("repository is closed")
	}
	_, ok := r.directory[string(key)]
	return ok, nil
}

// Keys yields every key currently in the object table, in sorted order, so
// iteration order is deterministic across calls within one session.
func (r *Repository) Keys() iter.Seq[[]byte] {
	r.mu.Lock()
	keys := make([]string, 0, len(r.directory))
	for k := range r.directory {
		keys = append(keys, k)
	}
	r.mu.Unlock()
	sort.Strings(keys)
	return func(yield func([]byte) bool) {
		for _, k := range keys {
			if !yield([]byte(k)) {
				return
			}
		}
	}
}

// Commit flushes every open handle, serializes the object table and chunk
// index through the metadata store, and atomically swaps the repository
// header to point at the new metadata root. A failure
// before the header swap leaves the prior commit fully intact; the swap
// itself cannot fail partway (two-phase: new header written to the
// inactive slot, then a single small Put flips the pointer).
func (r *Repository) Commit() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkMutable(); err != nil {
		return err
	}
	ctx := context.Background()

	for k, h := range r.handles {
		if err := h.Flush(ctx); err != nil {
			return r.poison(Backend(err, "flush object %q", k))
		}
		entry := dirEntry{chunks: h.Chunks(), size: h.Size()}
		r.directory[k] = entry
	}

	root := &metadata.Root{
		Objects:    make([]metadata.ObjectEntry, 0, len(r.directory)),
		ChunkIndex: make([]metadata.ChunkIndexEntry, 0),
	}
	referenced := make(map[codec.Digest]struct{})
	for k, entry := range r.directory {
		digests := make([][]byte, len(entry.chunks))
		for i, c := range entry.chunks {
			d := c.Digest
			digests[i] = append([]byte{}, d[:]...)
			referenced[d] = struct{}{}
		}
		root.Objects = append(root.Objects, metadata.ObjectEntry{Key: []byte(k), Digests: digests, Size: entry.size})
	}
	// The chunk index embedded in the metadata blob names object data
	// chunks only, keyed off what the object table actually references,
	// never a wholesale dump of the block layer's staged view. The
	// metadata blob's own chunks are named separately in the header's
	// MetadataRoot (see buildMetadataRoot) and never enter this list —
	// otherwise a prior generation's metadata chunks, released by this
	// same commit, would be serialized here as if still live, and the
	// object chunk index would carry chunks no object refers to.
	indexSnap := r.bl.StagedSnapshot()
	for digest := range referenced {
		ref, ok := indexSnap[digest]
		if !ok {
			return r.poison(fmt.Errorf("store: object references unstaged chunk %x", digest[:8]))
		}
		d := digest
		root.ChunkIndex = append(root.ChunkIndex, metadata.ChunkIndexEntry{
			Digest:   append([]byte{}, d[:]...),
			BlockID:  append([]byte{}, ref.BlockID[:]...),
			Size:     int64(ref.Size),
			RefCount: int64(ref.RefCount),
		})
	}

	newDigests, err := metadata.Save(ctx, r.bl, r.chunker, root)
	if err != nil {
		return r.poison(Backend(err, "save metadata root"))
	}
	if err := metadata.ReleaseAll(r.bl, r.metadataRoot); err != nil {
		return r.poison(fmt.Errorf("store: release old metadata root: %w", err))
	}

	snap := r.bl.StagedSnapshot()
	metaRoot, err := buildMetadataRoot(newDigests, snap)
	if err != nil {
		return r.poison(err)
	}

	hdr := onDiskHeader{
		RepoID:        r.repoID,
		CommitCounter: r.commitCounter + 1,
		Chunker:       toChunkerDTO(r.chunkerParams),
		Codec:         toCodecParamsDTO(r.codecParams),
		KDF:           toKDFParamsDTO(r.kdfParams),
		WrappedKey:    r.wrappedKey,
		MetadataRoot:  metaRoot,
	}
	newSlot, err := writeHeaderAndSwap(ctx, r.bs, r.currentSlot, hdr)
	if err != nil {
		return r.poison(err)
	}

	if err := r.bl.Commit(ctx); err != nil {
		return r.poison(Backend(err, "reclaim freed blocks"))
	}

	r.currentSlot = newSlot
	r.commitCounter++
	r.metadataRoot = newDigests
	r.committedDirectory = cloneDirectory(r.directory)
	r.handles = make(map[string]*objectio.Handle)

	if err := r.bl.Begin(); err != nil {
		return r.poison(fmt.Errorf("store: begin next transaction: %w", err))
	}
	r.logger.Info("commit", "commit_counter", r.commitCounter, "objects", len(r.directory))
	return nil
}

// Rollback discards every staged mutation made since the last commit: open
// handles are dropped without flushing, the block layer's staged chunk
// overlay is discarded (freeing any blocks it wrote), and the object table
// reverts to the last committed snapshot.
func (r *Repository) Rollback() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return NotFound("repository is closed")
	}
	if r.readOnly {
		return Corrupt(nil, "repository was opened read-only")
	}
	ctx := context.Background()
	if r.bl.InTransaction() {
		if err := r.bl.Rollback(ctx); err != nil {
			return Backend(err, "rollback block layer")
		}
	}
	r.directory = cloneDirectory(r.committedDirectory)
	r.handles = make(map[string]*objectio.Handle)
	r.poisoned = false
	r.poisonErr = nil
	if err := r.bl.Begin(); err != nil {
		return fmt.Errorf("store: begin next transaction: %w", err)
	}
	r.logger.Info("rollback", "commit_counter", r.commitCounter)
	return nil
}

// Clean removes every block in the backend that is neither referenced by
// the current committed chunk index nor one of the three well-known
// header/pointer blocks.
func (r *Repository) Clean() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkMutable(); err != nil {
		return err
	}
	ctx := context.Background()

	referenced := make(map[BlockID]struct{})
	for _, ref := range r.bl.Snapshot() {
		referenced[ref.BlockID] = struct{}{}
	}

	ids, err := r.bs.List(ctx)
	if err != nil {
		return Backend(err, "list blocks")
	}
	removed := 0
	for _, id := range ids {
		if isWellKnownBlock(id) {
			continue
		}
		if _, ok := referenced[id]; ok {
			continue
		}
		if err := r.bs.Remove(ctx, id); err != nil {
			return Backend(err, "remove unreferenced block %s", id)
		}
		removed++
	}
	r.logger.Info("clean", "removed_blocks", removed)
	return nil
}

// Verify checks that every chunk digest in the block layer's current view
// (the open transaction's staged index, or the committed index when no
// transaction is open) is present and decodes correctly, then reports which object keys reference
// an affected digest. It does not fail fast: every affected key is
// returned.
func (r *Repository) Verify() ([][]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, NotFound("repository is closed")
	}
	ctx := context.Background()

	bad, err := r.bl.Verify(ctx)
	if err != nil {
		return nil, Backend(err, "verify chunk index")
	}
	if len(bad) == 0 {
		return nil, nil
	}
	badSet := make(map[codec.Digest]struct{}, len(bad))
	for _, d := range bad {
		badSet[d] = struct{}{}
	}

	var affected [][]byte
	for k, entry := range r.directory {
		for _, c := range entry.chunks {
			if _, ok := badSet[c.Digest]; ok {
				affected = append(affected, []byte(k))
				break
			}
		}
	}
	slices.SortFunc(affected, func(a, b []byte) int {
		for i := 0; i < len(a) && i < len(b); i++ {
			if a[i] != b[i] {
				return int(a[i]) - int(b[i])
			}
		}
		return len(a) - len(b)
	})
	return affected, nil
}

// ChangePassword re-derives the key-encryption key from newSecret, rewraps
// the existing master key under it, and durably swaps the header. No block
// is rewritten: every block is encrypted under the master key, which is
// unchanged.
func (r *Repository) ChangePassword(newSecret []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkMutable(); err != nil {
		return err
	}
	ctx := context.Background()

	newParams, err := keywrap.NewParams()
	if err != nil {
		return fmt.Errorf("store: generate new kdf params: %w", err)
	}
	wrapped, err := keywrap.Wrap(newSecret, r.masterKey, newParams)
	if err != nil {
		return fmt.Errorf("store: wrap master key: %w", err)
	}

	metaRoot, err := buildMetadataRoot(r.metadataRoot, r.bl.Snapshot())
	if err != nil {
		return err
	}
	hdr := onDiskHeader{
		RepoID:        r.repoID,
		CommitCounter: r.commitCounter + 1,
		Chunker:       toChunkerDTO(r.chunkerParams),
		Codec:         toCodecParamsDTO(r.codecParams),
		KDF:           toKDFParamsDTO(newParams),
		WrappedKey:    wrapped,
		MetadataRoot:  metaRoot,
	}
	newSlot, err := writeHeaderAndSwap(ctx, r.bs, r.currentSlot, hdr)
	if err != nil {
		return r.poison(err)
	}

	r.currentSlot = newSlot
	r.commitCounter++
	r.kdfParams = newParams
	r.wrappedKey = wrapped
	r.logger.Info("password changed", "commit_counter", r.commitCounter)
	return nil
}

// Stats reports simple size accounting over the current working view:
// stored bytes (the plaintext size of each distinct referenced chunk,
// counted once), total logical object bytes, and the chunk and object
// counts; DedupRatio gives the ratio between the two byte totals.
type Stats struct {
	StoredBytes  int64
	LogicalBytes int64
	ChunkCount   int
	ObjectCount  int
}

// DedupRatio returns LogicalBytes/StoredBytes, or 0 when StoredBytes is 0.
func (s Stats) DedupRatio() float64 {
	if s.StoredBytes == 0 {
		return 0
	}
	return float64(s.LogicalBytes) / float64(s.StoredBytes)
}

// Stats computes Stats over the repository's current working view
// (including uncommitted mutations). Only chunks an object actually
// references count toward ChunkCount/StoredBytes — the metadata blob's own
// chunks live in the block layer too, but they are bookkeeping, not object
// content, so they are excluded here the same way they are excluded from
// the serialized chunk index (see Commit).
func (r *Repository) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := r.bl.StagedSnapshot()
	entries := make(map[string]dirEntry, len(r.directory))
	for k, entry := range r.directory {
		// An open handle's flushed chunks and size supersede the entry
		// recorded at the last Commit.
		if h, ok := r.handles[k]; ok {
			entry = dirEntry{chunks: h.Chunks(), size: h.Size()}
		}
		entries[k] = entry
	}
	referenced := make(map[codec.Digest]struct{})
	for _, entry := range entries {
		for _, c := range entry.chunks {
			referenced[c.Digest] = struct{}{}
		}
	}
	var stored int64
	for digest := range referenced {
		if ref, ok := snap[digest]; ok {
			stored += int64(ref.Size)
		}
	}
	var logical int64
	for _, entry := range entries {
		logical += entry.size
	}
	return Stats{
		StoredBytes:  stored,
		LogicalBytes: logical,
		ChunkCount:   len(referenced),
		ObjectCount:  len(r.directory),
	}
}
