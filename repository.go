package store

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/mwatts/acid-store/internal/blocklayer"
	"github.com/mwatts/acid-store/internal/chunker"
	"github.com/mwatts/acid-store/internal/codec"
	"github.com/mwatts/acid-store/internal/keywrap"
	"github.com/mwatts/acid-store/internal/logging"
	"github.com/mwatts/acid-store/internal/metadata"
	"github.com/mwatts/acid-store/internal/objectio"
	"golang.org/x/crypto/chacha20poly1305"
)

// Repository is the engine's public handle on an open repository session.
// It owns the codec pipeline, the block layer's chunk index, the object
// table, and the two-phase header it persists on every Commit.
type Repository struct {
	mu sync.Mutex

	bs       BlockStore
	locker   Locker
	lockHeld bool
	readOnly bool

	logger *slog.Logger

	repoID        [16]byte
	commitCounter uint64
	chunkerParams ChunkerParams
	codecParams   codec.Params
	kdfParams     keywrap.Params
	wrappedKey    []byte
	masterKey     []byte

	pipeline *codec.Pipeline
	chunker  *chunker.Chunker
	bl       *blocklayer.BlockLayer

	currentSlot  byte
	metadataRoot []codec.Digest // digests of the currently committed metadata blob

	// directory is the working view of the object table: key -> chunk
	// list/size. It includes uncommitted Insert/Remove/Flush mutations;
	// committedDirectory is the snapshot Rollback restores.
	directory          map[string]dirEntry
	committedDirectory map[string]dirEntry

	// handles holds every ObjectHandle's backing objectio.Handle created
	// this session, so Commit can flush them all and so a second
	// Get/Insert of the same key returns the same handle (handles to the
	// same object share a logical copy).
	handles map[string]*objectio.Handle

	closed    bool
	poisoned  bool
	poisonErr error
}

type dirEntry struct {
	chunks []objectio.ChunkEntry
	size   int64
}

func cloneDirectory(m map[string]dirEntry) map[string]dirEntry {
	out := make(map[string]dirEntry, len(m))
	for k, v := range m {
		out[k] = dirEntry{chunks: append([]objectio.ChunkEntry{}, v.chunks...), size: v.size}
	}
	return out
}

// Create initializes a brand-new repository against bs: a fresh repository
// UUID, the caller's codec/chunker parameters, a freshly generated and
// wrapped master key, and an empty metadata root. The header write is the
// final step of Create.
func Create(bs BlockStore, cfg Config, userSecret []byte, opts ...OpenOption) (*Repository, error) {
	o := defaultOpenOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Chunker.Validate(); err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	ctx := context.Background()
	locker, held, err := acquireLock(ctx, bs, false, o.allowUnlockedBackend)
	if err != nil {
		return nil, err
	}

	masterKey := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(masterKey); err != nil {
		unlockBestEffort(ctx, locker, held)
		return nil, fmt.Errorf("store: generate master key: %w", err)
	}
	kdfParams, err := keywrap.NewParams()
	if err != nil {
		unlockBestEffort(ctx, locker, held)
		return nil, fmt.Errorf("store: generate kdf params: %w", err)
	}
	wrappedKey, err := keywrap.Wrap(userSecret, masterKey, kdfParams)
	if err != nil {
		unlockBestEffort(ctx, locker, held)
		return nil, fmt.Errorf("store: wrap master key: %w", err)
	}

	logger := logging.Default(o.logger).With("component", "repository")
	pipeline := codec.NewPipeline(cfg.codecParams(), masterKey)
	ck := chunker.New(cfg.Chunker)
	cacheSize := o.cacheSize
	bl := blocklayer.NewWithCacheSize(bs, pipeline, o.logger, cacheSize)

	r := &Repository{
		bs:                 bs,
		locker:             locker,
		lockHeld:           held,
		readOnly:           false,
		logger:             logger,
		repoID:             uuid.New(),
		chunkerParams:      cfg.Chunker,
		codecParams:        cfg.codecParams(),
		kdfParams:          kdfParams,
		wrappedKey:         wrappedKey,
		masterKey:          masterKey,
		pipeline:           pipeline,
		chunker:            ck,
		bl:                 bl,
		directory:          make(map[string]dirEntry),
		committedDirectory: make(map[string]dirEntry),
		handles:            make(map[string]*objectio.Handle),
	}

	if err := r.bl.Begin(); err != nil {
		unlockBestEffort(ctx, locker, held)
		return nil, fmt.Errorf("store: begin initial transaction: %w", err)
	}
	digests, err := metadata.Save(ctx, r.bl, r.chunker, &metadata.Root{})
	if err != nil {
		_ = r.bl.Rollback(ctx)
		unlockBestEffort(ctx, locker, held)
		return nil, fmt.Errorf("store: save empty metadata root: %w", err)
	}
	snap := r.bl.StagedSnapshot()
	root, err := buildMetadataRoot(digests, snap)
	if err != nil {
		_ = r.bl.Rollback(ctx)
		unlockBestEffort(ctx, locker, held)
		return nil, err
	}
	if err := r.bl.Commit(ctx); err != nil {
		unlockBestEffort(ctx, locker, held)
		return nil, fmt.Errorf("store: commit initial metadata: %w", err)
	}
	r.metadataRoot = digests

	hdr := onDiskHeader{
		RepoID:        r.repoID,
		CommitCounter: 1,
		Chunker:       toChunkerDTO(cfg.Chunker),
		Codec:         toCodecParamsDTO(r.codecParams),
		KDF:           toKDFParamsDTO(kdfParams),
		WrappedKey:    wrappedKey,
		MetadataRoot:  root,
	}
	if err := bootstrapHeader(ctx, bs, hdr); err != nil {
		unlockBestEffort(ctx, locker, held)
		return nil, err
	}
	r.commitCounter = 1
	r.currentSlot = 0

	if err := r.bl.Begin(); err != nil {
		unlockBestEffort(ctx, locker, held)
		return nil, fmt.Errorf("store: begin transaction after create: %w", err)
	}

	logger.Info("repository created", "repo_id", uuid.UUID(r.repoID).String())
	return r, nil
}

// Open reads the repository header from bs, unwraps the master key with
// userSecret, reconstructs the in-memory chunk index and object table from
// the metadata root, and returns a ready Repository.
func Open(bs BlockStore, userSecret []byte, opts ...OpenOption) (*Repository, error) {
	o := defaultOpenOptions()
	for _, opt := range opts {
		opt(&o)
	}

	ctx := context.Background()
	locker, held, err := acquireLock(ctx, bs, o.readOnly, o.allowUnlockedBackend)
	if err != nil {
		return nil, err
	}

	hdr, slot, err := readActiveHeader(ctx, bs)
	if err != nil {
		unlockBestEffort(ctx, locker, held)
		return nil, err
	}
	if hdr.CommitCounter == 0 {
		unlockBestEffort(ctx, locker, held)
		return nil, UnsupportedFormat(nil, "header has no commits")
	}

	masterKey, err := keywrap.Unwrap(userSecret, hdr.WrappedKey, hdr.KDF.toParams())
	if err != nil {
		unlockBestEffort(ctx, locker, held)
		return nil, Password(err, "unwrap master key")
	}

	logger := logging.Default(o.logger).With("component", "repository")
	codecParams := hdr.Codec.toParams()
	pipeline := codec.NewPipeline(codecParams, masterKey)
	ckParams := hdr.Chunker.toParams()
	ck := chunker.New(ckParams)
	bl := blocklayer.NewWithCacheSize(bs, pipeline, o.logger, o.cacheSize)

	digests := metadataDigests(hdr.MetadataRoot)
	bootstrapIndex := metadataBootstrapIndex(hdr.MetadataRoot)
	bl.LoadIndex(bootstrapIndex)
	root, err := metadata.Load(ctx, bl, digests)
	if err != nil {
		unlockBestEffort(ctx, locker, held)
		return nil, Corrupt(err, "load metadata root")
	}

	chunkIndex, err := decodeChunkIndex(root.ChunkIndex)
	if err != nil {
		unlockBestEffort(ctx, locker, held)
		return nil, Corrupt(err, "decode chunk index")
	}
	// root.ChunkIndex only names object data chunks (see Repository.Commit),
	// so the metadata blob's own chunks from bootstrapIndex must be merged
	// in rather than dropped — LoadIndex replaces the committed index
	// wholesale, it does not merge with what is already loaded.
	fullIndex := make(map[codec.Digest]blocklayer.ChunkRef, len(bootstrapIndex)+len(chunkIndex))
	for d, ref := range bootstrapIndex {
		fullIndex[d] = ref
	}
	for d, ref := range chunkIndex {
		fullIndex[d] = ref
	}
	bl.LoadIndex(fullIndex)

	directory, err := decodeDirectory(root.Objects, chunkIndex)
	if err != nil {
		unlockBestEffort(ctx, locker, held)
		return nil, Corrupt(err, "decode object table")
	}

	r := &Repository{
		bs:                 bs,
		locker:             locker,
		lockHeld:           held,
		readOnly:           o.readOnly,
		logger:             logger,
		repoID:             hdr.RepoID,
		commitCounter:      hdr.CommitCounter,
		chunkerParams:      ckParams,
		codecParams:        codecParams,
		kdfParams:          hdr.KDF.toParams(),
		wrappedKey:         hdr.WrappedKey,
		masterKey:          masterKey,
		pipeline:           pipeline,
		chunker:            ck,
		bl:                 bl,
		currentSlot:        slot,
		metadataRoot:       digests,
		directory:          directory,
		committedDirectory: cloneDirectory(directory),
		handles:            make(map[string]*objectio.Handle),
	}

	if !o.readOnly {
		if err := r.bl.Begin(); err != nil {
			unlockBestEffort(ctx, locker, held)
			return nil, fmt.Errorf("store: begin transaction: %w", err)
		}
	}

	if o.verifyOnOpen {
		if bad, err := r.bl.Verify(ctx); err != nil {
			_ = r.Close()
			return nil, err
		} else if len(bad) > 0 {
			_ = r.Close()
			return nil, Corrupt(nil, "%d chunk(s) failed verification on open", len(bad))
		}
	}

	logger.Info("repository opened", "repo_id", uuid.UUID(r.repoID).String(), "commit_counter", r.commitCounter, "read_only", r.readOnly)
	return r, nil
}

// ReadOnly reports whether this session was opened with WithReadOnly.
func (r *Repository) ReadOnly() bool {
	return r.readOnly
}

// Close releases the repository's lock without committing any pending
// mutation. The implicit flush-on-drop behavior applies to object handles,
// not the repository — Repository.Close performs no implicit Commit or
// Rollback of staged object-table changes.
func (r *Repository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	unlockBestEffort(context.Background(), r.locker, r.lockHeld)
	r.logger.Info("repository closed", "repo_id", uuid.UUID(r.repoID).String())
	return nil
}

func (r *Repository) checkMutable() error {
	if r.closed {
		return NotFound("repository is closed")
	}
	if r.readOnly {
		return Corrupt(nil, "repository was opened read-only")
	}
	if r.poisoned {
		return Poisoned("session aborted by a prior I/O failure: %v", r.poisonErr)
	}
	return nil
}

// poison marks the session poisoned after an I/O failure partway through a
// mutation: further mutations are rejected until Rollback or Close.
func (r *Repository) poison(err error) error {
	r.poisoned = true
	r.poisonErr = err
	return err
}

// acquireLock takes the exclusive (writable session) or shared (read-only
// session) lock on bs if it implements Locker. A backend with no Locker
// support refuses a writable session unless allowUnlocked is set; a
// read-only session never needs the override, since it simply proceeds
// without any lock.
func acquireLock(ctx context.Context, bs BlockStore, readOnly, allowUnlocked bool) (Locker, bool, error) {
	locker, ok := bs.(Locker)
	if !ok {
		if !readOnly && !allowUnlocked {
			return nil, false, Locked(ErrLockUnsupported, "backend does not support locking; pass WithAllowUnlockedBackend to proceed anyway")
		}
		return nil, false, nil
	}
	var err error
	if readOnly {
		err = locker.LockShared(ctx)
	} else {
		err = locker.LockExclusive(ctx)
	}
	if err != nil {
		if errors.Is(err, ErrLockUnsupported) && (readOnly || allowUnlocked) {
			return nil, false, nil
		}
		return nil, false, Locked(err, "acquire %s lock", lockKind(readOnly))
	}
	return locker, true, nil
}

func lockKind(readOnly bool) string {
	if readOnly {
		return "shared"
	}
	return "exclusive"
}

func unlockBestEffort(ctx context.Context, locker Locker, held bool) {
	if locker == nil || !held {
		return
	}
	_ = locker.Unlock(ctx)
}

func decodeChunkIndex(entries []metadata.ChunkIndexEntry) (map[codec.Digest]blocklayer.ChunkRef, error) {
	out := make(map[codec.Digest]blocklayer.ChunkRef, len(entries))
	for _, e := range entries {
		var digest codec.Digest
		if len(e.Digest) != len(digest) {
			return nil, fmt.Errorf("store: chunk index entry has malformed digest (%d bytes)", len(e.Digest))
		}
		copy(digest[:], e.Digest)
		var blockID BlockID
		if len(e.BlockID) != len(blockID) {
			return nil, fmt.Errorf("store: chunk index entry has malformed block id (%d bytes)", len(e.BlockID))
		}
		copy(blockID[:], e.BlockID)
		out[digest] = blocklayer.ChunkRef{BlockID: blockID, Size: int(e.Size), RefCount: int(e.RefCount)}
	}
	return out, nil
}

// decodeDirectory rebuilds the object table's working view from its
// serialized entries. Per-chunk plaintext lengths aren't stored redundantly
// in the object table (only an object's total size is), so each chunk's
// Size is filled in from the already-loaded chunk index instead.
func decodeDirectory(entries []metadata.ObjectEntry, chunkIndex map[codec.Digest]blocklayer.ChunkRef) (map[string]dirEntry, error) {
	out := make(map[string]dirEntry, len(entries))
	for _, e := range entries {
		chunks := make([]objectio.ChunkEntry, len(e.Digests))
		for i, d := range e.Digests {
			var digest codec.Digest
			if len(d) != len(digest) {
				return nil, fmt.Errorf("store: object entry has malformed chunk digest (%d bytes)", len(d))
			}
			copy(digest[:], d)
			ref, ok := chunkIndex[digest]
			if !ok {
				return nil, fmt.Errorf("store: object %q references unindexed chunk %x", e.Key, digest[:8])
			}
			chunks[i] = objectio.ChunkEntry{Digest: digest, Size: int64(ref.Size)}
		}
		out[string(e.Key)] = dirEntry{chunks: chunks, size: e.Size}
	}
	return out, nil
}
