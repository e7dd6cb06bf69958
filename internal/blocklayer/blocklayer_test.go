package blocklayer

import (
	"context"
	"sync"
	"testing"

	"github.com/mwatts/acid-store/internal/blockio"
	"github.com/mwatts/acid-store/internal/codec"
)

// memStore is a minimal in-memory blockio.BlockStore for exercising
// BlockLayer without any real backend.
type memStore struct {
	mu     sync.Mutex
	blocks map[blockio.BlockID][]byte
}

func newMemStore() *memStore {
	return &memStore{blocks: make(map[blockio.BlockID][]byte)}
}

func (m *memStore) Put(_ context.Context, id blockio.BlockID, frame []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := append([]byte{}, frame...)
	m.blocks[id] = cp
	return nil
}

func (m *memStore) Get(_ context.Context, id blockio.BlockID) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blocks[id]
	if !ok {
		return nil, blockio.ErrNotFound
	}
	return b, nil
}

func (m *memStore) Remove(_ context.Context, id blockio.BlockID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blocks[id]; !ok {
		return blockio.ErrNotFound
	}
	delete(m.blocks, id)
	return nil
}

func (m *memStore) List(_ context.Context) ([]blockio.BlockID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]blockio.BlockID, 0, len(m.blocks))
	for id := range m.blocks {
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.blocks)
}

func testPipeline() *codec.Pipeline {
	return codec.NewPipeline(codec.Params{Hash: codec.BLAKE3, Compression: codec.CompressionLZ4, Encryption: codec.EncryptionNone}, nil)
}

func TestStoreChunkDedup(t *testing.T) {
	ctx := context.Background()
	bs := newMemStore()
	bl := New(bs, testPipeline(), nil)

	if err := bl.Begin(); err != nil {
		t.Fatal(err)
	}
	d1, err := bl.StoreChunk(ctx, []byte("hello world"))
	if err != nil {
		t.Fatal(err)
	}
	d2, err := bl.StoreChunk(ctx, []byte("hello world"))
	if err != nil {
		t.Fatal(err)
	}
	if d1 != d2 {
		t.Fatalf("expected identical digest for identical plaintext, got %x vs %x", d1, d2)
	}
	if err := bl.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	if got := bs.count(); got != 1 {
		t.Fatalf("expected exactly one stored block after dedup, got %d", got)
	}

	snap := bl.Snapshot()
	if snap[d1].RefCount != 2 {
		t.Fatalf("expected refcount 2, got %d", snap[d1].RefCount)
	}
}

func TestLoadChunkRoundTrip(t *testing.T) {
	ctx := context.Background()
	bs := newMemStore()
	bl := New(bs, testPipeline(), nil)

	if err := bl.Begin(); err != nil {
		t.Fatal(err)
	}
	digest, err := bl.StoreChunk(ctx, []byte("payload bytes"))
	if err != nil {
		t.Fatal(err)
	}
	if err := bl.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	got, err := bl.LoadChunk(ctx, digest)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "payload bytes" {
		t.Fatalf("got %q", got)
	}
}

func TestReleaseDropsBlockOnCommit(t *testing.T) {
	ctx := context.Background()
	bs := newMemStore()
	bl := New(bs, testPipeline(), nil)

	if err := bl.Begin(); err != nil {
		t.Fatal(err)
	}
	digest, err := bl.StoreChunk(ctx, []byte("solo chunk"))
	if err != nil {
		t.Fatal(err)
	}
	if err := bl.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	if bs.count() != 1 {
		t.Fatalf("expected 1 block, got %d", bs.count())
	}

	if err := bl.Begin(); err != nil {
		t.Fatal(err)
	}
	if err := bl.Release(digest); err != nil {
		t.Fatal(err)
	}
	if err := bl.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	if got := bs.count(); got != 0 {
		t.Fatalf("expected block removed after last release, got %d blocks", got)
	}
	if _, err := bl.LoadChunk(ctx, digest); err != ErrMissingBlock {
		t.Fatalf("expected ErrMissingBlock, got %v", err)
	}
}

func TestRollbackDiscardsNewBlocks(t *testing.T) {
	ctx := context.Background()
	bs := newMemStore()
	bl := New(bs, testPipeline(), nil)

	if err := bl.Begin(); err != nil {
		t.Fatal(err)
	}
	digest, err := bl.StoreChunk(ctx, []byte("aborted chunk"))
	if err != nil {
		t.Fatal(err)
	}
	if bs.count() != 1 {
		t.Fatalf("expected block written during open transaction, got %d", bs.count())
	}
	if err := bl.Rollback(ctx); err != nil {
		t.Fatal(err)
	}
	if got := bs.count(); got != 0 {
		t.Fatalf("expected rollback to remove the unreferenced block, got %d", got)
	}
	if len(bl.Snapshot()) != 0 {
		t.Fatal("expected empty committed index after rollback")
	}
	_ = digest
}

func TestStoreChunkWithoutTransaction(t *testing.T) {
	bs := newMemStore()
	bl := New(bs, testPipeline(), nil)
	_, err := bl.StoreChunk(context.Background(), []byte("x"))
	if err != ErrNoTransaction {
		t.Fatalf("expected ErrNoTransaction, got %v", err)
	}
}

func TestVerifyDetectsMissingBlock(t *testing.T) {
	ctx := context.Background()
	bs := newMemStore()
	bl := New(bs, testPipeline(), nil)

	if err := bl.Begin(); err != nil {
		t.Fatal(err)
	}
	digest, err := bl.StoreChunk(ctx, []byte("will go missing"))
	if err != nil {
		t.Fatal(err)
	}
	if err := bl.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	ref := bl.Snapshot()[digest]
	_ = bs.Remove(ctx, ref.BlockID) // simulate out-of-band corruption

	bad, err := bl.Verify(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(bad) != 1 || bad[0] != digest {
		t.Fatalf("expected verify to flag %x, got %v", digest, bad)
	}
}
