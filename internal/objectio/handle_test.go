package objectio

import (
	"bytes"
	"context"
	"sync"
	"testing"

	"github.com/mwatts/acid-store/internal/blockio"
	"github.com/mwatts/acid-store/internal/blocklayer"
	"github.com/mwatts/acid-store/internal/chunker"
	"github.com/mwatts/acid-store/internal/codec"
)

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
	m.blocks[id] = append([]byte{}, frame...)
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

func testLayer() *blocklayer.BlockLayer {
	pipeline := codec.NewPipeline(codec.Params{Hash: codec.BLAKE3, Compression: codec.CompressionLZ4, Encryption: codec.EncryptionNone}, nil)
	return blocklayer.New(newMemStore(), pipeline, nil)
}

func TestWriteReadFlushRoundTrip(t *testing.T) {
	ctx := context.Background()
	bl := testLayer()
	c := chunker.New(chunker.Params{MinSize: 16, AvgSize: 64, MaxSize: 256})

	if err := bl.Begin(); err != nil {
		t.Fatal(err)
	}
	h := New(bl, c, nil)
	content := bytes.Repeat([]byte("0123456789"), 50)
	if err := h.Write(ctx, 0, content); err != nil {
		t.Fatal(err)
	}
	if err := h.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if err := bl.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	if got := h.Size(); got != int64(len(content)) {
		t.Fatalf("expected size %d, got %d", len(content), got)
	}

	buf := make([]byte, len(content))
	n, err := h.Read(ctx, 0, buf)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(content) || !bytes.Equal(buf, content) {
		t.Fatalf("read mismatch: n=%d", n)
	}
}

func TestPartialReadAcrossChunks(t *testing.T) {
	ctx := context.Background()
	bl := testLayer()
	c := chunker.New(chunker.Params{MinSize: 8, AvgSize: 32, MaxSize: 64})

	if err := bl.Begin(); err != nil {
		t.Fatal(err)
	}
	h := New(bl, c, nil)
	content := bytes.Repeat([]byte("abcdefgh"), 40)
	if err := h.Write(ctx, 0, content); err != nil {
		t.Fatal(err)
	}
	if err := h.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if err := bl.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	if len(h.Chunks()) < 2 {
		t.Fatalf("expected the content to span multiple chunks, got %d", len(h.Chunks()))
	}

	mid := len(content) / 2
	buf := make([]byte, 10)
	n, err := h.Read(ctx, int64(mid), buf)
	if err != nil {
		t.Fatal(err)
	}
	if n != 10 || !bytes.Equal(buf, content[mid:mid+10]) {
		t.Fatalf("partial read mismatch: got %q want %q", buf[:n], content[mid:mid+10])
	}
}

func TestTruncateShrinkAndGrow(t *testing.T) {
	ctx := context.Background()
	bl := testLayer()
	c := chunker.New(chunker.Params{MinSize: 8, AvgSize: 32, MaxSize: 64})

	if err := bl.Begin(); err != nil {
		t.Fatal(err)
	}
	h := New(bl, c, nil)
	if err := h.Write(ctx, 0, []byte("hello world")); err != nil {
		t.Fatal(err)
	}
	if err := h.Truncate(ctx, 5); err != nil {
		t.Fatal(err)
	}
	if err := h.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if err := bl.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	if h.Size() != 5 {
		t.Fatalf("expected size 5, got %d", h.Size())
	}
	buf := make([]byte, 5)
	if _, err := h.Read(ctx, 0, buf); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf, []byte("hello")) {
		t.Fatalf("got %q", buf)
	}

	if err := bl.Begin(); err != nil {
		t.Fatal(err)
	}
	if err := h.Truncate(ctx, 8); err != nil {
		t.Fatal(err)
	}
	if err := h.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if err := bl.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	if h.Size() != 8 {
		t.Fatalf("expected size 8 after grow, got %d", h.Size())
	}
}

func TestFlushIsIdempotentWithoutPendingWrites(t *testing.T) {
	ctx := context.Background()
	bl := testLayer()
	c := chunker.New(chunker.DefaultParams)
	if err := bl.Begin(); err != nil {
		t.Fatal(err)
	}
	h := New(bl, c, nil)
	if err := h.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if err := h.Flush(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestEmptyHandleReadReturnsZero(t *testing.T) {
	ctx := context.Background()
	bl := testLayer()
	c := chunker.New(chunker.DefaultParams)
	h := New(bl, c, nil)
	buf := make([]byte, 10)
	n, err := h.Read(ctx, 0, buf)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("expected 0 bytes read from empty handle, got %d", n)
	}
}
