package metadata

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

func TestMarshalIsDeterministic(t *testing.T) {
	root := &Root{
		Objects: []ObjectEntry{
			{Key: []byte("b"), Digests: [][]byte{{1, 2, 3}}, Size: 3},
			{Key: []byte("a"), Digests: [][]byte{{4, 5, 6}}, Size: 3},
		},
	}
	a, err := Marshal(root)
	if err != nil {
		t.Fatal(err)
	}
	// Rebuild with entries in the opposite order; the sorted encoding
	// should be identical.
	root2 := &Root{Objects: []ObjectEntry{root.Objects[1], root.Objects[0]}}
	b, err := Marshal(root2)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a, b) {
		t.Fatal("expected order-independent deterministic encoding")
	}
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	root := &Root{
		Objects: []ObjectEntry{
			{Key: []byte("file.txt"), Digests: [][]byte{{9, 9, 9}}, Size: 42},
		},
		ChunkIndex: []ChunkIndexEntry{
			{Digest: []byte{9, 9, 9}, BlockID: []byte("0123456789abcdef"), Size: 42, RefCount: 1},
		},
	}
	buf, err := Marshal(root)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Unmarshal(buf)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Objects) != 1 || string(got.Objects[0].Key) != "file.txt" {
		t.Fatalf("unexpected decoded root: %+v", got)
	}
}

func TestSaveLoadThroughBlockLayer(t *testing.T) {
	ctx := context.Background()
	bs := newMemStore()
	pipeline := codec.NewPipeline(codec.Params{Hash: codec.BLAKE3, Compression: codec.CompressionLZ4, Encryption: codec.EncryptionNone}, nil)
	bl := blocklayer.New(bs, pipeline, nil)
	c := chunker.New(chunker.Params{MinSize: 64, AvgSize: 256, MaxSize: 1024})

	root := &Root{
		Objects: []ObjectEntry{
			{Key: []byte("alpha"), Digests: [][]byte{{1}}, Size: 100},
			{Key: []byte("beta"), Digests: [][]byte{{2}}, Size: 200},
		},
		ChunkIndex: []ChunkIndexEntry{
			{Digest: []byte{1}, BlockID: []byte("block-one-------"), Size: 100, RefCount: 1},
			{Digest: []byte{2}, BlockID: []byte("block-two-------"), Size: 200, RefCount: 1},
		},
	}

	if err := bl.Begin(); err != nil {
		t.Fatal(err)
	}
	digests, err := Save(ctx, bl, c, root)
	if err != nil {
		t.Fatal(err)
	}
	if err := bl.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	if len(digests) == 0 {
		t.Fatal("expected at least one metadata chunk digest")
	}

	got, err := Load(ctx, bl, digests)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Objects) != 2 {
		t.Fatalf("expected 2 objects, got %d", len(got.Objects))
	}
}

func TestLoadEmptyDigestList(t *testing.T) {
	ctx := context.Background()
	bs := newMemStore()
	pipeline := codec.NewPipeline(codec.Params{Hash: codec.BLAKE3}, nil)
	bl := blocklayer.New(bs, pipeline, nil)

	root, err := Load(ctx, bl, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(root.Objects) != 0 {
		t.Fatalf("expected empty root, got %+v", root)
	}
}
