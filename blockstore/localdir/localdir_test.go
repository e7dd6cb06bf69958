package localdir

import (
	"testing"

	"github.com/mwatts/acid-store/blockstore/storetest"
	"github.com/mwatts/acid-store/internal/blockio"
)

func TestLocalDir(t *testing.T) {
	storetest.TestBlockStore(t, func(t *testing.T) blockio.BlockStore {
		s, err := Open(t.TempDir(), nil)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestLocalDirLocker(t *testing.T) {
	storetest.TestLocker(t, func(t *testing.T) (blockio.Locker, blockio.Locker) {
		dir := t.TempDir()
		a, err := Open(dir, nil)
		if err != nil {
			t.Fatalf("Open a: %v", err)
		}
		t.Cleanup(func() { a.Close() })
		b, err := Open(dir, nil)
		if err != nil {
			t.Fatalf("Open b: %v", err)
		}
		t.Cleanup(func() { b.Close() })
		return a, b
	})
}
