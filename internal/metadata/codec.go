package metadata

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	// Canonical encoding gives byte-for-byte identical output for
	// structurally identical data, which is what lets two commits of an
	// unchanged metadata root produce an unchanged metadata root digest
	// list (and therefore no new blocks to write).
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("metadata: building canonical CBOR encoder: %v", err))
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("metadata: building CBOR decoder: %v", err))
	}
}

// Marshal serializes root deterministically: the object table and chunk
// index are sorted by their natural key before encoding so that two Roots
// with the same logical contents, built up in different call order,
// serialize identically.
func Marshal(root *Root) ([]byte, error) {
	sorted := *root
	sorted.Objects = append([]ObjectEntry{}, root.Objects...)
	sort.Slice(sorted.Objects, func(i, j int) bool {
		return bytes.Compare(sorted.Objects[i].Key, sorted.Objects[j].Key) < 0
	})
	sorted.ChunkIndex = append([]ChunkIndexEntry{}, root.ChunkIndex...)
	sort.Slice(sorted.ChunkIndex, func(i, j int) bool {
		return bytes.Compare(sorted.ChunkIndex[i].Digest, sorted.ChunkIndex[j].Digest) < 0
	})
	sorted.FreeSet = append([][]byte{}, root.FreeSet...)
	sort.Slice(sorted.FreeSet, func(i, j int) bool {
		return bytes.Compare(sorted.FreeSet[i], sorted.FreeSet[j]) < 0
	})

	buf, err := encMode.Marshal(&sorted)
	if err != nil {
		return nil, fmt.Errorf("metadata: marshal: %w", err)
	}
	return buf, nil
}

// Unmarshal decodes a metadata blob produced by Marshal.
func Unmarshal(data []byte) (*Root, error) {
	var root Root
	if err := decMode.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("metadata: unmarshal: %w", err)
	}
	return &root, nil
}
