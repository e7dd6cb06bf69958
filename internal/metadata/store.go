package metadata

import (
	"bytes"
	"context"
	"fmt"

	"github.com/mwatts/acid-store/internal/blocklayer"
	"github.com/mwatts/acid-store/internal/chunker"
	"github.com/mwatts/acid-store/internal/codec"
)

// Save serializes root, chunks the resulting blob with c, and stores each
// chunk through bl (which must have an open transaction). It returns the
// metadata root: the ordered list of chunk digests needed to reconstitute
// the blob, which the caller records in the repository header.
func Save(ctx context.Context, bl *blocklayer.BlockLayer, c *chunker.Chunker, root *Root) ([]codec.Digest, error) {
	blob, err := Marshal(root)
	if err != nil {
		return nil, err
	}

	ranges := c.Chunk(blob)
	digests := make([]codec.Digest, 0, len(ranges))
	for _, r := range ranges {
		d, err := bl.StoreChunk(ctx, blob[r.Start:r.End])
		if err != nil {
			return nil, fmt.Errorf("metadata: store metadata chunk: %w", err)
		}
		digests = append(digests, d)
	}
	return digests, nil
}

// Load reassembles the metadata blob named by digests and decodes it.
func Load(ctx context.Context, bl *blocklayer.BlockLayer, digests []codec.Digest) (*Root, error) {
	if len(digests) == 0 {
		return &Root{}, nil
	}
	var buf bytes.Buffer
	for _, d := range digests {
		plaintext, err := bl.LoadChunk(ctx, d)
		if err != nil {
			return nil, fmt.Errorf("metadata: load metadata chunk: %w", err)
		}
		buf.Write(plaintext)
	}
	return Unmarshal(buf.Bytes())
}

// ReleaseAll releases every chunk in the previous metadata root's digest
// list. Callers must call Save for the replacement metadata blob first
// and ReleaseAll for the old one second: Save's StoreChunk bumps the
// refcount of any digest the new blob shares with the old one, so
// releasing afterward only drops the old root's own reference instead of
// transiently freeing a block the new root still needs.
func ReleaseAll(bl *blocklayer.BlockLayer, digests []codec.Digest) error {
	for _, d := range digests {
		if err := bl.Release(d); err != nil && err != blocklayer.ErrMissingBlock {
			return fmt.Errorf("metadata: release metadata chunk: %w", err)
		}
	}
	return nil
}
