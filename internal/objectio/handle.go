// Package objectio implements the seekable read/write view over an
// object's chunk list. Handle is the internal engine;
// the root package's ObjectHandle is a thin facade over it.
package objectio

import (
	"context"
	"fmt"
	"sync"

	"github.com/mwatts/acid-store/internal/blocklayer"
	"github.com/mwatts/acid-store/internal/chunker"
	"github.com/mwatts/acid-store/internal/codec"
)

// Handle is a seekable, copy-on-write view over one object's chunk list.
//
// Reads that land entirely within committed chunks are served chunk by
// chunk via the cumulative-length index, without materializing the whole
// object. Once a Write or Truncate touches the object, its full plaintext
// is pulled into a buffer and every subsequent Read/Write is served from
// that buffer until Flush re-chunks it and discards the buffer — this
// keeps the re-chunking step itself simple and provably convergent (the
// same chunker applied to the same final bytes always cuts at the same
// boundaries, since chunk boundaries depend only on a local content
// window rather than absolute position) at the cost of rehashing the
// whole object on any write, rather than only the touched region.
type Handle struct {
	bl      *blocklayer.BlockLayer
	chunker *chunker.Chunker

	mu sync.Mutex

	chunks []ChunkEntry // authoritative when buf == nil

	buf         []byte         // non-nil once a Write/Truncate has touched this handle
	origDigests []codec.Digest // chunk digests to Release on Flush, captured when buf was first materialized
}

// New constructs a Handle over an object's existing chunk list (nil for a
// freshly inserted, empty object).
func New(bl *blocklayer.BlockLayer, c *chunker.Chunker, chunks []ChunkEntry) *Handle {
	cp := append([]ChunkEntry{}, chunks...)
	return &Handle{bl: bl, chunker: c, chunks: cp}
}

// Size returns the object's current logical length.
func (h *Handle) Size() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.buf != nil {
		return int64(len(h.buf))
	}
	return buildCumulativeIndex(h.chunks).total()
}

// Chunks returns the object's current chunk list. Callers must Flush
// first if they need the list to reflect pending writes.
func (h *Handle) Chunks() []ChunkEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]ChunkEntry{}, h.chunks...)
}

// Read copies up to len(p) bytes starting at offset into p and returns
// the number of bytes copied. It returns (0, nil) at end of stream,
// matching io.ReaderAt's "non-negative count, nil error at EOF" idiom
// except it never returns io.EOF itself since Handle is not an io.ReaderAt.
func (h *Handle) Read(ctx context.Context, offset int64, p []byte) (int, error) {
	h.mu.Lock()
	buf := h.buf
	chunks := h.chunks
	h.mu.Unlock()

	if buf != nil {
		if offset >= int64(len(buf)) {
			return 0, nil
		}
		n := copy(p, buf[offset:])
		return n, nil
	}

	idx := buildCumulativeIndex(chunks)
	total := idx.total()
	if offset >= total {
		return 0, nil
	}
	remaining := p
	pos := offset
	read := 0
	for len(remaining) > 0 && pos < total {
		ci, within, ok := idx.locate(pos)
		if !ok {
			break
		}
		plaintext, err := h.bl.LoadChunk(ctx, chunks[ci].Digest)
		if err != nil {
			return read, fmt.Errorf("objectio: load chunk %d: %w", ci, err)
		}
		n := copy(remaining, plaintext[within:])
		remaining = remaining[n:]
		pos += int64(n)
		read += n
	}
	return read, nil
}

// Write overwrites the logical byte range [offset, offset+len(data)) with
// data, zero-filling any gap if offset is past the current end, and marks
// the object dirty for the next Flush.
func (h *Handle) Write(ctx context.Context, offset int64, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.materializeLocked(ctx); err != nil {
		return err
	}
	end := offset + int64(len(data))
	if end > int64(len(h.buf)) {
		grown := make([]byte, end)
		copy(grown, h.buf)
		h.buf = grown
	}
	copy(h.buf[offset:end], data)
	return nil
}

// Truncate resizes the object to size, zero-filling if it grows.
func (h *Handle) Truncate(ctx context.Context, size int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.materializeLocked(ctx); err != nil {
		return err
	}
	if size <= int64(len(h.buf)) {
		h.buf = h.buf[:size]
		return nil
	}
	grown := make([]byte, size)
	copy(grown, h.buf)
	h.buf = grown
	return nil
}

// materializeLocked pulls the full object into h.buf on first call,
// recording the chunk digests currently backing it so Flush knows what to
// Release once the rewritten chunk list replaces them. Callers must hold
// h.mu.
func (h *Handle) materializeLocked(ctx context.Context) error {
	if h.buf != nil {
		return nil
	}
	total := buildCumulativeIndex(h.chunks).total()
	buf := make([]byte, 0, total)
	for _, c := range h.chunks {
		plaintext, err := h.bl.LoadChunk(ctx, c.Digest)
		if err != nil {
			return fmt.Errorf("objectio: materialize chunk: %w", err)
		}
		buf = append(buf, plaintext...)
	}
	h.origDigests = make([]codec.Digest, len(h.chunks))
	for i, c := range h.chunks {
		h.origDigests[i] = c.Digest
	}
	h.buf = buf
	return nil
}

// Flush re-chunks any buffered writes and stores the new chunks, leaving
// the object's chunk list consistent with its current logical content.
// It is idempotent: calling it with no pending writes is a no-op.
func (h *Handle) Flush(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.buf == nil {
		return nil
	}

	ranges := h.chunker.Chunk(h.buf)
	newChunks := make([]ChunkEntry, 0, len(ranges))
	for _, r := range ranges {
		d, err := h.bl.StoreChunk(ctx, h.buf[r.Start:r.End])
		if err != nil {
			return fmt.Errorf("objectio: flush: store chunk: %w", err)
		}
		newChunks = append(newChunks, ChunkEntry{Digest: d, Size: int64(r.Len())})
	}

	for _, d := range h.origDigests {
		if err := h.bl.Release(d); err != nil && err != blocklayer.ErrMissingBlock {
			return fmt.Errorf("objectio: flush: release old chunk: %w", err)
		}
	}

	h.chunks = newChunks
	h.buf = nil
	h.origDigests = nil
	return nil
}
