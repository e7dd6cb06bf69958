package store

import (
	"context"

	"github.com/mwatts/acid-store/internal/objectio"
)

// ObjectHandle is a seekable, copy-on-write view over one object's bytes,
// returned by Repository.Insert and Repository.Get.
// Its writes are only visible to other handles and durable past a crash
// once Repository.Commit succeeds; Flush alone only pushes new chunks to
// the backend, it does not commit them.
type ObjectHandle struct {
	key []byte
	h   *objectio.Handle
}

// Size returns the object's current logical length, including any
// unflushed writes.
func (o *ObjectHandle) Size() int64 {
	return o.h.Size()
}

// Key returns the key this handle was opened under.
func (o *ObjectHandle) Key() []byte {
	return append([]byte{}, o.key...)
}

// ReadAt copies up to len(p) bytes starting at offset into p and returns
// the number of bytes copied. It returns (0, nil) at or past the
// object's end rather than io.EOF.
func (o *ObjectHandle) ReadAt(ctx context.Context, offset int64, p []byte) (int, error) {
	n, err := o.h.Read(ctx, offset, p)
	if err != nil {
		return n, Integrity(err, "read object")
	}
	return n, nil
}

// WriteAt overwrites the logical byte range [offset, offset+len(data))
// with data, zero-filling any gap if offset is past the current end.
func (o *ObjectHandle) WriteAt(ctx context.Context, offset int64, data []byte) error {
	return o.h.Write(ctx, offset, data)
}

// Truncate resizes the object to size, zero-filling if it grows.
func (o *ObjectHandle) Truncate(ctx context.Context, size int64) error {
	return o.h.Truncate(ctx, size)
}

// Flush re-chunks any pending writes and stores the new chunks through the
// repository's block layer. It does not make the new content durable
// against a crash on its own — only Repository.Commit does that — but it
// does mean the chunks exist in the backend, so a subsequent Get by
// another handle within the same open transaction sees them.
func (o *ObjectHandle) Flush(ctx context.Context) error {
	return o.h.Flush(ctx)
}

// Close flushes any pending writes and drops the handle. It never commits:
// the flushed chunks only become durable once Repository.Commit succeeds.
// Closing a handle without writing to it first is a no-op.
func (o *ObjectHandle) Close(ctx context.Context) error {
	return o.h.Flush(ctx)
}
