package store

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/mwatts/acid-store/internal/blockio"
	"github.com/mwatts/acid-store/internal/blocklayer"
	"github.com/mwatts/acid-store/internal/codec"
	"github.com/mwatts/acid-store/internal/format"
)

// On-disk layout:
//
//	header block:  format.Header{Type: TypeHeaderBlock} || cbor(onDiskHeader)
//	pointer block: format.Header{Type: TypePointerBlock} || active_slot(1B) || header_digest(32B)
//
// The pointer block lives at the well-known all-zero block id
// (blockio.BlockID{}.IsZero()); the two header slots live at two other
// well-known ids. A commit never overwrites the header slot the pointer
// currently names — it writes the new header to the *other* slot, then
// flips the pointer. Torn writes to either header slot are therefore
// always recoverable: a crash mid-write to the inactive slot leaves the
// pointer (and the slot it names) untouched, and a crash mid-write to the
// pointer block itself leaves it either fully pointing at the old slot or
// fully pointing at the new one, never a partial value, since it is a
// single small Put.
var (
	pointerBlockID = blockio.BlockID{}
	headerSlotID   = [2]blockio.BlockID{
		{0: 0x01},
		{0: 0x02},
	}
)

const headerVersion = 1

// onDiskHeader is the CBOR-encoded body of a header block. Field order
// here is irrelevant to correctness (unlike the metadata root, a header
// is never deduplicated or compared byte-for-byte across writes), so it
// is encoded with the library's default map-key ordering rather than
// metadata's canonical/sorted scheme.
type onDiskHeader struct {
	RepoID        [16]byte       `cbor:"1,keyasint"`
	CommitCounter uint64         `cbor:"2,keyasint"`
	Chunker       chunkerDTO     `cbor:"3,keyasint"`
	Codec         codecParamsDTO `cbor:"4,keyasint"`
	KDF           kdfParamsDTO   `cbor:"5,keyasint"`
	WrappedKey    []byte         `cbor:"6,keyasint"`
	MetadataRoot  []metadataChunkRef `cbor:"7,keyasint"`
}

// metadataChunkRef names one chunk of the metadata blob directly by its
// block id, not just its digest. This breaks what would otherwise be a
// bootstrapping cycle: the chunk index needed to resolve a digest to a
// block id is itself stored inside the metadata blob, so the blob's own
// chunks cannot be resolved through that index before it has been loaded.
// Storing the block id redundantly here lets Open fetch the metadata
// blob directly from the backend before any index exists.
type metadataChunkRef struct {
	Digest  [32]byte `cbor:"1,keyasint"`
	BlockID [16]byte `cbor:"2,keyasint"`
}

type chunkerDTO struct {
	MinSize uint32 `cbor:"1,keyasint"`
	AvgSize uint32 `cbor:"2,keyasint"`
	MaxSize uint32 `cbor:"3,keyasint"`
}

type codecParamsDTO struct {
	Hash        int `cbor:"1,keyasint"`
	Compression int `cbor:"2,keyasint"`
	Encryption  int `cbor:"3,keyasint"`
}

type kdfParamsDTO struct {
	Memory  uint32 `cbor:"1,keyasint"`
	Time    uint32 `cbor:"2,keyasint"`
	Threads uint8  `cbor:"3,keyasint"`
	Salt    []byte `cbor:"4,keyasint"`
}

func toChunkerDTO(p ChunkerParams) chunkerDTO {
	return chunkerDTO{MinSize: p.MinSize, AvgSize: p.AvgSize, MaxSize: p.MaxSize}
}

func (d chunkerDTO) toParams() ChunkerParams {
	return ChunkerParams{MinSize: d.MinSize, AvgSize: d.AvgSize, MaxSize: d.MaxSize}
}

func toCodecParamsDTO(p codec.Params) codecParamsDTO {
	return codecParamsDTO{Hash: int(p.Hash), Compression: int(p.Compression), Encryption: int(p.Encryption)}
}

func (d codecParamsDTO) toParams() codec.Params {
	return codec.Params{
		Hash:        codec.Algorithm(d.Hash),
		Compression: codec.CompressionAlgorithm(d.Compression),
		Encryption:  codec.EncryptionAlgorithm(d.Encryption),
	}
}

func toKDFParamsDTO(p kdfParams) kdfParamsDTO {
	return kdfParamsDTO{Memory: p.Memory, Time: p.Time, Threads: p.Threads, Salt: append([]byte{}, p.Salt...)}
}

func (d kdfParamsDTO) toParams() kdfParams {
	return kdfParams{Memory: d.Memory, Time: d.Time, Threads: d.Threads, Salt: append([]byte{}, d.Salt...)}
}

// buildMetadataRoot pairs each digest in digests with the block id the
// block layer just assigned it (looked up from a post-Save snapshot, see
// Repository.Commit) into the header's metadata_root list.
func buildMetadataRoot(digests []codec.Digest, snap map[codec.Digest]blocklayer.ChunkRef) ([]metadataChunkRef, error) {
	out := make([]metadataChunkRef, len(digests))
	for i, d := range digests {
		ref, ok := snap[d]
		if !ok {
			return nil, fmt.Errorf("store: metadata chunk %x missing from block layer snapshot", d[:8])
		}
		out[i] = metadataChunkRef{Digest: d, BlockID: [16]byte(ref.BlockID)}
	}
	return out, nil
}

// metadataDigests extracts the ordered digest list from a header's
// metadata_root, for metadata.Load.
func metadataDigests(root []metadataChunkRef) []codec.Digest {
	out := make([]codec.Digest, len(root))
	for i, r := range root {
		out[i] = codec.Digest(r.Digest)
	}
	return out
}

// metadataBootstrapIndex builds the minimal chunk index entries needed to
// load the metadata blob itself, before the full chunk index it contains
// has been decoded. Sizes are left at 0 and refcounts at 1, since the
// decoded chunk index never names these chunks (it covers object data
// only) and these entries are merged alongside it rather than replaced by
// it — see Open.
func metadataBootstrapIndex(root []metadataChunkRef) map[codec.Digest]blocklayer.ChunkRef {
	m := make(map[codec.Digest]blocklayer.ChunkRef, len(root))
	for _, r := range root {
		m[codec.Digest(r.Digest)] = blocklayer.ChunkRef{BlockID: blockio.BlockID(r.BlockID), RefCount: 1}
	}
	return m
}

// encodeHeaderBlock serializes h as a header block frame.
func encodeHeaderBlock(h onDiskHeader) ([]byte, error) {
	body, err := cbor.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("store: encode header: %w", err)
	}
	hdr := format.Header{Type: format.TypeHeaderBlock, Version: headerVersion}.Encode()
	return append(hdr[:], body...), nil
}

// decodeHeaderBlock parses a header block frame.
func decodeHeaderBlock(frame []byte) (onDiskHeader, error) {
	if len(frame) < format.HeaderSize {
		return onDiskHeader{}, format.ErrHeaderTooSmall
	}
	if _, err := format.DecodeAndValidate(frame[:format.HeaderSize], format.TypeHeaderBlock, headerVersion); err != nil {
		return onDiskHeader{}, err
	}
	var h onDiskHeader
	if err := cbor.Unmarshal(frame[format.HeaderSize:], &h); err != nil {
		return onDiskHeader{}, fmt.Errorf("store: decode header: %w", err)
	}
	return h, nil
}

// headerDigest is the fixed SHA-256 digest used to authenticate a header
// block from its pointer block. It is deliberately independent of the
// repository's configured hash algorithm: the pointer must be verifiable
// before the header (which names that algorithm) has even been read.
func headerDigest(frame []byte) [32]byte {
	return sha256.Sum256(frame)
}

// encodePointerBlock serializes the tiny pointer block that names which
// header slot is active.
func encodePointerBlock(slot byte, digest [32]byte) []byte {
	hdr := format.Header{Type: format.TypePointerBlock, Version: headerVersion}.Encode()
	buf := make([]byte, 0, format.HeaderSize+1+len(digest))
	buf = append(buf, hdr[:]...)
	buf = append(buf, slot)
	buf = append(buf, digest[:]...)
	return buf
}

var errPointerTooShort = errors.New("store: pointer block too short")

func decodePointerBlock(frame []byte) (slot byte, digest [32]byte, err error) {
	if len(frame) < format.HeaderSize+1+32 {
		return 0, digest, errPointerTooShort
	}
	if _, err = format.DecodeAndValidate(frame[:format.HeaderSize], format.TypePointerBlock, headerVersion); err != nil {
		return 0, digest, err
	}
	slot = frame[format.HeaderSize]
	if slot > 1 {
		return 0, digest, fmt.Errorf("store: pointer block names unknown slot %d", slot)
	}
	copy(digest[:], frame[format.HeaderSize+1:])
	return slot, digest, nil
}

// readActiveHeader reads the pointer block and the header slot it names,
// verifying the header's digest against what the pointer recorded.
// If the named slot fails to read or its digest doesn't match, the other
// slot is tried, but against the same pointer digest, so it is accepted
// only when its bytes are identical to the header the pointer names. The
// slot is chosen by the pointer alone; the headers' commit counters are
// not compared. A missing pointer block is reported as KindNotFound, and
// a bad magic or version as KindUnsupportedFormat.
func readActiveHeader(ctx context.Context, bs blockio.BlockStore) (onDiskHeader, byte, error) {
	pframe, err := bs.Get(ctx, pointerBlockID)
	if err != nil {
		if errors.Is(err, blockio.ErrNotFound) {
			return onDiskHeader{}, 0, newErr(KindNotFound, err, "no repository: pointer block not found")
		}
		return onDiskHeader{}, 0, Backend(err, "read pointer block")
	}
	slot, wantDigest, err := decodePointerBlock(pframe)
	if err != nil {
		if errors.Is(err, format.ErrSignatureMismatch) || errors.Is(err, format.ErrVersionMismatch) {
			return onDiskHeader{}, 0, UnsupportedFormat(err, "decode pointer block")
		}
		return onDiskHeader{}, 0, Integrity(err, "decode pointer block")
	}

	h, err := tryReadSlot(ctx, bs, slot, wantDigest)
	if err == nil {
		return h, slot, nil
	}

	other := 1 - slot
	h2, err2 := tryReadSlot(ctx, bs, other, wantDigest)
	if err2 == nil {
		return h2, other, nil
	}
	if errors.Is(err, format.ErrVersionMismatch) {
		return onDiskHeader{}, 0, UnsupportedFormat(err, "header slot %d", slot)
	}
	return onDiskHeader{}, 0, Integrity(err, "both header slots failed verification (slot %d: %v, slot %d: %v)", slot, err, other, err2)
}

func tryReadSlot(ctx context.Context, bs blockio.BlockStore, slot byte, wantDigest [32]byte) (onDiskHeader, error) {
	frame, err := bs.Get(ctx, headerSlotID[slot])
	if err != nil {
		return onDiskHeader{}, fmt.Errorf("read header slot %d: %w", slot, err)
	}
	if headerDigest(frame) != wantDigest {
		return onDiskHeader{}, fmt.Errorf("header slot %d digest mismatch", slot)
	}
	h, err := decodeHeaderBlock(frame)
	if err != nil {
		return onDiskHeader{}, fmt.Errorf("decode header slot %d: %w", slot, err)
	}
	return h, nil
}

// writeHeaderAndSwap writes h to the slot opposite the currently active
// one, then atomically flips the pointer block to name it. This is the
// two-phase commit mechanism: any
// crash before the pointer Put leaves the repository reading the old,
// still-fully-valid header; any crash after leaves it reading the new
// one; there is no window where a reader can observe a half-written
// header.
func writeHeaderAndSwap(ctx context.Context, bs blockio.BlockStore, currentSlot byte, h onDiskHeader) (newSlot byte, err error) {
	frame, err := encodeHeaderBlock(h)
	if err != nil {
		return 0, err
	}
	newSlot = 1 - currentSlot
	if err := bs.Put(ctx, headerSlotID[newSlot], frame); err != nil {
		return 0, Backend(err, "write header slot %d", newSlot)
	}
	digest := headerDigest(frame)
	pframe := encodePointerBlock(newSlot, digest)
	if err := bs.Put(ctx, pointerBlockID, pframe); err != nil {
		return 0, Backend(err, "swap pointer block")
	}
	return newSlot, nil
}

// bootstrapHeader writes the very first header and pointer block for a
// brand-new repository, at slot 0. There is no "currently active" slot to
// avoid overwriting yet, so this bypasses writeHeaderAndSwap's
// alternate-slot dance.
func bootstrapHeader(ctx context.Context, bs blockio.BlockStore, h onDiskHeader) error {
	frame, err := encodeHeaderBlock(h)
	if err != nil {
		return err
	}
	if err := bs.Put(ctx, headerSlotID[0], frame); err != nil {
		return Backend(err, "write initial header")
	}
	digest := headerDigest(frame)
	pframe := encodePointerBlock(0, digest)
	if err := bs.Put(ctx, pointerBlockID, pframe); err != nil {
		return Backend(err, "write initial pointer block")
	}
	return nil
}

// isWellKnownBlock reports whether id is one of the three ids reserved
// for the pointer block and the two header slots, so Clean never reclaims
// them even though they are never referenced by the chunk index.
func isWellKnownBlock(id blockio.BlockID) bool {
	if id.IsZero() {
		return true
	}
	return id == headerSlotID[0] || id == headerSlotID[1]
}
