package codec

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/lz4"
)

// CompressionAlgorithm selects the compressor applied to plaintext before
// encryption: no compression, or LZ4 via klauspost/compress.
type CompressionAlgorithm int

const (
	CompressionNone CompressionAlgorithm = iota
	CompressionLZ4
)

func (c CompressionAlgorithm) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	default:
		return "unknown"
	}
}

// Compress returns the compressed form of data, or data unchanged when algo
// is CompressionNone.
func Compress(algo CompressionAlgorithm, data []byte) ([]byte, error) {
	switch algo {
	case CompressionNone:
		return data, nil
	case CompressionLZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("codec: lz4 compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("codec: lz4 compress: close: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("codec: unknown compression algorithm %d", algo)
	}
}

// Decompress reverses Compress.
func Decompress(algo CompressionAlgorithm, data []byte) ([]byte, error) {
	switch algo {
	case CompressionNone:
		return data, nil
	case CompressionLZ4:
		r := lz4.NewReader(bytes.NewReader(data))
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("codec: lz4 decompress: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("codec: unknown compression algorithm %d", algo)
	}
}
