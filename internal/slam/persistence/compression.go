package persistence

import (
	"bufio"
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression names a snapshot stream compression.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionZstd Compression = "zstd"
	CompressionLZ4  Compression = "lz4"
)

// Frame magics used to detect compressed snapshots on load. An
// uncompressed snapshot starts with a little-endian keyframe count, which
// can never reach these values within codec.MaxCount.
var (
	zstdMagic = []byte{0x28, 0xB5, 0x2F, 0xFD}
	lz4Magic  = []byte{0x04, 0x22, 0x4D, 0x18}
)

// ParseCompression validates a compression name. Empty means none.
func ParseCompression(s string) (Compression, error) {
	switch c := Compression(s); c {
	case "", CompressionNone:
		return CompressionNone, nil
	case CompressionZstd, CompressionLZ4:
		return c, nil
	default:
		return "", fmt.Errorf("unknown snapshot compression %q", s)
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// compressWriter wraps w. Closing the result flushes the compressor but
// does not close w.
func compressWriter(w io.Writer, c Compression) (io.WriteCloser, error) {
	switch c {
	case CompressionZstd:
		return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	case CompressionLZ4:
		return lz4.NewWriter(w), nil
	default:
		return nopWriteCloser{w}, nil
	}
}

// decompressReader sniffs the stream head and returns a reader over the
// raw snapshot, plus the compression detected. The returned close function
// releases decoder resources.
func decompressReader(r io.Reader) (io.Reader, Compression, func(), error) {
	br := bufio.NewReader(r)
	head, _ := br.Peek(4)

	switch {
	case bytes.Equal(head, zstdMagic):
		dec, err := zstd.NewReader(br)
		if err != nil {
			return nil, "", nil, err
		}
		return dec, CompressionZstd, dec.Close, nil
	case bytes.Equal(head, lz4Magic):
		return lz4.NewReader(br), CompressionLZ4, func() {}, nil
	default:
		return br, CompressionNone, func() {}, nil
	}
}
