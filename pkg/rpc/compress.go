package rpc

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"google.golang.org/grpc/encoding"
)

// Compressor names accepted by grpc.UseCompressor.
const (
	CompressionNone = "none"
	CompressionZstd = "zstd"
	CompressionLZ4  = "lz4"
)

func init() {
	encoding.RegisterCompressor(zstdCompressor{})
	encoding.RegisterCompressor(lz4Compressor{})
}

// ValidCompression reports whether name is a compressor this package knows.
// The empty string is treated as CompressionNone.
func ValidCompression(name string) bool {
	switch name {
	case "", CompressionNone, CompressionZstd, CompressionLZ4:
		return true
	}
	return false
}

// zstdCompressor compresses messages at zstd's default level.
type zstdCompressor struct{}

func (zstdCompressor) Name() string { return CompressionZstd }

func (zstdCompressor) Compress(w io.Writer) (io.WriteCloser, error) {
	enc, err := zstd.NewWriter(w,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		return nil, fmt.Errorf("zstd writer: %w", err)
	}
	return enc, nil
}

func (zstdCompressor) Decompress(r io.Reader) (io.Reader, error) {
	dec, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("zstd reader: %w", err)
	}
	return &zstdReader{dec: dec}, nil
}

// zstdReader releases the decoder once the message has been read in full.
type zstdReader struct {
	dec *zstd.Decoder
}

func (z *zstdReader) Read(p []byte) (int, error) {
	n, err := z.dec.Read(p)
	if err == io.EOF {
		z.dec.Close()
	}
	return n, err
}

// lz4Compressor uses the LZ4 frame format.
type lz4Compressor struct{}

func (lz4Compressor) Name() string { return CompressionLZ4 }

func (lz4Compressor) Compress(w io.Writer) (io.WriteCloser, error) {
	return lz4.NewWriter(w), nil
}

func (lz4Compressor) Decompress(r io.Reader) (io.Reader, error) {
	return lz4.NewReader(r), nil
}
