package http

import (
	"bytes"
	"compress/gzip"
	"compress/zlib"
	"fmt"
	"io"
	"slices"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

// Compression type constants.
const (
	CompressionNone   = "none"
	CompressionGzip   = "gzip"
	CompressionZstd   = "zstd"
	CompressionZlib   = "zlib"
	CompressionSnappy = "snappy"
)

type codec struct {
	encoding string
	decode   func([]byte) ([]byte, error)
}

var codecs = map[string]codec{
	CompressionNone:   {decode: func(b []byte) ([]byte, error) { return b, nil }},
	CompressionGzip:   {encoding: "gzip", decode: decodeGzip},
	CompressionZstd:   {encoding: "zstd", decode: decodeZstd},
	CompressionZlib:   {encoding: "deflate", decode: decodeZlib},
	CompressionSnappy: {encoding: "snappy", decode: func(b []byte) ([]byte, error) { return snappy.Decode(nil, b) }},
}

// Algorithms returns the supported compression names in sorted order.
func Algorithms() []string {
	names := make([]string, 0, len(codecs))
	for name := range codecs {
		names = append(names, name)
	}

	slices.Sort(names)

	return names
}

// Compressor compresses NDJSON batches with one algorithm.
type Compressor struct {
	algorithm string
	codec     codec
	encoder   *zstd.Encoder
}

// NewCompressor creates a Compressor. An empty algorithm means none.
func NewCompressor(algorithm string) (*Compressor, error) {
	if algorithm == "" {
		algorithm = CompressionNone
	}

	cd, ok := codecs[algorithm]
	if !ok {
		return nil, fmt.Errorf("unsupported compression algorithm: %s", algorithm)
	}

	c := &Compressor{algorithm: algorithm, codec: cd}

	if algorithm == CompressionZstd {
		encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("creating zstd encoder: %w", err)
		}

		c.encoder = encoder
	}

	return c, nil
}

// Compress compresses data with the configured algorithm.
func (c *Compressor) Compress(data []byte) ([]byte, error) {
	switch c.algorithm {
	case CompressionNone:
		return data, nil
	case CompressionZstd:
		return c.encoder.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
	case CompressionSnappy:
		return snappy.Encode(nil, data), nil
	case CompressionGzip:
		return writeAll(data, func(w io.Writer) io.WriteCloser { return gzip.NewWriter(w) })
	case CompressionZlib:
		return writeAll(data, func(w io.Writer) io.WriteCloser { return zlib.NewWriter(w) })
	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %s", c.algorithm)
	}
}

// ContentEncoding returns the Content-Encoding header value, empty for none.
func (c *Compressor) ContentEncoding() string {
	return c.codec.encoding
}

// Decompress reverses Compress.
func (c *Compressor) Decompress(data []byte) ([]byte, error) {
	return c.codec.decode(data)
}

// Close releases the zstd encoder.
func (c *Compressor) Close() error {
	if c.encoder != nil {
		return c.encoder.Close()
	}

	return nil
}

// Decompress decodes data produced with the named algorithm.
func Decompress(algorithm string, data []byte) ([]byte, error) {
	cd, ok := codecs[algorithm]
	if !ok {
		return nil, fmt.Errorf("unsupported compression algorithm: %s", algorithm)
	}

	return cd.decode(data)
}

func writeAll(data []byte, wrap func(io.Writer) io.WriteCloser) ([]byte, error) {
	var buf bytes.Buffer

	w := wrap(&buf)

	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("compress write: %w", err)
	}

	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("compress close: %w", err)
	}

	return buf.Bytes(), nil
}

func decodeGzip(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()

	return io.ReadAll(r)
}

func decodeZstd(data []byte) ([]byte, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer decoder.Close()

	return decoder.DecodeAll(data, nil)
}

func decodeZlib(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()

	return io.ReadAll(r)
}
