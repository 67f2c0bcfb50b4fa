// Package capture records raw probe firings to a zstd-compressed file
// and reads them back for offline replay.
package capture

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

// magic opens every capture stream. It is followed by the recording
// host's wall minus monotonic offset as a little-endian int64.
var magic = [8]byte{'K', 'T', 'C', 'A', 'P', 0, 0, 1}

const headerSize = len(magic) + 8

// maxRecordSize bounds a single firing when reading.
const maxRecordSize = 1 << 16

// ErrBadMagic is returned when a stream is not a capture file.
var ErrBadMagic = errors.New("not a kerntrace capture stream")

// Writer appends firings as (u32 cpu, u32 len, bytes) records. It is
// safe for concurrent use.
type Writer struct {
	mu      sync.Mutex
	file    *os.File
	enc     *zstd.Encoder
	records uint64
	bytes   uint64
}

// Create creates or truncates path and writes the stream header. offset is
// the recording clock's wall minus monotonic offset.
func Create(path string, offset time.Duration) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating capture file: %w", err)
	}

	w, err := NewWriter(f, offset)
	if err != nil {
		f.Close()

		return nil, err
	}

	w.file = f

	return w, nil
}

// NewWriter starts a capture stream on out. Close does not close out.
func NewWriter(out io.Writer, offset time.Duration) (*Writer, error) {
	enc, err := zstd.NewWriter(out, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}

	var hdr [headerSize]byte

	copy(hdr[:], magic[:])
	binary.LittleEndian.PutUint64(hdr[len(magic):], uint64(offset))

	if _, err := enc.Write(hdr[:]); err != nil {
		enc.Close()

		return nil, fmt.Errorf("writing capture header: %w", err)
	}

	return &Writer{enc: enc}, nil
}

// Record appends one firing.
func (w *Writer) Record(cpu uint32, data []byte) error {
	var hdr [8]byte

	binary.LittleEndian.PutUint32(hdr[0:4], cpu)
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(data)))

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.enc == nil {
		return os.ErrClosed
	}

	if _, err := w.enc.Write(hdr[:]); err != nil {
		return fmt.Errorf("writing record header: %w", err)
	}

	if _, err := w.enc.Write(data); err != nil {
		return fmt.Errorf("writing record: %w", err)
	}

	w.records++
	w.bytes += uint64(len(data))

	return nil
}

// Counts returns the number of records and payload bytes written.
func (w *Writer) Counts() (records, bytes uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.records, w.bytes
}

// Close flushes the stream and closes the file if Create opened it.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.enc == nil {
		return nil
	}

	err := w.enc.Close()
	w.enc = nil

	if w.file != nil {
		err = errors.Join(err, w.file.Close())
	}

	return err
}

// Reader reads records written by Writer.
type Reader struct {
	file   *os.File
	dec    *zstd.Decoder
	r      *bufio.Reader
	buf    []byte
	offset time.Duration
}

// Open opens a capture file.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening capture file: %w", err)
	}

	r, err := NewReader(f)
	if err != nil {
		f.Close()

		return nil, err
	}

	r.file = f

	return r, nil
}

// NewReader validates the stream header on in.
func NewReader(in io.Reader) (*Reader, error) {
	dec, err := zstd.NewReader(in)
	if err != nil {
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	r := &Reader{dec: dec, r: bufio.NewReader(dec)}

	var got [8]byte
	if _, err := io.ReadFull(r.r, got[:]); err != nil || got != magic {
		dec.Close()

		return nil, ErrBadMagic
	}

	var off [8]byte
	if _, err := io.ReadFull(r.r, off[:]); err != nil {
		dec.Close()

		return nil, fmt.Errorf("reading capture clock offset: %w", err)
	}

	r.offset = time.Duration(int64(binary.LittleEndian.Uint64(off[:])))

	return r, nil
}

// Offset returns the wall minus monotonic offset of the recording host.
func (r *Reader) Offset() time.Duration {
	return r.offset
}

// NextRecord returns the next firing. The data slice is reused by the
// following call. io.EOF marks a clean end of stream.
func (r *Reader) NextRecord() (uint32, []byte, error) {
	var hdr [8]byte

	if _, err := io.ReadFull(r.r, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return 0, nil, io.EOF
		}

		return 0, nil, fmt.Errorf("reading record header: %w", err)
	}

	cpu := binary.LittleEndian.Uint32(hdr[0:4])
	size := binary.LittleEndian.Uint32(hdr[4:8])

	if size > maxRecordSize {
		return 0, nil, fmt.Errorf("record of %d bytes exceeds limit", size)
	}

	if cap(r.buf) < int(size) {
		r.buf = make([]byte, size)
	}

	r.buf = r.buf[:size]

	if _, err := io.ReadFull(r.r, r.buf); err != nil {
		return 0, nil, fmt.Errorf("reading record: %w", err)
	}

	return cpu, r.buf, nil
}

// Close releases the decoder and the file if Open opened it.
func (r *Reader) Close() error {
	r.dec.Close()

	if r.file != nil {
		return r.file.Close()
	}

	return nil
}
