// Package wire implements the framing used on the raw pull channel.
//
// A frame is a single artifact pushed by the remote agent:
//
//	u16 name length | name | u64 payload size | payload
//
// All integers are big endian. The receiver stops after exactly size
// payload bytes, so a connection that drops early is reported as a short
// read instead of being mistaken for a complete file.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

const (
	// DefaultName is used when the sender does not name the artifact.
	DefaultName = "mem.bin"

	// ProgressInterval is the minimum spacing between progress callbacks.
	ProgressInterval = 250 * time.Millisecond

	maxNameLength  = 0xFFFF
	copyBufferSize = 1024 * 1024
)

var (
	// ErrNameTooLong indicates the artifact name does not fit the u16 length prefix.
	ErrNameTooLong = errors.New("name too long")
	// ErrShortRead indicates the stream ended before the announced size was received.
	ErrShortRead = errors.New("short read")
	// ErrInvalidSize indicates a negative payload size.
	ErrInvalidSize = errors.New("invalid size")
)

// copyBuffers recycles payload buffers across frames.
var copyBuffers = sync.Pool{
	New: func() any {
		buf := make([]byte, copyBufferSize)
		return &buf
	},
}

func getBuffer() *[]byte { return copyBuffers.Get().(*[]byte) }

func putBuffer(buf *[]byte) {
	if cap(*buf) < copyBufferSize {
		return
	}
	*buf = (*buf)[:copyBufferSize]
	copyBuffers.Put(buf)
}

// Header describes the payload that follows it on the wire.
type Header struct {
	Name string
	Size int64
}

// WriteHeader writes the frame header to w.
func WriteHeader(w io.Writer, h Header) error {
	if h.Size < 0 {
		return ErrInvalidSize
	}
	nameBytes := []byte(h.Name)
	if len(nameBytes) == 0 {
		nameBytes = []byte(DefaultName)
	}
	if len(nameBytes) > maxNameLength {
		return ErrNameTooLong
	}
	if err := binary.Write(w, binary.BigEndian, uint16(len(nameBytes))); err != nil {
		return fmt.Errorf("failed to write name length: %w", err)
	}
	if _, err := w.Write(nameBytes); err != nil {
		return fmt.Errorf("failed to write name: %w", err)
	}
	if err := binary.Write(w, binary.BigEndian, uint64(h.Size)); err != nil {
		return fmt.Errorf("failed to write size: %w", err)
	}
	return nil
}

// ReadHeader reads a frame header from r.
func ReadHeader(r io.Reader) (Header, error) {
	var nameLen uint16
	if err := binary.Read(r, binary.BigEndian, &nameLen); err != nil {
		return Header{}, fmt.Errorf("failed to read name length: %w", err)
	}
	nameBuf := make([]byte, nameLen)
	if _, err := io.ReadFull(r, nameBuf); err != nil {
		return Header{}, fmt.Errorf("failed to read name: %w", err)
	}
	var size uint64
	if err := binary.Read(r, binary.BigEndian, &size); err != nil {
		return Header{}, fmt.Errorf("failed to read size: %w", err)
	}
	if size > 1<<63-1 {
		return Header{}, ErrInvalidSize
	}
	return Header{Name: string(nameBuf), Size: int64(size)}, nil
}

// Send writes a complete frame: the header followed by size bytes from r.
func Send(w io.Writer, name string, r io.Reader, size int64) error {
	if err := WriteHeader(w, Header{Name: name, Size: size}); err != nil {
		return err
	}
	bp := getBuffer()
	defer putBuffer(bp)
	n, err := io.CopyBuffer(w, io.LimitReader(r, size), *bp)
	if err != nil {
		return fmt.Errorf("failed to send data: %w", err)
	}
	if n != size {
		return fmt.Errorf("%w: sent %d want %d", ErrShortRead, n, size)
	}
	return nil
}

// Receive copies exactly size payload bytes from r to w. progressFn, when
// non-nil, is called at most every ProgressInterval and once more after the
// last byte.
func Receive(r io.Reader, w io.Writer, size int64, progressFn func(received, total int64)) (int64, error) {
	return receive(r, w, size, newProgressThrottle(progressFn, time.Now))
}

func receive(r io.Reader, w io.Writer, size int64, progress *progressThrottle) (int64, error) {
	if size < 0 {
		return 0, ErrInvalidSize
	}
	reader := io.LimitReader(r, size)
	bp := getBuffer()
	defer putBuffer(bp)
	buf := *bp
	var received int64
	for received < size {
		n, err := reader.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return received, fmt.Errorf("failed to write data: %w", werr)
			}
			received += int64(n)
			progress.tick(received, size)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return received, fmt.Errorf("failed to receive data: %w", err)
		}
	}
	if received != size {
		return received, fmt.Errorf("%w: got %d want %d", ErrShortRead, received, size)
	}
	progress.final(received, size)
	return received, nil
}

// progressThrottle forwards byte counts to fn no more than once per
// ProgressInterval. The first tick always passes. A nil fn disables it.
type progressThrottle struct {
	fn   func(received, total int64)
	now  func() time.Time
	last time.Time
}

func newProgressThrottle(fn func(received, total int64), now func() time.Time) *progressThrottle {
	return &progressThrottle{fn: fn, now: now}
}

func (p *progressThrottle) tick(received, total int64) {
	if p.fn == nil {
		return
	}
	t := p.now()
	if !p.last.IsZero() && t.Sub(p.last) < ProgressInterval {
		return
	}
	p.last = t
	p.fn(received, total)
}

func (p *progressThrottle) final(received, total int64) {
	if p.fn != nil {
		p.fn(received, total)
	}
}
