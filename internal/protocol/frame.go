package protocol

import (
	"errors"
	"fmt"
	"math"

	"github.com/blukai/arenarelay/internal/byteorder"
)

const (
	FrameHeaderSize = 4 // uint32 (4) big-endian payload length

	// DefaultMaxFrameSize caps the payload a decoder will buffer. 64 << 10 is
	// plenty for the state snapshots exchanged here.
	DefaultMaxFrameSize = 64 << 10
)

var (
	// ErrIncompleteFrame means the decoder needs more bytes before it can
	// produce the next message. It is not a failure.
	ErrIncompleteFrame = errors.New("incomplete frame")
	ErrFrameTooLarge   = errors.New("frame too large")
	ErrMalformedFrame  = errors.New("malformed frame")
)

// EncodeFrame marshals msg and prefixes it with its length.
func EncodeFrame(msg *Msg) ([]byte, error) {
	payload, err := MarshalMsg(msg)
	if err != nil {
		return nil, fmt.Errorf("could not marshal msg: %w", err)
	}
	if uint64(len(payload)) > math.MaxUint32 {
		return nil, fmt.Errorf("%w (got %d bytes)", ErrFrameTooLarge, len(payload))
	}

	frame := make([]byte, 0, FrameHeaderSize+len(payload))
	frame = append(frame, byteorder.Htonl(uint32(len(payload)))...)
	frame = append(frame, payload...)

	return frame, nil
}

// FrameDecoder reassembles frames out of an arbitrarily chunked byte stream.
// Write appends whatever a read returned, Next pops complete messages.
//
// FrameDecoder is not safe for concurrent use; it belongs to one receive
// loop.
type FrameDecoder struct {
	maxSize int
	buf     []byte
	// skip is the number of body bytes of an oversized frame that still need
	// to be thrown away.
	skip int
}

func NewFrameDecoder(maxSize int) *FrameDecoder {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	return &FrameDecoder{maxSize: maxSize}
}

// Write never fails; it exists so the decoder is an io.Writer.
func (d *FrameDecoder) Write(p []byte) (int, error) {
	total := len(p)
	if d.skip > 0 {
		n := min(d.skip, len(p))
		d.skip -= n
		p = p[n:]
	}
	d.buf = append(d.buf, p...)
	return total, nil
}

// Buffered returns the number of bytes that were written but not consumed
// yet.
func (d *FrameDecoder) Buffered() int {
	return len(d.buf)
}

// Next returns the next complete message.
//
// It returns ErrIncompleteFrame when the buffered bytes do not hold a whole
// frame yet. ErrFrameTooLarge and ErrMalformedFrame drop exactly one frame;
// the decoder stays usable and the caller may keep calling Next.
func (d *FrameDecoder) Next() (*Msg, error) {
	if d.skip > 0 {
		return nil, ErrIncompleteFrame
	}
	if len(d.buf) < FrameHeaderSize {
		return nil, ErrIncompleteFrame
	}

	size := int(byteorder.Ntohl(d.buf[:FrameHeaderSize]))
	if size > d.maxSize {
		d.consume(FrameHeaderSize)
		n := min(size, len(d.buf))
		d.consume(n)
		d.skip = size - n
		return nil, fmt.Errorf("%w (got %d; want <= %d)", ErrFrameTooLarge, size, d.maxSize)
	}
	if len(d.buf) < FrameHeaderSize+size {
		return nil, ErrIncompleteFrame
	}

	msg, err := UnmarshalMsg(d.buf[FrameHeaderSize : FrameHeaderSize+size])
	d.consume(FrameHeaderSize + size)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}

	return msg, nil
}

func (d *FrameDecoder) consume(n int) {
	rest := copy(d.buf, d.buf[n:])
	d.buf = d.buf[:rest]
}
