package transport

import (
	"errors"
	"fmt"

	"github.com/mopmsg/mop/message"
)

const (
	// frame overhead: "[[[" + up to message.FrameLengthMaxDigits length
	// characters + "]" + "]]".
	frameOverhead = 10

	// bufferedFrames sizes the deframer buffer to hold several maximum
	// size frames, so one read can carry a burst of small messages.
	bufferedFrames = 5
)

var (
	// ErrBufferOverflow reports bytes added beyond the deframer's
	// capacity. Callers must size reads with Writable.
	ErrBufferOverflow = errors.New("deframer buffer overflow")

	// ErrTooMuchPending reports a Resize that would discard buffered
	// bytes.
	ErrTooMuchPending = errors.New("pending bytes exceed new capacity")
)

// Deframer extracts MOP frames from a byte stream. Bytes arrive in
// arbitrary chops via AddBytes; NextFrame returns each completed payload.
// Anything that is not a well-formed frame is skipped: after a bad length,
// a bad trailer, or an oversize declaration, scanning resumes one byte
// past the suspect frame opening, so a valid frame embedded in garbage is
// still found. Not safe for concurrent use.
type Deframer struct {
	max   int    // maximum accepted payload size
	buf   []byte
	start int // first unconsumed byte
	end   int // one past the last valid byte
}

// NewDeframer creates a deframer accepting payloads up to maxMessageSize
// bytes.
func NewDeframer(maxMessageSize int) *Deframer {
	return &Deframer{
		max: maxMessageSize,
		buf: make([]byte, bufferedFrames*(maxMessageSize+frameOverhead)),
	}
}

// Writable returns how many bytes AddBytes can currently accept.
func (d *Deframer) Writable() int {
	return len(d.buf) - (d.end - d.start)
}

// AddBytes appends stream bytes to the deframer. It fails only when data
// exceeds Writable.
func (d *Deframer) AddBytes(data []byte) error {
	if len(data) > d.Writable() {
		return fmt.Errorf("%w: %d bytes over capacity %d", ErrBufferOverflow, len(data), d.Writable())
	}
	if len(data) > len(d.buf)-d.end {
		d.compact()
	}
	copy(d.buf[d.end:], data)
	d.end += len(data)
	return nil
}

// Resize changes the maximum payload size, preserving buffered bytes. It
// fails if the pending bytes would not fit the new buffer.
func (d *Deframer) Resize(maxMessageSize int) error {
	pending := d.end - d.start
	buf := make([]byte, bufferedFrames*(maxMessageSize+frameOverhead))
	if pending > len(buf) {
		return fmt.Errorf("%w: %d pending, %d capacity", ErrTooMuchPending, pending, len(buf))
	}
	copy(buf, d.buf[d.start:d.end])
	d.buf = buf
	d.start = 0
	d.end = pending
	d.max = maxMessageSize
	return nil
}

// NextFrame returns the payload of the next complete frame, or (nil,
// false) when no complete frame is buffered. The returned slice is a copy
// and remains valid after further AddBytes calls.
func (d *Deframer) NextFrame() ([]byte, bool) {
	for {
		mark, ok := d.findOpen()
		if !ok {
			// No frame opening in the buffer; nothing before the last two
			// bytes can ever become one.
			if d.end-d.start > 2 {
				d.start = d.end - 2
			}
			d.maybeCompact()
			return nil, false
		}
		d.start = mark

		payload, state := d.parseAt(mark)
		switch state {
		case frameComplete:
			d.maybeCompact()
			return payload, true
		case frameIncomplete:
			d.maybeCompact()
			return nil, false
		case frameSuspect:
			// Skip one byte past the suspect opening and rescan, so an
			// overlapping opening like "[[[[" is still considered.
			d.start = mark + 1
		}
	}
}

type frameState int

const (
	frameComplete frameState = iota
	frameIncomplete
	frameSuspect
)

// findOpen scans for the next "[[[" at or after start.
func (d *Deframer) findOpen() (int, bool) {
	for i := d.start; i+2 < d.end; i++ {
		if d.buf[i] == '[' && d.buf[i+1] == '[' && d.buf[i+2] == '[' {
			return i, true
		}
	}
	return 0, false
}

// parseAt attempts to parse one frame whose "[[[" begins at mark.
func (d *Deframer) parseAt(mark int) ([]byte, frameState) {
	// Length prefix: base-64 digits terminated by ']'.
	i := mark + 3
	digits := 0
	for {
		if i >= d.end {
			return nil, frameIncomplete
		}
		if d.buf[i] == ']' {
			break
		}
		if !message.IsBase64Char(d.buf[i]) || digits == message.FrameLengthMaxDigits {
			return nil, frameSuspect
		}
		digits++
		i++
	}
	if digits < message.FrameLengthMinDigits {
		return nil, frameSuspect
	}

	length, err := message.DecodeInt(string(d.buf[mark+3 : i]))
	if err != nil || int(length) > d.max {
		return nil, frameSuspect
	}

	payloadStart := i + 1
	trailerStart := payloadStart + int(length)
	if trailerStart+2 > d.end {
		return nil, frameIncomplete
	}
	if d.buf[trailerStart] != ']' || d.buf[trailerStart+1] != ']' {
		return nil, frameSuspect
	}

	payload := make([]byte, length)
	copy(payload, d.buf[payloadStart:trailerStart])
	d.start = trailerStart + 2
	return payload, frameComplete
}

// maybeCompact shifts pending bytes to the buffer front once at least a
// quarter of the buffer has been consumed.
func (d *Deframer) maybeCompact() {
	if d.start >= len(d.buf)/4 {
		d.compact()
	}
}

func (d *Deframer) compact() {
	if d.start == 0 {
		return
	}
	copy(d.buf, d.buf[d.start:d.end])
	d.end -= d.start
	d.start = 0
}
