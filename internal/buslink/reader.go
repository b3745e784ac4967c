package buslink

import (
	"bytes"
	"context"
	"errors"
	"io"
	"time"

	"github.com/banshee-data/servo.bridge/internal/dynamixel"
)

const (
	// readChunkSize bounds a single pull from the port.
	readChunkSize = 256

	// maxAccumulate caps the accumulation buffer. A well-formed status
	// frame is far smaller; hitting the cap means the bus is speaking
	// garbage (wrong baud rate), which becomes a bounded buffer and an
	// eventual ErrReadTimeout instead of unbounded growth.
	maxAccumulate = 4096

	// pollInterval bounds one blocking read on ports that support read
	// timeouts, so deadline and cancellation checks stay responsive.
	pollInterval = 50 * time.Millisecond
)

// FrameReader extracts complete frames from the byte stream of a serial
// port. It keeps an accumulation buffer across calls: bytes after a
// returned frame are retained, bytes before it are discarded. A single
// FrameReader must not be used by two concurrent ReadFrame calls.
type FrameReader struct {
	port SerialPorter
	buf  []byte
}

// NewFrameReader creates a FrameReader over the given port.
func NewFrameReader(port SerialPorter) *FrameReader {
	return &FrameReader{port: port}
}

// Buffered returns the number of retained, unconsumed bytes.
func (r *FrameReader) Buffered() int { return len(r.buf) }

// Reset discards all retained bytes. Callers use this to resynchronize
// after deciding a timed-out accumulation is garbage.
func (r *FrameReader) Reset() { r.buf = nil }

// ReadFrame pulls chunks from the port until a complete frame can be
// extracted or the deadline passes. A timeout abandons only this read
// attempt: the port is untouched and the retained bytes allow a later call
// to pick up where this one stopped. End-of-stream surfaces as
// ErrStreamClosed rather than waiting out the deadline.
func (r *FrameReader) ReadFrame(ctx context.Context, timeout time.Duration) (dynamixel.Frame, error) {
	deadline := time.Now().Add(timeout)

	// A frame may already be sitting in the retained buffer.
	if frame, ok := r.extract(); ok {
		return frame, nil
	}

	chunk := make([]byte, readChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrReadTimeout
		}

		if tp, ok := r.port.(TimeoutSerialPorter); ok {
			poll := pollInterval
			if remaining < poll {
				poll = remaining
			}
			if err := tp.SetReadTimeout(poll); err != nil {
				return nil, err
			}
		}

		n, err := r.port.Read(chunk)
		if n > 0 {
			r.buf = append(r.buf, chunk[:n]...)
			if frame, ok := r.extract(); ok {
				return frame, nil
			}
			r.compact()
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, ErrStreamClosed
			}
			return nil, err
		}
		if n == 0 {
			if _, ok := r.port.(TimeoutSerialPorter); !ok {
				// Port cannot bound its reads; back off instead of
				// spinning on empty results.
				time.Sleep(time.Millisecond)
			}
		}
	}
}

// extract scans the buffer and, if a complete frame is present, consumes
// it along with any preceding garbage. The frame is copied out so the
// buffer can keep growing underneath later reads.
func (r *FrameReader) extract() (dynamixel.Frame, bool) {
	frame, advance, ok := dynamixel.ScanFrame(r.buf)
	if !ok {
		return nil, false
	}
	out := append(dynamixel.Frame(nil), frame...)
	r.buf = append([]byte(nil), r.buf[advance:]...)
	return out, true
}

// compact bounds the accumulation buffer once no frame could be extracted
// from it. It first drops everything before the earliest header so an
// in-progress frame survives; if a bogus header pins the buffer past the
// cap anyway, all but the last 3 bytes are dropped (the longest header
// prefix that could straddle the cut).
func (r *FrameReader) compact() {
	if len(r.buf) <= maxAccumulate {
		return
	}
	if i := bytes.Index(r.buf, dynamixel.Header[:]); i > 0 {
		r.buf = append([]byte(nil), r.buf[i:]...)
	}
	if len(r.buf) > maxAccumulate {
		r.buf = append([]byte(nil), r.buf[len(r.buf)-3:]...)
	}
}
