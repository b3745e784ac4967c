package buslink

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the connection and read paths. All failures are
// values returned to the caller; none are fatal and none are retried
// internally.
var (
	// ErrUnsupportedEnvironment means the host has no serial capability
	// (port enumeration itself failed).
	ErrUnsupportedEnvironment = errors.New("serial ports are not available on this host")

	// ErrNoDevice means the device choice was declined or no port exists.
	ErrNoDevice = errors.New("no serial device selected")

	// ErrPortOpenFailed wraps a transport-level open failure.
	ErrPortOpenFailed = errors.New("failed to open serial port")

	// ErrWriteFailed means the write sink rejected or truncated a packet.
	ErrWriteFailed = errors.New("failed to write to serial port")

	// ErrReadTimeout means no complete frame arrived before the deadline.
	// The session stays connected; the caller may retry.
	ErrReadTimeout = errors.New("timed out waiting for a frame")

	// ErrStreamClosed means the read source reached end-of-stream before a
	// frame was assembled.
	ErrStreamClosed = errors.New("serial stream closed")

	// ErrNotConnected means no session is open.
	ErrNotConnected = errors.New("not connected")
)

// PartialReleaseError reports the resources that failed to close cleanly
// during disconnect. The session is still torn down: a leaked handle beats
// a stuck one.
type PartialReleaseError struct {
	Steps []error
}

func (e *PartialReleaseError) Error() string {
	msgs := make([]string, len(e.Steps))
	for i, err := range e.Steps {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("disconnect released with errors: %s", strings.Join(msgs, "; "))
}

func (e *PartialReleaseError) Unwrap() []error { return e.Steps }
