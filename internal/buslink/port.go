// Package buslink manages the serial connection to a DYNAMIXEL servo bus:
// session lifecycle, serialized command writes, and frame extraction from
// the raw byte stream.
package buslink

import (
	"context"
	"io"
	"time"
)

// SerialPorter defines the minimal interface needed for a serial port.
// This abstraction enables unit testing without real servo hardware.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}

// TimeoutSerialPorter extends SerialPorter with timeout capabilities.
// This is an optional interface that serial ports may implement; the frame
// reader uses it to keep blocking reads bounded.
type TimeoutSerialPorter interface {
	SerialPorter
	// SetReadTimeout sets the read timeout for the serial port.
	SetReadTimeout(timeout time.Duration) error
}

// PortFactory defines an interface for creating serial ports.
// This abstraction enables dependency injection of serial port creation.
type PortFactory interface {
	// Open opens a serial port at the specified path with the given options.
	Open(path string, opts PortOptions) (SerialPorter, error)
}

// PortLister enumerates serial ports available on the host. It stands in
// for the host environment's device picker: an empty list means the user
// has nothing to consent to.
type PortLister interface {
	List() ([]string, error)
}

// PortChooser selects a port path out of band, e.g. by prompting the
// operator. The choice may block on operator input and must honor ctx
// cancellation. Implementations return ErrNoDevice when the choice is
// declined or nothing is available.
type PortChooser interface {
	Choose(ctx context.Context) (string, error)
}

// ChooseFunc adapts a function to the PortChooser interface.
type ChooseFunc func(ctx context.Context) (string, error)

func (f ChooseFunc) Choose(ctx context.Context) (string, error) { return f(ctx) }

// FixedPort is a PortChooser that always selects the same path.
type FixedPort string

func (p FixedPort) Choose(context.Context) (string, error) {
	if p == "" {
		return "", ErrNoDevice
	}
	return string(p), nil
}
