package buslink

import (
	"context"
	"fmt"

	"go.bug.st/serial"
)

// RealPortFactory opens ports through go.bug.st/serial.
type RealPortFactory struct{}

// Open opens the serial port at path with the given options.
func (RealPortFactory) Open(path string, opts PortOptions) (SerialPorter, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}

	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, err
	}
	return port, nil
}

// RealPortLister enumerates host serial ports through go.bug.st/serial.
type RealPortLister struct{}

// List returns the device paths of all serial ports on the host.
// Enumeration failure maps to ErrUnsupportedEnvironment: the host cannot
// offer a device to pick.
func (RealPortLister) List() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedEnvironment, err)
	}
	return ports, nil
}

// FirstAvailablePort is a PortChooser that picks the first enumerated port,
// the non-interactive analogue of a device picker with one entry.
type FirstAvailablePort struct {
	Lister PortLister
}

func (c FirstAvailablePort) Choose(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	lister := c.Lister
	if lister == nil {
		lister = RealPortLister{}
	}
	ports, err := lister.List()
	if err != nil {
		return "", err
	}
	if len(ports) == 0 {
		return "", ErrNoDevice
	}
	return ports[0], nil
}
