package buslink

import (
	"testing"

	"go.bug.st/serial"
)

func TestPortOptions_NormalizeDefaults(t *testing.T) {
	opts, err := PortOptions{}.Normalize()
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if opts.BaudRate != DefaultBaudRate {
		t.Errorf("baud: got %d, want %d", opts.BaudRate, DefaultBaudRate)
	}
	if opts.DataBits != 8 || opts.StopBits != 1 || opts.Parity != "N" {
		t.Errorf("defaults: %+v", opts)
	}
}

func TestPortOptions_NormalizeValidation(t *testing.T) {
	cases := []struct {
		name string
		opts PortOptions
	}{
		{"data bits too low", PortOptions{DataBits: 4}},
		{"data bits too high", PortOptions{DataBits: 9}},
		{"bad stop bits", PortOptions{StopBits: 3}},
		{"bad parity", PortOptions{Parity: "Q"}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if _, err := c.opts.Normalize(); err == nil {
				t.Errorf("Normalize(%+v) accepted invalid options", c.opts)
			}
		})
	}
}

func TestPortOptions_ParityAliases(t *testing.T) {
	for _, alias := range []string{"n", "none", "NONE", " N "} {
		opts, err := PortOptions{Parity: alias}.Normalize()
		if err != nil {
			t.Errorf("parity %q rejected: %v", alias, err)
			continue
		}
		if opts.Parity != "N" {
			t.Errorf("parity %q normalized to %q", alias, opts.Parity)
		}
	}
}

func TestPortOptions_SerialMode(t *testing.T) {
	mode, err := PortOptions{BaudRate: 115200, Parity: "even"}.SerialMode()
	if err != nil {
		t.Fatalf("SerialMode failed: %v", err)
	}
	if mode.BaudRate != 115200 {
		t.Errorf("baud: got %d", mode.BaudRate)
	}
	if mode.Parity != serial.EvenParity {
		t.Errorf("parity: got %v, want EvenParity", mode.Parity)
	}
	if mode.DataBits != 8 {
		t.Errorf("data bits: got %d", mode.DataBits)
	}
}
