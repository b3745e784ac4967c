package dynamixel

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Frame is one complete length-delimited packet as it appeared on the wire,
// header and CRC trailer included. The scanner only guarantees the declared
// length was satisfied; it does not check the CRC (see ValidateFrame).
type Frame []byte

// minFrameLen is header(4) + id(1) + length(2) + the smallest declared
// length (instruction + crc = 3).
const minFrameLen = 10

// ID returns the servo ID byte.
func (f Frame) ID() byte { return f[4] }

// Length returns the declared payload length field.
func (f Frame) Length() int { return int(binary.LittleEndian.Uint16(f[5:7])) }

// Payload returns the bytes covered by the length field: instruction code,
// parameters, and the CRC trailer.
func (f Frame) Payload() []byte { return f[7:] }

// Instruction returns the instruction code (0x55 for status packets).
func (f Frame) Instruction() byte { return f[7] }

// StatusError bit flags carried in the error byte of a status packet.
type StatusError byte

const (
	ErrResultFail  StatusError = 0x01
	ErrInstruction StatusError = 0x02
	ErrCRCMismatch StatusError = 0x03
	ErrDataRange   StatusError = 0x04
	ErrDataLength  StatusError = 0x05
	ErrDataLimit   StatusError = 0x06
	ErrAccess      StatusError = 0x07
	alertFlag      StatusError = 0x80
)

func (e StatusError) Error() string {
	var msg string
	switch e &^ alertFlag {
	case 0:
		msg = "ok"
	case ErrResultFail:
		msg = "result fail"
	case ErrInstruction:
		msg = "bad instruction"
	case ErrCRCMismatch:
		msg = "crc mismatch"
	case ErrDataRange:
		msg = "data out of range"
	case ErrDataLength:
		msg = "bad data length"
	case ErrDataLimit:
		msg = "data beyond limit"
	case ErrAccess:
		msg = "register access denied"
	default:
		msg = fmt.Sprintf("unknown error 0x%02X", byte(e))
	}
	if e&alertFlag != 0 {
		msg += " (hardware alert)"
	}
	return "servo status: " + msg
}

// Status extracts the error byte from a status packet. It returns false if
// the frame is not a status packet.
func (f Frame) Status() (StatusError, bool) {
	if len(f) < 9 || f.Instruction() != InstStatus {
		return 0, false
	}
	return StatusError(f[8]), true
}

// ScanFrame scans buf from offset 0 and returns the first candidate header
// whose declared length is fully buffered, the offset one past its final
// byte, and whether such a frame was found. Bytes before the frame's header
// are garbage the caller should discard along with the frame
// (resynchronization). A candidate whose length is not yet satisfied does
// not block later candidates; partial frames are never surfaced.
func ScanFrame(buf []byte) (frame Frame, advance int, ok bool) {
	for from := 0; ; from++ {
		i := bytes.Index(buf[from:], Header[:])
		if i < 0 {
			return nil, 0, false
		}
		from += i

		// Need the full fixed prefix before the length field is readable.
		if len(buf) < from+7 {
			return nil, 0, false
		}

		length := int(binary.LittleEndian.Uint16(buf[from+5 : from+7]))
		end := from + 7 + length
		if len(buf) >= end {
			return Frame(buf[from:end]), end, true
		}
	}
}

// ValidateFrame recomputes the CRC trailer. The packet reader deliberately
// does not call this; it is for callers that want end-to-end integrity.
func ValidateFrame(f Frame) error {
	if len(f) < minFrameLen {
		return fmt.Errorf("frame too short: %d bytes", len(f))
	}
	want := binary.LittleEndian.Uint16(f[len(f)-2:])
	got := CRC16(f[:len(f)-2])
	if got != want {
		return fmt.Errorf("frame crc mismatch: computed 0x%04X, trailer 0x%04X", got, want)
	}
	return nil
}
