// Package dynamixel encodes and decodes DYNAMIXEL Protocol 2.0 packets for
// serial-bus servos. It is pure byte manipulation: no I/O, no timing. The
// buslink package owns the transport.
package dynamixel

import (
	"encoding/binary"
	"fmt"
)

// Instruction codes per the Protocol 2.0 specification.
const (
	InstPing      byte = 0x01
	InstRead      byte = 0x02
	InstWrite     byte = 0x03
	InstRegWrite  byte = 0x04
	InstAction    byte = 0x05
	InstReboot    byte = 0x08
	InstStatus    byte = 0x55
	InstSyncRead  byte = 0x82
	InstSyncWrite byte = 0x83
)

// Control-table addresses for X-series servos.
const (
	RegTorqueEnable uint16 = 64
	RegGoalPosition uint16 = 116
)

// Special ID values.
const (
	BroadcastID = 0xFE
	MaxServoID  = 0xFC
)

// Position limits. One revolution spans [0, TickMax] ticks.
const (
	TickMax     = 4095
	DegreesSpan = 360.0
)

// Header is the 4-byte packet synchronization marker.
var Header = [4]byte{0xFF, 0xFF, 0xFD, 0x00}

// ErrTickRange reports a goal position outside [0, TickMax].
type ErrTickRange struct {
	Ticks int
}

func (e ErrTickRange) Error() string {
	return fmt.Sprintf("goal position %d out of range [0, %d]", e.Ticks, TickMax)
}

// instruction builds a wire-format instruction packet:
// header(4) + id(1) + length(2, LE) + instruction(1) + params(n) + crc(2, LE).
// The declared length counts instruction + params + crc.
func instruction(id byte, inst byte, params []byte) []byte {
	length := uint16(len(params) + 3)

	buf := make([]byte, 0, 10+len(params))
	buf = append(buf, Header[:]...)
	buf = append(buf, id)
	buf = binary.LittleEndian.AppendUint16(buf, length)
	buf = append(buf, inst)
	buf = append(buf, params...)

	crc := CRC16(buf)
	return binary.LittleEndian.AppendUint16(buf, crc)
}

// writeRegister builds a Write instruction for the register at addr.
func writeRegister(id byte, addr uint16, value []byte) []byte {
	params := make([]byte, 0, 2+len(value))
	params = binary.LittleEndian.AppendUint16(params, addr)
	params = append(params, value...)
	return instruction(id, InstWrite, params)
}

// PingPacket builds a Ping instruction for the given servo ID.
func PingPacket(id byte) []byte {
	return instruction(id, InstPing, nil)
}

// TorquePacket builds a Write instruction setting the torque-enable
// register to 1 (on) or 0 (off).
func TorquePacket(id byte, enabled bool) []byte {
	value := byte(0)
	if enabled {
		value = 1
	}
	return writeRegister(id, RegTorqueEnable, []byte{value})
}

// GoalPositionPacket builds a Write instruction setting the goal-position
// register to ticks. Ticks outside [0, TickMax] are rejected; clamping is
// the caller's job (see DegreesToTicks).
func GoalPositionPacket(id byte, ticks int) ([]byte, error) {
	if ticks < 0 || ticks > TickMax {
		return nil, ErrTickRange{Ticks: ticks}
	}

	value := make([]byte, 4)
	binary.LittleEndian.PutUint32(value, uint32(ticks))
	return writeRegister(id, RegGoalPosition, value), nil
}

// DegreesToTicks maps an angle in degrees to position ticks, clamping the
// input to [0, 360]. The mapping is linear: 0° -> 0, 360° -> 4095.
func DegreesToTicks(degrees float64) int {
	if degrees < 0 {
		degrees = 0
	}
	if degrees > DegreesSpan {
		degrees = DegreesSpan
	}
	return int(degrees / DegreesSpan * TickMax)
}
