package cangw

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/nozzle.control/internal/wire"
)

// Frame is one classic CAN frame with an 11-bit identifier.
type Frame struct {
	ID   uint16
	Data []byte
}

// Default frame ids: the two nozzle control messages, the operator override
// and the five particulate sensors.
const (
	FramePrimary   uint16 = 0x0F7
	FrameSecondary uint16 = 0x1F7
	FrameOverride  uint16 = 0x2F7
	FramePMFirst   uint16 = 0x3A1
	FramePMLast    uint16 = 0x3A5
)

// FormatFrame renders f in the SLCAN text protocol: "t", three hex digits of
// id, one digit of length, the data in hex, then a carriage return.
func FormatFrame(f Frame) (string, error) {
	if f.ID > 0x7FF {
		return "", fmt.Errorf("frame id 0x%X exceeds 11 bits", f.ID)
	}
	if len(f.Data) > 8 {
		return "", fmt.Errorf("frame data is %d bytes, max 8", len(f.Data))
	}
	return fmt.Sprintf("t%03X%d%s\r", f.ID, len(f.Data), strings.ToUpper(hex.EncodeToString(f.Data))), nil
}

// ParseFrame parses one SLCAN "t" line. The trailing carriage return is
// optional; adapter timestamps after the data are ignored.
func ParseFrame(line string) (Frame, error) {
	line = strings.TrimRight(line, "\r\n")
	if len(line) < 5 || line[0] != 't' {
		return Frame{}, fmt.Errorf("not a standard SLCAN data frame: %q", line)
	}
	id, err := strconv.ParseUint(line[1:4], 16, 16)
	if err != nil {
		return Frame{}, fmt.Errorf("bad frame id in %q: %w", line, err)
	}
	dlc := int(line[4] - '0')
	if dlc < 0 || dlc > 8 {
		return Frame{}, fmt.Errorf("bad length in %q", line)
	}
	if len(line) < 5+2*dlc {
		return Frame{}, fmt.Errorf("short frame %q", line)
	}
	data, err := hex.DecodeString(line[5 : 5+2*dlc])
	if err != nil {
		return Frame{}, fmt.Errorf("bad frame data in %q: %w", line, err)
	}
	return Frame{ID: uint16(id), Data: data}, nil
}

// CommandFrame encodes cmd as [state code, speed percent, stale flag].
func CommandFrame(id uint16, cmd Command) Frame {
	stale := byte(0)
	if cmd.Stale {
		stale = 1
	}
	return Frame{ID: id, Data: []byte{cmd.StateCode, byte(cmd.SpeedPercent), stale}}
}

// ParsePMFrame decodes a particulate sensor frame. Each sensor sends PM1,
// PM2.5 and PM10 as big-endian uint16 in tenths of a microgram per cubic
// metre. ok is false for frames that are not sensor frames.
func ParsePMFrame(f Frame, at time.Time) (wire.SensorTelemetry, bool, error) {
	if f.ID < FramePMFirst || f.ID > FramePMLast {
		return wire.SensorTelemetry{}, false, nil
	}
	if len(f.Data) < 6 {
		return wire.SensorTelemetry{}, false, fmt.Errorf("sensor frame 0x%03X has %d bytes, want 6", f.ID, len(f.Data))
	}
	return wire.SensorTelemetry{
		SensorID:  int(f.ID-FramePMFirst) + 1,
		PM1:       float64(binary.BigEndian.Uint16(f.Data[0:2])) / 10,
		PM25:      float64(binary.BigEndian.Uint16(f.Data[2:4])) / 10,
		PM10:      float64(binary.BigEndian.Uint16(f.Data[4:6])) / 10,
		Timestamp: at,
	}, true, nil
}

// ParseOverrideFrame decodes the operator override frame. Bit 0 of the first
// byte is set while the override is engaged. ok is false for other frames.
func ParseOverrideFrame(f Frame, at time.Time) (wire.OverrideState, bool, error) {
	if f.ID != FrameOverride {
		return wire.OverrideState{}, false, nil
	}
	if len(f.Data) < 1 {
		return wire.OverrideState{}, false, fmt.Errorf("override frame 0x%03X is empty", f.ID)
	}
	return wire.OverrideState{Active: f.Data[0]&0x01 != 0, Timestamp: at}, true, nil
}
