package cangw

import (
	"testing"
	"time"

	"github.com/banshee-data/nozzle.control/internal/nozzle"
	"github.com/banshee-data/nozzle.control/internal/wire"
	"github.com/google/go-cmp/cmp"
)

func TestFormatFrame(t *testing.T) {
	tests := []struct {
		name    string
		frame   Frame
		want    string
		wantErr bool
	}{
		{"command", Frame{ID: 0x0F7, Data: []byte{2, 100, 0}}, "t0F73026400\r", false},
		{"empty", Frame{ID: 0x1F7}, "t1F70\r", false},
		{"id too wide", Frame{ID: 0x800}, "", true},
		{"data too long", Frame{ID: 1, Data: make([]byte, 9)}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FormatFrame(tt.frame)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("FormatFrame() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseFrame(t *testing.T) {
	f, err := ParseFrame("t3A16000A00190064\r")
	if err != nil {
		t.Fatalf("ParseFrame: %v", err)
	}
	want := Frame{ID: 0x3A1, Data: []byte{0x00, 0x0A, 0x00, 0x19, 0x00, 0x64}}
	if diff := cmp.Diff(want, f); diff != "" {
		t.Errorf("frame mismatch (-want +got):\n%s", diff)
	}

	// Trailing adapter timestamp is ignored.
	if f, err := ParseFrame("t0F73026400ABCD"); err != nil || len(f.Data) != 3 {
		t.Errorf("ParseFrame with timestamp = %v, %v", f, err)
	}

	for _, bad := range []string{"", "T0F71", "r0F70", "t0F7", "tXYZ0", "t0F73", "t0F79", "t0F72ZZZZ"} {
		if _, err := ParseFrame(bad); err == nil {
			t.Errorf("ParseFrame(%q) succeeded, want error", bad)
		}
	}
}

func TestFormatParseRoundTrip(t *testing.T) {
	cmd := NewCommand("secondary", nozzle.StateGravel, 0, true)
	line, err := FormatFrame(CommandFrame(FrameSecondary, cmd))
	if err != nil {
		t.Fatal(err)
	}
	f, err := ParseFrame(line)
	if err != nil {
		t.Fatal(err)
	}
	if f.ID != FrameSecondary {
		t.Errorf("id = 0x%X", f.ID)
	}
	if diff := cmp.Diff([]byte{4, 0, 1}, f.Data); diff != "" {
		t.Errorf("data mismatch (-want +got):\n%s", diff)
	}
}

func TestParsePMFrame(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	got, ok, err := ParsePMFrame(Frame{ID: 0x3A3, Data: []byte{0x00, 0x0F, 0x00, 0x19, 0x01, 0xF4}}, at)
	if err != nil || !ok {
		t.Fatalf("ParsePMFrame = %v, %v", ok, err)
	}
	want := wire.SensorTelemetry{SensorID: 3, PM1: 1.5, PM25: 2.5, PM10: 50, Timestamp: at}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("reading mismatch (-want +got):\n%s", diff)
	}

	if _, ok, err := ParsePMFrame(Frame{ID: FramePrimary, Data: []byte{1}}, at); ok || err != nil {
		t.Errorf("control frame treated as sensor frame: ok=%v err=%v", ok, err)
	}
	if _, _, err := ParsePMFrame(Frame{ID: FramePMLast, Data: []byte{1, 2}}, at); err == nil {
		t.Error("short sensor frame accepted")
	}
}

func TestParseOverrideFrame(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for _, tc := range []struct {
		data   []byte
		active bool
	}{
		{[]byte{0x01}, true},
		{[]byte{0x03, 0xFF}, true},
		{[]byte{0x00}, false},
		{[]byte{0x02}, false},
	} {
		got, ok, err := ParseOverrideFrame(Frame{ID: FrameOverride, Data: tc.data}, at)
		if err != nil || !ok {
			t.Fatalf("ParseOverrideFrame(% X) = %v, %v", tc.data, ok, err)
		}
		if got.Active != tc.active || !got.Timestamp.Equal(at) {
			t.Errorf("ParseOverrideFrame(% X) = %+v, want active=%v", tc.data, got, tc.active)
		}
	}
	if _, ok, _ := ParseOverrideFrame(Frame{ID: FramePMFirst, Data: []byte{1}}, at); ok {
		t.Error("sensor frame treated as override")
	}
	if _, _, err := ParseOverrideFrame(Frame{ID: FrameOverride}, at); err == nil {
		t.Error("empty override frame accepted")
	}
}

func TestCommandString(t *testing.T) {
	cmd := NewCommand("primary", nozzle.StateBlocked, 100, true)
	if cmd.StateCode != 2 {
		t.Errorf("StateCode = %d, want 2", cmd.StateCode)
	}
	if got := cmd.String(); got != "primary blocked(2) 100% stale" {
		t.Errorf("String() = %q", got)
	}
}

func wireReading(sensor int) wire.SensorTelemetry {
	return wire.SensorTelemetry{SensorID: sensor, PM10: 12.5}
}
