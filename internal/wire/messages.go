package wire

import (
	"time"

	"github.com/banshee-data/nozzle.control/internal/nozzle"
)

// Role is what a client does on the channel.
type Role string

const (
	// RoleReporter clients send control updates that feed the merge.
	RoleReporter Role = "reporter"
	// RoleSubscriber clients only receive telemetry pushes.
	RoleSubscriber Role = "subscriber"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleReporter || r == RoleSubscriber
}

// Hello is the first frame a client sends after connecting.
type Hello struct {
	ClientName string `msgpack:"client_name"`
	Role       Role   `msgpack:"role"`
	SessionID  string `msgpack:"session_id"`
	Version    string `msgpack:"version"`
}

// Welcome acknowledges a Hello.
type Welcome struct {
	ConnectionID  string `msgpack:"connection_id"`
	ServerVersion string `msgpack:"server_version"`
}

// Heartbeat is sent by either side when nothing else is due.
type Heartbeat struct {
	SentAt time.Time `msgpack:"sent_at"`
}

// Goodbye announces an orderly disconnect.
type Goodbye struct {
	Reason string `msgpack:"reason"`
}

// NozzleStatus is one nozzle's entry in a ControlRecord.
type NozzleStatus struct {
	NozzleID     string       `msgpack:"nozzle_id" json:"nozzle_id"`
	State        nozzle.State `msgpack:"state" json:"state"`
	SpeedPercent int          `msgpack:"speed_percent" json:"speed_percent"`
	Stale        bool         `msgpack:"stale" json:"stale"`
	Changed      time.Time    `msgpack:"changed" json:"changed"`
}

// FPSSummary is the frame rate seen by each nozzle since the previous
// record, with the spread across nozzles.
type FPSSummary struct {
	PerNozzle map[string]float64 `msgpack:"per_nozzle" json:"per_nozzle"`
	Mean      float64            `msgpack:"mean" json:"mean"`
	Min       float64            `msgpack:"min" json:"min"`
	Max       float64            `msgpack:"max" json:"max"`
}

// CameraStatus reports whether the camera feeding a nozzle is delivering
// frames. Live is false once no frame has arrived for the stale timeout.
type CameraStatus struct {
	NozzleID  string    `msgpack:"nozzle_id" json:"nozzle_id"`
	Live      bool      `msgpack:"live" json:"live"`
	LastFrame time.Time `msgpack:"last_frame" json:"last_frame"`
	Frames    int       `msgpack:"frames" json:"frames"`
}

// ControlRecord is the aggregated control state published once per tick. It
// travels as the payload of a ControlUpdate frame and is never modified after
// it is built.
type ControlRecord struct {
	Sequence        uint64            `msgpack:"seq" json:"seq"`
	GeneratedAt     time.Time         `msgpack:"generated_at" json:"generated_at"`
	Nozzles         []NozzleStatus    `msgpack:"nozzles" json:"nozzles"`
	Cameras         []CameraStatus    `msgpack:"cameras" json:"cameras"`
	FPS             FPSSummary        `msgpack:"fps" json:"fps"`
	DetectionCounts map[string]uint64 `msgpack:"detection_counts" json:"detection_counts"`
}

// SensorTelemetry is one particulate reading from a vehicle sensor.
type SensorTelemetry struct {
	SensorID  int       `msgpack:"sensor_id" json:"sensor_id"`
	PM1       float64   `msgpack:"pm1" json:"pm1"`
	PM25      float64   `msgpack:"pm25" json:"pm25"`
	PM10      float64   `msgpack:"pm10" json:"pm10"`
	Timestamp time.Time `msgpack:"timestamp" json:"timestamp"`
}

// OverrideState is the operator's manual fan override as seen on the bus.
// While Active the vehicle ignores the nozzle commands.
type OverrideState struct {
	Active    bool      `msgpack:"active" json:"active"`
	Timestamp time.Time `msgpack:"timestamp" json:"timestamp"`
}

// Telemetry is the payload of a Telemetry frame: the latest reading of each
// sensor the server knows about, and the override state once one was seen.
type Telemetry struct {
	Readings []SensorTelemetry `msgpack:"readings" json:"readings"`
	Override *OverrideState    `msgpack:"override,omitempty" json:"override,omitempty"`
	SentAt   time.Time         `msgpack:"sent_at" json:"sent_at"`
}
