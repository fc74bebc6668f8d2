// Package cangw is the boundary between the control channel server and the
// process that owns the vehicle CAN bus. The server submits abstract fan
// commands; the gateway maps them onto frames and supplies sensor readings.
package cangw

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/banshee-data/nozzle.control/internal/nozzle"
	"github.com/banshee-data/nozzle.control/internal/wire"
)

var (
	// ErrWriteFailed is returned when the adapter accepted fewer bytes than a
	// full frame.
	ErrWriteFailed = errors.New("failed to write frame to CAN adapter")
	// ErrUnknownNozzle is returned for a command whose nozzle has no frame id.
	ErrUnknownNozzle = errors.New("no CAN frame id for nozzle")
	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("gateway closed")
)

// Command is one fan instruction for one nozzle.
type Command struct {
	NozzleID     string       `json:"nozzle_id"`
	State        nozzle.State `json:"state"`
	StateCode    uint8        `json:"state_code"`
	SpeedPercent int          `json:"speed_percent"`
	Stale        bool         `json:"stale"`
}

// NewCommand builds a command with the bus state code derived from state.
func NewCommand(nozzleID string, state nozzle.State, speed int, stale bool) Command {
	return Command{
		NozzleID:     nozzleID,
		State:        state,
		StateCode:    state.Code(),
		SpeedPercent: speed,
		Stale:        stale,
	}
}

func (c Command) String() string {
	s := fmt.Sprintf("%s %s(%d) %d%%", c.NozzleID, c.State, c.StateCode, c.SpeedPercent)
	if c.Stale {
		s += " stale"
	}
	return s
}

// Gateway accepts commands one at a time. Callers serialise Submit; an
// implementation may assume at most one call is in flight.
type Gateway interface {
	Submit(ctx context.Context, cmd Command) error
}

// SensorSource fans sensor readings out to subscribers. Slow subscribers miss
// readings rather than stall the source.
type SensorSource interface {
	// Subscribe returns an id for Unsubscribe and a channel of readings. The
	// channel is closed on Unsubscribe or when the source closes.
	Subscribe() (string, <-chan wire.SensorTelemetry)
	Unsubscribe(id string)
	// Override returns the latest operator override state; ok is false until
	// the bus has reported one.
	Override() (state wire.OverrideState, ok bool)
}

// Device is a gateway that owns an adapter: it runs a read loop, must be
// closed and exposes admin routes.
type Device interface {
	Gateway
	SensorSource
	Monitor(ctx context.Context) error
	Close() error
	AttachAdminRoutes(mux *http.ServeMux)
}

var (
	_ Device = (*SerialGateway[Porter])(nil)
	_ Device = (*DisabledGateway)(nil)
	_ Device = (*RecordingGateway)(nil)
)

// subscriberBuffer is the per-subscriber queue depth.
const subscriberBuffer = 8
