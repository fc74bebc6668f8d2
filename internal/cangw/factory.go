package cangw

import (
	"github.com/banshee-data/nozzle.control/internal/timeutil"
	"go.bug.st/serial"
)

// OpenSerialGateway opens the adapter at path and returns a gateway backed by
// it. Call Open on the result to start the CAN channel.
func OpenSerialGateway(path string, port PortOptions, opts GatewayOptions, clock timeutil.Clock) (*SerialGateway[serial.Port], error) {
	norm, err := port.Normalize()
	if err != nil {
		return nil, err
	}
	mode, err := norm.SerialMode()
	if err != nil {
		return nil, err
	}
	p, err := serial.Open(path, mode)
	if err != nil {
		return nil, err
	}
	opts.Bitrate = norm.Bitrate
	return NewSerialGateway[serial.Port](p, opts, clock), nil
}
