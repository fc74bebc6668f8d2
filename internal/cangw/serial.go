package cangw

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/banshee-data/nozzle.control/internal/monitoring"
	"github.com/banshee-data/nozzle.control/internal/timeutil"
)

// GatewayOptions configures frame addressing on the bus.
type GatewayOptions struct {
	// FrameIDs maps each nozzle id to the CAN id its commands are sent on.
	FrameIDs map[string]uint16
	// Bitrate is the SLCAN bitrate command sent by Open.
	Bitrate string
}

// DefaultFrameIDs returns the frame ids of the two nozzle control messages.
func DefaultFrameIDs() map[string]uint16 {
	return map[string]uint16{"primary": FramePrimary, "secondary": FrameSecondary}
}

// SerialGateway drives a USB SLCAN adapter. Writes to the port are
// serialised; sensor frames read back from the adapter are fanned out to
// subscribers.
type SerialGateway[T Porter] struct {
	port  T
	opts  GatewayOptions
	clock timeutil.Clock
	logf  func(string, ...interface{})

	commandMu sync.Mutex

	*hub
}

// NewSerialGateway wraps an already-open port.
func NewSerialGateway[T Porter](port T, opts GatewayOptions, clock timeutil.Clock) *SerialGateway[T] {
	if opts.FrameIDs == nil {
		opts.FrameIDs = DefaultFrameIDs()
	}
	if opts.Bitrate == "" {
		opts.Bitrate = "S6"
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &SerialGateway[T]{
		port:  port,
		opts:  opts,
		clock: clock,
		logf:  monitoring.Prefixed("gateway"),
		hub:   newHub(),
	}
}

// Open closes any half-open channel, sets the bitrate and opens the CAN
// channel on the adapter.
func (g *SerialGateway[T]) Open() error {
	for _, cmd := range []string{"C", g.opts.Bitrate, "O"} {
		if err := g.writeLine(cmd + "\r"); err != nil {
			return fmt.Errorf("failed to send adapter command %q: %w", cmd, err)
		}
	}
	return nil
}

// Submit writes one command frame. It fails fast if ctx is already done.
func (g *SerialGateway[T]) Submit(ctx context.Context, cmd Command) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	id, ok := g.opts.FrameIDs[cmd.NozzleID]
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownNozzle, cmd.NozzleID)
	}
	line, err := FormatFrame(CommandFrame(id, cmd))
	if err != nil {
		return err
	}
	return g.writeLine(line)
}

// SendRaw writes a raw SLCAN line, used by the admin routes.
func (g *SerialGateway[T]) SendRaw(line string) error {
	if !bytes.HasSuffix([]byte(line), []byte("\r")) {
		line += "\r"
	}
	return g.writeLine(line)
}

func (g *SerialGateway[T]) writeLine(line string) error {
	g.commandMu.Lock()
	defer g.commandMu.Unlock()
	n, err := g.port.Write([]byte(line))
	if err != nil {
		return err
	}
	if n != len(line) {
		return ErrWriteFailed
	}
	return nil
}

// scanFrames splits adapter output on carriage returns as well as newlines.
func scanFrames(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// Monitor reads frames from the adapter until ctx is done or the port fails.
// Sensor frames are published to subscribers without blocking; override
// frames update the state returned by Override.
func (g *SerialGateway[T]) Monitor(ctx context.Context) error {
	scan := bufio.NewScanner(g.port)
	scan.Split(scanFrames)

	lineChan := make(chan string)
	scanErrChan := make(chan error, 1)

	// the blocking scan.Scan runs apart from the loop awaiting lines and
	// context cancellation.
	go func() {
		defer close(lineChan)
		for scan.Scan() {
			select {
			case lineChan <- scan.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			select {
			case scanErrChan <- err:
			case <-ctx.Done():
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-scanErrChan:
			return err

		case line, ok := <-lineChan:
			if !ok {
				return nil
			}
			g.handleLine(line)
		}
	}
}

func (g *SerialGateway[T]) handleLine(line string) {
	// The adapter answers a rejected command with a bell and no terminator.
	if trimmed := strings.TrimLeft(line, "\a"); trimmed != line {
		g.logf("adapter rejected a command")
		line = trimmed
	}
	if line == "" || line[0] != 't' {
		return
	}
	f, err := ParseFrame(line)
	if err != nil {
		g.logf("%v", err)
		return
	}
	if state, ok, err := ParseOverrideFrame(f, g.clock.Now()); ok || err != nil {
		if err != nil {
			g.logf("%v", err)
		} else if g.hub.setOverride(state) {
			g.logf("operator override active=%t", state.Active)
		}
		return
	}
	reading, ok, err := ParsePMFrame(f, g.clock.Now())
	if err != nil {
		g.logf("%v", err)
		return
	}
	if !ok {
		return
	}
	g.hub.publish(reading)
}

// Close closes the CAN channel, every subscriber and the port.
func (g *SerialGateway[T]) Close() error {
	if !g.hub.close() {
		return nil
	}
	if err := g.writeLine("C\r"); err != nil {
		g.logf("failed to close CAN channel: %v", err)
	}
	return g.port.Close()
}
