package cangw

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/banshee-data/nozzle.control/internal/wire"
)

// RecordingGateway records every submitted command and can stand in as a
// SensorSource. Tests use it to check dispatch order and exclusivity.
type RecordingGateway struct {
	*hub

	mu          sync.Mutex
	commands    []Command
	inFlight    int
	maxInFlight int
	failNext    error

	// Hold, when set, makes every Submit wait for a receive on Hold (or for
	// its context) before completing.
	Hold chan struct{}
	// Started, when set, receives each command as its Submit begins.
	Started chan Command
}

// NewRecordingGateway returns an empty recording gateway.
func NewRecordingGateway() *RecordingGateway {
	return &RecordingGateway{hub: newHub()}
}

func (g *RecordingGateway) Submit(ctx context.Context, cmd Command) error {
	g.mu.Lock()
	g.inFlight++
	if g.inFlight > g.maxInFlight {
		g.maxInFlight = g.inFlight
	}
	hold, started := g.Hold, g.Started
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		g.inFlight--
		g.mu.Unlock()
	}()

	if started != nil {
		started <- cmd
	}
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.failNext; err != nil {
		g.failNext = nil
		return err
	}
	g.commands = append(g.commands, cmd)
	return nil
}

// FailNext makes the next Submit return err without recording.
func (g *RecordingGateway) FailNext(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failNext = err
}

// Commands returns the recorded commands in submit order.
func (g *RecordingGateway) Commands() []Command {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Command(nil), g.commands...)
}

// MaxInFlight is the most Submit calls ever observed running at once.
func (g *RecordingGateway) MaxInFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.maxInFlight
}

// Publish delivers reading to every subscriber.
func (g *RecordingGateway) Publish(reading wire.SensorTelemetry) {
	g.hub.publish(reading)
}

// PublishOverride stores state as the latest override.
func (g *RecordingGateway) PublishOverride(state wire.OverrideState) {
	g.hub.setOverride(state)
}

// Monitor blocks until ctx is done.
func (g *RecordingGateway) Monitor(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

// AttachAdminRoutes serves the recorded commands as JSON.
func (g *RecordingGateway) AttachAdminRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/debug/can-recorded", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(g.Commands())
	})
}

// Close closes every subscriber.
func (g *RecordingGateway) Close() error {
	g.hub.close()
	return nil
}

// TestablePort implements Porter with configurable behaviour for testing.
type TestablePort struct {
	mu sync.Mutex

	readBuf  bytes.Buffer
	writeBuf bytes.Buffer
	readCond *sync.Cond

	// ShortWrite makes Write report one byte fewer than it was given.
	ShortWrite bool
	// WriteError is returned by the next Write call if set.
	WriteError error

	closed bool
}

// NewTestablePort returns a port whose reads block until data is added or
// the port is closed.
func NewTestablePort() *TestablePort {
	p := &TestablePort{}
	p.readCond = sync.NewCond(&p.mu)
	return p
}

func (p *TestablePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for !p.closed && p.readBuf.Len() == 0 {
		p.readCond.Wait()
	}
	if p.readBuf.Len() == 0 {
		return 0, errors.New("port closed")
	}
	return p.readBuf.Read(b)
}

func (p *TestablePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, errors.New("port closed")
	}
	if err := p.WriteError; err != nil {
		p.WriteError = nil
		return 0, err
	}
	if p.ShortWrite {
		p.writeBuf.Write(b[:len(b)-1])
		return len(b) - 1, nil
	}
	return p.writeBuf.Write(b)
}

// Close marks the port closed and wakes blocked readers.
func (p *TestablePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.readCond.Broadcast()
	return nil
}

// AddReadData queues data for subsequent reads.
func (p *TestablePort) AddReadData(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readBuf.Write(data)
	p.readCond.Broadcast()
}

// Written returns everything written so far.
func (p *TestablePort) Written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writeBuf.String()
}
