package channel

import (
	"context"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/banshee-data/nozzle.control/internal/cangw"
	"github.com/banshee-data/nozzle.control/internal/monitoring"
	"github.com/banshee-data/nozzle.control/internal/nozzle"
	"github.com/banshee-data/nozzle.control/internal/testutil"
	"github.com/banshee-data/nozzle.control/internal/timeutil"
	"github.com/banshee-data/nozzle.control/internal/wire"
)

var testStart = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func testSpeeds() nozzle.SpeedTable {
	return nozzle.MustSpeedTable(map[nozzle.State]int{
		nozzle.StateClear:   25,
		nozzle.StateCheck:   60,
		nozzle.StateGravel:  0,
		nozzle.StateBlocked: 100,
	})
}

func testServerOptions(path string) ServerOptions {
	return ServerOptions{
		SocketPath:        path,
		HeartbeatInterval: 100 * time.Millisecond,
		StaleTimeout:      500 * time.Millisecond,
		HardTimeout:       5 * time.Second,
		MergeInterval:     100 * time.Millisecond,
		TelemetryInterval: 100 * time.Millisecond,
		Speeds:            testSpeeds(),
	}
}

func testClientOptions(path string) ClientOptions {
	return ClientOptions{
		SocketPath:        path,
		ClientName:        "pipeline",
		Role:              wire.RoleReporter,
		HeartbeatInterval: 50 * time.Millisecond,
		DeadTimeout:       time.Second,
		MinBackoff:        20 * time.Millisecond,
		MaxBackoff:        100 * time.Millisecond,
	}
}

// fakeRecorder keeps everything the server records.
type fakeRecorder struct {
	mu        sync.Mutex
	commands  []cangw.Command
	conflicts []Conflict
	events    []ConnectionEvent
}

func (r *fakeRecorder) RecordCommand(_ uint64, cmd cangw.Command, _ time.Time, _ error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, cmd)
	return nil
}

func (r *fakeRecorder) RecordConflict(c Conflict, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conflicts = append(r.conflicts, c)
	return nil
}

func (r *fakeRecorder) RecordConnectionEvent(ev ConnectionEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *fakeRecorder) conflictCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conflicts)
}

type serverFixture struct {
	*Server
	gw      *cangw.RecordingGateway
	metrics *monitoring.Metrics
	rec     *fakeRecorder
	path    string
}

// startServer runs a server on a fresh socket until the test ends.
func startServer(t *testing.T, opts ServerOptions, clock timeutil.Clock) *serverFixture {
	t.Helper()
	if opts.SocketPath == "" {
		opts.SocketPath = testutil.SocketPath(t)
	}
	f := &serverFixture{
		gw:      cangw.NewRecordingGateway(),
		metrics: monitoring.NewMetrics(nil),
		rec:     &fakeRecorder{},
		path:    opts.SocketPath,
	}
	srv, err := NewServer(opts, f.gw, f.gw, clock, f.metrics, f.rec)
	testutil.AssertNoError(t, err)
	f.Server = srv

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	testutil.Eventually(t, 2*time.Second, func() bool {
		_, err := os.Stat(opts.SocketPath)
		return err == nil
	}, "server socket created")
	return f
}

// rawClient speaks the wire protocol directly so tests control every frame.
type rawClient struct {
	t   *testing.T
	nc  net.Conn
	enc *wire.Encoder
	dec *wire.Decoder
	id  string
}

func dialRaw(t *testing.T, path, name string, role wire.Role) *rawClient {
	t.Helper()
	nc, err := net.Dial("unix", path)
	testutil.AssertNoError(t, err)
	t.Cleanup(func() { nc.Close() })

	c := &rawClient{t: t, nc: nc, enc: wire.NewEncoder(nc), dec: wire.NewDecoder(nc)}
	testutil.AssertNoError(t, c.enc.Encode(wire.TypeHello, wire.Hello{ClientName: name, Role: role, SessionID: name + "-session"}))
	f := c.next(wire.TypeWelcome)
	var w wire.Welcome
	testutil.AssertNoError(t, f.Decode(&w))
	c.id = w.ConnectionID
	return c
}

func record(seq uint64, states map[string]nozzle.State) wire.ControlRecord {
	rec := wire.ControlRecord{Sequence: seq, GeneratedAt: testStart}
	for id, st := range states {
		rec.Nozzles = append(rec.Nozzles, wire.NozzleStatus{NozzleID: id, State: st, SpeedPercent: testSpeeds().For(st)})
	}
	return rec
}

func (c *rawClient) update(seq uint64, states map[string]nozzle.State) {
	c.t.Helper()
	testutil.AssertNoError(c.t, c.enc.Encode(wire.TypeControlUpdate, record(seq, states)))
}

// next reads frames until one of type typ arrives.
func (c *rawClient) next(typ wire.Type) wire.Frame {
	c.t.Helper()
	c.nc.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		f, err := c.dec.Next()
		testutil.AssertNoError(c.t, err)
		if f.Type == typ {
			return f
		}
	}
}

// waitSeq waits until the server has accepted seq on connection id.
func waitSeq(t *testing.T, srv *Server, id string, seq uint64) {
	t.Helper()
	testutil.Eventually(t, 2*time.Second, func() bool {
		for _, c := range srv.Connections() {
			if c.ID == id && c.LastSequence == seq {
				return true
			}
		}
		return false
	}, "sequence accepted")
}

func commandFor(set CommandSet, id string) (cangw.Command, bool) {
	for _, c := range set.Commands {
		if c.NozzleID == id {
			return c, true
		}
	}
	return cangw.Command{}, false
}

// dialRawNoHello opens a connection that never completes the handshake.
func dialRawNoHello(t *testing.T, path string) net.Conn {
	t.Helper()
	nc, err := net.Dial("unix", path)
	testutil.AssertNoError(t, err)
	return nc
}
