package channel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/nozzle.control/internal/cangw"
	"github.com/banshee-data/nozzle.control/internal/monitoring"
	"github.com/banshee-data/nozzle.control/internal/nozzle"
	"github.com/banshee-data/nozzle.control/internal/timeutil"
	"github.com/banshee-data/nozzle.control/internal/version"
	"github.com/banshee-data/nozzle.control/internal/wire"
)

// ServerOptions configures a Server.
type ServerOptions struct {
	SocketPath        string
	HeartbeatInterval time.Duration
	// StaleTimeout excludes a reporter from merges when it has sent no
	// accepted control update for this long.
	StaleTimeout time.Duration
	// HardTimeout closes a connection that has sent nothing at all for this
	// long. It also bounds the handshake.
	HardTimeout       time.Duration
	MergeInterval     time.Duration
	TelemetryInterval time.Duration
	// Nozzles are always commanded, at the clear speed while unreported.
	Nozzles []string
	// Speeds supplies the clear speed used for nozzles with no live reporter.
	Speeds nozzle.SpeedTable
}

// Validate checks the options.
func (o ServerOptions) Validate() error {
	switch {
	case o.SocketPath == "":
		return errors.New("socket path is required")
	case o.HeartbeatInterval <= 0:
		return fmt.Errorf("heartbeat interval must be positive, got %s", o.HeartbeatInterval)
	case o.StaleTimeout <= 0:
		return fmt.Errorf("stale timeout must be positive, got %s", o.StaleTimeout)
	case o.HardTimeout <= o.StaleTimeout:
		return fmt.Errorf("hard timeout %s must exceed stale timeout %s", o.HardTimeout, o.StaleTimeout)
	case o.MergeInterval <= 0:
		return fmt.Errorf("merge interval must be positive, got %s", o.MergeInterval)
	case o.TelemetryInterval <= 0:
		return fmt.Errorf("telemetry interval must be positive, got %s", o.TelemetryInterval)
	case o.Speeds.IsZero():
		return errors.New("speed table is required")
	}
	return nil
}

// ConnectionInfo is a read-only view of one connection.
type ConnectionInfo struct {
	ID           string    `json:"id"`
	ClientName   string    `json:"client_name"`
	Role         wire.Role `json:"role"`
	State        string    `json:"state"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastSeen     time.Time `json:"last_seen"`
	LastData     time.Time `json:"last_data"`
	LastSequence uint64    `json:"last_sequence"`

	// Cameras is the camera status from the last accepted update.
	Cameras []wire.CameraStatus `json:"cameras,omitempty"`
}

// ConnectionEvent is one lifecycle transition of a connection.
type ConnectionEvent struct {
	ConnectionID string    `json:"connection_id"`
	ClientName   string    `json:"client_name"`
	From         ConnState `json:"from"`
	To           ConnState `json:"to"`
	At           time.Time `json:"at"`
	Reason       string    `json:"reason"`
}

type outFrame struct {
	typ wire.Type
	v   interface{}
}

// conn is the server side of one client. Its record fields are written only
// by its own handler goroutine; merges read them under mu.
type conn struct {
	id          string
	nc          net.Conn
	send        chan outFrame
	done        chan struct{}
	connectedAt time.Time

	mu        sync.Mutex
	name      string
	role      wire.Role
	state     ConnState
	lastSeen  time.Time
	lastData  time.Time
	lastSeq   uint64
	lastKnown *wire.ControlRecord
}

func (c *conn) info() ConnectionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	var cameras []wire.CameraStatus
	if c.lastKnown != nil {
		cameras = append(cameras, c.lastKnown.Cameras...)
	}
	return ConnectionInfo{
		ID:           c.id,
		ClientName:   c.name,
		Role:         c.role,
		State:        c.state.String(),
		ConnectedAt:  c.connectedAt,
		LastSeen:     c.lastSeen,
		LastData:     c.lastData,
		LastSequence: c.lastSeq,
		Cameras:      cameras,
	}
}

// Server accepts clients, merges reporter states and drives the gateway.
type Server struct {
	opts     ServerOptions
	gateway  cangw.Gateway
	sensors  cangw.SensorSource
	clock    timeutil.Clock
	metrics  *monitoring.Metrics
	recorder Recorder
	logf     func(string, ...interface{})
	dispatch *dispatcher

	mu      sync.Mutex
	conns   map[string]*conn
	known   map[string]bool
	seq     uint64
	lastSet CommandSet

	telMu    sync.Mutex
	readings map[int]wire.SensorTelemetry
}

// NewServer validates opts and builds a server. sensors and recorder may be
// nil.
func NewServer(opts ServerOptions, gateway cangw.Gateway, sensors cangw.SensorSource, clock timeutil.Clock, metrics *monitoring.Metrics, recorder Recorder) (*Server, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if gateway == nil {
		return nil, errors.New("a CAN gateway is required")
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	metrics = monitoring.OrNew(metrics)
	s := &Server{
		opts:     opts,
		gateway:  gateway,
		sensors:  sensors,
		clock:    clock,
		metrics:  metrics,
		recorder: recorder,
		logf:     monitoring.Prefixed("server"),
		conns:    make(map[string]*conn),
		known:    make(map[string]bool),
		readings: make(map[int]wire.SensorTelemetry),
	}
	for _, id := range opts.Nozzles {
		s.known[id] = true
	}
	s.dispatch = newDispatcher(gateway, clock, metrics, recorder)
	return s, nil
}

// ListenAndServe replaces any stale socket file at the configured path,
// opens it to every local user and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	path := s.opts.SocketPath
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove stale socket %s: %w", path, err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", path, err)
	}
	defer os.Remove(path)
	if err := os.Chmod(path, 0o666); err != nil {
		ln.Close()
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}
	s.logf("listening on %s", path)
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done, running the merge,
// dispatch and telemetry loops alongside. A stalled connection never holds
// up Accept.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	run := func(f func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f(ctx)
		}()
	}
	run(s.dispatch.run)
	run(s.mergeLoop)
	run(s.telemetryLoop)
	if s.sensors != nil {
		run(s.sensorLoop)
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var acceptErr error
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() == nil {
				acceptErr = err
			}
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handle(ctx, nc)
		}()
	}

	cancel()
	s.closeAll()
	wg.Wait()
	if acceptErr != nil {
		return acceptErr
	}
	return ctx.Err()
}

func (s *Server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.nc.Close()
	}
}

// handle owns one connection from accept to close.
func (s *Server) handle(ctx context.Context, nc net.Conn) {
	now := s.clock.Now()
	c := &conn{
		id:          uuid.NewString(),
		nc:          nc,
		send:        make(chan outFrame, 4),
		done:        make(chan struct{}),
		connectedAt: now,
		state:       ConnConnecting,
		lastSeen:    now,
		lastData:    now,
	}
	s.register(c)
	reason := "disconnected"
	defer func() {
		close(c.done)
		nc.Close()
		s.setState(c, ConnClosed, reason)
		s.unregister(c)
	}()

	enc := wire.NewEncoder(nc)
	dec := wire.NewDecoder(nc)
	if err := s.handshake(c, enc, dec); err != nil {
		reason = err.Error()
		return
	}
	s.setState(c, ConnActive, "handshake complete")

	go s.writeLoop(ctx, c, enc)

	for {
		nc.SetReadDeadline(time.Now().Add(s.opts.HardTimeout))
		f, err := dec.Next()
		if err != nil {
			if ctx.Err() != nil {
				reason = "server shutdown"
			} else {
				reason = err.Error()
			}
			return
		}
		switch f.Type {
		case wire.TypeControlUpdate:
			var rec wire.ControlRecord
			if err := f.Decode(&rec); err != nil {
				reason = err.Error()
				return
			}
			if err := s.accept(c, rec, s.clock.Now()); err != nil {
				s.logf("%s: %v", c.id, err)
			}
		case wire.TypeHeartbeat:
			s.touch(c, s.clock.Now())
		case wire.TypeGoodbye:
			var bye wire.Goodbye
			f.Decode(&bye)
			reason = "goodbye: " + bye.Reason
			return
		default:
			s.touch(c, s.clock.Now())
			s.logf("%s: ignoring unexpected %s frame", c.id, f.Type)
		}
	}
}

func (s *Server) handshake(c *conn, enc *wire.Encoder, dec *wire.Decoder) error {
	c.nc.SetDeadline(time.Now().Add(s.opts.HardTimeout))
	defer c.nc.SetDeadline(time.Time{})

	f, err := dec.Next()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	if f.Type != wire.TypeHello {
		return fmt.Errorf("%w: got %s before hello", ErrHandshake, f.Type)
	}
	var hello wire.Hello
	if err := f.Decode(&hello); err != nil {
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	if !hello.Role.Valid() {
		return fmt.Errorf("%w: unknown role %q", ErrHandshake, hello.Role)
	}

	c.mu.Lock()
	c.name = hello.ClientName
	c.role = hello.Role
	c.mu.Unlock()

	welcome := wire.Welcome{ConnectionID: c.id, ServerVersion: version.Version}
	if err := enc.Encode(wire.TypeWelcome, welcome); err != nil {
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	s.logf("%s: %s %q connected (session %s, version %s)", c.id, hello.Role, hello.ClientName, hello.SessionID, hello.Version)
	return nil
}

// writeLoop is the only writer on the connection after the handshake. It
// sends queued frames and a heartbeat whenever the line has been idle for a
// heartbeat interval.
func (s *Server) writeLoop(ctx context.Context, c *conn, enc *wire.Encoder) {
	ticker := s.clock.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()
	lastSent := s.clock.Now()

	write := func(f outFrame) bool {
		c.nc.SetWriteDeadline(time.Now().Add(s.opts.HardTimeout))
		if err := enc.Encode(f.typ, f.v); err != nil {
			c.nc.Close()
			return false
		}
		lastSent = s.clock.Now()
		return true
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case f := <-c.send:
			if !write(f) {
				return
			}
		case now := <-ticker.C():
			if now.Sub(lastSent) >= s.opts.HeartbeatInterval {
				if !write(outFrame{wire.TypeHeartbeat, wire.Heartbeat{SentAt: now}}) {
					return
				}
			}
		}
	}
}

// accept applies one control update to its connection. Updates from
// subscribers, with a non-increasing sequence or with unknown states are
// rejected and leave the connection untouched.
func (s *Server) accept(c *conn, rec wire.ControlRecord, now time.Time) error {
	c.mu.Lock()
	if c.role != wire.RoleReporter {
		c.mu.Unlock()
		return fmt.Errorf("control update from %s connection ignored", c.role)
	}
	if rec.Sequence <= c.lastSeq {
		last := c.lastSeq
		c.mu.Unlock()
		s.metrics.RejectedUpdates.Inc()
		return fmt.Errorf("%w: got %d after %d", ErrStaleSequence, rec.Sequence, last)
	}
	for _, n := range rec.Nozzles {
		if n.NozzleID == "" || !n.State.Valid() {
			c.mu.Unlock()
			s.metrics.RejectedUpdates.Inc()
			return fmt.Errorf("invalid nozzle entry %q state %s in seq %d", n.NozzleID, n.State, rec.Sequence)
		}
	}
	c.lastSeq = rec.Sequence
	c.lastKnown = &rec
	c.lastData = now
	c.lastSeen = now
	revived := c.state == ConnStale
	c.mu.Unlock()

	// A nozzle stays commanded from its first accepted report on, even if
	// its reporter goes stale before the next merge.
	s.mu.Lock()
	for _, n := range rec.Nozzles {
		s.known[n.NozzleID] = true
	}
	s.mu.Unlock()

	if revived {
		s.setState(c, ConnActive, "data resumed")
	}
	return nil
}

// touch records a frame that carries no control data. Only subscribers are
// revived by it; a reporter stays stale until it sends an update.
func (s *Server) touch(c *conn, now time.Time) {
	c.mu.Lock()
	c.lastSeen = now
	revived := c.state == ConnStale && c.role == wire.RoleSubscriber
	c.mu.Unlock()

	if revived {
		s.setState(c, ConnActive, "heartbeat resumed")
	}
}

func (s *Server) register(c *conn) {
	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()
	s.metrics.Connections.WithLabelValues(ConnConnecting.String()).Inc()
}

func (s *Server) unregister(c *conn) {
	s.mu.Lock()
	delete(s.conns, c.id)
	s.mu.Unlock()
	s.metrics.Connections.WithLabelValues(ConnClosed.String()).Dec()
}

// setState moves c to state, updating the gauge and the journal. It is a
// no-op when c is already in state or closed.
func (s *Server) setState(c *conn, to ConnState, reason string) {
	c.mu.Lock()
	from := c.state
	if from == to || from == ConnClosed {
		c.mu.Unlock()
		return
	}
	c.state = to
	name := c.name
	c.mu.Unlock()

	s.metrics.Connections.WithLabelValues(from.String()).Dec()
	s.metrics.Connections.WithLabelValues(to.String()).Inc()
	s.logf("%s: %s -> %s (%s)", c.id, from, to, reason)
	ev := ConnectionEvent{ConnectionID: c.id, ClientName: name, From: from, To: to, At: s.clock.Now(), Reason: reason}
	if err := s.recorder.RecordConnectionEvent(ev); err != nil {
		s.logf("failed to record connection event: %v", err)
	}
}

// Connections lists the open connections ordered by connect time.
func (s *Server) Connections() []ConnectionInfo {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	out := make([]ConnectionInfo, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.info())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ConnectedAt.Before(out[j].ConnectedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *Server) snapshotConns() []*conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (s *Server) mergeLoop(ctx context.Context) {
	ticker := s.clock.NewTicker(s.opts.MergeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C():
			s.MergeTick(now)
		}
	}
}

// sensorLoop keeps the latest reading of every sensor.
func (s *Server) sensorLoop(ctx context.Context) {
	id, readings := s.sensors.Subscribe()
	defer s.sensors.Unsubscribe(id)
	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-readings:
			if !ok {
				return
			}
			s.telMu.Lock()
			s.readings[r.SensorID] = r
			s.telMu.Unlock()
		}
	}
}

func (s *Server) telemetryLoop(ctx context.Context) {
	ticker := s.clock.NewTicker(s.opts.TelemetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C():
			s.PushTelemetry(now)
		}
	}
}

// PushTelemetry sends the latest sensor readings and override state to every
// handshaken connection and returns how many were queued. A connection whose
// send queue is full misses this push.
func (s *Server) PushTelemetry(now time.Time) int {
	s.telMu.Lock()
	tel := wire.Telemetry{Readings: make([]wire.SensorTelemetry, 0, len(s.readings)), SentAt: now}
	for _, r := range s.readings {
		tel.Readings = append(tel.Readings, r)
	}
	s.telMu.Unlock()
	if s.sensors != nil {
		if state, ok := s.sensors.Override(); ok {
			tel.Override = &state
		}
	}
	if len(tel.Readings) == 0 && tel.Override == nil {
		return 0
	}
	sort.Slice(tel.Readings, func(i, j int) bool { return tel.Readings[i].SensorID < tel.Readings[j].SensorID })

	sent := 0
	for _, c := range s.snapshotConns() {
		c.mu.Lock()
		state := c.state
		c.mu.Unlock()
		if state != ConnActive && state != ConnStale {
			continue
		}
		select {
		case c.send <- outFrame{wire.TypeTelemetry, tel}:
			sent++
		default:
			s.metrics.TelemetryDropped.Inc()
		}
	}
	return sent
}
