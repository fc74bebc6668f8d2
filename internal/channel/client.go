package channel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/nozzle.control/internal/monitoring"
	"github.com/banshee-data/nozzle.control/internal/timeutil"
	"github.com/banshee-data/nozzle.control/internal/version"
	"github.com/banshee-data/nozzle.control/internal/wire"
)

// ClientOptions configures a Client.
type ClientOptions struct {
	SocketPath string
	ClientName string
	Role       wire.Role
	// HeartbeatInterval is how long the client may stay silent before it
	// sends a heartbeat.
	HeartbeatInterval time.Duration
	// DeadTimeout is how long the server may stay silent before the
	// connection is treated as dead. It also bounds the handshake and each
	// write.
	DeadTimeout time.Duration
	MinBackoff  time.Duration
	MaxBackoff  time.Duration
	// OnTelemetry, if set, is called on the reader goroutine for every
	// telemetry push. It must not block.
	OnTelemetry func(wire.Telemetry)
}

// Validate checks the options.
func (o ClientOptions) Validate() error {
	switch {
	case o.SocketPath == "":
		return errors.New("socket path is required")
	case o.ClientName == "":
		return errors.New("client name is required")
	case !o.Role.Valid():
		return fmt.Errorf("unknown client role %q", o.Role)
	case o.HeartbeatInterval <= 0:
		return fmt.Errorf("heartbeat interval must be positive, got %s", o.HeartbeatInterval)
	case o.DeadTimeout <= o.HeartbeatInterval:
		return fmt.Errorf("dead timeout %s must exceed heartbeat interval %s", o.DeadTimeout, o.HeartbeatInterval)
	case o.MinBackoff <= 0 || o.MaxBackoff < o.MinBackoff:
		return fmt.Errorf("reconnect backoff must satisfy 0 < min <= max, got %s..%s", o.MinBackoff, o.MaxBackoff)
	}
	return nil
}

// Client keeps one connection to the server alive and sends the freshest
// control record over it. The connection is owned by Run; nothing else
// touches it.
type Client struct {
	opts    ClientOptions
	clock   timeutil.Clock
	metrics *monitoring.Metrics
	logf    func(string, ...interface{})

	// mailbox holds at most one unsent record.
	mailbox   chan wire.ControlRecord
	connected atomic.Bool

	mu           sync.Mutex
	connectionID string
	telemetry    wire.Telemetry
	hasTelemetry bool
}

// NewClient validates opts and returns a client. Call Run to connect.
func NewClient(opts ClientOptions, clock timeutil.Clock, metrics *monitoring.Metrics) (*Client, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Client{
		opts:    opts,
		clock:   clock,
		metrics: monitoring.OrNew(metrics),
		logf:    monitoring.Prefixed("client " + opts.ClientName),
		mailbox: make(chan wire.ControlRecord, 1),
	}, nil
}

// Publish queues rec for sending without blocking. While disconnected the
// record is dropped and ErrDisconnected returned. An older record still
// waiting in the mailbox is replaced and counted as superseded.
func (c *Client) Publish(rec wire.ControlRecord) error {
	if !c.connected.Load() {
		c.metrics.RecordsDropped.WithLabelValues(monitoring.DropDisconnected).Inc()
		return ErrDisconnected
	}
	select {
	case c.mailbox <- rec:
		return nil
	default:
	}
	select {
	case <-c.mailbox:
		c.metrics.RecordsDropped.WithLabelValues(monitoring.DropSuperseded).Inc()
	default:
	}
	select {
	case c.mailbox <- rec:
		return nil
	default:
		c.metrics.RecordsDropped.WithLabelValues(monitoring.DropSuperseded).Inc()
		return ErrOverflow
	}
}

// Connected reports whether a handshaken connection is up.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// ConnectionID is the id the server assigned to the current or most recent
// connection.
func (c *Client) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectionID
}

// LatestTelemetry returns the most recent telemetry push.
func (c *Client) LatestTelemetry() (wire.Telemetry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.telemetry, c.hasTelemetry
}

// Override returns the operator override state from the latest telemetry
// push; ok is false until the server has reported one.
func (c *Client) Override() (wire.OverrideState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.hasTelemetry || c.telemetry.Override == nil {
		return wire.OverrideState{}, false
	}
	return *c.telemetry.Override, true
}

// Run connects and reconnects with bounded exponential backoff until ctx is
// done.
func (c *Client) Run(ctx context.Context) error {
	b := newBackoff(c.opts.MinBackoff, c.opts.MaxBackoff)
	for {
		established, err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if established {
			b.Reset()
		}
		wait := b.Next()
		c.logf("connection lost: %v; retrying in %s", err, wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.clock.After(wait):
		}
		c.metrics.Reconnects.Inc()
	}
}

// drain discards a record left over from a previous connection.
func (c *Client) drain() {
	select {
	case <-c.mailbox:
		c.metrics.RecordsDropped.WithLabelValues(monitoring.DropDisconnected).Inc()
	default:
	}
}

// session runs one connection to completion. established is true once the
// handshake succeeded.
func (c *Client) session(ctx context.Context) (established bool, err error) {
	dialer := net.Dialer{Timeout: c.opts.DeadTimeout}
	nc, err := dialer.DialContext(ctx, "unix", c.opts.SocketPath)
	if err != nil {
		return false, err
	}
	defer nc.Close()

	enc := wire.NewEncoder(nc)
	dec := wire.NewDecoder(nc)

	nc.SetDeadline(time.Now().Add(c.opts.DeadTimeout))
	hello := wire.Hello{
		ClientName: c.opts.ClientName,
		Role:       c.opts.Role,
		SessionID:  uuid.NewString(),
		Version:    version.Version,
	}
	if err := enc.Encode(wire.TypeHello, hello); err != nil {
		return false, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	f, err := dec.Next()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	if f.Type != wire.TypeWelcome {
		return false, fmt.Errorf("%w: got %s before welcome", ErrHandshake, f.Type)
	}
	var welcome wire.Welcome
	if err := f.Decode(&welcome); err != nil {
		return false, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	nc.SetDeadline(time.Time{})

	c.mu.Lock()
	c.connectionID = welcome.ConnectionID
	c.mu.Unlock()
	c.drain()
	c.connected.Store(true)
	defer func() {
		c.connected.Store(false)
		c.drain()
	}()
	c.logf("connected as %s to server %s", welcome.ConnectionID, welcome.ServerVersion)

	var lastRecv atomic.Int64
	lastRecv.Store(c.clock.Now().UnixNano())
	readErr := make(chan error, 1)
	go func() {
		readErr <- c.readLoop(dec, &lastRecv)
	}()

	ticker := c.clock.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()
	lastSent := c.clock.Now()

	send := func(t wire.Type, v interface{}) error {
		nc.SetWriteDeadline(time.Now().Add(c.opts.DeadTimeout))
		if err := enc.Encode(t, v); err != nil {
			return err
		}
		lastSent = c.clock.Now()
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			send(wire.TypeGoodbye, wire.Goodbye{Reason: "client shutdown"})
			return true, ctx.Err()

		case err := <-readErr:
			return true, err

		case rec := <-c.mailbox:
			if err := send(wire.TypeControlUpdate, rec); err != nil {
				c.metrics.RecordsDropped.WithLabelValues(monitoring.DropDisconnected).Inc()
				return true, err
			}

		case now := <-ticker.C():
			if silent := now.Sub(time.Unix(0, lastRecv.Load())); silent > c.opts.DeadTimeout {
				return true, fmt.Errorf("%w for %s", ErrPeerSilent, silent.Round(time.Millisecond))
			}
			if now.Sub(lastSent) >= c.opts.HeartbeatInterval {
				if err := send(wire.TypeHeartbeat, wire.Heartbeat{SentAt: now}); err != nil {
					return true, err
				}
			}
		}
	}
}

func (c *Client) readLoop(dec *wire.Decoder, lastRecv *atomic.Int64) error {
	for {
		f, err := dec.Next()
		if err != nil {
			return err
		}
		lastRecv.Store(c.clock.Now().UnixNano())

		switch f.Type {
		case wire.TypeTelemetry:
			var tel wire.Telemetry
			if err := f.Decode(&tel); err != nil {
				return err
			}
			c.mu.Lock()
			c.telemetry = tel
			c.hasTelemetry = true
			c.mu.Unlock()
			if c.opts.OnTelemetry != nil {
				c.opts.OnTelemetry(tel)
			}
		case wire.TypeHeartbeat:
		case wire.TypeGoodbye:
			var bye wire.Goodbye
			f.Decode(&bye)
			return fmt.Errorf("server closed the connection: %s", bye.Reason)
		default:
			c.logf("ignoring unexpected %s frame", f.Type)
		}
	}
}
