// Package channel carries control records from the inference process to the
// CAN-owning process over a unix socket, and sensor telemetry back.
//
// A Client never blocks its producer: Publish hands the freshest record to a
// single-slot mailbox and drops what cannot be sent. A Server accepts any
// number of clients, merges the nozzle states of its reporters on a fixed
// tick and is the only writer to the CAN gateway.
package channel

import (
	"errors"
	"time"
)

var (
	// ErrDisconnected is returned by Publish while the client has no live
	// connection. The record is dropped and counted.
	ErrDisconnected = errors.New("control channel disconnected")
	// ErrOverflow is returned by Publish when the record could not be queued.
	ErrOverflow = errors.New("control channel overflow")
	// ErrStaleSequence marks a control update whose sequence number does not
	// exceed the last one accepted on its connection.
	ErrStaleSequence = errors.New("non-increasing sequence number")
	// ErrHandshake is returned when the peer does not complete Hello/Welcome.
	ErrHandshake = errors.New("control channel handshake failed")
	// ErrPeerSilent is returned when nothing arrives within the dead timeout.
	ErrPeerSilent = errors.New("control channel peer silent")
)

// ConnState is a server-side connection's lifecycle state.
type ConnState int

const (
	ConnConnecting ConnState = iota
	ConnActive
	ConnStale
	ConnClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnConnecting:
		return "connecting"
	case ConnActive:
		return "active"
	case ConnStale:
		return "stale"
	case ConnClosed:
		return "closed"
	}
	return "unknown"
}

// MarshalText encodes the state by name.
func (s ConnState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ParseConnState is the inverse of ConnState.String. Unknown names map to
// ConnClosed.
func ParseConnState(s string) ConnState {
	for _, st := range []ConnState{ConnConnecting, ConnActive, ConnStale, ConnClosed} {
		if st.String() == s {
			return st
		}
	}
	return ConnClosed
}

// backoff is the bounded exponential retry interval used by the client.
type backoff struct {
	min, max, next time.Duration
}

func newBackoff(lo, hi time.Duration) *backoff {
	return &backoff{min: lo, max: hi, next: lo}
}

// Next returns the current interval and doubles it up to max.
func (b *backoff) Next() time.Duration {
	d := b.next
	b.next *= 2
	if b.next > b.max {
		b.next = b.max
	}
	return d
}

// Reset returns to the minimum interval.
func (b *backoff) Reset() {
	b.next = b.min
}
