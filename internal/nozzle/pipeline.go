package nozzle

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/nozzle.control/internal/monitoring"
	"github.com/banshee-data/nozzle.control/internal/timeutil"
)

// Snapshot is a consistent copy of one nozzle's pipeline, safe to hand to
// the aggregator or a display collaborator.
type Snapshot struct {
	NozzleID         string
	State            State
	Intent           FanSpeedIntent
	ClearRun         int
	Stale            bool
	LastInput        time.Time
	LastFrame        time.Time
	LastActionObject time.Time
	Changed          time.Time
}

// Tally is the per-tick activity of one nozzle.
type Tally struct {
	Frames     int
	Detections map[Category]uint64
}

// Pipeline owns the filter and machine of a single nozzle. Handle may be
// called from any goroutine; calls are applied strictly in arrival order.
type Pipeline struct {
	id      string
	clock   timeutil.Clock
	metrics *monitoring.Metrics
	logf    func(string, ...interface{})

	mu               sync.Mutex
	filter           *Filter
	machine          *Machine
	lastInput        time.Time
	lastFrame        time.Time
	lastActionObject time.Time
	stale            bool
	frames           int
	detections       map[Category]uint64
}

// NewPipeline validates the options and builds the filter and machine for
// one nozzle.
func NewPipeline(id string, fo FilterOptions, mo MachineOptions, clock timeutil.Clock, metrics *monitoring.Metrics) (*Pipeline, error) {
	if id == "" {
		return nil, errors.New("nozzle id is required")
	}
	if err := fo.Validate(); err != nil {
		return nil, fmt.Errorf("nozzle %s: %w", id, err)
	}
	if err := mo.Validate(); err != nil {
		return nil, fmt.Errorf("nozzle %s: %w", id, err)
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	metrics = monitoring.OrNew(metrics)
	return &Pipeline{
		id:         id,
		clock:      clock,
		metrics:    metrics,
		logf:       monitoring.Prefixed("nozzle " + id),
		filter:     NewFilter(id, fo, metrics),
		machine:    NewMachine(id, mo, metrics),
		lastInput:  clock.Now(),
		detections: make(map[Category]uint64),
	}, nil
}

// ID returns the nozzle id.
func (p *Pipeline) ID() string {
	return p.id
}

// Handle runs one detection through the filter and, when it yields a
// filtered classification, the state machine. Invalid input returns an error
// wrapping ErrInvalidInput and changes nothing.
func (p *Pipeline) Handle(ev DetectionEvent) (State, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	filtered, ok, err := p.filter.Offer(ev)
	if err != nil {
		return p.machine.State(), err
	}

	p.lastInput = p.clock.Now()
	if p.stale {
		p.stale = false
		p.logf("input resumed")
	}
	p.detections[ev.Category]++
	if ev.Category == CategoryActionObject {
		p.lastActionObject = p.lastInput
	}
	if !ok {
		return p.machine.State(), nil
	}
	return p.machine.Apply(filtered), nil
}

// ObserveFrame counts a processed frame for the fps summary and camera
// status, whether or not it carried detections.
func (p *Pipeline) ObserveFrame() {
	now := p.clock.Now()
	p.mu.Lock()
	p.frames++
	p.lastFrame = now
	p.mu.Unlock()
}

// ExpireIfStale resets the nozzle to clear when no valid input arrived within
// timeout. It reports true only on the tick that performed the reset.
func (p *Pipeline) ExpireIfStale(now time.Time, timeout time.Duration) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stale || now.Sub(p.lastInput) <= timeout {
		return false
	}
	p.stale = true
	p.filter.Reset()
	p.machine.Reset(now, "stale input")
	p.metrics.StaleResets.WithLabelValues(p.id).Inc()
	p.logf("no input for %s, forced clear", now.Sub(p.lastInput).Round(time.Millisecond))
	return true
}

// Snapshot returns a consistent copy of the nozzle state.
func (p *Pipeline) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	ms := p.machine.Snapshot()
	return Snapshot{
		NozzleID:         p.id,
		State:            ms.State,
		Intent:           ms.Intent,
		ClearRun:         ms.ClearRun,
		Stale:            p.stale,
		LastInput:        p.lastInput,
		LastFrame:        p.lastFrame,
		LastActionObject: p.lastActionObject,
		Changed:          ms.Changed,
	}
}

// History returns the machine's retained transitions.
func (p *Pipeline) History() []Transition {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.machine.History()
}

// Drain returns the frame and detection counts since the previous Drain.
func (p *Pipeline) Drain() Tally {
	p.mu.Lock()
	defer p.mu.Unlock()
	t := Tally{Frames: p.frames, Detections: p.detections}
	p.frames = 0
	p.detections = make(map[Category]uint64)
	return t
}
