package nozzle

import (
	"fmt"
	"time"

	"github.com/banshee-data/nozzle.control/internal/monitoring"
)

// MachineOptions configures a nozzle state machine.
type MachineOptions struct {
	// Hysteresis is the number of consecutive filtered clear classifications
	// needed to demote a non-clear state.
	Hysteresis int
	// HistoryCapacity bounds the transition history; oldest entries go first.
	HistoryCapacity int
	// Speeds maps each state to its fan speed.
	Speeds SpeedTable
}

// Validate checks the options.
func (o MachineOptions) Validate() error {
	if o.Hysteresis < 1 {
		return fmt.Errorf("hysteresis count must be at least 1, got %d", o.Hysteresis)
	}
	if o.HistoryCapacity < 1 {
		return fmt.Errorf("history capacity must be at least 1, got %d", o.HistoryCapacity)
	}
	if o.Speeds.IsZero() {
		return fmt.Errorf("speed table is required")
	}
	return nil
}

// Transition is one accepted state change.
type Transition struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason"`
}

// MachineSnapshot is a copy of the machine's externally visible state.
type MachineSnapshot struct {
	State    State
	Intent   FanSpeedIntent
	ClearRun int
	Changed  time.Time
}

// Machine holds one nozzle's state. Escalation to a more severe state is
// immediate; demotion happens only on a clear run of Hysteresis length.
// A Machine is not safe for concurrent use.
type Machine struct {
	nozzleID string
	opts     MachineOptions
	metrics  *monitoring.Metrics
	logf     func(string, ...interface{})

	state    State
	intent   FanSpeedIntent
	clearRun int
	changed  time.Time

	history []Transition
	histN   int
	histPos int
}

// NewMachine creates a machine in StateClear.
func NewMachine(nozzleID string, opts MachineOptions, metrics *monitoring.Metrics) *Machine {
	m := &Machine{
		nozzleID: nozzleID,
		opts:     opts,
		metrics:  monitoring.OrNew(metrics),
		logf:     monitoring.Prefixed("nozzle " + nozzleID),
		state:    StateClear,
		history:  make([]Transition, opts.HistoryCapacity),
	}
	m.intent = FanSpeedIntent{NozzleID: nozzleID, SpeedPercent: opts.Speeds.For(StateClear)}
	return m
}

// Apply feeds one filtered classification and returns the resulting state.
func (m *Machine) Apply(c Filtered) State {
	target, ok := c.Category.State()
	if !ok {
		return m.state
	}

	switch {
	case target.MoreSevere(m.state):
		m.transition(target, c.Timestamp, "escalate")
	case target == StateClear && m.state != StateClear:
		m.clearRun++
		if m.clearRun >= m.opts.Hysteresis {
			m.transition(StateClear, c.Timestamp, "sustained clear")
		}
	default:
		// Same state, or a less severe non-clear class: hold and restart
		// the clear run.
		m.clearRun = 0
	}
	return m.state
}

// Reset forces the machine to StateClear, used when its input goes stale.
func (m *Machine) Reset(at time.Time, reason string) {
	m.clearRun = 0
	if m.state != StateClear {
		m.transition(StateClear, at, reason)
	}
}

// ReplaceSpeedTable installs a new table. The current intent is kept until
// the next transition.
func (m *Machine) ReplaceSpeedTable(t SpeedTable) {
	m.opts.Speeds = t
}

// State returns the current state.
func (m *Machine) State() State {
	return m.state
}

// Intent returns the fan speed intent derived at the last transition.
func (m *Machine) Intent() FanSpeedIntent {
	return m.intent
}

// Snapshot returns a copy of the current state.
func (m *Machine) Snapshot() MachineSnapshot {
	return MachineSnapshot{
		State:    m.state,
		Intent:   m.intent,
		ClearRun: m.clearRun,
		Changed:  m.changed,
	}
}

// History returns the retained transitions, oldest first.
func (m *Machine) History() []Transition {
	out := make([]Transition, 0, m.histN)
	start := m.histPos - m.histN
	if start < 0 {
		start += len(m.history)
	}
	for i := 0; i < m.histN; i++ {
		out = append(out, m.history[(start+i)%len(m.history)])
	}
	return out
}

func (m *Machine) transition(to State, at time.Time, reason string) {
	from := m.state
	m.state = to
	m.clearRun = 0
	m.changed = at
	m.intent = FanSpeedIntent{NozzleID: m.nozzleID, SpeedPercent: m.opts.Speeds.For(to)}

	m.history[m.histPos] = Transition{From: from, To: to, At: at, Reason: reason}
	m.histPos = (m.histPos + 1) % len(m.history)
	if m.histN < len(m.history) {
		m.histN++
	}

	m.metrics.Transitions.WithLabelValues(m.nozzleID, from.String(), to.String()).Inc()
	m.logf("%s -> %s (%s), fan %d%%", from, to, reason, m.intent.SpeedPercent)
}
