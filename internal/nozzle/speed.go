package nozzle

import (
	"fmt"
	"sort"
	"strings"
)

// SpeedTable maps every nozzle state to a fan speed percentage. It has no
// implicit defaults; NewSpeedTable refuses a table with a missing state.
type SpeedTable struct {
	speeds [numStates]int
	set    bool
}

// NewSpeedTable validates that all four states are present and within 0..100.
func NewSpeedTable(entries map[State]int) (SpeedTable, error) {
	var t SpeedTable
	var problems []string
	for _, s := range States {
		v, ok := entries[s]
		if !ok {
			problems = append(problems, fmt.Sprintf("missing speed for state %s", s))
			continue
		}
		if v < 0 || v > 100 {
			problems = append(problems, fmt.Sprintf("speed for state %s must be between 0 and 100, got %d", s, v))
			continue
		}
		t.speeds[s] = v
	}
	for s := range entries {
		if !s.Valid() {
			problems = append(problems, fmt.Sprintf("speed table has unknown state %s", s))
		}
	}
	if len(problems) > 0 {
		sort.Strings(problems)
		return SpeedTable{}, fmt.Errorf("invalid speed table: %s", strings.Join(problems, "; "))
	}
	t.set = true
	return t, nil
}

// MustSpeedTable is NewSpeedTable for tests and literals; it panics on error.
func MustSpeedTable(entries map[State]int) SpeedTable {
	t, err := NewSpeedTable(entries)
	if err != nil {
		panic(err)
	}
	return t
}

// For returns the configured speed for s.
func (t SpeedTable) For(s State) int {
	if !s.Valid() {
		return t.speeds[StateClear]
	}
	return t.speeds[s]
}

// IsZero reports whether the table was never built by NewSpeedTable.
func (t SpeedTable) IsZero() bool {
	return !t.set
}

// FanSpeedIntent is the fan speed a nozzle's state calls for.
type FanSpeedIntent struct {
	NozzleID     string `msgpack:"nozzle_id" json:"nozzle_id"`
	SpeedPercent int    `msgpack:"speed_percent" json:"speed_percent"`
}
