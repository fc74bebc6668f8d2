// Package nozzle turns per-frame detections for one physical nozzle into a
// stable operational state and a fan-speed intent.
//
// Raw detections pass through a voting Filter; its filtered classifications
// drive a Machine that escalates immediately and de-escalates only after a
// sustained run of clear classifications. A Pipeline ties the two together
// for a single nozzle and is the only writer of that nozzle's state.
package nozzle

import (
	"fmt"
	"strings"
	"time"
)

// Category is the closed set of classes the detector reports.
type Category uint8

const (
	CategoryUnknown Category = iota
	CategoryClear
	CategoryBlocked
	CategoryCheck
	CategoryGravel
	// CategoryActionObject is reported for diagnostics only and never drives
	// nozzle state.
	CategoryActionObject
)

// Categories lists every valid category in a stable order.
var Categories = []Category{CategoryClear, CategoryBlocked, CategoryCheck, CategoryGravel, CategoryActionObject}

var categoryNames = map[Category]string{
	CategoryClear:        "clear",
	CategoryBlocked:      "blocked",
	CategoryCheck:        "check",
	CategoryGravel:       "gravel",
	CategoryActionObject: "action_object",
}

func (c Category) String() string {
	if name, ok := categoryNames[c]; ok {
		return name
	}
	return fmt.Sprintf("category(%d)", uint8(c))
}

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	_, ok := categoryNames[c]
	return ok
}

// State maps a category onto the nozzle state it proposes. Action objects
// propose nothing.
func (c Category) State() (State, bool) {
	switch c {
	case CategoryClear:
		return StateClear, true
	case CategoryCheck:
		return StateCheck, true
	case CategoryGravel:
		return StateGravel, true
	case CategoryBlocked:
		return StateBlocked, true
	}
	return StateClear, false
}

// ParseCategory accepts the lower-case names used in configuration and event
// files.
func ParseCategory(s string) (Category, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	for c, name := range categoryNames {
		if name == key {
			return c, nil
		}
	}
	return CategoryUnknown, fmt.Errorf("unknown category %q", s)
}

// CategoryFromClassID maps the detector's output class ids onto categories.
// Class 0 is background and has no category.
func CategoryFromClassID(id int) (Category, bool) {
	switch id {
	case 1:
		return CategoryActionObject, true
	case 2:
		return CategoryCheck, true
	case 3:
		return CategoryGravel, true
	case 4:
		return CategoryBlocked, true
	case 5:
		return CategoryClear, true
	}
	return CategoryUnknown, false
}

// State is a nozzle's operational state. The numeric order is the severity
// order: Clear < Check < Gravel < Blocked.
type State int8

const (
	StateClear State = iota
	StateCheck
	StateGravel
	StateBlocked
)

// States lists every state in severity order.
var States = []State{StateClear, StateCheck, StateGravel, StateBlocked}

const numStates = 4

func (s State) String() string {
	switch s {
	case StateClear:
		return "clear"
	case StateCheck:
		return "check"
	case StateGravel:
		return "gravel"
	case StateBlocked:
		return "blocked"
	}
	return fmt.Sprintf("state(%d)", int8(s))
}

// Valid reports whether s is one of the four states.
func (s State) Valid() bool {
	return s >= StateClear && s <= StateBlocked
}

// MoreSevere reports whether s ranks above other.
func (s State) MoreSevere(other State) bool {
	return s > other
}

// Code is the nozzle state value carried on the CAN bus.
func (s State) Code() uint8 {
	switch s {
	case StateClear:
		return 1
	case StateBlocked:
		return 2
	case StateCheck:
		return 3
	case StateGravel:
		return 4
	}
	return 0
}

// ParseState accepts the names produced by State.String.
func ParseState(s string) (State, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	for _, st := range States {
		if st.String() == key {
			return st, nil
		}
	}
	return StateClear, fmt.Errorf("unknown nozzle state %q", s)
}

// DetectionEvent is one classified detection from the inference pipeline.
type DetectionEvent struct {
	NozzleID   string
	Category   Category
	Confidence float64
	Timestamp  time.Time
}
