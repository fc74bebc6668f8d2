package nozzle

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/banshee-data/nozzle.control/internal/monitoring"
)

// ErrInvalidInput is returned for detections rejected at the filter boundary.
// Rejected events are counted and never reach the state machine.
var ErrInvalidInput = errors.New("invalid detection input")

// Reasons recorded on the dropped-input counter.
const (
	dropCategory   = "category"
	dropConfidence = "confidence"
	dropNozzle     = "nozzle_mismatch"
)

// FilterOptions configures the voting window.
type FilterOptions struct {
	// WindowSize is the number of raw classifications kept for voting.
	WindowSize int
	// MajorityFraction is the share of the filled window a category needs.
	MajorityFraction float64
	// MinFill is the number of entries required before any vote is emitted.
	MinFill int
	// Thresholds holds the confidence an event of each category must exceed
	// to trigger an emission.
	Thresholds map[Category]float64
}

// Validate checks the options for internal consistency.
func (o FilterOptions) Validate() error {
	if o.WindowSize < 1 {
		return fmt.Errorf("window size must be at least 1, got %d", o.WindowSize)
	}
	if o.MinFill < 1 || o.MinFill > o.WindowSize {
		return fmt.Errorf("min fill must be between 1 and window size %d, got %d", o.WindowSize, o.MinFill)
	}
	if math.IsNaN(o.MajorityFraction) || o.MajorityFraction <= 0 || o.MajorityFraction > 1 {
		return fmt.Errorf("majority fraction must be in (0, 1], got %v", o.MajorityFraction)
	}
	for _, c := range Categories {
		th, ok := o.Thresholds[c]
		if !ok {
			return fmt.Errorf("missing confidence threshold for %s", c)
		}
		if math.IsNaN(th) || th < 0 || th > 1 {
			return fmt.Errorf("confidence threshold for %s must be in [0, 1], got %v", c, th)
		}
	}
	return nil
}

// Filtered is a classification that won the vote over the window.
type Filtered struct {
	NozzleID  string
	Category  Category
	Votes     int
	Filled    int
	Timestamp time.Time
}

// Filter is the per-nozzle voting window. It is not safe for concurrent use;
// Pipeline serialises access.
type Filter struct {
	nozzleID string
	opts     FilterOptions
	metrics  *monitoring.Metrics

	ring  []Category
	head  int
	count int
}

// NewFilter builds a filter for one nozzle. Options must already be valid.
func NewFilter(nozzleID string, opts FilterOptions, metrics *monitoring.Metrics) *Filter {
	return &Filter{
		nozzleID: nozzleID,
		opts:     opts,
		metrics:  monitoring.OrNew(metrics),
		ring:     make([]Category, opts.WindowSize),
	}
}

// Check validates an event without touching the window.
func (f *Filter) Check(ev DetectionEvent) error {
	reason := ""
	switch {
	case ev.NozzleID != f.nozzleID:
		reason = dropNozzle
	case !ev.Category.Valid():
		reason = dropCategory
	case math.IsNaN(ev.Confidence) || ev.Confidence < 0 || ev.Confidence > 1:
		reason = dropConfidence
	}
	if reason == "" {
		return nil
	}
	f.metrics.DroppedInputs.WithLabelValues(f.nozzleID, reason).Inc()
	return fmt.Errorf("%w: nozzle %q category %s confidence %v (%s)",
		ErrInvalidInput, ev.NozzleID, ev.Category, ev.Confidence, reason)
}

// Offer adds one event to the window and reports a filtered classification
// when a single category holds the configured share of the filled window and
// the event itself is confident enough to trigger.
func (f *Filter) Offer(ev DetectionEvent) (Filtered, bool, error) {
	if err := f.Check(ev); err != nil {
		return Filtered{}, false, err
	}
	if ev.Category == CategoryActionObject {
		return Filtered{}, false, nil
	}

	f.ring[f.head] = ev.Category
	f.head = (f.head + 1) % len(f.ring)
	if f.count < len(f.ring) {
		f.count++
	}
	if f.count < f.opts.MinFill {
		return Filtered{}, false, nil
	}

	winner, votes := f.vote()
	if winner == CategoryUnknown {
		return Filtered{}, false, nil
	}
	if float64(votes)+1e-9 < f.opts.MajorityFraction*float64(f.count) {
		return Filtered{}, false, nil
	}
	if ev.Confidence <= f.opts.Thresholds[ev.Category] {
		return Filtered{}, false, nil
	}

	f.metrics.Filtered.WithLabelValues(f.nozzleID, winner.String()).Inc()
	return Filtered{
		NozzleID:  f.nozzleID,
		Category:  winner,
		Votes:     votes,
		Filled:    f.count,
		Timestamp: ev.Timestamp,
	}, true, nil
}

// vote returns the most frequent category in the window, or CategoryUnknown
// when the top count is tied.
func (f *Filter) vote() (Category, int) {
	var tally [CategoryActionObject + 1]int
	for i := 0; i < f.count; i++ {
		tally[f.ring[i]]++
	}
	best, bestVotes, tied := CategoryUnknown, 0, false
	for c := CategoryClear; c < CategoryActionObject; c++ {
		switch {
		case tally[c] > bestVotes:
			best, bestVotes, tied = c, tally[c], false
		case tally[c] == bestVotes && bestVotes > 0:
			tied = true
		}
	}
	if tied {
		return CategoryUnknown, 0
	}
	return best, bestVotes
}

// Reset empties the window.
func (f *Filter) Reset() {
	f.head = 0
	f.count = 0
}

// Len returns the number of raw classifications currently in the window.
func (f *Filter) Len() int {
	return f.count
}
