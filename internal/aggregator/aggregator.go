// Package aggregator publishes one ControlRecord per fixed tick from the
// current state of every configured nozzle pipeline.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/nozzle.control/internal/monitoring"
	"github.com/banshee-data/nozzle.control/internal/nozzle"
	"github.com/banshee-data/nozzle.control/internal/timeutil"
	"github.com/banshee-data/nozzle.control/internal/wire"
)

// Options configures the publish tick.
type Options struct {
	// PublishInterval is the fixed period between records.
	PublishInterval time.Duration
	// StaleTimeout is how long a nozzle may go without valid input before it
	// is forced to clear and flagged stale.
	StaleTimeout time.Duration
}

// Validate checks the options.
func (o Options) Validate() error {
	if o.PublishInterval <= 0 {
		return fmt.Errorf("publish interval must be positive, got %s", o.PublishInterval)
	}
	if o.StaleTimeout <= 0 {
		return fmt.Errorf("nozzle stale timeout must be positive, got %s", o.StaleTimeout)
	}
	return nil
}

// Sink receives each record. Publish must not block; the channel client
// drops and counts instead.
type Sink interface {
	Publish(rec wire.ControlRecord) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(rec wire.ControlRecord) error

// Publish calls f.
func (f SinkFunc) Publish(rec wire.ControlRecord) error { return f(rec) }

// Aggregator reads every pipeline on its own tick. It never waits on a
// nozzle; Pipeline.Snapshot is the only synchronisation point.
type Aggregator struct {
	opts      Options
	pipelines []*nozzle.Pipeline
	clock     timeutil.Clock
	metrics   *monitoring.Metrics
	logf      func(string, ...interface{})

	mu       sync.Mutex
	seq      uint64
	lastTick time.Time
	latest   wire.ControlRecord
	hasTick  bool
}

// New builds an aggregator over the given pipelines. Nozzle ids must be
// unique.
func New(opts Options, pipelines []*nozzle.Pipeline, clock timeutil.Clock, metrics *monitoring.Metrics) (*Aggregator, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if len(pipelines) == 0 {
		return nil, errors.New("aggregator needs at least one nozzle pipeline")
	}
	seen := make(map[string]bool, len(pipelines))
	for _, p := range pipelines {
		if seen[p.ID()] {
			return nil, fmt.Errorf("duplicate nozzle id %q", p.ID())
		}
		seen[p.ID()] = true
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Aggregator{
		opts:      opts,
		pipelines: pipelines,
		clock:     clock,
		metrics:   monitoring.OrNew(metrics),
		logf:      monitoring.Prefixed("aggregator"),
		lastTick:  clock.Now(),
	}, nil
}

// Tick builds the next record as of now. Stale nozzles are reset before they
// are read, so a nozzle that just went stale is reported clear in the same
// record.
func (a *Aggregator) Tick(now time.Time) wire.ControlRecord {
	a.mu.Lock()
	defer a.mu.Unlock()

	elapsed := now.Sub(a.lastTick).Seconds()
	a.lastTick = now

	rec := wire.ControlRecord{
		GeneratedAt:     now,
		Nozzles:         make([]wire.NozzleStatus, 0, len(a.pipelines)),
		Cameras:         make([]wire.CameraStatus, 0, len(a.pipelines)),
		FPS:             wire.FPSSummary{PerNozzle: make(map[string]float64, len(a.pipelines))},
		DetectionCounts: make(map[string]uint64),
	}
	rates := make([]float64, 0, len(a.pipelines))
	for _, p := range a.pipelines {
		p.ExpireIfStale(now, a.opts.StaleTimeout)
		snap := p.Snapshot()
		tally := p.Drain()

		rec.Nozzles = append(rec.Nozzles, wire.NozzleStatus{
			NozzleID:     snap.NozzleID,
			State:        snap.State,
			SpeedPercent: snap.Intent.SpeedPercent,
			Stale:        snap.Stale,
			Changed:      snap.Changed,
		})
		rec.Cameras = append(rec.Cameras, wire.CameraStatus{
			NozzleID:  snap.NozzleID,
			Live:      !snap.LastFrame.IsZero() && now.Sub(snap.LastFrame) <= a.opts.StaleTimeout,
			LastFrame: snap.LastFrame,
			Frames:    tally.Frames,
		})
		fps := 0.0
		if elapsed > 0 {
			fps = float64(tally.Frames) / elapsed
		}
		rec.FPS.PerNozzle[snap.NozzleID] = fps
		rates = append(rates, fps)
		for c, n := range tally.Detections {
			rec.DetectionCounts[c.String()] += n
		}
	}
	rec.FPS.Mean = stat.Mean(rates, nil)
	rec.FPS.Min = floats.Min(rates)
	rec.FPS.Max = floats.Max(rates)

	a.seq++
	rec.Sequence = a.seq
	a.latest = rec
	a.hasTick = true
	return rec
}

// Latest returns the most recent record for display collaborators.
func (a *Aggregator) Latest() (wire.ControlRecord, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.latest, a.hasTick
}

// Run publishes a record to sink on every tick until ctx is done.
func (a *Aggregator) Run(ctx context.Context, sink Sink) error {
	ticker := a.clock.NewTicker(a.opts.PublishInterval)
	defer ticker.Stop()
	a.logf("publishing every %s for %d nozzles", a.opts.PublishInterval, len(a.pipelines))

	failing := false
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C():
			rec := a.Tick(now)
			err := sink.Publish(rec)
			switch {
			case err != nil && !failing:
				failing = true
				a.logf("publish failed from seq %d: %v", rec.Sequence, err)
			case err == nil && failing:
				failing = false
				a.logf("publish recovered at seq %d", rec.Sequence)
			}
		}
	}
}
