package channel

import (
	"context"
	"sync"
	"time"

	"github.com/banshee-data/nozzle.control/internal/cangw"
	"github.com/banshee-data/nozzle.control/internal/monitoring"
	"github.com/banshee-data/nozzle.control/internal/timeutil"
)

// journalDepth bounds the commands waiting to be journaled.
const journalDepth = 64

type journalEntry struct {
	setSeq uint64
	cmd    cangw.Command
	at     time.Time
	err    error
}

// dispatcher is the single writer to the gateway. It holds at most one
// pending command set; a newer set replaces it, and a set being applied is
// abandoned between two submits when a newer one arrives.
//
// Commands are journaled off the dispatch goroutine, and only when they
// differ from the last command journaled for the same nozzle or failed.
type dispatcher struct {
	gateway  cangw.Gateway
	clock    timeutil.Clock
	metrics  *monitoring.Metrics
	recorder Recorder
	logf     func(string, ...interface{})

	offerMu sync.Mutex
	pending chan CommandSet

	journal  chan journalEntry
	recorded map[string]cangw.Command // owned by the dispatch goroutine
}

func newDispatcher(gw cangw.Gateway, clock timeutil.Clock, metrics *monitoring.Metrics, recorder Recorder) *dispatcher {
	return &dispatcher{
		gateway:  gw,
		clock:    clock,
		metrics:  metrics,
		recorder: recorder,
		logf:     monitoring.Prefixed("dispatch"),
		pending:  make(chan CommandSet, 1),
		journal:  make(chan journalEntry, journalDepth),
		recorded: make(map[string]cangw.Command),
	}
}

// offer replaces any pending set with set. It never blocks.
func (d *dispatcher) offer(set CommandSet) {
	d.offerMu.Lock()
	defer d.offerMu.Unlock()
	select {
	case <-d.pending:
	default:
	}
	d.pending <- set
}

func (d *dispatcher) run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.journalLoop(ctx)
	}()
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case set := <-d.pending:
			d.apply(ctx, set)
		}
	}
}

func (d *dispatcher) apply(ctx context.Context, set CommandSet) {
	for i, cmd := range set.Commands {
		if i > 0 && len(d.pending) > 0 {
			d.metrics.GatewaySupersede.Inc()
			d.logf("set %d superseded after %d of %d commands", set.Sequence, i, len(set.Commands))
			return
		}
		err := d.gateway.Submit(ctx, cmd)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			d.metrics.GatewaySubmits.WithLabelValues("error").Inc()
			d.logf("submit %s failed: %v", cmd, err)
		} else {
			d.metrics.GatewaySubmits.WithLabelValues("ok").Inc()
		}
		d.enqueue(set.Sequence, cmd, err)
	}
}

// enqueue hands cmd to the journal without blocking. When the journal falls
// behind the entry is dropped and counted.
func (d *dispatcher) enqueue(setSeq uint64, cmd cangw.Command, err error) {
	if last, ok := d.recorded[cmd.NozzleID]; ok && last == cmd && err == nil {
		return
	}
	select {
	case d.journal <- journalEntry{setSeq: setSeq, cmd: cmd, at: d.clock.Now(), err: err}:
		if err == nil {
			d.recorded[cmd.NozzleID] = cmd
		} else {
			delete(d.recorded, cmd.NozzleID)
		}
	default:
		d.metrics.JournalDropped.Inc()
	}
}

func (d *dispatcher) journalLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-d.journal:
			if err := d.recorder.RecordCommand(e.setSeq, e.cmd, e.at, e.err); err != nil {
				d.logf("failed to record command: %v", err)
			}
		}
	}
}
