package channel

import (
	"context"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/banshee-data/nozzle.control/internal/cangw"
	"github.com/banshee-data/nozzle.control/internal/monitoring"
	"github.com/banshee-data/nozzle.control/internal/nozzle"
	"github.com/banshee-data/nozzle.control/internal/testutil"
	"github.com/banshee-data/nozzle.control/internal/timeutil"
)

func commandSet(seq uint64, ids ...string) CommandSet {
	set := CommandSet{Sequence: seq, At: testStart}
	for _, id := range ids {
		set.Commands = append(set.Commands, cangw.NewCommand(id, nozzle.StateBlocked, 100, false))
	}
	return set
}

func startDispatcher(t *testing.T, gw *cangw.RecordingGateway) (*dispatcher, *monitoring.Metrics, *fakeRecorder) {
	t.Helper()
	metrics := monitoring.NewMetrics(nil)
	rec := &fakeRecorder{}
	d := newDispatcher(gw, timeutil.NewMockClock(testStart), metrics, rec)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return d, metrics, rec
}

func TestDispatcher_NewerSetSupersedesRemainder(t *testing.T) {
	gw := cangw.NewRecordingGateway()
	gw.Hold = make(chan struct{})
	gw.Started = make(chan cangw.Command, 8)
	d, metrics, _ := startDispatcher(t, gw)

	d.offer(commandSet(1, "a1", "a2"))
	assert.Equal(t, "a1", (<-gw.Started).NozzleID)

	d.offer(commandSet(2, "b1", "b2"))
	gw.Hold <- struct{}{}
	assert.Equal(t, "b1", (<-gw.Started).NozzleID)
	gw.Hold <- struct{}{}
	assert.Equal(t, "b2", (<-gw.Started).NozzleID)
	gw.Hold <- struct{}{}

	testutil.Eventually(t, 2*time.Second, func() bool { return len(gw.Commands()) == 3 }, "three commands submitted")
	var got []string
	for _, c := range gw.Commands() {
		got = append(got, c.NozzleID)
	}
	assert.Equal(t, []string{"a1", "b1", "b2"}, got)
	assert.Equal(t, 1.0, promtest.ToFloat64(metrics.GatewaySupersede))
	assert.Equal(t, 3.0, promtest.ToFloat64(metrics.GatewaySubmits.WithLabelValues("ok")))
	assert.Equal(t, 1, gw.MaxInFlight(), "submits never overlap")
}

func TestDispatcher_OfferKeepsOnlyNewest(t *testing.T) {
	gw := cangw.NewRecordingGateway()
	d := newDispatcher(gw, timeutil.NewMockClock(testStart), monitoring.NewMetrics(nil), nopRecorder{})

	d.offer(commandSet(1, "x"))
	d.offer(commandSet(2, "y"))
	d.offer(commandSet(3, "primary", "secondary"))
	assert.Len(t, d.pending, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.run(ctx)

	testutil.Eventually(t, 2*time.Second, func() bool { return len(gw.Commands()) == 2 }, "newest set applied")
	assert.Equal(t, "primary", gw.Commands()[0].NozzleID)
	assert.Equal(t, "secondary", gw.Commands()[1].NozzleID)
}

func TestDispatcher_CountsFailures(t *testing.T) {
	gw := cangw.NewRecordingGateway()
	gw.FailNext(cangw.ErrWriteFailed)
	d, metrics, rec := startDispatcher(t, gw)

	d.offer(commandSet(1, "primary", "secondary"))
	testutil.Eventually(t, 2*time.Second, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.commands) == 2
	}, "both commands recorded")

	assert.Equal(t, 1.0, promtest.ToFloat64(metrics.GatewaySubmits.WithLabelValues("error")))
	assert.Equal(t, 1.0, promtest.ToFloat64(metrics.GatewaySubmits.WithLabelValues("ok")))
	cmds := gw.Commands()
	if assert.Len(t, cmds, 1) {
		assert.Equal(t, "secondary", cmds[0].NozzleID)
	}
}

func TestDispatcher_JournalsOnlyChangedCommands(t *testing.T) {
	gw := cangw.NewRecordingGateway()
	d, _, rec := startDispatcher(t, gw)

	sets := []CommandSet{
		commandSet(1, "primary"),
		commandSet(2, "primary"),
		{Sequence: 3, Commands: []cangw.Command{cangw.NewCommand("primary", nozzle.StateClear, 25, true)}},
	}
	for i, set := range sets {
		d.offer(set)
		want := i + 1
		testutil.Eventually(t, 2*time.Second, func() bool { return len(gw.Commands()) == want }, "set submitted")
	}

	testutil.Eventually(t, 2*time.Second, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.commands) == 2
	}, "changes journaled")
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, nozzle.StateBlocked, rec.commands[0].State)
	assert.Equal(t, nozzle.StateClear, rec.commands[1].State, "the repeated command is not journaled")
}

// slowRecorder blocks every RecordCommand until release is closed.
type slowRecorder struct {
	nopRecorder
	entered chan struct{}
	release chan struct{}
}

func (r *slowRecorder) RecordCommand(uint64, cangw.Command, time.Time, error) error {
	select {
	case r.entered <- struct{}{}:
	default:
	}
	<-r.release
	return nil
}

func TestDispatcher_SlowJournalNeverDelaysSubmits(t *testing.T) {
	gw := cangw.NewRecordingGateway()
	metrics := monitoring.NewMetrics(nil)
	rec := &slowRecorder{entered: make(chan struct{}, 1), release: make(chan struct{})}
	d := newDispatcher(gw, timeutil.NewMockClock(testStart), metrics, rec)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.run(ctx)
	}()
	t.Cleanup(func() {
		close(rec.release)
		cancel()
		<-done
	})

	// Every command differs in speed, so none is skipped as unchanged.
	offer := func(seq int) {
		d.offer(CommandSet{Sequence: uint64(seq), Commands: []cangw.Command{cangw.NewCommand("primary", nozzle.StateCheck, seq, false)}})
		testutil.Eventually(t, 2*time.Second, func() bool { return len(gw.Commands()) == seq+1 }, "submitted while the journal is stuck")
	}

	offer(0)
	select {
	case <-rec.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("journal never started writing")
	}
	extra := journalDepth + 3
	for i := 1; i <= extra; i++ {
		offer(i)
	}
	assert.Equal(t, 3.0, promtest.ToFloat64(metrics.JournalDropped))
}
