package channel

import (
	"time"

	"github.com/banshee-data/nozzle.control/internal/cangw"
)

// Recorder receives the server's diagnostic events. Implementations must be
// safe for concurrent use and should not block for long.
type Recorder interface {
	// RecordCommand is called after every gateway submit with its result.
	RecordCommand(setSeq uint64, cmd cangw.Command, at time.Time, submitErr error) error
	RecordConflict(c Conflict, at time.Time) error
	RecordConnectionEvent(ev ConnectionEvent) error
}

type nopRecorder struct{}

func (nopRecorder) RecordCommand(uint64, cangw.Command, time.Time, error) error { return nil }
func (nopRecorder) RecordConflict(Conflict, time.Time) error                   { return nil }
func (nopRecorder) RecordConnectionEvent(ConnectionEvent) error                { return nil }
