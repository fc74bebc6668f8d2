package journal

import (
	"compress/gzip"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/nozzle.control/internal/cangw"
	"github.com/banshee-data/nozzle.control/internal/channel"
	"github.com/banshee-data/nozzle.control/internal/nozzle"
	"github.com/banshee-data/nozzle.control/internal/testutil"
)

var testStart = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestOpenMigrates(t *testing.T) {
	j := openTestJournal(t)

	version, dirty, err := j.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
	assert.False(t, dirty)

	// Running again is a no-op.
	require.NoError(t, j.MigrateUp())
}

func TestReopenKeepsRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, j.RecordCommand(1, cangw.NewCommand("primary", nozzle.StateCheck, 62, false), testStart, nil))
	require.NoError(t, j.Close())

	j, err = Open(path)
	require.NoError(t, err)
	defer j.Close()
	rows, err := j.RecentCommands(10)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestRecordCommand(t *testing.T) {
	j := openTestJournal(t)

	require.NoError(t, j.RecordCommand(7, cangw.NewCommand("primary", nozzle.StateBlocked, 100, false), testStart, nil))
	require.NoError(t, j.RecordCommand(7, cangw.NewCommand("secondary", nozzle.StateClear, 25, true), testStart, cangw.ErrWriteFailed))
	require.NoError(t, j.RecordCommand(8, cangw.NewCommand("primary", nozzle.StateGravel, 0, false), testStart.Add(time.Second), nil))

	rows, err := j.RecentCommands(2)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, uint64(8), rows[0].SetSequence, "newest first")
	assert.Equal(t, nozzle.StateGravel, rows[0].Command.State)
	assert.Equal(t, uint8(4), rows[0].Command.StateCode)
	assert.Equal(t, testStart.Add(time.Second), rows[0].At)

	assert.Equal(t, "secondary", rows[1].Command.NozzleID)
	assert.True(t, rows[1].Command.Stale)
	assert.Equal(t, cangw.ErrWriteFailed.Error(), rows[1].Error)
}

func TestRecordConflict(t *testing.T) {
	j := openTestJournal(t)
	c := channel.Conflict{
		NozzleID: "P1",
		Reports: []channel.Report{
			{ConnectionID: "a", ClientName: "front", State: nozzle.StateCheck, SpeedPercent: 62},
			{ConnectionID: "b", ClientName: "rear", State: nozzle.StateBlocked, SpeedPercent: 100},
		},
		Winner: nozzle.StateBlocked,
	}
	require.NoError(t, j.RecordConflict(c, testStart))

	rows, err := j.RecentConflicts(10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "blocked", rows[0].Winner)
	assert.Equal(t, c.Reports, rows[0].Reports)
	assert.Equal(t, testStart, rows[0].At)
}

func TestRecordConnectionEvent(t *testing.T) {
	j := openTestJournal(t)
	for i, to := range []channel.ConnState{channel.ConnActive, channel.ConnStale, channel.ConnClosed} {
		require.NoError(t, j.RecordConnectionEvent(channel.ConnectionEvent{
			ConnectionID: "c1",
			ClientName:   "front",
			From:         channel.ConnState(int(to) - 1),
			To:           to,
			At:           testStart.Add(time.Duration(i) * time.Second),
			Reason:       "test",
		}))
	}

	events, err := j.ConnectionEvents(2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, channel.ConnStale, events[0].To, "oldest of the most recent first")
	assert.Equal(t, channel.ConnClosed, events[1].To)
	assert.Equal(t, channel.ConnStale, events[1].From)
}

// The journal satisfies the server's recorder and is fed by it.
func TestJournalAsServerRecorder(t *testing.T) {
	j := openTestJournal(t)
	var rec channel.Recorder = j
	require.NoError(t, rec.RecordCommand(1, cangw.NewCommand("primary", nozzle.StateClear, 25, true), testStart, errors.New("bus off")))
	rows, err := j.RecentCommands(1)
	require.NoError(t, err)
	assert.Equal(t, "bus off", rows[0].Error)
}

func TestAdminRoutes(t *testing.T) {
	j := openTestJournal(t)
	require.NoError(t, j.RecordCommand(1, cangw.NewCommand("primary", nozzle.StateClear, 25, false), testStart, nil))
	require.NoError(t, j.RecordCommand(1, cangw.NewCommand("secondary", nozzle.StateCheck, 62, false), testStart, nil))
	require.NoError(t, j.RecordCommand(2, cangw.NewCommand("primary", nozzle.StateBlocked, 100, false), testStart.Add(time.Second), nil))

	mux := http.NewServeMux()
	require.NoError(t, j.AttachAdminRoutes(mux))

	t.Run("chart", func(t *testing.T) {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, testutil.LocalRequest(http.MethodGet, "/debug/nozzle-chart", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		body := rec.Body.String()
		assert.Contains(t, body, "echarts")
		assert.Contains(t, body, "secondary")
	})

	t.Run("recent", func(t *testing.T) {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, testutil.LocalRequest(http.MethodGet, "/debug/nozzle-journal?limit=2", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, 2, strings.Count(rec.Body.String(), `"set_sequence"`))
	})

	t.Run("backup", func(t *testing.T) {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, testutil.LocalRequest(http.MethodGet, "/debug/backup", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		gz, err := gzip.NewReader(rec.Body)
		require.NoError(t, err)
		data, err := io.ReadAll(gz)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(string(data), "SQLite format 3"))
	})
}
