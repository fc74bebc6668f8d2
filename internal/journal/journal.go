// Package journal keeps a sqlite record of every CAN command the server
// dispatched, every merge conflict and every connection lifecycle change.
package journal

import (
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/nozzle.control/internal/cangw"
	"github.com/banshee-data/nozzle.control/internal/channel"
	"github.com/banshee-data/nozzle.control/internal/monitoring"
	"github.com/banshee-data/nozzle.control/internal/nozzle"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
}

// Journal is the server's sqlite journal. It implements channel.Recorder.
type Journal struct {
	*sql.DB
	path string
	logf func(string, ...interface{})
}

var _ channel.Recorder = (*Journal)(nil)

// Open opens or creates the journal at path and migrates it to the latest
// schema.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection keeps the pragmas in force for every statement.
	db.SetMaxOpenConns(1)
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}
	j := &Journal{DB: db, path: path, logf: monitoring.Prefixed("journal")}
	if err := j.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(j.DB, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrateLogger{logf: j.logf}
	return m, nil
}

// MigrateUp applies all pending migrations.
func (j *Journal) MigrateUp() error {
	m, err := j.newMigrate()
	if err != nil {
		return err
	}
	// m is not closed: that would close the shared *sql.DB.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// MigrateVersion returns the applied schema version.
func (j *Journal) MigrateVersion() (version uint, dirty bool, err error) {
	m, err := j.newMigrate()
	if err != nil {
		return 0, false, err
	}
	version, dirty, err = m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

type migrateLogger struct {
	logf func(string, ...interface{})
}

func (l *migrateLogger) Printf(format string, v ...interface{}) { l.logf(format, v...) }
func (l *migrateLogger) Verbose() bool                          { return false }

// RecordCommand stores one submitted command and its outcome.
func (j *Journal) RecordCommand(setSeq uint64, cmd cangw.Command, at time.Time, submitErr error) error {
	var errText sql.NullString
	if submitErr != nil {
		errText = sql.NullString{String: submitErr.Error(), Valid: true}
	}
	_, err := j.Exec(
		`INSERT INTO commands (set_sequence, nozzle_id, state, state_code, speed_percent, stale, error, at_unix_nanos)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		int64(setSeq), cmd.NozzleID, cmd.State.String(), int(cmd.StateCode), cmd.SpeedPercent, cmd.Stale, errText, at.UnixNano(),
	)
	return err
}

// RecordConflict stores one merge conflict with every competing report.
func (j *Journal) RecordConflict(c channel.Conflict, at time.Time) error {
	reports, err := json.Marshal(c.Reports)
	if err != nil {
		return err
	}
	_, err = j.Exec(
		`INSERT INTO conflicts (nozzle_id, winner, reports_json, at_unix_nanos) VALUES (?, ?, ?, ?)`,
		c.NozzleID, c.Winner.String(), string(reports), at.UnixNano(),
	)
	return err
}

// RecordConnectionEvent stores one connection state change.
func (j *Journal) RecordConnectionEvent(ev channel.ConnectionEvent) error {
	_, err := j.Exec(
		`INSERT INTO connection_events (connection_id, client_name, from_state, to_state, reason, at_unix_nanos)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ConnectionID, ev.ClientName, ev.From.String(), ev.To.String(), ev.Reason, ev.At.UnixNano(),
	)
	return err
}

// CommandRow is one journaled command.
type CommandRow struct {
	ID          int64         `json:"id"`
	SetSequence uint64        `json:"set_sequence"`
	Command     cangw.Command `json:"command"`
	Error       string        `json:"error,omitempty"`
	At          time.Time     `json:"at"`
}

// RecentCommands returns up to limit commands, newest first.
func (j *Journal) RecentCommands(limit int) ([]CommandRow, error) {
	rows, err := j.Query(
		`SELECT command_id, set_sequence, nozzle_id, state, speed_percent, stale, error, at_unix_nanos
		 FROM commands ORDER BY command_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CommandRow
	for rows.Next() {
		var (
			r       CommandRow
			seq     int64
			id, st  string
			speed   int
			stale   bool
			errText sql.NullString
			atNanos int64
		)
		if err := rows.Scan(&r.ID, &seq, &id, &st, &speed, &stale, &errText, &atNanos); err != nil {
			return nil, err
		}
		state, err := nozzle.ParseState(st)
		if err != nil {
			return nil, fmt.Errorf("command %d: %w", r.ID, err)
		}
		r.SetSequence = uint64(seq)
		r.Command = cangw.NewCommand(id, state, speed, stale)
		r.Error = errText.String
		r.At = time.Unix(0, atNanos).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// ConflictRow is one journaled conflict.
type ConflictRow struct {
	NozzleID string           `json:"nozzle_id"`
	Winner   string           `json:"winner"`
	Reports  []channel.Report `json:"reports"`
	At       time.Time        `json:"at"`
}

// RecentConflicts returns up to limit conflicts, newest first.
func (j *Journal) RecentConflicts(limit int) ([]ConflictRow, error) {
	rows, err := j.Query(
		`SELECT nozzle_id, winner, reports_json, at_unix_nanos
		 FROM conflicts ORDER BY conflict_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ConflictRow
	for rows.Next() {
		var (
			r       ConflictRow
			reports string
			atNanos int64
		)
		if err := rows.Scan(&r.NozzleID, &r.Winner, &reports, &atNanos); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(reports), &r.Reports); err != nil {
			return nil, fmt.Errorf("conflict on %s: %w", r.NozzleID, err)
		}
		r.At = time.Unix(0, atNanos).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// ConnectionEvents returns up to limit lifecycle events, oldest first.
func (j *Journal) ConnectionEvents(limit int) ([]channel.ConnectionEvent, error) {
	rows, err := j.Query(
		`SELECT connection_id, client_name, from_state, to_state, reason, at_unix_nanos
		 FROM (SELECT * FROM connection_events ORDER BY event_id DESC LIMIT ?)
		 ORDER BY event_id ASC`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []channel.ConnectionEvent
	for rows.Next() {
		var (
			ev       channel.ConnectionEvent
			from, to string
			atNanos  int64
		)
		if err := rows.Scan(&ev.ConnectionID, &ev.ClientName, &from, &to, &ev.Reason, &atNanos); err != nil {
			return nil, err
		}
		ev.From = channel.ParseConnState(from)
		ev.To = channel.ParseConnState(to)
		ev.At = time.Unix(0, atNanos).UTC()
		out = append(out, ev)
	}
	return out, rows.Err()
}
