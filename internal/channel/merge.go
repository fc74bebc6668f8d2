package channel

import (
	"sort"
	"strings"
	"time"

	"github.com/banshee-data/nozzle.control/internal/cangw"
	"github.com/banshee-data/nozzle.control/internal/nozzle"
	"github.com/banshee-data/nozzle.control/internal/wire"
)

// Report is one connection's claim about a nozzle in a merge.
type Report struct {
	ConnectionID string       `json:"connection_id"`
	ClientName   string       `json:"client_name"`
	State        nozzle.State `json:"state"`
	SpeedPercent int          `json:"speed_percent"`
}

// Conflict records a nozzle reported by more than one connection in the same
// merge tick.
type Conflict struct {
	NozzleID string       `json:"nozzle_id"`
	Reports  []Report     `json:"reports"`
	Winner   nozzle.State `json:"winner"`
}

func (c Conflict) String() string {
	parts := make([]string, 0, len(c.Reports))
	for _, r := range c.Reports {
		parts = append(parts, r.ClientName+"/"+r.ConnectionID[:min(8, len(r.ConnectionID))]+"="+r.State.String())
	}
	return c.NozzleID + ": " + strings.Join(parts, ", ") + " -> " + c.Winner.String()
}

// CommandSet is the outcome of one merge tick: one command per known nozzle,
// ordered by nozzle id.
type CommandSet struct {
	Sequence  uint64          `json:"sequence"`
	At        time.Time       `json:"at"`
	Commands  []cangw.Command `json:"commands"`
	Conflicts []Conflict      `json:"conflicts,omitempty"`
}

// MergeTick refreshes connection lifecycles, merges every active reporter's
// last known record and hands the command set to the dispatcher.
//
// A nozzle reported by several connections takes the most severe state. A
// nozzle with no active reporter is commanded at the clear speed and flagged
// stale.
func (s *Server) MergeTick(now time.Time) CommandSet {
	reports := make(map[string][]Report)
	staleFlag := make(map[string]bool)

	for _, c := range s.snapshotConns() {
		if !s.refresh(c, now) {
			continue
		}
		c.mu.Lock()
		rec, name := c.lastKnown, c.name
		c.mu.Unlock()
		if rec == nil {
			continue
		}
		seen := make(map[string]bool, len(rec.Nozzles))
		for _, n := range rec.Nozzles {
			if seen[n.NozzleID] {
				continue
			}
			seen[n.NozzleID] = true
			reports[n.NozzleID] = append(reports[n.NozzleID], Report{
				ConnectionID: c.id,
				ClientName:   name,
				State:        n.State,
				SpeedPercent: n.SpeedPercent,
			})
			if n.Stale {
				staleFlag[n.NozzleID] = true
			}
		}
	}

	s.mu.Lock()
	for id := range reports {
		s.known[id] = true
	}
	ids := make([]string, 0, len(s.known))
	for id := range s.known {
		ids = append(ids, id)
	}
	s.seq++
	set := CommandSet{Sequence: s.seq, At: now}
	s.mu.Unlock()
	sort.Strings(ids)

	clearSpeed := s.opts.Speeds.For(nozzle.StateClear)
	for _, id := range ids {
		rs := reports[id]
		if len(rs) == 0 {
			set.Commands = append(set.Commands, cangw.NewCommand(id, nozzle.StateClear, clearSpeed, true))
			continue
		}
		winner := rs[0]
		for _, r := range rs[1:] {
			if r.State.MoreSevere(winner.State) || (r.State == winner.State && r.SpeedPercent > winner.SpeedPercent) {
				winner = r
			}
		}
		set.Commands = append(set.Commands, cangw.NewCommand(id, winner.State, winner.SpeedPercent, staleFlag[id]))
		if len(rs) > 1 {
			set.Conflicts = append(set.Conflicts, Conflict{NozzleID: id, Reports: rs, Winner: winner.State})
		}
	}

	for _, c := range set.Conflicts {
		s.metrics.Conflicts.WithLabelValues(c.NozzleID).Inc()
		s.logf("conflict on %s", c)
		if err := s.recorder.RecordConflict(c, now); err != nil {
			s.logf("failed to record conflict: %v", err)
		}
	}

	s.mu.Lock()
	s.lastSet = set
	s.mu.Unlock()
	s.dispatch.offer(set)
	return set
}

// refresh applies the stale and hard timeouts to c and reports whether it
// contributes to this merge.
func (s *Server) refresh(c *conn, now time.Time) bool {
	c.mu.Lock()
	state, role := c.state, c.role
	silent := now.Sub(c.lastSeen)
	idle := now.Sub(c.lastData)
	if role != wire.RoleReporter {
		idle = silent
	}
	c.mu.Unlock()

	switch {
	case state == ConnConnecting || state == ConnClosed:
		return false
	case silent > s.opts.HardTimeout:
		s.setState(c, ConnClosed, "hard timeout")
		c.nc.Close()
		return false
	case idle > s.opts.StaleTimeout:
		s.setState(c, ConnStale, "no data for "+idle.Round(time.Millisecond).String())
		return false
	}
	return role == wire.RoleReporter
}

// LastCommandSet returns the most recent merge result.
func (s *Server) LastCommandSet() CommandSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSet
}
