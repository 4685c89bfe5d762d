// Package snapshot builds immutable data snapshots from the live session.
//
// A DataSnapshot captures decisions, agents, stats and policies at a point in
// time. Snapshots are rebuilt after each applied update and swapped into the
// UI model, so views never read session state directly.
package snapshot

import (
	"sort"
	"time"

	"github.com/daviddao/agentwatch_viewer/internal/model"
	"github.com/daviddao/agentwatch_viewer/internal/session"
)

// ViolationRow is one reason bucket of the violation breakdown.
type ViolationRow struct {
	Reason string
	Count  int
}

// DataSnapshot is an immutable, self-contained view of the session state.
type DataSnapshot struct {
	Decisions []model.Decision // newest first
	Agents    []model.Agent
	Stats     model.StatsSnapshot
	Policies  []model.Policy
	Connected bool

	// Pre-computed per-agent status.
	Status map[string]model.Status

	// Violation buckets: known reasons in display order, then any others
	// sorted by name. Zero buckets are omitted.
	Violations []ViolationRow

	// Counts.
	RunningAgents int
	WarningAgents int
	HaltedAgents  int
	NewDecisions  int

	// Timestamp of snapshot creation.
	BuiltAt time.Time
}

// Build copies the session state into a snapshot.
func Build(s *session.Session) *DataSnapshot {
	snap := &DataSnapshot{
		Decisions: s.Decisions(),
		Agents:    s.Agents(),
		Stats:     s.Stats(),
		Policies:  s.Policies(),
		Connected: s.Connected(),
		BuiltAt:   time.Now(),
	}

	snap.Status = make(map[string]model.Status, len(snap.Agents))
	for _, a := range snap.Agents {
		st := a.Status()
		snap.Status[a.ID] = st
		switch st {
		case model.StatusHalted:
			snap.HaltedAgents++
		case model.StatusWarning:
			snap.WarningAgents++
		default:
			snap.RunningAgents++
		}
	}

	for _, d := range snap.Decisions {
		if d.IsNew {
			snap.NewDecisions++
		}
	}

	snap.Violations = violationRows(snap.Stats.ViolationsByReason)
	return snap
}

// FindAgent returns the agent with the given id.
func (d *DataSnapshot) FindAgent(id string) (model.Agent, bool) {
	for _, a := range d.Agents {
		if a.ID == id {
			return a, true
		}
	}
	return model.Agent{}, false
}

// HaltDecisions returns the buffered HALT decisions, newest first.
func (d *DataSnapshot) HaltDecisions() []model.Decision {
	var out []model.Decision
	for _, dec := range d.Decisions {
		if dec.Verdict == model.Halt {
			out = append(out, dec)
		}
	}
	return out
}

func violationRows(byReason map[string]int) []ViolationRow {
	var rows []ViolationRow
	known := make(map[string]bool, len(model.ViolationReasons))
	for _, r := range model.ViolationReasons {
		known[r] = true
		if n := byReason[r]; n > 0 {
			rows = append(rows, ViolationRow{Reason: r, Count: n})
		}
	}
	var other []string
	for r, n := range byReason {
		if !known[r] && n > 0 {
			other = append(other, r)
		}
	}
	sort.Strings(other)
	for _, r := range other {
		rows = append(rows, ViolationRow{Reason: r, Count: byReason[r]})
	}
	return rows
}
