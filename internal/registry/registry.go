// Package registry tracks per-agent governance state.
//
// Server-sourced counters come from registry snapshots (poll) and from
// incremental decisions (push). The local halt override is client
// authoritative: it survives any server update until Resume or Reset.
package registry

import (
	"time"

	"github.com/daviddao/agentwatch_viewer/internal/identity"
	"github.com/daviddao/agentwatch_viewer/internal/model"
)

// Record is one server-provided agent entry.
type Record struct {
	AgentID      string
	DisplayName  string
	TotalSteps   int
	HaltCount    int
	LastActivity time.Time
	Halted       bool
}

// Registry holds agents in order of first sight. It is not safe for
// concurrent use.
type Registry struct {
	agents map[string]*model.Agent
	order  []string
	now    func() time.Time
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		agents: make(map[string]*model.Agent),
		now:    time.Now,
	}
}

func (r *Registry) ensure(id string) *model.Agent {
	if a, ok := r.agents[id]; ok {
		return a
	}
	a := &model.Agent{ID: id}
	r.agents[id] = a
	r.order = append(r.order, id)
	return a
}

// ApplySnapshot replaces the server-sourced fields of each listed agent.
// Agents missing from the snapshot are kept; local overrides are untouched.
func (r *Registry) ApplySnapshot(records []Record) {
	for _, rec := range records {
		if rec.AgentID == "" {
			continue
		}
		a := r.ensure(rec.AgentID)
		a.HaltCount = max(0, rec.HaltCount)
		a.TotalSteps = max(0, rec.TotalSteps)
		a.ServerHalted = rec.Halted
		if rec.DisplayName != "" {
			a.DisplayName = rec.DisplayName
		}
		if !rec.LastActivity.IsZero() {
			a.LastActivity = rec.LastActivity
		}
	}
}

// ApplyDecision counts one newly ingested decision against its agent,
// creating the agent if it is unknown.
func (r *Registry) ApplyDecision(d model.Decision) {
	if d.AgentID == "" {
		return
	}
	a := r.ensure(d.AgentID)
	a.TotalSteps++
	if d.Verdict == model.Halt {
		a.HaltCount++
	}
	if d.Timestamp.After(a.LastActivity) {
		a.LastActivity = d.Timestamp
	}
}

// ApplyHaltedSet applies the server's full set of halted agents. Agents
// outside the set are marked not halted by the server.
func (r *Registry) ApplyHaltedSet(halted []string) {
	set := make(map[string]bool, len(halted))
	for _, id := range halted {
		if id == "" {
			continue
		}
		set[id] = true
		r.ensure(id)
	}
	for id, a := range r.agents {
		a.ServerHalted = set[id]
	}
}

// Halt sets the local override and returns the manual-override decision to
// record in the feed.
func (r *Registry) Halt(agentID string) model.Decision {
	a := r.ensure(agentID)
	a.LocallyHalted = true
	return model.Decision{
		ID:          identity.Local(),
		AgentID:     agentID,
		Verdict:     model.Halt,
		Reason:      model.ReasonManualOverride,
		Details:     "Agent manually halted by operator",
		TriggeredBy: "dashboard",
		Timestamp:   r.now(),
	}
}

// Resume clears the local override. The agent reverts to its
// server-derived status.
func (r *Registry) Resume(agentID string) {
	if a, ok := r.agents[agentID]; ok {
		a.LocallyHalted = false
	}
}

// Get returns a copy of one agent.
func (r *Registry) Get(agentID string) (model.Agent, bool) {
	a, ok := r.agents[agentID]
	if !ok {
		return model.Agent{}, false
	}
	return *a, true
}

// Agents returns copies of all agents in order of first sight.
func (r *Registry) Agents() []model.Agent {
	out := make([]model.Agent, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.agents[id])
	}
	return out
}

// Len returns the number of known agents.
func (r *Registry) Len() int {
	return len(r.order)
}

// Reset forgets all agents and overrides.
func (r *Registry) Reset() {
	r.agents = make(map[string]*model.Agent)
	r.order = nil
}
