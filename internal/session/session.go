// Package session owns the viewer's live state: the decision buffer, the
// agent registry, the aggregate stats and the policy set.
//
// Every mutation goes through one of the Apply methods or a user action, and
// each completes before the next starts; the caller (the TUI event loop)
// serializes them. Readers take copies through the accessors.
package session

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/daviddao/agentwatch_viewer/internal/metrics"
	"github.com/daviddao/agentwatch_viewer/internal/model"
	"github.com/daviddao/agentwatch_viewer/internal/reconcile"
	"github.com/daviddao/agentwatch_viewer/internal/registry"
	"github.com/daviddao/agentwatch_viewer/internal/stats"
	"github.com/daviddao/agentwatch_viewer/internal/wire"
)

// PollResult is one round of pull-endpoint responses. Nil fields were not
// fetched (or failed) and leave the corresponding state untouched.
type PollResult struct {
	Agents    *wire.AgentList
	Decisions *wire.DecisionList
	Stats     *wire.Stats
}

// Session is the single owner of the core state.
type Session struct {
	decisions *reconcile.Reconciler
	agents    *registry.Registry
	stats     *stats.Accumulator
	policies  []model.Policy
	// seeded policies come from local config and survive a reset.
	seeded    []model.Policy
	connected bool

	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates an empty session. m may be nil; a nil logger uses slog.Default.
func New(m *metrics.Metrics, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		decisions: reconcile.New(logger),
		agents:    registry.New(),
		stats:     stats.New(),
		metrics:   m,
		logger:    logger,
	}
}

// ApplyPush applies one push-channel message and returns the decisions it
// added to the buffer.
func (s *Session) ApplyPush(msg wire.Message) ([]model.Decision, error) {
	switch m := msg.(type) {
	case wire.DecisionMessage:
		res := s.decisions.IngestBatch([]model.Decision{m.Decision.Model()}, reconcile.SourcePush)
		s.record(reconcile.SourcePush, res)
		for _, d := range res.New {
			s.agents.ApplyDecision(d)
			s.stats.Apply(d)
		}
		return res.New, nil

	case wire.PolicyUpdate:
		s.policies = s.policies[:0]
		for _, p := range m.Policies {
			s.policies = append(s.policies, p.Model())
		}
		return nil, nil

	case wire.AgentStatus:
		s.agents.ApplyHaltedSet(m.Halted)
		s.logger.Info("agent status", "action", m.Action, "halted", len(m.Halted))
		return nil, nil

	case wire.Reset:
		s.Reset()
		s.logger.Info("session reset by backend")
		return nil, nil

	default:
		return nil, fmt.Errorf("%w: %T", wire.ErrUnknownType, msg)
	}
}

// ApplyPoll applies a round of pull responses: registry and stats through
// their snapshot paths, decisions through the reconciler's full replace.
func (s *Session) ApplyPoll(res PollResult) []model.Decision {
	if res.Agents != nil {
		records := make([]registry.Record, 0, len(res.Agents.Agents))
		for _, a := range res.Agents.Agents {
			records = append(records, registry.Record{
				AgentID:      a.AgentID,
				DisplayName:  a.DisplayName,
				TotalSteps:   a.TotalSteps,
				HaltCount:    a.HaltCount,
				LastActivity: a.LastActivity,
				Halted:       a.Halted,
			})
		}
		s.agents.ApplySnapshot(records)
	}

	var added []model.Decision
	if res.Decisions != nil {
		records, bad := DecodeDecisions(res.Decisions.Decisions)
		r := s.decisions.IngestSnapshot(records)
		r.Dropped += bad
		s.record(reconcile.SourcePoll, r)
		added = r.New
	}

	if res.Stats != nil {
		s.stats.Replace(res.Stats.Model())
	}
	return added
}

// DecodeDecisions decodes raw decision records, skipping (and counting) the
// ones that do not parse.
func DecodeDecisions(raw []json.RawMessage) ([]model.Decision, int) {
	out := make([]model.Decision, 0, len(raw))
	bad := 0
	for _, r := range raw {
		var d wire.Decision
		if err := json.Unmarshal(r, &d); err != nil {
			bad++
			continue
		}
		out = append(out, d.Model())
	}
	return out, bad
}

// Halt applies the local halt override and records the manual-override
// decision in the feed. Persisting the halt is the caller's job.
func (s *Session) Halt(agentID string) model.Decision {
	d := s.agents.Halt(agentID)
	res := s.decisions.IngestBatch([]model.Decision{d}, reconcile.SourceLocal)
	s.record(reconcile.SourceLocal, res)
	if len(res.New) > 0 {
		d = res.New[0]
	}
	return d
}

// Resume clears the local halt override.
func (s *Session) Resume(agentID string) {
	s.agents.Resume(agentID)
}

// ExpireNew clears the new flag of a buffered decision.
func (s *Session) ExpireNew(id string) {
	s.decisions.ExpireNew(id)
}

// SetConnected records the push channel state.
func (s *Session) SetConnected(connected bool) {
	s.connected = connected
}

// SeedPolicies installs a locally configured policy set. It replaces the
// current policies now and is restored by every Reset.
func (s *Session) SeedPolicies(ps []model.Policy) {
	s.seeded = append([]model.Policy(nil), ps...)
	s.policies = append(s.policies[:0], ps...)
}

// Reset clears decisions, seen identities, agents, overrides and stats, and
// puts the policies back to the seeded set.
func (s *Session) Reset() {
	s.decisions.Reset()
	s.agents.Reset()
	s.stats.Reset()
	s.policies = append([]model.Policy(nil), s.seeded...)
}

// Decisions returns the buffer, newest first.
func (s *Session) Decisions() []model.Decision { return s.decisions.Decisions() }

// AgentDecisions returns one agent's buffered decisions, oldest first.
func (s *Session) AgentDecisions(agentID string) []model.Decision {
	return s.decisions.ForAgent(agentID)
}

// Agents returns the registry in order of first sight.
func (s *Session) Agents() []model.Agent { return s.agents.Agents() }

// Agent returns one agent.
func (s *Session) Agent(id string) (model.Agent, bool) { return s.agents.Get(id) }

// Stats returns the current totals.
func (s *Session) Stats() model.StatsSnapshot { return s.stats.Snapshot() }

// CheckStats verifies the stats invariants.
func (s *Session) CheckStats() error { return s.stats.Check() }

// Policies returns the current policy set.
func (s *Session) Policies() []model.Policy {
	out := make([]model.Policy, len(s.policies))
	copy(out, s.policies)
	return out
}

// Connected reports the last recorded push channel state.
func (s *Session) Connected() bool { return s.connected }

func (s *Session) record(src reconcile.Source, res reconcile.Result) {
	if res.Dropped > 0 {
		s.logger.Warn("dropped malformed decisions", "source", src, "count", res.Dropped)
	}
	s.metrics.ObserveIngest(string(src), len(res.New), res.Duplicates, res.Dropped)
	s.metrics.SetBuffered(s.decisions.Len())
}
