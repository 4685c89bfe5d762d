// Package model defines the governance telemetry types shared by the viewer.
//
// Decisions are immutable once created except for the IsNew display flag,
// which only the reconciler clears. Agents, stats and graph types are plain
// values; ownership and mutation rules live with the packages that hold them.
package model

import "time"

// Verdict is the backend's governance outcome for one agent step.
type Verdict string

const (
	Proceed Verdict = "PROCEED"
	Halt    Verdict = "HALT"
)

// Valid reports whether v is one of the two known verdicts.
func (v Verdict) Valid() bool {
	return v == Proceed || v == Halt
}

// Reason tags attached to decisions.
const (
	ReasonApproved        = "APPROVED"
	ReasonPolicyViolation = "POLICY_VIOLATION"
	ReasonLoopDetected    = "LOOP_DETECTED"
	ReasonSafetyViolation = "SAFETY_VIOLATION"
	ReasonFactCheckFailed = "FACT_CHECK_FAILED"
	ReasonManualOverride  = "MANUAL_OVERRIDE"

	// ReasonUnknown buckets HALT decisions that arrive without a reason.
	ReasonUnknown = "UNKNOWN"
)

// ViolationReasons lists the reason tags a HALT may carry, in display order.
var ViolationReasons = []string{
	ReasonPolicyViolation,
	ReasonLoopDetected,
	ReasonSafetyViolation,
	ReasonFactCheckFailed,
	ReasonManualOverride,
}

// IsViolationReason reports whether reason is a known HALT reason.
func IsViolationReason(reason string) bool {
	for _, r := range ViolationReasons {
		if r == reason {
			return true
		}
	}
	return false
}

// ViolationKey returns the bucket a HALT with the given reason is counted under.
func ViolationKey(reason string) string {
	if reason == "" {
		return ReasonUnknown
	}
	return reason
}

// Decision is one governance verdict for one agent step.
type Decision struct {
	ID          string
	AgentID     string
	StepID      string
	Verdict     Verdict
	Reason      string
	Details     string
	TriggeredBy string
	Thought     string
	ToolUsed    string
	RawLog      string
	Timestamp   time.Time

	// IsNew marks a freshly arrived entry for the display window.
	IsNew bool
}

// Status is an agent's derived display state.
type Status string

const (
	StatusRunning Status = "RUNNING"
	StatusWarning Status = "WARNING"
	StatusHalted  Status = "HALTED"
)

// WarningThreshold is the halt count above which an agent is flagged WARNING.
const WarningThreshold = 2

// Agent is the registry's view of one agent.
type Agent struct {
	ID           string
	DisplayName  string
	HaltCount    int
	TotalSteps   int
	LastActivity time.Time

	// LocallyHalted is the client-side manual stop override.
	LocallyHalted bool
	// ServerHalted is the backend-reported halted state.
	ServerHalted bool
}

// Status derives the display state: local halt, then server halt, then the
// warning threshold.
func (a Agent) Status() Status {
	switch {
	case a.LocallyHalted, a.ServerHalted:
		return StatusHalted
	case a.HaltCount > WarningThreshold:
		return StatusWarning
	default:
		return StatusRunning
	}
}

// Name returns the display name, falling back to the id.
func (a Agent) Name() string {
	if a.DisplayName != "" {
		return a.DisplayName
	}
	return a.ID
}

// StatsSnapshot holds aggregate decision counters.
type StatsSnapshot struct {
	TotalSteps         int
	HaltCount          int
	ProceedCount       int
	ViolationsByReason map[string]int
}

// Clone returns a deep copy.
func (s StatsSnapshot) Clone() StatsSnapshot {
	out := s
	out.ViolationsByReason = make(map[string]int, len(s.ViolationsByReason))
	for k, v := range s.ViolationsByReason {
		out.ViolationsByReason[k] = v
	}
	return out
}

// ViolationTotal sums the per-reason counters.
func (s StatsSnapshot) ViolationTotal() int {
	n := 0
	for _, v := range s.ViolationsByReason {
		n += v
	}
	return n
}

// Step is one node of an agent's reasoning chain as consumed by the graph
// builder.
type Step struct {
	ID        string
	AgentID   string
	Verdict   Verdict
	Reason    string
	Thought   string
	ToolUsed  string
	Timestamp time.Time
}

// StepFromDecision converts a buffered decision to a chain step.
func StepFromDecision(d Decision) Step {
	id := d.StepID
	if id == "" {
		id = d.ID
	}
	return Step{
		ID:        id,
		AgentID:   d.AgentID,
		Verdict:   d.Verdict,
		Reason:    d.Reason,
		Thought:   d.Thought,
		ToolUsed:  d.ToolUsed,
		Timestamp: d.Timestamp,
	}
}

// InfluenceEdge is a directed cross-agent causal link between two steps.
type InfluenceEdge struct {
	SourceNodeID  string
	TargetNodeID  string
	SourceAgentID string
	TargetAgentID string
}

// EdgeKind distinguishes intra-agent chain edges from cross-agent links.
type EdgeKind string

const (
	EdgeNext       EdgeKind = "NEXT"
	EdgeInfluences EdgeKind = "INFLUENCES"
)

// GraphNode is a positioned node of a reasoning graph.
type GraphNode struct {
	ID         string
	AgentID    string
	Verdict    Verdict
	Reason     string
	Thought    string
	ToolUsed   string
	External   bool
	ChainIndex int
	Lane       int
	Label      string
	X          int
	Y          int
}

// GraphEdge connects two emitted nodes. Endpoints are node keys
// (see NodeKey) so that step ids may repeat across agents.
type GraphEdge struct {
	Kind   EdgeKind
	Source string
	Target string
}

// NodeKey identifies a graph node by owning agent and step id.
func NodeKey(agentID, nodeID string) string {
	return agentID + "/" + nodeID
}

// Policy is one governance policy as published by the backend.
type Policy struct {
	ID          string
	Name        string
	Description string
	Enabled     bool
	Rules       map[string]any
}
