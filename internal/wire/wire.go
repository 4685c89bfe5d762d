// Package wire decodes the backend's pull responses and push frames.
//
// The backend is not consistent about field naming: pull endpoints return
// snake_case records while push frames use camelCase. Both shapes decode into
// the same types here so that a record delivered over either transport
// resolves to the same identity.
package wire

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/daviddao/agentwatch_viewer/internal/model"
)

// Decision is a decision record as delivered by either transport.
type Decision struct {
	ID          string
	AgentID     string
	StepID      string
	Decision    string
	Reason      string
	Details     string
	TriggeredBy string
	Thought     string
	ToolUsed    string
	RawLog      string
	Timestamp   time.Time
}

type rawDecision struct {
	ID               string `json:"id"`
	AgentID          string `json:"agentId"`
	AgentIDSnake     string `json:"agent_id"`
	StepID           string `json:"stepId"`
	StepIDSnake      string `json:"step_id"`
	Decision         string `json:"decision"`
	Reason           string `json:"reason"`
	Details          string `json:"details"`
	TriggeredBy      string `json:"triggeredBy"`
	TriggeredBySnake string `json:"triggered_by"`
	Thought          string `json:"thought"`
	ToolUsed         string `json:"toolUsed"`
	ToolUsedSnake    string `json:"tool_used"`
	RawLog           string `json:"rawLog"`
	RawLogSnake      string `json:"raw_log"`
	Timestamp        string `json:"timestamp"`
}

// UnmarshalJSON accepts both camelCase and snake_case field names.
func (d *Decision) UnmarshalJSON(data []byte) error {
	var r rawDecision
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	*d = Decision{
		ID:          r.ID,
		AgentID:     first(r.AgentID, r.AgentIDSnake),
		StepID:      first(r.StepID, r.StepIDSnake),
		Decision:    strings.ToUpper(strings.TrimSpace(r.Decision)),
		Reason:      r.Reason,
		Details:     r.Details,
		TriggeredBy: first(r.TriggeredBy, r.TriggeredBySnake),
		Thought:     r.Thought,
		ToolUsed:    first(r.ToolUsed, r.ToolUsedSnake),
		RawLog:      first(r.RawLog, r.RawLogSnake),
		Timestamp:   ParseTime(r.Timestamp),
	}
	return nil
}

// MarshalJSON writes the camelCase push shape.
func (d Decision) MarshalJSON() ([]byte, error) {
	out := struct {
		ID          string `json:"id,omitempty"`
		AgentID     string `json:"agentId"`
		StepID      string `json:"stepId,omitempty"`
		Decision    string `json:"decision"`
		Reason      string `json:"reason,omitempty"`
		Details     string `json:"details,omitempty"`
		TriggeredBy string `json:"triggeredBy,omitempty"`
		Thought     string `json:"thought,omitempty"`
		ToolUsed    string `json:"toolUsed,omitempty"`
		RawLog      string `json:"rawLog,omitempty"`
		Timestamp   string `json:"timestamp,omitempty"`
	}{
		ID:          d.ID,
		AgentID:     d.AgentID,
		StepID:      d.StepID,
		Decision:    d.Decision,
		Reason:      d.Reason,
		Details:     d.Details,
		TriggeredBy: d.TriggeredBy,
		Thought:     d.Thought,
		ToolUsed:    d.ToolUsed,
		RawLog:      d.RawLog,
	}
	if !d.Timestamp.IsZero() {
		out.Timestamp = d.Timestamp.Format(time.RFC3339Nano)
	}
	return json.Marshal(out)
}

// Model converts the record to a model decision. The ID is the explicit wire
// id; identity resolution happens in the reconciler.
func (d Decision) Model() model.Decision {
	return model.Decision{
		ID:          d.ID,
		AgentID:     d.AgentID,
		StepID:      d.StepID,
		Verdict:     model.Verdict(d.Decision),
		Reason:      d.Reason,
		Details:     d.Details,
		TriggeredBy: d.TriggeredBy,
		Thought:     d.Thought,
		ToolUsed:    d.ToolUsed,
		RawLog:      d.RawLog,
		Timestamp:   d.Timestamp,
	}
}

// Agent is one entry of the agent list endpoint.
type Agent struct {
	AgentID      string
	DisplayName  string
	TotalSteps   int
	HaltCount    int
	LastActivity time.Time
	Halted       bool
}

type rawAgent struct {
	AgentID           string `json:"agentId"`
	AgentIDSnake      string `json:"agent_id"`
	DisplayName       string `json:"displayName"`
	DisplayNameSnake  string `json:"display_name"`
	TotalSteps        *int   `json:"totalSteps"`
	TotalStepsSnake   *int   `json:"total_steps"`
	HaltCount         *int   `json:"haltCount"`
	HaltCountSnake    *int   `json:"halt_count"`
	LastActivity      string `json:"lastActivity"`
	LastActivitySnake string `json:"last_activity"`
	Halted            bool   `json:"halted"`
	Status            string `json:"status"`
}

// UnmarshalJSON accepts both camelCase and snake_case field names.
func (a *Agent) UnmarshalJSON(data []byte) error {
	var r rawAgent
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	*a = Agent{
		AgentID:      first(r.AgentID, r.AgentIDSnake),
		DisplayName:  first(r.DisplayName, r.DisplayNameSnake),
		TotalSteps:   firstInt(r.TotalSteps, r.TotalStepsSnake),
		HaltCount:    firstInt(r.HaltCount, r.HaltCountSnake),
		LastActivity: ParseTime(first(r.LastActivity, r.LastActivitySnake)),
		Halted:       r.Halted || strings.EqualFold(r.Status, string(model.StatusHalted)),
	}
	return nil
}

// AgentList is the agent list endpoint response.
type AgentList struct {
	Agents []Agent `json:"agents"`
}

// Stats is the aggregate stats endpoint response.
type Stats struct {
	TotalSteps         int
	HaltCount          int
	ProceedCount       int
	ViolationsByReason map[string]int
}

type rawStats struct {
	TotalSteps        *int           `json:"totalSteps"`
	TotalStepsSnake   *int           `json:"total_steps"`
	HaltCount         *int           `json:"haltCount"`
	HaltCountSnake    *int           `json:"halt_count"`
	ProceedCount      *int           `json:"proceedCount"`
	ProceedCountSnake *int           `json:"proceed_count"`
	Violations        map[string]int `json:"violationsByReason"`
	ViolationsSnake   map[string]int `json:"violations_by_reason"`
	ViolationsByType  map[string]int `json:"violations_by_type"`
}

// UnmarshalJSON accepts camelCase, snake_case and the backend's
// violations_by_type field.
func (s *Stats) UnmarshalJSON(data []byte) error {
	var r rawStats
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	v := r.Violations
	if v == nil {
		v = r.ViolationsSnake
	}
	if v == nil {
		v = r.ViolationsByType
	}
	*s = Stats{
		TotalSteps:         firstInt(r.TotalSteps, r.TotalStepsSnake),
		HaltCount:          firstInt(r.HaltCount, r.HaltCountSnake),
		ProceedCount:       firstInt(r.ProceedCount, r.ProceedCountSnake),
		ViolationsByReason: v,
	}
	return nil
}

// Model converts the response to a stats snapshot.
func (s Stats) Model() model.StatsSnapshot {
	out := model.StatsSnapshot{
		TotalSteps:         s.TotalSteps,
		HaltCount:          s.HaltCount,
		ProceedCount:       s.ProceedCount,
		ViolationsByReason: make(map[string]int, len(s.ViolationsByReason)),
	}
	for k, v := range s.ViolationsByReason {
		out.ViolationsByReason[k] = v
	}
	return out
}

// DecisionList is the recent decisions endpoint response.
type DecisionList struct {
	Decisions []json.RawMessage `json:"decisions"`
}

// GraphNode is one step in a backend reasoning graph response.
type GraphNode struct {
	ID        string
	AgentID   string
	Thought   string
	ToolUsed  string
	Decision  string
	Reason    string
	Timestamp time.Time
}

type rawGraphNode struct {
	ID            string `json:"id"`
	StepID        string `json:"step_id"`
	AgentID       string `json:"agentId"`
	AgentIDSnake  string `json:"agent_id"`
	Thought       string `json:"thought"`
	ToolUsed      string `json:"toolUsed"`
	ToolUsedSnake string `json:"tool_used"`
	Decision      string `json:"decision"`
	Reason        string `json:"reason"`
	Timestamp     string `json:"timestamp"`
}

// UnmarshalJSON accepts both camelCase and snake_case field names.
func (n *GraphNode) UnmarshalJSON(data []byte) error {
	var r rawGraphNode
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	*n = GraphNode{
		ID:        first(r.ID, r.StepID),
		AgentID:   first(r.AgentID, r.AgentIDSnake),
		Thought:   r.Thought,
		ToolUsed:  first(r.ToolUsed, r.ToolUsedSnake),
		Decision:  strings.ToUpper(r.Decision),
		Reason:    r.Reason,
		Timestamp: ParseTime(r.Timestamp),
	}
	return nil
}

// Step converts the node to a chain step owned by agentID when the node does
// not name its own agent.
func (n GraphNode) Step(agentID string) model.Step {
	owner := n.AgentID
	if owner == "" {
		owner = agentID
	}
	return model.Step{
		ID:        n.ID,
		AgentID:   owner,
		Verdict:   model.Verdict(n.Decision),
		Reason:    n.Reason,
		Thought:   n.Thought,
		ToolUsed:  n.ToolUsed,
		Timestamp: n.Timestamp,
	}
}

// Influence is a cross-agent link in a backend graph response.
type Influence struct {
	Source      string
	Target      string
	SourceAgent string
	TargetAgent string
}

type rawInfluence struct {
	Source        string `json:"source"`
	SourceNodeID  string `json:"sourceNodeId"`
	Target        string `json:"target"`
	TargetNodeID  string `json:"targetNodeId"`
	SourceAgent   string `json:"source_agent"`
	SourceAgentID string `json:"sourceAgentId"`
	TargetAgent   string `json:"target_agent"`
	TargetAgentID string `json:"targetAgentId"`
}

// UnmarshalJSON accepts the backend's and the push channel's field names.
func (i *Influence) UnmarshalJSON(data []byte) error {
	var r rawInfluence
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	*i = Influence{
		Source:      first(r.Source, r.SourceNodeID),
		Target:      first(r.Target, r.TargetNodeID),
		SourceAgent: first(r.SourceAgent, r.SourceAgentID),
		TargetAgent: first(r.TargetAgent, r.TargetAgentID),
	}
	return nil
}

// Model converts the link to an influence edge.
func (i Influence) Model() model.InfluenceEdge {
	return model.InfluenceEdge{
		SourceNodeID:  i.Source,
		TargetNodeID:  i.Target,
		SourceAgentID: i.SourceAgent,
		TargetAgentID: i.TargetAgent,
	}
}

// AgentGraph is the per-agent reasoning graph endpoint response.
type AgentGraph struct {
	AgentID         string
	Nodes           []GraphNode
	CrossAgentNodes []GraphNode
	Influences      []Influence
}

type rawAgentGraph struct {
	AgentID              string      `json:"agentId"`
	AgentIDSnake         string      `json:"agent_id"`
	Nodes                []GraphNode `json:"nodes"`
	CrossAgentNodes      []GraphNode `json:"crossAgentNodes"`
	CrossAgentNodesSnake []GraphNode `json:"cross_agent_nodes"`
	Influences           []Influence `json:"influences"`
}

// UnmarshalJSON accepts both camelCase and snake_case field names.
func (g *AgentGraph) UnmarshalJSON(data []byte) error {
	var r rawAgentGraph
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	cross := r.CrossAgentNodes
	if cross == nil {
		cross = r.CrossAgentNodesSnake
	}
	*g = AgentGraph{
		AgentID:         first(r.AgentID, r.AgentIDSnake),
		Nodes:           r.Nodes,
		CrossAgentNodes: cross,
		Influences:      r.Influences,
	}
	return nil
}

// Health is the health endpoint response.
type Health struct {
	Status string `json:"status"`
}

// Policy is one entry of a policy set.
type Policy struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Enabled     *bool          `json:"enabled"`
	Rules       map[string]any `json:"rules"`
}

// Model converts the policy. Policies without an enabled flag are enabled.
func (p Policy) Model() model.Policy {
	enabled := true
	if p.Enabled != nil {
		enabled = *p.Enabled
	}
	id := p.ID
	if id == "" {
		id = p.Name
	}
	return model.Policy{
		ID:          id,
		Name:        p.Name,
		Description: p.Description,
		Enabled:     enabled,
		Rules:       p.Rules,
	}
}

// ParseTime parses the timestamp formats the backend emits. Python's
// isoformat omits the zone for naive datetimes; those are read as UTC.
// Unparseable input yields the zero time.
func ParseTime(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{
		time.RFC3339Nano,
		"2006-01-02T15:04:05.999999999",
		"2006-01-02 15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05.999999999",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func first(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstInt(vals ...*int) int {
	for _, v := range vals {
		if v != nil {
			return *v
		}
	}
	return 0
}
