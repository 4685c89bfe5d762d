package wire

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daviddao/agentwatch_viewer/internal/identity"
	"github.com/daviddao/agentwatch_viewer/internal/model"
)

func TestDecisionShapesResolveToSameIdentity(t *testing.T) {
	pushShape := `{"agentId":"agent-001","stepId":"s-7","decision":"halt","reason":"LOOP_DETECTED","toolUsed":"buy","timestamp":"2025-06-01T10:00:00Z"}`
	pullShape := `{"agent_id":"agent-001","step_id":"s-7","decision":"HALT","reason":"LOOP_DETECTED","tool_used":"buy","timestamp":"2025-06-01T10:00:00"}`

	var a, b Decision
	require.NoError(t, json.Unmarshal([]byte(pushShape), &a))
	require.NoError(t, json.Unmarshal([]byte(pullShape), &b))

	idA, okA := identity.Resolve(a.ID, a.AgentID, a.StepID)
	idB, okB := identity.Resolve(b.ID, b.AgentID, b.StepID)
	require.True(t, okA)
	require.True(t, okB)
	assert.Equal(t, idA, idB)
	assert.Equal(t, "agent-001-s-7", idA)

	assert.Equal(t, "HALT", a.Decision)
	assert.Equal(t, "buy", b.ToolUsed)
	assert.True(t, a.Timestamp.Equal(b.Timestamp))
}

func TestDecisionModel(t *testing.T) {
	d := Decision{ID: "a-1", AgentID: "agent-001", Decision: "PROCEED", Reason: model.ReasonApproved}
	m := d.Model()
	assert.Equal(t, model.Proceed, m.Verdict)
	assert.Equal(t, "a-1", m.ID)
	assert.False(t, m.IsNew)
}

func TestDecisionMarshalRoundTripsThroughPushShape(t *testing.T) {
	ts := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	in := Decision{ID: "x", AgentID: "agent-003", StepID: "s1", Decision: "HALT", Reason: "POLICY_VIOLATION", Timestamp: ts}
	buf, err := json.Marshal(in)
	require.NoError(t, err)
	assert.Contains(t, string(buf), `"agentId":"agent-003"`)

	var out Decision
	require.NoError(t, json.Unmarshal(buf, &out))
	assert.Equal(t, in, out)
}

func TestAgentListShapes(t *testing.T) {
	body := `{"agents":[
		{"agent_id":"agent-001","total_steps":12,"halt_count":3,"last_activity":"2025-06-01T10:00:00+00:00"},
		{"agentId":"agent-002","totalSteps":4,"haltCount":0,"status":"halted","displayName":"Research"}
	]}`
	var list AgentList
	require.NoError(t, json.Unmarshal([]byte(body), &list))
	require.Len(t, list.Agents, 2)

	assert.Equal(t, "agent-001", list.Agents[0].AgentID)
	assert.Equal(t, 12, list.Agents[0].TotalSteps)
	assert.Equal(t, 3, list.Agents[0].HaltCount)
	assert.False(t, list.Agents[0].LastActivity.IsZero())
	assert.False(t, list.Agents[0].Halted)

	assert.Equal(t, "Research", list.Agents[1].DisplayName)
	assert.True(t, list.Agents[1].Halted)
}

func TestStatsShapes(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"camel", `{"totalSteps":5,"haltCount":2,"proceedCount":3,"violationsByReason":{"LOOP_DETECTED":2}}`},
		{"snake", `{"total_steps":5,"halt_count":2,"proceed_count":3,"violations_by_reason":{"LOOP_DETECTED":2}}`},
		{"backend", `{"total_steps":5,"halt_count":2,"proceed_count":3,"violations_by_type":{"LOOP_DETECTED":2}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var s Stats
			require.NoError(t, json.Unmarshal([]byte(tt.body), &s))
			m := s.Model()
			assert.Equal(t, 5, m.TotalSteps)
			assert.Equal(t, 2, m.HaltCount)
			assert.Equal(t, 3, m.ProceedCount)
			assert.Equal(t, map[string]int{"LOOP_DETECTED": 2}, m.ViolationsByReason)
		})
	}
}

func TestAgentGraphDecode(t *testing.T) {
	body := `{
		"agentId":"agent-002",
		"nodes":[{"id":"s1","thought":"research","decision":"PROCEED"},{"id":"s2","decision":"HALT","reason":"POLICY_VIOLATION"}],
		"crossAgentNodes":[{"id":"u1","agent_id":"agent-001","decision":"PROCEED"}],
		"influences":[{"source":"u1","source_agent":"agent-001","target":"s1","target_agent":"agent-002"}]
	}`
	var g AgentGraph
	require.NoError(t, json.Unmarshal([]byte(body), &g))
	assert.Equal(t, "agent-002", g.AgentID)
	require.Len(t, g.Nodes, 2)
	require.Len(t, g.CrossAgentNodes, 1)
	require.Len(t, g.Influences, 1)

	step := g.Nodes[0].Step(g.AgentID)
	assert.Equal(t, "agent-002", step.AgentID)
	assert.Equal(t, model.Proceed, step.Verdict)

	cross := g.CrossAgentNodes[0].Step(g.AgentID)
	assert.Equal(t, "agent-001", cross.AgentID)

	assert.Equal(t, model.InfluenceEdge{
		SourceNodeID: "u1", TargetNodeID: "s1", SourceAgentID: "agent-001", TargetAgentID: "agent-002",
	}, g.Influences[0].Model())
}

func TestParseTime(t *testing.T) {
	tests := []struct {
		in   string
		zero bool
	}{
		{"2025-06-01T10:00:00Z", false},
		{"2025-06-01T10:00:00.123456+00:00", false},
		{"2025-06-01T10:00:00.123456", false},
		{"2025-06-01 10:00:00", false},
		{"", true},
		{"yesterday", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.zero, ParseTime(tt.in).IsZero())
		})
	}
}

func TestDecodeMessage(t *testing.T) {
	t.Run("decision nested under data", func(t *testing.T) {
		msg, err := DecodeMessage([]byte(`{"type":"decision","data":{"id":"a-1","agentId":"agent-001","decision":"PROCEED"}}`))
		require.NoError(t, err)
		dm, ok := msg.(DecisionMessage)
		require.True(t, ok, "got %T", msg)
		assert.Equal(t, "a-1", dm.Decision.ID)
	})

	t.Run("decision inline", func(t *testing.T) {
		msg, err := DecodeMessage([]byte(`{"type":"decision","agent_id":"agent-001","step_id":"s1","decision":"HALT"}`))
		require.NoError(t, err)
		dm := msg.(DecisionMessage)
		assert.Equal(t, "agent-001", dm.Decision.AgentID)
		assert.Equal(t, "s1", dm.Decision.StepID)
	})

	t.Run("policy array", func(t *testing.T) {
		msg, err := DecodeMessage([]byte(`{"type":"policy_update","payload":[{"id":"p1","name":"Budget","enabled":false}]}`))
		require.NoError(t, err)
		pu := msg.(PolicyUpdate)
		require.Len(t, pu.Policies, 1)
		assert.False(t, pu.Policies[0].Model().Enabled)
	})

	t.Run("policy settings object", func(t *testing.T) {
		msg, err := DecodeMessage([]byte(`{"type":"policy_update","data":{"max_position_size":1000,"budget_limit":100000}}`))
		require.NoError(t, err)
		pu := msg.(PolicyUpdate)
		require.Len(t, pu.Policies, 2)
		assert.Equal(t, "budget_limit", pu.Policies[0].Name)
		assert.True(t, pu.Policies[0].Model().Enabled)
	})

	t.Run("agent status", func(t *testing.T) {
		msg, err := DecodeMessage([]byte(`{"type":"agent_status","data":{"haltedAgents":["agent-001"]},"action":"halted"}`))
		require.NoError(t, err)
		as := msg.(AgentStatus)
		assert.Equal(t, []string{"agent-001"}, as.Halted)
		assert.Equal(t, "halted", as.Action)
	})

	t.Run("reset", func(t *testing.T) {
		msg, err := DecodeMessage([]byte(`{"type":"reset"}`))
		require.NoError(t, err)
		assert.IsType(t, Reset{}, msg)
	})

	t.Run("unknown type", func(t *testing.T) {
		_, err := DecodeMessage([]byte(`{"type":"heartbeat"}`))
		assert.True(t, errors.Is(err, ErrUnknownType), "err = %v", err)
	})

	t.Run("not json", func(t *testing.T) {
		_, err := DecodeMessage([]byte(`nope`))
		assert.True(t, errors.Is(err, ErrMalformed), "err = %v", err)
	})
}

func TestEncodeMessageDecodes(t *testing.T) {
	msgs := []Message{
		DecisionMessage{Decision: Decision{ID: "a-1", AgentID: "agent-001", Decision: "PROCEED"}},
		AgentStatus{Halted: []string{"agent-002"}, Action: "halted"},
		Reset{},
	}
	for _, in := range msgs {
		t.Run(in.Type(), func(t *testing.T) {
			buf, err := EncodeMessage(in)
			require.NoError(t, err)
			out, err := DecodeMessage(buf)
			require.NoError(t, err)
			assert.Equal(t, in, out)
		})
	}
}
