package graph

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daviddao/agentwatch_viewer/internal/model"
	"github.com/daviddao/agentwatch_viewer/internal/wire"
)

func chain(agent string, n int) []model.Step {
	out := make([]model.Step, n)
	for i := range out {
		out[i] = model.Step{ID: fmt.Sprintf("%s-s%d", agent, i), AgentID: agent, Verdict: model.Proceed}
	}
	return out
}

func link(srcAgent string, srcStep int, dstAgent string, dstStep int) model.InfluenceEdge {
	return model.InfluenceEdge{
		SourceNodeID:  fmt.Sprintf("%s-s%d", srcAgent, srcStep),
		TargetNodeID:  fmt.Sprintf("%s-s%d", dstAgent, dstStep),
		SourceAgentID: srcAgent,
		TargetAgentID: dstAgent,
	}
}

func laneAgents(g Graph) []string {
	out := make([]string, len(g.Lanes))
	for i, l := range g.Lanes {
		out[i] = l.AgentID
	}
	return out
}

func TestBuildStates(t *testing.T) {
	assert.Equal(t, StateNoSelection, Build(Input{}).State)

	g := Build(Input{AgentID: "agent-001"})
	assert.Equal(t, StateEmpty, g.State)
	assert.Equal(t, "agent-001", g.AgentID)
	assert.Empty(t, g.Nodes)

	g = Build(Input{AgentID: "agent-001", Steps: chain("agent-001", 1)})
	assert.Equal(t, StateReady, g.State)
}

func TestBuildLaneBound(t *testing.T) {
	in := Input{
		AgentID: "sel",
		Steps:   chain("sel", 10),
		External: map[string][]model.Step{
			"up1":  chain("up1", 5),
			"up2":  chain("up2", 5),
			"down": chain("down", 5),
		},
	}
	// Cross links among all steps of all agents.
	for i := 0; i < 5; i++ {
		for j := 0; j < 5; j++ {
			in.Influences = append(in.Influences,
				link("up1", i, "sel", j),
				link("up2", i, "up1", j),
				link("up2", i, "sel", j),
				link("sel", i, "down", j),
			)
		}
	}

	g := Build(in)
	require.Equal(t, StateReady, g.State)
	assert.Equal(t, []string{"up1", "up2", "sel", "down"}, laneAgents(g))
	assert.LessOrEqual(t, len(g.Nodes), 12)

	perLane := make(map[int]int)
	keys := make(map[string]bool)
	for _, n := range g.Nodes {
		perLane[n.Lane]++
		keys[model.NodeKey(n.AgentID, n.ID)] = true
	}
	for lane, n := range perLane {
		assert.LessOrEqual(t, n, MaxStepsPerLane, "lane %d", lane)
	}

	for _, e := range g.Edges {
		assert.True(t, keys[e.Source], "edge source %s not emitted", e.Source)
		assert.True(t, keys[e.Target], "edge target %s not emitted", e.Target)
	}
	// 3x3 emitted pairs per linked lane pair, four linked pairs.
	assert.Equal(t, 36, g.EdgeCount(model.EdgeInfluences))
	assert.Equal(t, 2, g.EdgeCount(model.EdgeNext))
}

func TestBuildLayoutAndLabels(t *testing.T) {
	in := Input{
		AgentID:    "agent-002",
		Steps:      chain("agent-002", 2),
		External:   map[string][]model.Step{"agent-001": chain("agent-001", 1)},
		Influences: []model.InfluenceEdge{link("agent-001", 0, "agent-002", 1)},
	}
	g := Build(in)
	require.Len(t, g.Nodes, 3)

	ext := g.LaneNodes(0)
	require.Len(t, ext, 1)
	assert.True(t, ext[0].External)
	assert.Equal(t, "AGE", ext[0].Label)
	assert.Equal(t, 0, ext[0].X)

	own := g.LaneNodes(1)
	require.Len(t, own, 2)
	assert.Equal(t, "1", own[0].Label)
	assert.Equal(t, "2", own[1].Label)
	assert.Equal(t, LaneSpacing, own[1].X)
	assert.Equal(t, RowSpacing, own[1].Y)
	assert.Equal(t, 1, own[1].ChainIndex)
	assert.False(t, own[0].External)

	assert.Contains(t, g.Edges, model.GraphEdge{
		Kind:   model.EdgeNext,
		Source: model.NodeKey("agent-002", "agent-002-s0"),
		Target: model.NodeKey("agent-002", "agent-002-s1"),
	})
	assert.Contains(t, g.Edges, model.GraphEdge{
		Kind:   model.EdgeInfluences,
		Source: model.NodeKey("agent-001", "agent-001-s0"),
		Target: model.NodeKey("agent-002", "agent-002-s1"),
	})
}

func TestBuildExternalLanesNotChained(t *testing.T) {
	in := Input{
		AgentID:    "sel",
		Steps:      chain("sel", 1),
		External:   map[string][]model.Step{"down": chain("down", 3)},
		Influences: []model.InfluenceEdge{link("sel", 0, "down", 0)},
	}
	g := Build(in)
	assert.Equal(t, 0, g.EdgeCount(model.EdgeNext))
	assert.Equal(t, 1, g.EdgeCount(model.EdgeInfluences))
}

func TestBuildDropsPrunedLinks(t *testing.T) {
	in := Input{
		AgentID: "sel",
		Steps:   chain("sel", 5),
		External: map[string][]model.Step{
			"up":    chain("up", 5),
			"other": chain("other", 2),
		},
		Influences: []model.InfluenceEdge{
			link("up", 4, "sel", 0),    // source beyond the lane cap
			link("up", 0, "sel", 4),    // target beyond the lane cap
			link("up", 0, "sel", 0),    // kept
			link("up", 0, "sel", 0),    // duplicate
			link("other", 0, "far", 0), // unrelated agents
		},
	}
	g := Build(in)
	assert.Equal(t, []string{"up", "sel"}, laneAgents(g))
	assert.Equal(t, 1, g.EdgeCount(model.EdgeInfluences))
}

func TestBuildOneHopTransitivity(t *testing.T) {
	// a -> b -> sel -> c -> d, plus z -> a which is two hops away.
	in := Input{
		AgentID: "sel",
		Steps:   chain("sel", 1),
		External: map[string][]model.Step{
			"a": chain("a", 1), "b": chain("b", 1), "c": chain("c", 1), "d": chain("d", 1),
			"z": chain("z", 1), "e": chain("e", 1),
		},
		Influences: []model.InfluenceEdge{
			link("z", 0, "a", 0),
			link("a", 0, "b", 0),
			link("b", 0, "sel", 0),
			link("sel", 0, "c", 0),
			link("c", 0, "d", 0),
			link("d", 0, "e", 0),
		},
	}
	g := Build(in)
	assert.Equal(t, []string{"a", "b", "sel", "c", "d"}, laneAgents(g))
	for _, l := range g.Lanes {
		switch l.AgentID {
		case "a", "b":
			assert.Equal(t, RoleUpstream, l.Role)
		case "c", "d":
			assert.Equal(t, RoleDownstream, l.Role)
		}
	}
}

func TestBuildCyclicInfluenceTerminates(t *testing.T) {
	in := Input{
		AgentID:  "a",
		Steps:    chain("a", 2),
		External: map[string][]model.Step{"b": chain("b", 2), "c": chain("c", 1)},
		Influences: []model.InfluenceEdge{
			link("a", 0, "b", 0),
			link("b", 1, "a", 1),
			link("b", 0, "c", 0),
			link("c", 0, "b", 1),
		},
	}
	g := Build(in)
	require.Equal(t, StateReady, g.State)
	// b is both upstream and downstream of a: placed upstream once.
	assert.Equal(t, []string{"b", "c", "a"}, laneAgents(g))
	assert.Equal(t, RoleUpstream, g.Lanes[0].Role)
}

func TestBuildDeterministic(t *testing.T) {
	in := Input{
		AgentID:  "sel",
		Steps:    chain("sel", 3),
		External: map[string][]model.Step{"x": chain("x", 3), "y": chain("y", 3)},
		Influences: []model.InfluenceEdge{
			link("y", 0, "sel", 0), link("x", 1, "sel", 1), link("sel", 2, "x", 2),
		},
	}
	first := Build(in)
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, Build(in))
	}
}

func TestAssembleFromBuffer(t *testing.T) {
	buffered := []model.Decision{ // newest first
		{ID: "a-2", AgentID: "agent-001", StepID: "s2", Verdict: model.Halt},
		{ID: "b-1", AgentID: "agent-002", StepID: "s1", Verdict: model.Proceed},
		{ID: "a-1", AgentID: "agent-001", StepID: "s1", Verdict: model.Proceed},
	}
	in := Assemble("agent-001", buffered, nil)
	require.Len(t, in.Steps, 2)
	assert.Equal(t, "s1", in.Steps[0].ID)
	assert.Equal(t, "s2", in.Steps[1].ID)
	assert.Empty(t, in.Influences)

	g := Build(in)
	assert.Equal(t, StateReady, g.State)
	assert.Len(t, g.Lanes, 1)
}

func TestAssemblePrefersRemoteGraph(t *testing.T) {
	remote := &wire.AgentGraph{
		AgentID: "agent-002",
		Nodes: []wire.GraphNode{
			{ID: "r1", Decision: "PROCEED"},
			{ID: "r2", Decision: "HALT", Reason: model.ReasonLoopDetected},
		},
		CrossAgentNodes: []wire.GraphNode{{ID: "u1", AgentID: "agent-001", Decision: "PROCEED"}},
		Influences: []wire.Influence{
			{Source: "u1", SourceAgent: "agent-001", Target: "r1", TargetAgent: "agent-002"},
			{Source: "r2", SourceAgent: "agent-002", Target: "s1", TargetAgent: "agent-003"},
		},
	}
	buffered := []model.Decision{
		{ID: "c-1", AgentID: "agent-003", StepID: "s1", Verdict: model.Proceed},
		{ID: "b-9", AgentID: "agent-002", StepID: "s9", Verdict: model.Proceed},
	}

	in := Assemble("agent-002", buffered, remote)
	require.Len(t, in.Steps, 2)
	assert.Equal(t, "r1", in.Steps[0].ID)
	assert.Len(t, in.External["agent-001"], 1)
	assert.Len(t, in.External["agent-003"], 1, "external agent without remote nodes falls back to buffer")

	g := Build(in)
	assert.Equal(t, []string{"agent-001", "agent-002", "agent-003"}, laneAgents(g))
	assert.Equal(t, 2, g.EdgeCount(model.EdgeInfluences))
}

func TestAssembleNoSelection(t *testing.T) {
	in := Assemble("", nil, nil)
	assert.Equal(t, StateNoSelection, Build(in).State)
}
