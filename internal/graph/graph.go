// Package graph builds the positioned reasoning graph of one agent.
//
// The graph has one lane per agent in causal chain order: agents that
// influence the selected agent on the left, the selected agent in the
// middle, agents it influences on the right. Each lane shows at most
// MaxStepsPerLane steps so the layout stays bounded however large the
// underlying graph is.
package graph

import (
	"strconv"
	"strings"

	"github.com/daviddao/agentwatch_viewer/internal/model"
)

const (
	// MaxStepsPerLane bounds the nodes emitted per agent lane.
	MaxStepsPerLane = 3

	// LaneSpacing and RowSpacing are the layout units between lanes and
	// between steps within a lane.
	LaneSpacing = 280
	RowSpacing  = 140

	labelPrefixLen = 3
)

// State distinguishes "nothing selected" from "selected but no steps".
type State int

const (
	StateNoSelection State = iota
	StateEmpty
	StateReady
)

func (s State) String() string {
	switch s {
	case StateNoSelection:
		return "no-selection"
	case StateEmpty:
		return "empty"
	case StateReady:
		return "ready"
	}
	return "?"
}

// Role is a lane's position relative to the selected agent.
type Role string

const (
	RoleUpstream   Role = "upstream"
	RoleSelected   Role = "selected"
	RoleDownstream Role = "downstream"
)

// Input is everything the builder needs for one agent.
type Input struct {
	AgentID string
	// Steps is the selected agent's chain, oldest first.
	Steps []model.Step
	// Influences are cross-agent links touching the selected agent
	// directly or through one intermediate agent.
	Influences []model.InfluenceEdge
	// External maps other agents to their chains, oldest first.
	External map[string][]model.Step
}

// Lane is one agent column of the layout.
type Lane struct {
	AgentID string
	Index   int
	Role    Role
}

// Graph is the builder's result.
type Graph struct {
	State   State
	AgentID string
	Lanes   []Lane
	Nodes   []model.GraphNode
	Edges   []model.GraphEdge
}

// LaneNodes returns the nodes of lane i in chain order.
func (g Graph) LaneNodes(i int) []model.GraphNode {
	var out []model.GraphNode
	for _, n := range g.Nodes {
		if n.Lane == i {
			out = append(out, n)
		}
	}
	return out
}

// EdgeCount returns the number of edges of the given kind.
func (g Graph) EdgeCount(kind model.EdgeKind) int {
	n := 0
	for _, e := range g.Edges {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// Build computes the positioned graph for in.AgentID.
func Build(in Input) Graph {
	if in.AgentID == "" {
		return Graph{State: StateNoSelection}
	}
	if len(in.Steps) == 0 {
		return Graph{State: StateEmpty, AgentID: in.AgentID}
	}

	upstream, downstream := classify(in.AgentID, in.Influences)

	g := Graph{State: StateReady, AgentID: in.AgentID}
	for _, id := range upstream {
		g.Lanes = append(g.Lanes, Lane{AgentID: id, Index: len(g.Lanes), Role: RoleUpstream})
	}
	g.Lanes = append(g.Lanes, Lane{AgentID: in.AgentID, Index: len(g.Lanes), Role: RoleSelected})
	for _, id := range downstream {
		g.Lanes = append(g.Lanes, Lane{AgentID: id, Index: len(g.Lanes), Role: RoleDownstream})
	}

	emitted := make(map[string]bool)
	for _, lane := range g.Lanes {
		steps := in.External[lane.AgentID]
		if lane.Role == RoleSelected {
			steps = in.Steps
		}

		var chain []string
		for _, st := range steps {
			if len(chain) == MaxStepsPerLane {
				break
			}
			key := model.NodeKey(lane.AgentID, st.ID)
			if st.ID == "" || emitted[key] {
				continue
			}
			emitted[key] = true
			idx := len(chain)
			chain = append(chain, key)

			node := model.GraphNode{
				ID:         st.ID,
				AgentID:    lane.AgentID,
				Verdict:    st.Verdict,
				Reason:     st.Reason,
				Thought:    st.Thought,
				ToolUsed:   st.ToolUsed,
				External:   lane.Role != RoleSelected,
				ChainIndex: idx,
				Lane:       lane.Index,
				X:          lane.Index * LaneSpacing,
				Y:          idx * RowSpacing,
			}
			if node.External {
				node.Label = labelPrefix(lane.AgentID)
			} else {
				node.Label = strconv.Itoa(idx + 1)
			}
			g.Nodes = append(g.Nodes, node)
		}

		if lane.Role == RoleSelected {
			for i := 1; i < len(chain); i++ {
				g.Edges = append(g.Edges, model.GraphEdge{Kind: model.EdgeNext, Source: chain[i-1], Target: chain[i]})
			}
		}
	}

	linked := make(map[[2]string]bool)
	for _, e := range in.Influences {
		src := model.NodeKey(e.SourceAgentID, e.SourceNodeID)
		dst := model.NodeKey(e.TargetAgentID, e.TargetNodeID)
		if !emitted[src] || !emitted[dst] || linked[[2]string{src, dst}] {
			continue
		}
		linked[[2]string{src, dst}] = true
		g.Edges = append(g.Edges, model.GraphEdge{Kind: model.EdgeInfluences, Source: src, Target: dst})
	}
	return g
}

// classify splits the agents linked to selected into upstream and downstream
// lanes, each in order of first appearance in links. Membership is the
// direct links plus exactly one transitive hop; longer chains are not
// followed. An agent reachable both ways is placed upstream.
func classify(selected string, links []model.InfluenceEdge) (upstream, downstream []string) {
	up := make(map[string]bool)
	down := make(map[string]bool)
	for _, e := range links {
		if e.SourceAgentID == "" || e.TargetAgentID == "" || e.SourceAgentID == e.TargetAgentID {
			continue
		}
		if e.TargetAgentID == selected {
			up[e.SourceAgentID] = true
		}
		if e.SourceAgentID == selected {
			down[e.TargetAgentID] = true
		}
	}

	hopUp := make(map[string]bool)
	hopDown := make(map[string]bool)
	for _, e := range links {
		if e.SourceAgentID == "" || e.TargetAgentID == "" || e.SourceAgentID == e.TargetAgentID {
			continue
		}
		if up[e.TargetAgentID] && e.SourceAgentID != selected {
			hopUp[e.SourceAgentID] = true
		}
		if down[e.SourceAgentID] && e.TargetAgentID != selected {
			hopDown[e.TargetAgentID] = true
		}
	}
	for id := range hopUp {
		up[id] = true
	}
	for id := range hopDown {
		down[id] = true
	}
	for id := range up {
		delete(down, id)
	}

	placed := make(map[string]bool)
	for _, e := range links {
		for _, id := range [2]string{e.SourceAgentID, e.TargetAgentID} {
			if placed[id] || id == selected {
				continue
			}
			switch {
			case up[id]:
				upstream = append(upstream, id)
				placed[id] = true
			case down[id]:
				downstream = append(downstream, id)
				placed[id] = true
			}
		}
	}
	return upstream, downstream
}

func labelPrefix(agentID string) string {
	r := []rune(agentID)
	if len(r) > labelPrefixLen {
		r = r[:labelPrefixLen]
	}
	return strings.ToUpper(string(r))
}
