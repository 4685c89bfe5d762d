package graph

import (
	"github.com/daviddao/agentwatch_viewer/internal/model"
	"github.com/daviddao/agentwatch_viewer/internal/wire"
)

// Assemble prepares builder input for agentID. Steps come from the backend
// graph when one was fetched and has nodes; otherwise from the buffered
// decisions (newest first, as the reconciler returns them). External agents
// without remote nodes also fall back to the buffer.
func Assemble(agentID string, buffered []model.Decision, remote *wire.AgentGraph) Input {
	in := Input{AgentID: agentID, External: make(map[string][]model.Step)}
	if agentID == "" {
		return in
	}

	local := make(map[string][]model.Step)
	for i := len(buffered) - 1; i >= 0; i-- {
		d := buffered[i]
		local[d.AgentID] = append(local[d.AgentID], model.StepFromDecision(d))
	}

	if remote != nil && len(remote.Nodes) > 0 {
		for _, n := range remote.Nodes {
			in.Steps = append(in.Steps, n.Step(agentID))
		}
	} else {
		in.Steps = local[agentID]
	}

	if remote != nil {
		for _, n := range remote.CrossAgentNodes {
			st := n.Step("")
			if st.AgentID == "" || st.AgentID == agentID {
				continue
			}
			in.External[st.AgentID] = append(in.External[st.AgentID], st)
		}
		for _, l := range remote.Influences {
			in.Influences = append(in.Influences, l.Model())
		}
	}

	for _, e := range in.Influences {
		for _, id := range [2]string{e.SourceAgentID, e.TargetAgentID} {
			if id == agentID {
				continue
			}
			if _, ok := in.External[id]; !ok && len(local[id]) > 0 {
				in.External[id] = local[id]
			}
		}
	}
	return in
}
