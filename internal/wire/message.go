package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Push frame type tags.
const (
	TypeDecision     = "decision"
	TypePolicyUpdate = "policy_update"
	TypeAgentStatus  = "agent_status"
	TypeReset        = "reset"
)

var (
	// ErrUnknownType is returned for push frames with an unrecognized type tag.
	ErrUnknownType = errors.New("unknown message type")
	// ErrMalformed is returned for frames that cannot be decoded.
	ErrMalformed = errors.New("malformed message")
)

// Message is a decoded push frame. The concrete type is one of
// DecisionMessage, PolicyUpdate, AgentStatus or Reset.
type Message interface {
	Type() string
	sealed()
}

// DecisionMessage carries one decision.
type DecisionMessage struct {
	Decision Decision
}

// PolicyUpdate carries the backend's current policy set.
type PolicyUpdate struct {
	Policies []Policy
}

// AgentStatus carries the full set of halted agent ids.
type AgentStatus struct {
	Halted []string
	// Action is "halted" or "resumed"; informational only.
	Action string
}

// Reset tells the client to clear all session state.
type Reset struct{}

func (DecisionMessage) Type() string { return TypeDecision }
func (PolicyUpdate) Type() string    { return TypePolicyUpdate }
func (AgentStatus) Type() string     { return TypeAgentStatus }
func (Reset) Type() string           { return TypeReset }

func (DecisionMessage) sealed() {}
func (PolicyUpdate) sealed()    {}
func (AgentStatus) sealed()     {}
func (Reset) sealed()           {}

type envelope struct {
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data"`
	Payload json.RawMessage `json:"payload"`
}

// DecodeMessage decodes one push frame. The payload may be nested under
// "data" or "payload", or inlined in the frame itself.
func DecodeMessage(frame []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	body := frame
	switch {
	case len(env.Data) > 0 && !isNull(env.Data):
		body = env.Data
	case len(env.Payload) > 0 && !isNull(env.Payload):
		body = env.Payload
	}

	switch strings.ToLower(strings.TrimSpace(env.Type)) {
	case TypeDecision:
		var d Decision
		if err := json.Unmarshal(body, &d); err != nil {
			return nil, fmt.Errorf("%w: decision: %v", ErrMalformed, err)
		}
		return DecisionMessage{Decision: d}, nil

	case TypePolicyUpdate:
		policies, err := decodePolicies(body)
		if err != nil {
			return nil, fmt.Errorf("%w: policy_update: %v", ErrMalformed, err)
		}
		return PolicyUpdate{Policies: policies}, nil

	case TypeAgentStatus:
		var r struct {
			Halted            []string `json:"halted"`
			HaltedAgents      []string `json:"haltedAgents"`
			HaltedAgentsSnake []string `json:"halted_agents"`
			Action            string   `json:"action"`
		}
		if err := json.Unmarshal(body, &r); err != nil {
			return nil, fmt.Errorf("%w: agent_status: %v", ErrMalformed, err)
		}
		halted := r.HaltedAgents
		if halted == nil {
			halted = r.HaltedAgentsSnake
		}
		if halted == nil {
			halted = r.Halted
		}
		action := r.Action
		if action == "" {
			// The action may sit on the envelope when the set is nested.
			var top struct {
				Action string `json:"action"`
			}
			_ = json.Unmarshal(frame, &top)
			action = top.Action
		}
		return AgentStatus{Halted: halted, Action: action}, nil

	case TypeReset:
		return Reset{}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

// EncodeMessage writes a push frame in the shape DecodeMessage reads.
func EncodeMessage(msg Message) ([]byte, error) {
	var data any
	switch m := msg.(type) {
	case DecisionMessage:
		data = m.Decision
	case PolicyUpdate:
		data = m.Policies
	case AgentStatus:
		data = map[string]any{"haltedAgents": m.Halted, "action": m.Action}
	case Reset:
		data = nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, msg)
	}
	return json.Marshal(struct {
		Type string `json:"type"`
		Data any    `json:"data,omitempty"`
	}{Type: msg.Type(), Data: data})
}

// decodePolicies accepts a policy array, an object with a "policies" array,
// or a flat settings object (one policy per key).
func decodePolicies(body []byte) ([]Policy, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var list []Policy
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, err
		}
		return list, nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return nil, err
	}
	if raw, ok := obj["policies"]; ok {
		var list []Policy
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, err
		}
		return list, nil
	}

	keys := make([]string, 0, len(obj))
	for k := range obj {
		if k == "type" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	list := make([]Policy, 0, len(keys))
	for _, k := range keys {
		var v any
		if err := json.Unmarshal(obj[k], &v); err != nil {
			return nil, err
		}
		list = append(list, Policy{ID: k, Name: k, Rules: map[string]any{"value": v}})
	}
	return list, nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
