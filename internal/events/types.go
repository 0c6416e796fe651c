// Package events is the in-process event dispatcher (§4.9) backing the
// Runner's completedHandler and HIL gate notifications. It fans out typed
// agent-lifecycle events to registered handlers; there is no WebSocket/SSE
// transport here, only delivery within this process.
package events

// Event types the Manager dispatches. Unlike the teacher's session/chat
// event types, every payload here describes an agent-lifecycle transition.
const (
	TypeAgentCompleted    = "agent.completed"
	TypeAgentStateChanged = "agent.state_changed"
	TypeHILGateOpened     = "agent.hil_gate_opened"
)

// AgentCompletedPayload is published when a Runner iteration reaches
// completed, or suspends in hitl_feedback or hitl_tool pending human input.
// It is not published for error, timeout, shutdown, or the hil and
// hitl_threshold gates.
type AgentCompletedPayload struct {
	AgentID   string `json:"agentId"`
	State     string `json:"state"`
	Timestamp string `json:"timestamp"` // RFC3339
}

// AgentStateChangedPayload is published on every state-machine transition
// (§3.1 states), not just terminal ones.
type AgentStateChangedPayload struct {
	AgentID   string `json:"agentId"`
	FromState string `json:"fromState"`
	ToState   string `json:"toState"`
	Timestamp string `json:"timestamp"`
}

// HILGateOpenedPayload is published when the Runner transitions into the
// hil cost gate or one of the hitl_* states and is now waiting on a human.
type HILGateOpenedPayload struct {
	AgentID   string `json:"agentId"`
	Gate      string `json:"gate"` // "hil" | "hitl_tool" | "hitl_feedback" | "hitl_threshold"
	Reason    string `json:"reason,omitempty"`
	Timestamp string `json:"timestamp"`
}
