// Package models defines the durable entities and value types shared by
// the agent runtime and the code-review engine (§3 of the design spec).
package models

import "time"

// AgentType tags what an Agent Context represents.
type AgentType string

const (
	AgentTypeCodegen  AgentType = "codegen"
	AgentTypeWorkflow AgentType = "workflow"
)

// AgentState is a state in the Runner's state machine (§4.2).
type AgentState string

const (
	StateAgent         AgentState = "agent"
	StateFunctions     AgentState = "functions"
	StateWorkflow      AgentState = "workflow"
	StateChildAgents   AgentState = "child_agents"
	StateHitlTool      AgentState = "hitl_tool"
	StateHitlFeedback  AgentState = "hitl_feedback"
	StateHitlThreshold AgentState = "hitl_threshold"
	StateHIL           AgentState = "hil"
	StateError         AgentState = "error"
	StateCompleted     AgentState = "completed"
	StateShutdown      AgentState = "shutdown"
	StateTimeout       AgentState = "timeout"
)

// terminalStates are sinks: no transitions leave them except via a new
// execution (a distinct executionId).
var terminalStates = map[AgentState]bool{
	StateCompleted: true,
	StateShutdown:  true,
	StateTimeout:   true,
}

// IsTerminal reports whether s is a sink state.
func (s AgentState) IsTerminal() bool { return terminalStates[s] }

// IsExecuting reports whether s counts as "running" for listRunning-style
// queries — every state except the three terminal sinks.
func (s AgentState) IsExecuting() bool { return !s.IsTerminal() }

// FunctionCallResult records the outcome of one function invocation made
// during the `functions` state.
type FunctionCallResult struct {
	CallID    string    `json:"callId"`
	Name      string    `json:"name"`
	Arguments string    `json:"arguments"`
	Stdout    string    `json:"stdout,omitempty"`
	Stderr    string    `json:"stderr,omitempty"`
	Fatal     bool      `json:"fatal,omitempty"`
	Cost      float64   `json:"cost,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// AgentContext is the durable record of a single agent's identity, state,
// memory, messages, and capabilities (§3.1).
type AgentContext struct {
	AgentID          string               `json:"agentId"`
	ExecutionID      string               `json:"executionId"`
	ParentAgentID    *string              `json:"parentAgentId,omitempty"`
	ChildAgents      []string             `json:"childAgents"`
	UserID           string               `json:"userId"`
	Type             AgentType            `json:"type"`
	State            AgentState           `json:"state"`
	Name             string               `json:"name"`
	UserPrompt       string               `json:"userPrompt"`
	InputPrompt      string               `json:"inputPrompt"`
	Messages         []LlmMessage         `json:"messages"`
	FunctionHistory  []FunctionCallResult `json:"functionCallHistory"`
	CallStack        []string             `json:"callStack"`
	Memory           map[string]string    `json:"memory"`
	Metadata         map[string]any       `json:"metadata"`
	Functions        []string             `json:"functions"`
	PendingMessages  []LlmMessage         `json:"pendingMessages"`
	HilBudget        float64              `json:"hilBudget"`
	HilCount         int                  `json:"hilCount"`
	Cost             float64              `json:"cost"`
	CostSinceGate    float64              `json:"costSinceLastGate"`
	Iterations       int                  `json:"iterations"`
	CreatedAt        time.Time            `json:"createdAt"`
	LastUpdate       time.Time            `json:"lastUpdate"`
	CompletedHandler string               `json:"completedHandler,omitempty"`
	LiveFiles        []string             `json:"liveFiles"`
	LastError        string               `json:"error,omitempty"`

	// Description/tags are operator-facing additions (SPEC_FULL §3) that
	// never participate in the state machine.
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// BudgetRemaining is derived: hilBudget − costSinceLastGate.
func (a *AgentContext) BudgetRemaining() float64 {
	return a.HilBudget - a.CostSinceGate
}

// Clone returns a deep-enough copy for safe concurrent reads (slices and
// maps are copied one level deep, which is all that the Runner mutates
// in place).
func (a *AgentContext) Clone() *AgentContext {
	if a == nil {
		return nil
	}
	c := *a
	c.ChildAgents = append([]string(nil), a.ChildAgents...)
	c.Messages = append([]LlmMessage(nil), a.Messages...)
	c.FunctionHistory = append([]FunctionCallResult(nil), a.FunctionHistory...)
	c.CallStack = append([]string(nil), a.CallStack...)
	c.Functions = append([]string(nil), a.Functions...)
	c.PendingMessages = append([]LlmMessage(nil), a.PendingMessages...)
	c.LiveFiles = append([]string(nil), a.LiveFiles...)
	c.Tags = append([]string(nil), a.Tags...)
	c.Memory = make(map[string]string, len(a.Memory))
	for k, v := range a.Memory {
		c.Memory[k] = v
	}
	c.Metadata = make(map[string]any, len(a.Metadata))
	for k, v := range a.Metadata {
		c.Metadata[k] = v
	}
	if a.ParentAgentID != nil {
		p := *a.ParentAgentID
		c.ParentAgentID = &p
	}
	return &c
}

// AgentSummary is the list/listRunning projection (§4.3).
type AgentSummary struct {
	AgentID     string     `json:"agentId"`
	Name        string     `json:"name"`
	State       AgentState `json:"state"`
	Cost        float64    `json:"cost"`
	Error       string     `json:"error,omitempty"`
	LastUpdate  time.Time  `json:"lastUpdate"`
	UserPrompt  string     `json:"userPrompt"`
	InputPrompt string     `json:"inputPrompt"`
	UserID      string     `json:"userId"`
}
