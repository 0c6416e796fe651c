package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentflow/runtime/internal/agentstate"
	"github.com/agentflow/runtime/internal/models"
)

// ChildDispatcher starts and tracks sub-agents spawned via agent.spawn_child
// (§4.2 "agent → child_agents when spawning sub-agents; back to agent when
// all children reach a terminal state"), grounded on the teacher's
// SubAgentRunner: a bounded pool of background executions, tracked by a
// pending counter per parent so the parent can be woken once the group
// drains.
type ChildDispatcher struct {
	states      *agentstate.Store
	runnerFor   func() *Runner // late-bound: the owning Runner, set by SetRunner
	maxPerAgent int

	mu      sync.Mutex
	pending map[string]int // parentAgentId -> outstanding child count
}

// NewChildDispatcher returns a dispatcher backed by states, limiting each
// parent to maxConcurrent simultaneously running children.
func NewChildDispatcher(states *agentstate.Store, maxConcurrent int) *ChildDispatcher {
	if maxConcurrent <= 0 {
		maxConcurrent = 5
	}
	return &ChildDispatcher{
		states:      states,
		maxPerAgent: maxConcurrent,
		pending:     make(map[string]int),
	}
}

// SetRunner wires the owning Runner in after construction, breaking the
// Runner↔ChildDispatcher initialization cycle (the Runner embeds a
// *ChildDispatcher and the dispatcher needs a *Runner to drive children).
func (d *ChildDispatcher) SetRunner(r *Runner) {
	d.runnerFor = func() *Runner { return r }
}

// Dispatch creates a child Agent Context under parent, persists it (the
// transactional two-write in agentstate.Store.Save), and runs it to
// suspension in a background goroutine. When the child's run ends, the
// dispatcher decrements the parent's pending count and, once it reaches
// zero, transitions the parent back to agent.
func (d *ChildDispatcher) Dispatch(ctx context.Context, parent *models.AgentContext, name, prompt string) (string, error) {
	d.mu.Lock()
	if d.pending[parent.AgentID] >= d.maxPerAgent {
		d.mu.Unlock()
		return "", fmt.Errorf("agent.spawn_child: parent %s already has %d children running", parent.AgentID, d.maxPerAgent)
	}
	d.pending[parent.AgentID]++
	d.mu.Unlock()

	parentID := parent.AgentID
	childID := uuid.New().String()
	now := time.Now()
	child := &models.AgentContext{
		AgentID:       childID,
		ExecutionID:   uuid.New().String(),
		ParentAgentID: &parentID,
		ChildAgents:   []string{},
		UserID:        parent.UserID,
		Type:          parent.Type,
		State:         models.StateAgent,
		Name:          name,
		UserPrompt:    prompt,
		InputPrompt:   prompt,
		Messages:      []models.LlmMessage{{Role: models.RoleUser, Text: prompt}},
		CallStack:     append(append([]string(nil), parent.CallStack...), parentID),
		Memory:        map[string]string{},
		Metadata:      map[string]any{},
		Functions:     append([]string(nil), parent.Functions...),
		HilBudget:     parent.HilBudget,
		HilCount:      parent.HilCount,
		CreatedAt:     now,
		LastUpdate:    now,
	}

	if err := d.states.Save(ctx, child); err != nil {
		d.mu.Lock()
		d.pending[parentID]--
		d.mu.Unlock()
		return "", fmt.Errorf("agent.spawn_child: save child context: %w", err)
	}

	go d.run(childID, parentID)
	return childID, nil
}

func (d *ChildDispatcher) run(childID, parentID string) {
	r := d.runnerFor()
	if r == nil {
		slog.Error("runner: child dispatcher has no owning runner wired", "childId", childID)
		return
	}

	child, err := d.states.Load(context.Background(), childID)
	if err != nil {
		slog.Error("runner: failed to load spawned child", "childId", childID, "error", err)
		d.finish(parentID)
		return
	}

	if err := r.RunUntilSuspended(context.Background(), child); err != nil {
		slog.Warn("runner: child execution ended with error", "childId", childID, "parentId", parentID, "error", err)
	}

	d.finish(parentID)
}

// finish decrements parentID's pending count and, once it reaches zero,
// transitions the parent out of child_agents back to agent.
func (d *ChildDispatcher) finish(parentID string) {
	d.mu.Lock()
	d.pending[parentID]--
	drained := d.pending[parentID] <= 0
	if drained {
		delete(d.pending, parentID)
	}
	d.mu.Unlock()

	if !drained {
		return
	}

	r := d.runnerFor()
	if r == nil {
		return
	}
	ctx := context.Background()
	parent, err := d.states.Load(ctx, parentID)
	if err != nil {
		slog.Error("runner: failed to load parent after children drained", "parentId", parentID, "error", err)
		return
	}
	if parent.State != models.StateChildAgents {
		return
	}
	if err := r.transitionState(ctx, parent, models.StateAgent); err != nil {
		slog.Error("runner: failed to resume parent after children drained", "parentId", parentID, "error", err)
	}
}
