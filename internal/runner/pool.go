package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/agentflow/runtime/internal/agentstate"
	"github.com/agentflow/runtime/internal/models"
)

// Pool enforces single-writer-per-agent (§5 "at most one execution loop
// mutates a given agentId at a time") and provides graceful shutdown,
// grounded on the teacher's queue.WorkerPool: an active-execution registry
// keyed by agentId holding each execution's cancel func, consulted by
// Cancel/IsActive/ActiveCount and drained on Stop.
type Pool struct {
	runner *Runner
	states *agentstate.Store

	mu      sync.Mutex
	active  map[string]context.CancelFunc
	wg      sync.WaitGroup
	stopped bool
}

// NewPool wires a Pool around runner.
func NewPool(runner *Runner, states *agentstate.Store) *Pool {
	return &Pool{
		runner: runner,
		states: states,
		active: make(map[string]context.CancelFunc),
	}
}

// Start launches a background execution loop for agentCtx, refusing if the
// agent already has an active writer (single-writer-per-agent) or the pool
// is shutting down. Returns immediately; the execution runs to suspension
// or a terminal state in its own goroutine.
func (p *Pool) Start(ctx context.Context, agentCtx *models.AgentContext) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return fmt.Errorf("runner pool: shutting down, refusing to start agent %s", agentCtx.AgentID)
	}
	if _, active := p.active[agentCtx.AgentID]; active {
		p.mu.Unlock()
		return fmt.Errorf("runner pool: agent %s already has an active execution", agentCtx.AgentID)
	}
	execCtx, cancel := context.WithCancel(ctx)
	p.active[agentCtx.AgentID] = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.unregister(agentCtx.AgentID)
		if err := p.runner.RunUntilSuspended(execCtx, agentCtx); err != nil {
			slog.Error("runner pool: execution ended with error", "agentId", agentCtx.AgentID, "error", err)
		}
	}()
	return nil
}

func (p *Pool) unregister(agentID string) {
	p.mu.Lock()
	delete(p.active, agentID)
	p.mu.Unlock()
}

// Cancel triggers context cancellation for agentID's active execution, if
// any is running on this pool. Returns true if found.
func (p *Pool) Cancel(agentID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	cancel, ok := p.active[agentID]
	if !ok {
		return false
	}
	cancel()
	return true
}

// IsActive reports whether agentID currently has a running execution on
// this pool.
func (p *Pool) IsActive(agentID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.active[agentID]
	return ok
}

// ActiveCount returns the number of executions currently running.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// Stop cancels every active execution and waits for their goroutines to
// exit before returning — graceful shutdown, mirroring the teacher's
// WorkerPool.Stop.
func (p *Pool) Stop() {
	p.mu.Lock()
	p.stopped = true
	for agentID, cancel := range p.active {
		slog.Info("runner pool: cancelling active execution for shutdown", "agentId", agentID)
		cancel()
	}
	p.mu.Unlock()
	p.wg.Wait()
}
