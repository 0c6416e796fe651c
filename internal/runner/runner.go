// Package runner is the Agent Runner (C7, §4.2): the state machine, its
// plan-act-checkpoint iteration loop, HIL gates, and cost accounting. It is
// the largest single component of the runtime — every other package exists
// to be consulted from inside Step.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/agentflow/runtime/internal/agentstate"
	"github.com/agentflow/runtime/internal/ambient"
	"github.com/agentflow/runtime/internal/apperrors"
	"github.com/agentflow/runtime/internal/events"
	"github.com/agentflow/runtime/internal/functions"
	"github.com/agentflow/runtime/internal/functions/builtin"
	"github.com/agentflow/runtime/internal/llm"
	"github.com/agentflow/runtime/internal/llmstore"
	"github.com/agentflow/runtime/internal/models"
	"github.com/agentflow/runtime/internal/tokenizer"
	"github.com/agentflow/runtime/internal/tracing"
)

// previousStateKey is where the cost HIL gate (§4.2: "any executing → hil
// ... after acknowledgement, resumes previous state") stashes the state it
// interrupted. AgentContext has no dedicated field for this — Metadata is
// the documented catch-all for runner bookkeeping that never participates
// in the state diagram itself.
const previousStateKey = "_hilPreviousState"

// Config bounds the iteration loop's retry and timeout behavior.
type Config struct {
	// MaxLlmRetries is the bounded retry count for transient planning-LLM
	// errors (§4.2 "retried with backoff up to a bounded count").
	MaxLlmRetries int
	// RetryInitialInterval/RetryMaxInterval parameterize the exponential
	// backoff policy between retries.
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
	// WallClockBudget is the per-execution time budget (§5 "an agent
	// carries a wall-clock budget; when exceeded the Runner transitions to
	// timeout at the next gate"). Zero means unbounded.
	WallClockBudget time.Duration
}

// DefaultConfig matches the teacher's own retry-loop magnitudes (a handful
// of attempts, sub-minute ceiling) scaled to an LLM call's latency profile.
func DefaultConfig() Config {
	return Config{
		MaxLlmRetries:        3,
		RetryInitialInterval: 500 * time.Millisecond,
		RetryMaxInterval:     10 * time.Second,
		WallClockBudget:      30 * time.Minute,
	}
}

// Runner drives one Agent Context's iteration loop. It holds no per-agent
// state itself — every field is a shared, process-wide dependency — so a
// single Runner safely drives many agents (serialized per agentId by the
// RunnerPool, not by this type).
type Runner struct {
	states    *agentstate.Store
	calls     *llmstore.Store
	registry  *functions.Registry
	provider  llm.Provider
	events    *events.Manager
	tracer    *tracing.Tracer
	children  *ChildDispatcher
	cfg       Config
}

// New wires a Runner from its dependencies. children may be nil, in which
// case agent.spawn_child calls fail closed (§4.2's child_agents state is
// simply never entered).
func New(states *agentstate.Store, calls *llmstore.Store, registry *functions.Registry, provider llm.Provider, mgr *events.Manager, children *ChildDispatcher, cfg Config) *Runner {
	r := &Runner{
		states:   states,
		calls:    calls,
		registry: registry,
		provider: provider,
		events:   mgr,
		tracer:   tracing.New("agentflow/runner"),
		children: children,
		cfg:      cfg,
	}
	if children != nil {
		children.SetRunner(r)
	}
	return r
}

// waitingStates are states a Step call never leaves on its own — they
// require an external Resume.
var waitingStates = map[models.AgentState]bool{
	models.StateHIL:           true,
	models.StateHitlThreshold: true,
	models.StateHitlTool:      true,
	models.StateHitlFeedback:  true,
	models.StateChildAgents:   true,
}

// RunUntilSuspended repeatedly steps agentCtx until it reaches a terminal
// state, a HIL waiting state, or ctx is done. It returns the last error
// encountered transitioning to the error state, or nil.
func (r *Runner) RunUntilSuspended(ctx context.Context, agentCtx *models.AgentContext) error {
	deadline := agentCtx.CreatedAt
	if r.cfg.WallClockBudget > 0 {
		deadline = deadline.Add(r.cfg.WallClockBudget)
	}

	for {
		if agentCtx.State.IsTerminal() || waitingStates[agentCtx.State] {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return r.transitionTerminal(ctx, agentCtx, models.StateShutdown, "")
		}
		if r.cfg.WallClockBudget > 0 && time.Now().After(deadline) {
			return r.transitionTerminal(ctx, agentCtx, models.StateTimeout, "wall-clock budget exceeded")
		}
		if err := r.Step(ctx, agentCtx); err != nil {
			return err
		}
	}
}

// Step performs exactly one pass of the iteration loop described in §4.2.
func (r *Runner) Step(ctx context.Context, agentCtx *models.AgentContext) error {
	ctx, end := r.tracer.Start(ctx, "runner.step", map[string]any{"agentId": agentCtx.AgentID})
	var stepErr error
	defer func() { end(stepErr) }()

	// Bind the agent and its owning user as ambient context for the
	// planning call and every function this pass invokes.
	ctx = ambient.WithUser(ambient.WithAgent(ctx, agentCtx.AgentID), ambient.User{ID: agentCtx.UserID})

	// 1. Checkpoint current state.
	if err := r.states.Save(ctx, agentCtx); err != nil {
		stepErr = fmt.Errorf("checkpoint: %w", err)
		return stepErr
	}

	// 2. Apply HIL gates before consulting the LLM.
	if gated, err := r.applyHilGates(ctx, agentCtx); err != nil || gated {
		stepErr = err
		return stepErr
	}

	// 3. Drain pendingMessages into messages.
	if len(agentCtx.PendingMessages) > 0 {
		agentCtx.Messages = append(agentCtx.Messages, agentCtx.PendingMessages...)
		agentCtx.PendingMessages = nil
	}

	// 4. Invoke planning LLM.
	assistant, usage, err := r.plan(ctx, agentCtx)
	if err != nil {
		if transitionErr := r.transitionTerminal(ctx, agentCtx, models.StateError, err.Error()); transitionErr != nil {
			stepErr = transitionErr
			return stepErr
		}
		stepErr = err
		return stepErr
	}
	agentCtx.Messages = append(agentCtx.Messages, assistant)
	agentCtx.Cost += usage.Cost
	agentCtx.CostSinceGate += usage.Cost

	// 5/6. Execute function-call intents, watching for terminal calls.
	terminal, err := r.executeIntents(ctx, agentCtx, assistant)
	if err != nil {
		if apperrors.IsFatal(err) {
			if transitionErr := r.transitionTerminal(ctx, agentCtx, models.StateError, err.Error()); transitionErr != nil {
				stepErr = transitionErr
				return stepErr
			}
		}
		stepErr = err
		return stepErr
	}

	// 7. Increment iterations (skipped once a terminal/HIL transition has
	// already ended this execution's planning phase), update lastUpdate,
	// checkpoint. The full Save happens either way so the messages and
	// FunctionHistory appended above are never lost, even though
	// executeIntents's own transition already flushed State/LastUpdate via
	// the partial-write path.
	if !terminal {
		agentCtx.Iterations++
	}
	agentCtx.LastUpdate = time.Now()
	if err := r.states.Save(ctx, agentCtx); err != nil {
		stepErr = fmt.Errorf("checkpoint: %w", err)
		return stepErr
	}
	return nil
}

// applyHilGates implements the cost gate ("any executing → hil") and the
// iteration gate ("agent → hitl_threshold"), both evaluated before the LLM
// is consulted. It reports whether a gate fired (the caller must return
// without proceeding to the LLM call).
func (r *Runner) applyHilGates(ctx context.Context, agentCtx *models.AgentContext) (bool, error) {
	if agentCtx.HilBudget > 0 && agentCtx.CostSinceGate > agentCtx.HilBudget {
		if agentCtx.Metadata == nil {
			agentCtx.Metadata = map[string]any{}
		}
		agentCtx.Metadata[previousStateKey] = string(agentCtx.State)
		if err := r.transitionHil(ctx, agentCtx, models.StateHIL,
			fmt.Sprintf("cost %.4f since last gate exceeds budget %.4f", agentCtx.CostSinceGate, agentCtx.HilBudget)); err != nil {
			return true, err
		}
		return true, nil
	}

	if agentCtx.State == models.StateAgent && agentCtx.HilCount > 0 && agentCtx.Iterations >= agentCtx.HilCount {
		if err := r.transitionHil(ctx, agentCtx, models.StateHitlThreshold,
			fmt.Sprintf("reached %d iterations without completion", agentCtx.Iterations)); err != nil {
			return true, err
		}
		return true, nil
	}

	return false, nil
}

// plan invokes the provider with the agent's bound functions (plus the
// always-available control functions) offered as tools, retrying transient
// failures with exponential backoff up to cfg.MaxLlmRetries (§4.2).
func (r *Runner) plan(ctx context.Context, agentCtx *models.AgentContext) (models.LlmMessage, llm.Usage, error) {
	tools := r.toolsFor(agentCtx)
	opts := llm.GenerateOptions{
		ID:         agentCtx.AgentID,
		MaxRetries: r.cfg.MaxLlmRetries,
		Tools:      tools,
	}

	call := &models.LlmCall{
		LlmCallID:   uuid.New().String(),
		RequestTime: time.Now(),
		Messages:    agentCtx.Messages,
		Description: agentCtx.Name,
		AgentID:     agentCtx.AgentID,
		UserID:      agentCtx.UserID,
		CallStack:   agentCtx.CallStack,
	}
	if err := r.calls.SaveRequest(ctx, call); err != nil {
		slog.Warn("runner: failed to save llm call request", "agentId", agentCtx.AgentID, "error", err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.cfg.RetryInitialInterval
	bo.MaxInterval = r.cfg.RetryMaxInterval
	policy := backoff.WithMaxRetries(bo, uint64(maxInt(r.cfg.MaxLlmRetries, 0)))

	var assistant models.LlmMessage
	var usage llm.Usage
	opErr := backoff.Retry(func() error {
		var genErr error
		assistant, usage, genErr = r.provider.Generate(ctx, agentCtx.Messages, opts)
		if genErr != nil && !apperrors.IsRetryable(genErr) {
			return backoff.Permanent(genErr)
		}
		return genErr
	}, backoff.WithContext(policy, ctx))

	call.Cost = usage.Cost
	call.InputTokens = usage.InputTokens
	call.OutputTokens = usage.OutputTokens
	call.LlmID = r.provider.GetID()
	if opErr == nil {
		call.Messages = append(append([]models.LlmMessage(nil), agentCtx.Messages...), assistant)
	}
	if err := r.calls.SaveResponse(ctx, call); err != nil {
		slog.Warn("runner: failed to save llm call response", "agentId", agentCtx.AgentID, "error", err)
	}

	if opErr != nil {
		return models.LlmMessage{}, llm.Usage{}, fmt.Errorf("plan: %w", opErr)
	}
	return assistant, usage, nil
}

// toolsFor converts agentCtx's bound function classes, plus the always-on
// control classes, into llm.ToolSpec values. Conversion from
// internal/functions.Schema lives here (the caller), not in internal/llm,
// per that package's documented decoupling.
func (r *Runner) toolsFor(agentCtx *models.AgentContext) []llm.ToolSpec {
	names := append([]string{builtin.FnCompleted, builtin.FnRequestFeedback}, agentCtx.Functions...)
	if r.children != nil {
		names = append(names, builtin.FnSpawnChild)
	}

	out := make([]llm.ToolSpec, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true
		ctor, ok := r.registry.Get(name)
		if !ok {
			continue
		}
		out = append(out, toolSpecFromSchema(ctor(agentCtx.AgentID).Schema()))
	}
	return out
}

func toolSpecFromSchema(s functions.Schema) llm.ToolSpec {
	properties := make(map[string]any, len(s.Parameters))
	required := make([]string, 0, len(s.Parameters))
	for _, p := range s.Parameters {
		properties[p.Name] = map[string]any{"type": jsonSchemaType(p.Type)}
		if p.Required {
			required = append(required, p.Name)
		}
	}
	params := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		params["required"] = required
	}
	return llm.ToolSpec{Name: s.Name, Description: s.Description, Parameters: params}
}

func jsonSchemaType(t string) string {
	switch t {
	case "number":
		return "number"
	case "boolean":
		return "boolean"
	default:
		return "string"
	}
}

// executeIntents runs step 5/6 of the iteration loop: resolving and calling
// every function-call intent in assistant, then checking whether a
// terminal/HIL-worthy call was among them. It reports whether a terminal or
// waiting-state transition happened (in which case Step does not increment
// iterations at step 7; its checkpoint there still runs).
func (r *Runner) executeIntents(ctx context.Context, agentCtx *models.AgentContext, assistant models.LlmMessage) (bool, error) {
	if len(assistant.ToolCalls) == 0 {
		return false, nil
	}

	for _, call := range assistant.ToolCalls {
		switch call.Name {
		case builtin.FnCompleted:
			note, _ := firstArg(call.Arguments)
			agentCtx.FunctionHistory = append(agentCtx.FunctionHistory, result(call, note, "", false, 0))
			if err := r.transitionTerminal(ctx, agentCtx, models.StateCompleted, note); err != nil {
				return true, err
			}
			r.notifyCompleted(agentCtx)
			return true, nil

		case builtin.FnRequestFeedback:
			question, _ := firstArg(call.Arguments)
			agentCtx.FunctionHistory = append(agentCtx.FunctionHistory, result(call, question, "", false, 0))
			if err := r.transitionHil(ctx, agentCtx, models.StateHitlFeedback, question); err != nil {
				return true, err
			}
			r.notifyCompleted(agentCtx)
			return true, nil

		case builtin.FnSpawnChild:
			childID, err := r.spawnChild(ctx, agentCtx, call)
			if err != nil {
				agentCtx.FunctionHistory = append(agentCtx.FunctionHistory, result(call, "", err.Error(), false, 0))
				continue
			}
			agentCtx.ChildAgents = append(agentCtx.ChildAgents, childID)
			agentCtx.FunctionHistory = append(agentCtx.FunctionHistory, result(call, childID, "", false, 0))
			if err := r.transitionState(ctx, agentCtx, models.StateChildAgents); err != nil {
				return true, err
			}
			return true, nil

		default:
			if err := r.callFunction(ctx, agentCtx, call); err != nil {
				if needsConfirmation(err) {
					if transErr := r.transitionHil(ctx, agentCtx, models.StateHitlTool, call.Name); transErr != nil {
						return true, transErr
					}
					r.notifyCompleted(agentCtx)
					return true, nil
				}
				if apperrors.IsFatal(err) {
					return false, err
				}
				// Non-fatal function errors propagate on FunctionCallResult
				// and the loop continues — already recorded in callFunction.
			}
		}
	}

	return false, nil
}

// needsConfirmation reports whether err (or something it wraps) is
// apperrors.ErrConfirmationRequired.
func needsConfirmation(err error) bool {
	return errors.Is(err, apperrors.ErrConfirmationRequired)
}

// callFunction resolves call.Name against the registry, converts its JSON
// arguments to the positional form functions.Function.Call expects, invokes
// it, and appends the outcome to FunctionHistory.
func (r *Runner) callFunction(ctx context.Context, agentCtx *models.AgentContext, call models.ToolCall) error {
	ctor, ok := r.registry.Get(call.Name)
	if !ok {
		agentCtx.FunctionHistory = append(agentCtx.FunctionHistory,
			result(call, "", fmt.Sprintf("unknown function class %q", call.Name), false, 0))
		return nil
	}
	fn := ctor(agentCtx.AgentID)

	args, err := argsFromJSON(fn.Schema(), call.Arguments)
	if err != nil {
		agentCtx.FunctionHistory = append(agentCtx.FunctionHistory, result(call, "", err.Error(), false, 0))
		return nil
	}

	stdout, callErr := fn.Call(ctx, args)
	if callErr != nil {
		if needsConfirmation(callErr) {
			return callErr
		}
		fatal := apperrors.IsFatal(callErr)
		agentCtx.FunctionHistory = append(agentCtx.FunctionHistory, result(call, stdout, callErr.Error(), fatal, 0))
		if fatal {
			return callErr
		}
		return nil
	}

	agentCtx.FunctionHistory = append(agentCtx.FunctionHistory, result(call, stdout, "", false, 0))
	agentCtx.Messages = append(agentCtx.Messages, models.LlmMessage{
		Role:       models.RoleTool,
		Text:       stdout,
		ToolCallID: call.ID,
		ToolName:   call.Name,
	})
	return nil
}

func result(call models.ToolCall, stdout, stderr string, fatal bool, cost float64) models.FunctionCallResult {
	return models.FunctionCallResult{
		CallID:    call.ID,
		Name:      call.Name,
		Arguments: call.Arguments,
		Stdout:    stdout,
		Stderr:    stderr,
		Fatal:     fatal,
		Cost:      cost,
		Timestamp: time.Now(),
	}
}

// argsFromJSON converts call.Arguments (a JSON object, vendor tool-call
// convention) into the positional []string form functions.Function.Call
// expects, ordered by schema.Parameters.
func argsFromJSON(schema functions.Schema, rawJSON string) ([]string, error) {
	values := map[string]any{}
	if rawJSON != "" {
		if err := json.Unmarshal([]byte(rawJSON), &values); err != nil {
			return nil, fmt.Errorf("%s: malformed arguments: %w", schema.Name, err)
		}
	}

	out := make([]string, 0, len(schema.Parameters))
	for _, p := range schema.Parameters {
		v, ok := values[p.Name]
		if !ok {
			if p.Required {
				return nil, fmt.Errorf("%s: missing required argument %q", schema.Name, p.Name)
			}
			out = append(out, "")
			continue
		}
		out = append(out, fmt.Sprint(v))
	}
	return out, nil
}

// firstArg extracts a tool call's sole argument value regardless of its
// JSON key name — agent.completed/agent.request_feedback each declare one
// parameter, and callers only need its value.
func firstArg(rawJSON string) (string, error) {
	values := map[string]any{}
	if rawJSON != "" {
		if err := json.Unmarshal([]byte(rawJSON), &values); err != nil {
			return "", err
		}
	}
	for _, v := range values {
		return fmt.Sprint(v), nil
	}
	return "", nil
}

func (r *Runner) spawnChild(ctx context.Context, agentCtx *models.AgentContext, call models.ToolCall) (string, error) {
	if r.children == nil {
		return "", fmt.Errorf("agent.spawn_child: no child dispatcher configured")
	}
	values := map[string]any{}
	if err := json.Unmarshal([]byte(call.Arguments), &values); err != nil {
		return "", fmt.Errorf("agent.spawn_child: malformed arguments: %w", err)
	}
	name, _ := values["name"].(string)
	prompt, _ := values["prompt"].(string)
	if name == "" || prompt == "" {
		return "", fmt.Errorf("agent.spawn_child: name and prompt are required")
	}
	return r.children.Dispatch(ctx, agentCtx, name, prompt)
}

// transitionState moves agentCtx to newState via the store's partial-write
// path (§4.3 updateState) and publishes a state-changed event.
func (r *Runner) transitionState(ctx context.Context, agentCtx *models.AgentContext, newState models.AgentState) error {
	from := agentCtx.State
	if err := r.states.UpdateState(ctx, agentCtx, newState); err != nil {
		return fmt.Errorf("transition to %s: %w", newState, err)
	}
	if r.events != nil {
		r.events.Publish(events.TypeAgentStateChanged, events.AgentStateChangedPayload{
			AgentID:   agentCtx.AgentID,
			FromState: string(from),
			ToState:   string(newState),
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
	}
	return nil
}

// transitionHil moves agentCtx into a waiting state and publishes a
// HILGateOpened notification in addition to the ordinary state-changed one.
func (r *Runner) transitionHil(ctx context.Context, agentCtx *models.AgentContext, newState models.AgentState, reason string) error {
	if err := r.transitionState(ctx, agentCtx, newState); err != nil {
		return err
	}
	if r.events != nil {
		r.events.Publish(events.TypeHILGateOpened, events.HILGateOpenedPayload{
			AgentID:   agentCtx.AgentID,
			Gate:      string(newState),
			Reason:    reason,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
	}
	return nil
}

// transitionTerminal moves agentCtx into the error state or one of the
// three terminal sinks (completed, shutdown, timeout). note is only
// recorded as LastError when newState is the error state.
func (r *Runner) transitionTerminal(ctx context.Context, agentCtx *models.AgentContext, newState models.AgentState, note string) error {
	if newState == models.StateError {
		agentCtx.LastError = note
	}
	return r.transitionState(ctx, agentCtx, newState)
}

// notifyCompleted publishes agent.completed-style notification for any
// transition that the registered completedHandler needs to observe —
// completion itself, or a HIL gate that suspends pending human input.
func (r *Runner) notifyCompleted(agentCtx *models.AgentContext) {
	if r.events == nil {
		return
	}
	r.events.Publish(events.TypeAgentCompleted, events.AgentCompletedPayload{
		AgentID:   agentCtx.AgentID,
		State:     string(agentCtx.State),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Resume clears a HIL/waiting state per §4.2's per-gate resume semantics
// and returns the agent to an executing state so RunUntilSuspended can
// proceed. feedback is only consulted when resuming from hitl_feedback.
func (r *Runner) Resume(ctx context.Context, agentCtx *models.AgentContext, feedback string) error {
	switch agentCtx.State {
	case models.StateHIL:
		prev := models.StateAgent
		if raw, ok := agentCtx.Metadata[previousStateKey]; ok {
			if s, ok := raw.(string); ok && s != "" {
				prev = models.AgentState(s)
			}
		}
		delete(agentCtx.Metadata, previousStateKey)
		agentCtx.CostSinceGate = 0
		return r.transitionState(ctx, agentCtx, prev)

	case models.StateHitlThreshold:
		agentCtx.Iterations = 0
		return r.transitionState(ctx, agentCtx, models.StateAgent)

	case models.StateHitlTool:
		return r.transitionState(ctx, agentCtx, models.StateAgent)

	case models.StateHitlFeedback:
		agentCtx.PendingMessages = append(agentCtx.PendingMessages, models.LlmMessage{
			Role: models.RoleUser,
			Text: feedback,
		})
		return r.transitionState(ctx, agentCtx, models.StateAgent)

	default:
		return fmt.Errorf("resume: agent %s is not in a waiting state (%s)", agentCtx.AgentID, agentCtx.State)
	}
}

// Shutdown transitions a running agent to the shutdown sink on explicit
// external stop (§4.2 "any → shutdown on explicit stop").
func (r *Runner) Shutdown(ctx context.Context, agentCtx *models.AgentContext) error {
	if agentCtx.State.IsTerminal() {
		return nil
	}
	return r.transitionTerminal(ctx, agentCtx, models.StateShutdown, "")
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// EstimateTokens is an llm.TokenEstimator backed by the process-wide
// tokenizer (C11); it counts exactly as tokenizer.CountMessages, which boot
// installs on the composite LLM directly.
func EstimateTokens(messages []models.LlmMessage) int {
	return tokenizer.CountMessages(messages)
}
