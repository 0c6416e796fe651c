package runner

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentflow/runtime/internal/agentstate"
	"github.com/agentflow/runtime/internal/apperrors"
	"github.com/agentflow/runtime/internal/events"
	"github.com/agentflow/runtime/internal/functions"
	"github.com/agentflow/runtime/internal/functions/builtin"
	"github.com/agentflow/runtime/internal/llm"
	"github.com/agentflow/runtime/internal/llmstore"
	"github.com/agentflow/runtime/internal/models"
	"github.com/agentflow/runtime/internal/store/memstore"
)

// scriptedProvider replies with the next entry in replies each Generate
// call, looping on the last entry once exhausted.
type scriptedProvider struct {
	replies []scriptedReply
	calls   int
}

type scriptedReply struct {
	msg models.LlmMessage
	err error
}

func (p *scriptedProvider) Generate(_ context.Context, _ []models.LlmMessage, _ llm.GenerateOptions) (models.LlmMessage, llm.Usage, error) {
	i := p.calls
	if i >= len(p.replies) {
		i = len(p.replies) - 1
	}
	p.calls++
	r := p.replies[i]
	return r.msg, llm.Usage{Cost: 0.01}, r.err
}

func (p *scriptedProvider) IsConfigured() bool    { return true }
func (p *scriptedProvider) GetMaxInputTokens() int { return 100000 }
func (p *scriptedProvider) GetID() string          { return "scripted" }

func newTestRunner(t *testing.T, provider llm.Provider) (*Runner, *agentstate.Store, *functions.Registry) {
	t.Helper()
	kv := memstore.New()
	states := agentstate.New(kv)
	calls := llmstore.New(kv)
	registry := functions.NewRegistry()
	builtin.RegisterControl(registry)
	mgr := events.NewManager()
	r := New(states, calls, registry, provider, mgr, nil, DefaultConfig())
	return r, states, registry
}

func newAgent(id string) *models.AgentContext {
	now := time.Now()
	return &models.AgentContext{
		AgentID:     id,
		ExecutionID: "exec-1",
		UserID:      "user-1",
		Type:        models.AgentTypeCodegen,
		State:       models.StateAgent,
		Name:        "test-agent",
		UserPrompt:  "do the thing",
		Messages:    []models.LlmMessage{{Role: models.RoleUser, Text: "do the thing"}},
		Memory:      map[string]string{},
		Metadata:    map[string]any{},
		CreatedAt:   now,
		LastUpdate:  now,
	}
}

func toolCallArgs(v map[string]any) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func TestStep_CompletedCallTransitionsToCompleted(t *testing.T) {
	provider := &scriptedProvider{replies: []scriptedReply{{
		msg: models.LlmMessage{
			Role: models.RoleAssistant,
			ToolCalls: []models.ToolCall{
				{ID: "c1", Name: builtin.FnCompleted, Arguments: toolCallArgs(map[string]any{"note": "all done"})},
			},
		},
	}}}
	r, states, _ := newTestRunner(t, provider)
	agentCtx := newAgent("a1")
	require.NoError(t, states.Save(context.Background(), agentCtx))

	err := r.Step(context.Background(), agentCtx)
	require.NoError(t, err)
	assert.Equal(t, models.StateCompleted, agentCtx.State)

	loaded, err := states.Load(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, models.StateCompleted, loaded.State)
}

func TestStep_RequestFeedbackTransitionsToHitlFeedback(t *testing.T) {
	provider := &scriptedProvider{replies: []scriptedReply{{
		msg: models.LlmMessage{
			Role: models.RoleAssistant,
			ToolCalls: []models.ToolCall{
				{ID: "c1", Name: builtin.FnRequestFeedback, Arguments: toolCallArgs(map[string]any{"question": "proceed?"})},
			},
		},
	}}}
	r, states, _ := newTestRunner(t, provider)
	agentCtx := newAgent("a2")
	require.NoError(t, states.Save(context.Background(), agentCtx))

	require.NoError(t, r.Step(context.Background(), agentCtx))
	assert.Equal(t, models.StateHitlFeedback, agentCtx.State)

	require.NoError(t, r.Resume(context.Background(), agentCtx, "yes, proceed"))
	assert.Equal(t, models.StateAgent, agentCtx.State)
	assert.Equal(t, []models.LlmMessage{{Role: models.RoleUser, Text: "yes, proceed"}}, agentCtx.PendingMessages)
}

func TestStep_IterationHilGate_ThenResumeResetsCounter(t *testing.T) {
	provider := &scriptedProvider{replies: []scriptedReply{{
		msg: models.LlmMessage{Role: models.RoleAssistant, Text: "thinking..."},
	}}}
	r, states, _ := newTestRunner(t, provider)
	agentCtx := newAgent("a3")
	agentCtx.HilCount = 3
	require.NoError(t, states.Save(context.Background(), agentCtx))

	for i := 0; i < 3; i++ {
		require.NoError(t, r.Step(context.Background(), agentCtx))
		assert.Equal(t, models.StateAgent, agentCtx.State)
	}

	// Fourth step: gate fires before the LLM is consulted.
	callsBefore := provider.calls
	require.NoError(t, r.Step(context.Background(), agentCtx))
	assert.Equal(t, models.StateHitlThreshold, agentCtx.State)
	assert.Equal(t, callsBefore, provider.calls, "LLM must not be consulted once the iteration gate fires")

	require.NoError(t, r.Resume(context.Background(), agentCtx, ""))
	assert.Equal(t, models.StateAgent, agentCtx.State)
	assert.Equal(t, 0, agentCtx.Iterations)
}

func TestStep_CostHilGate_ThenResumeRestoresPreviousState(t *testing.T) {
	provider := &scriptedProvider{replies: []scriptedReply{{
		msg: models.LlmMessage{Role: models.RoleAssistant, Text: "thinking..."},
	}}}
	r, states, _ := newTestRunner(t, provider)
	agentCtx := newAgent("a4")
	agentCtx.HilBudget = 0.005
	require.NoError(t, states.Save(context.Background(), agentCtx))

	// First step costs 0.01, already over the 0.005 budget, but the gate is
	// only checked *before* a step — so it fires on the step after the one
	// that pushed cost over budget.
	require.NoError(t, r.Step(context.Background(), agentCtx))
	assert.Equal(t, models.StateAgent, agentCtx.State)

	require.NoError(t, r.Step(context.Background(), agentCtx))
	assert.Equal(t, models.StateHIL, agentCtx.State)

	require.NoError(t, r.Resume(context.Background(), agentCtx, ""))
	assert.Equal(t, models.StateAgent, agentCtx.State)
	assert.Equal(t, float64(0), agentCtx.CostSinceGate)
}

func TestStep_FunctionConfirmationRequired_TransitionsToHitlTool(t *testing.T) {
	provider := &scriptedProvider{replies: []scriptedReply{{
		msg: models.LlmMessage{
			Role: models.RoleAssistant,
			ToolCalls: []models.ToolCall{
				{ID: "c1", Name: "needs.confirmation", Arguments: "{}"},
			},
		},
	}}}
	r, states, registry := newTestRunner(t, provider)
	registry.Register("needs.confirmation", func(string) functions.Function { return confirmFn{} })
	agentCtx := newAgent("a5")
	require.NoError(t, states.Save(context.Background(), agentCtx))

	require.NoError(t, r.Step(context.Background(), agentCtx))
	assert.Equal(t, models.StateHitlTool, agentCtx.State)
}

type confirmFn struct{}

func (confirmFn) Schema() functions.Schema {
	return functions.Schema{Name: "needs.confirmation"}
}
func (confirmFn) Call(context.Context, []string) (string, error) {
	return "", apperrors.ErrConfirmationRequired
}

func TestStep_FatalFunctionError_TransitionsToError(t *testing.T) {
	provider := &scriptedProvider{replies: []scriptedReply{{
		msg: models.LlmMessage{
			Role: models.RoleAssistant,
			ToolCalls: []models.ToolCall{
				{ID: "c1", Name: "explodes", Arguments: "{}"},
			},
		},
	}}}
	r, states, registry := newTestRunner(t, provider)
	registry.Register("explodes", func(string) functions.Function { return explodeFn{} })
	agentCtx := newAgent("a6")
	require.NoError(t, states.Save(context.Background(), agentCtx))

	err := r.Step(context.Background(), agentCtx)
	assert.Error(t, err)
	assert.Equal(t, models.StateError, agentCtx.State)
}

type explodeFn struct{}

func (explodeFn) Schema() functions.Schema {
	return functions.Schema{Name: "explodes"}
}
func (explodeFn) Call(context.Context, []string) (string, error) {
	return "", apperrors.NewFatal(assertError{})
}

type assertError struct{}

func (assertError) Error() string { return "boom" }

func TestStep_NonFatalFunctionError_ContinuesLoop(t *testing.T) {
	provider := &scriptedProvider{replies: []scriptedReply{{
		msg: models.LlmMessage{
			Role: models.RoleAssistant,
			ToolCalls: []models.ToolCall{
				{ID: "c1", Name: "flaky", Arguments: "{}"},
			},
		},
	}}}
	r, states, registry := newTestRunner(t, provider)
	registry.Register("flaky", func(string) functions.Function { return flakyFn{} })
	agentCtx := newAgent("a7")
	require.NoError(t, states.Save(context.Background(), agentCtx))

	require.NoError(t, r.Step(context.Background(), agentCtx))
	assert.Equal(t, models.StateAgent, agentCtx.State)
	require.Len(t, agentCtx.FunctionHistory, 1)
	assert.Equal(t, "transient failure", agentCtx.FunctionHistory[0].Stderr)
	assert.False(t, agentCtx.FunctionHistory[0].Fatal)
}

type flakyFn struct{}

func (flakyFn) Schema() functions.Schema {
	return functions.Schema{Name: "flaky"}
}
func (flakyFn) Call(context.Context, []string) (string, error) {
	return "", assertErrorMsg("transient failure")
}

type assertErrorMsg string

func (e assertErrorMsg) Error() string { return string(e) }

func TestStep_PlanRetriesTransientErrorThenSucceeds(t *testing.T) {
	provider := &scriptedProvider{replies: []scriptedReply{
		{err: apperrors.NewRetryable(assertErrorMsg("rate limited"))},
		{msg: models.LlmMessage{Role: models.RoleAssistant, Text: "ok now"}},
	}}
	r, states, _ := newTestRunner(t, provider)
	r.cfg.RetryInitialInterval = time.Millisecond
	r.cfg.RetryMaxInterval = 5 * time.Millisecond
	agentCtx := newAgent("a8")
	require.NoError(t, states.Save(context.Background(), agentCtx))

	require.NoError(t, r.Step(context.Background(), agentCtx))
	assert.Equal(t, models.StateAgent, agentCtx.State)
	assert.Equal(t, 2, provider.calls)
}

func TestStep_PlanExhaustsRetries_TransitionsToError(t *testing.T) {
	provider := &scriptedProvider{replies: []scriptedReply{
		{err: apperrors.NewRetryable(assertErrorMsg("still failing"))},
	}}
	r, states, _ := newTestRunner(t, provider)
	r.cfg.MaxLlmRetries = 1
	r.cfg.RetryInitialInterval = time.Millisecond
	r.cfg.RetryMaxInterval = 5 * time.Millisecond
	agentCtx := newAgent("a9")
	require.NoError(t, states.Save(context.Background(), agentCtx))

	err := r.Step(context.Background(), agentCtx)
	assert.Error(t, err)
	assert.Equal(t, models.StateError, agentCtx.State)
	assert.NotEmpty(t, agentCtx.LastError)
}

func TestArgsFromJSON_PositionalOrderAndMissingRequired(t *testing.T) {
	schema := functions.Schema{
		Name: "fn",
		Parameters: []functions.Param{
			{Name: "path", Type: "string", Required: true},
			{Name: "count", Type: "number", Required: false},
		},
	}
	args, err := argsFromJSON(schema, toolCallArgs(map[string]any{"path": "a.txt", "count": 3}))
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt", "3"}, args)

	_, err = argsFromJSON(schema, toolCallArgs(map[string]any{"count": 3}))
	assert.Error(t, err)
}
