package builtin

import (
	"context"
	"fmt"

	"github.com/agentflow/runtime/internal/functions"
)

// Control function classes are terminal-action builtins the Runner
// recognizes by name when deciding state transitions (§4.2): a "completed"
// call ends the execution, a "request feedback" call suspends it pending a
// human reply, and a "spawn child" call starts a sub-agent. Their Call
// implementations are deliberately inert — the Runner inspects the assistant
// message's tool-call name and arguments directly rather than relying on a
// side effect, mirroring how fs.read_file's effect is its return value and
// not a hidden channel.
const (
	FnCompleted       = "agent.completed"
	FnRequestFeedback = "agent.request_feedback"
	FnSpawnChild      = "agent.spawn_child"
)

type completedFn struct{}

func (completedFn) Schema() functions.Schema {
	return functions.Schema{
		Name:        FnCompleted,
		Description: "End the agent's execution with a final note",
		Parameters:  []functions.Param{{Name: "note", Type: "string", Required: true}},
	}
}

func (completedFn) Call(_ context.Context, args []string) (string, error) {
	if len(args) < 1 {
		return "", fmt.Errorf("%s: expected 1 argument, got %d", FnCompleted, len(args))
	}
	return args[0], nil
}

type requestFeedbackFn struct{}

func (requestFeedbackFn) Schema() functions.Schema {
	return functions.Schema{
		Name:        FnRequestFeedback,
		Description: "Suspend execution and ask the human operator a question",
		Parameters:  []functions.Param{{Name: "question", Type: "string", Required: true}},
	}
}

func (requestFeedbackFn) Call(_ context.Context, args []string) (string, error) {
	if len(args) < 1 {
		return "", fmt.Errorf("%s: expected 1 argument, got %d", FnRequestFeedback, len(args))
	}
	return args[0], nil
}

type spawnChildFn struct{}

func (spawnChildFn) Schema() functions.Schema {
	return functions.Schema{
		Name:        FnSpawnChild,
		Description: "Spawn a child agent to work on a sub-task",
		Parameters: []functions.Param{
			{Name: "name", Type: "string", Required: true},
			{Name: "prompt", Type: "string", Required: true},
		},
	}
}

func (spawnChildFn) Call(_ context.Context, args []string) (string, error) {
	if len(args) < 2 {
		return "", fmt.Errorf("%s: expected 2 arguments, got %d", FnSpawnChild, len(args))
	}
	return "", nil
}

// RegisterControl registers the terminal/control function classes. They are
// not gated by UpdateFunctions the way optional capabilities are: the Runner
// always offers agent.completed and agent.request_feedback so the model can
// always end or suspend an execution, and offers agent.spawn_child only when
// it has a child dispatcher.
func RegisterControl(reg *functions.Registry) {
	reg.Register(FnCompleted, func(string) functions.Function { return completedFn{} })
	reg.Register(FnRequestFeedback, func(string) functions.Function { return requestFeedbackFn{} })
	reg.Register(FnSpawnChild, func(string) functions.Function { return spawnChildFn{} })
}
