// Package ambient implements the Ambient Context (§4.1): currentUser() and
// currentAgent() accessors that avoid threading a (user, agent) pair through
// every call in the runner and its tools.
//
// spec.md frames this as task-local storage established by runWithUser and
// by the Runner before each iteration, and its own Design Notes (§ Redesign
// Flags) call for "a context value carried by the scheduler's task object...
// never use a thread-global." Go has no safe thread-local primitive, and the
// teacher already threads context.Context as the first argument through
// every call in pkg/agent and pkg/queue — so that IS the scheduler's task
// object here. This package rides context.Context rather than inventing a
// goroutine-local store: WithUser/WithAgent bind values onto a context,
// CurrentUser/CurrentAgent read them back out, and the single-user-mode
// fallback (guarded by a package-level RWMutex, set once at boot) covers the
// "only in single-user mode, the sole user" clause.
package ambient

import (
	"context"
	"sync"

	"github.com/agentflow/runtime/internal/apperrors"
)

type ctxKey int

const (
	userKey ctxKey = iota
	agentKey
)

// User is the minimal identity ambient context resolves.
type User struct {
	ID string
}

var (
	singleUserMu   sync.RWMutex
	singleUser     *User
	singleUserMode bool
)

// SetSingleUser enables single-user mode with u as the sole user. Called
// once at boot when AUTH=single_user (§6.5); it takes singleUserMu, so it
// is safe to call concurrently with lookups.
func SetSingleUser(u User) {
	singleUserMu.Lock()
	defer singleUserMu.Unlock()
	singleUserMode = true
	singleUser = &u
}

// WithUser returns a context carrying u as the ambient user binding.
func WithUser(ctx context.Context, u User) context.Context {
	return context.WithValue(ctx, userKey, u)
}

// WithAgent returns a context carrying agentID as the ambient agent binding.
// The agent's owning user is resolved by the caller (the Runner, which
// already has the AgentContext) and bound alongside it via WithUser.
func WithAgent(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, agentKey, agentID)
}

// CurrentUser resolves the ambient user: the innermost WithUser binding,
// otherwise the single-user-mode fallback. The agent binding is not
// consulted — it carries only the agent id, and the Runner binds the
// agent's owner with WithUser alongside it — so a WithUser binding made
// inside an agent-bound context replaces the owner. Fails with
// apperrors.ErrNotBound when neither applies.
func CurrentUser(ctx context.Context) (User, error) {
	if u, ok := ctx.Value(userKey).(User); ok {
		return u, nil
	}
	singleUserMu.RLock()
	defer singleUserMu.RUnlock()
	if singleUserMode && singleUser != nil {
		return *singleUser, nil
	}
	return User{}, apperrors.ErrNotBound
}

// CurrentAgent resolves the ambient agent id bound by WithAgent, or
// apperrors.ErrNotBound if the context carries no agent binding — there is
// no single-agent-mode fallback, unlike CurrentUser.
func CurrentAgent(ctx context.Context) (string, error) {
	if id, ok := ctx.Value(agentKey).(string); ok {
		return id, nil
	}
	return "", apperrors.ErrNotBound
}

// RunWithUser binds u onto a derived context and runs fn with it — the
// runWithUser(user, fn) primitive from §4.1.
func RunWithUser(ctx context.Context, u User, fn func(context.Context) error) error {
	return fn(WithUser(ctx, u))
}
