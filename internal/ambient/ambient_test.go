package ambient

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/agentflow/runtime/internal/apperrors"
)

func TestCurrentUser_PrefersBoundUserOverNothing(t *testing.T) {
	ctx := WithUser(context.Background(), User{ID: "u1"})
	u, err := CurrentUser(ctx)
	assert.NoError(t, err)
	assert.Equal(t, "u1", u.ID)
}

func TestCurrentUser_NotBoundWithoutSingleUserMode(t *testing.T) {
	singleUserMu.Lock()
	singleUserMode = false
	singleUser = nil
	singleUserMu.Unlock()

	_, err := CurrentUser(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrNotBound)
}

func TestCurrentUser_FallsBackToSingleUser(t *testing.T) {
	SetSingleUser(User{ID: "solo"})
	defer func() {
		singleUserMu.Lock()
		singleUserMode = false
		singleUser = nil
		singleUserMu.Unlock()
	}()

	u, err := CurrentUser(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, "solo", u.ID)
}

func TestCurrentAgent_NotBoundWithoutAgentContext(t *testing.T) {
	_, err := CurrentAgent(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrNotBound)
}

func TestCurrentAgent_ReadsBoundAgent(t *testing.T) {
	ctx := WithAgent(context.Background(), "agent-1")
	id, err := CurrentAgent(ctx)
	assert.NoError(t, err)
	assert.Equal(t, "agent-1", id)
}
