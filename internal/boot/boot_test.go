package boot

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentflow/runtime/internal/config"
)

func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		old, existed := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if existed {
				os.Setenv(k, old)
			}
		})
	}
}

func TestBoot_MemoryStoreWithNoProvidersWiresEveryService(t *testing.T) {
	clearEnv(t, "DATABASE", "ANTHROPIC_API_KEY", "GEMINI_API_KEY", "OPENAI_API_KEY")
	os.Setenv("DATABASE", "memory")

	cfg, err := config.Load(context.Background(), "")
	require.NoError(t, err)

	svcs, err := Boot(context.Background(), cfg)
	require.NoError(t, err)
	require.NotNil(t, svcs)

	assert.NotNil(t, svcs.States)
	assert.NotNil(t, svcs.Calls)
	assert.NotNil(t, svcs.Registry)
	assert.NotNil(t, svcs.Runner)
	assert.NotNil(t, svcs.Pool)
	assert.NotNil(t, svcs.Review)

	require.NoError(t, svcs.Shutdown())
}

func TestBoot_WiresOneProviderPerConfiguredEntry(t *testing.T) {
	clearEnv(t, "DATABASE", "ANTHROPIC_API_KEY", "GEMINI_API_KEY")
	os.Setenv("DATABASE", "memory")
	os.Setenv("ANTHROPIC_API_KEY", "test-key")

	cfg, err := config.Load(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, cfg.LLMProviders, 1)

	svcs, err := Boot(context.Background(), cfg)
	require.NoError(t, err)
	assert.True(t, svcs.LLM.IsConfigured())

	require.NoError(t, svcs.Shutdown())
}

func TestBoot_RegistersReviewPostCommentFunction(t *testing.T) {
	clearEnv(t, "DATABASE")
	os.Setenv("DATABASE", "memory")

	cfg, err := config.Load(context.Background(), "")
	require.NoError(t, err)

	svcs, err := Boot(context.Background(), cfg)
	require.NoError(t, err)

	assert.Contains(t, svcs.Registry.Names(), "review.post_comment")

	require.NoError(t, svcs.Shutdown())
}
