package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
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

func TestLoad_NoFileUsesDefaults(t *testing.T) {
	clearEnv(t, "DATABASE", "AUTH", "TYPEDAI_SYS_DIR", "DB_PASSWORD")

	cfg, err := Load(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, DatabaseMemory, cfg.Database)
	assert.Equal(t, AuthSingleUser, cfg.Auth)
	assert.Equal(t, ".typedai", cfg.SysDir)
}

func TestLoad_EnvVarsOverrideDefaults(t *testing.T) {
	clearEnv(t, "DATABASE", "GITLAB_HOST", "GITLAB_GROUPS")
	os.Setenv("DATABASE", "memory")
	os.Setenv("GITLAB_HOST", "https://gitlab.example.com")
	os.Setenv("GITLAB_GROUPS", "team-a, team-b")

	cfg, err := Load(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "https://gitlab.example.com", cfg.GitLab.Host)
	assert.Equal(t, []string{"team-a", "team-b"}, cfg.GitLab.Groups)
}

func TestLoad_YAMLFileIsExpandedAndMerged(t *testing.T) {
	clearEnv(t, "DATABASE", "ANTHROPIC_API_KEY", "TEST_GITLAB_TOKEN")
	os.Setenv("TEST_GITLAB_TOKEN", "secret-token")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database: memory
gitlab:
  host: https://gitlab.internal
  token: ${TEST_GITLAB_TOKEN}
`), 0o644))

	cfg, err := Load(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "https://gitlab.internal", cfg.GitLab.Host)
	assert.Equal(t, "secret-token", cfg.GitLab.Token)
}

func TestLoad_MissingFileIsNotAnError(t *testing.T) {
	clearEnv(t, "DATABASE")
	_, err := Load(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.NoError(t, err)
}

func TestLoad_PostgresWithoutPasswordFails(t *testing.T) {
	clearEnv(t, "DATABASE", "DB_PASSWORD")
	os.Setenv("DATABASE", "postgres")

	_, err := Load(context.Background(), "")
	require.Error(t, err)
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestLoad_UnknownDatabaseValueFails(t *testing.T) {
	clearEnv(t, "DATABASE")
	os.Setenv("DATABASE", "mongodb")

	_, err := Load(context.Background(), "")
	assert.Error(t, err)
}

func TestMergeProviderEnv_AddsConfiguredProvidersFromEnv(t *testing.T) {
	clearEnv(t, "ANTHROPIC_API_KEY", "GEMINI_API_KEY")
	os.Setenv("ANTHROPIC_API_KEY", "ant-key")

	providers := mergeProviderEnv(nil)
	require.Len(t, providers, 1)
	assert.Equal(t, "anthropic", providers[0].ID)
	assert.Equal(t, "ant-key", providers[0].APIKey)
}

func TestMergeProviderEnv_DoesNotOverwriteYAMLSuppliedKey(t *testing.T) {
	clearEnv(t, "ANTHROPIC_API_KEY")
	os.Setenv("ANTHROPIC_API_KEY", "env-key")

	providers := mergeProviderEnv([]LLMProviderConfig{{ID: "anthropic", APIKey: "yaml-key", Model: "claude-sonnet-4-5"}})
	require.Len(t, providers, 1)
	assert.Equal(t, "yaml-key", providers[0].APIKey)
}

func TestSplitCSV_TrimsAndDropsEmpties(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, splitCSV("a, b ,,c"))
}
