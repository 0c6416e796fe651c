// Package boot is this runtime's dependency-injection wiring: it turns a
// loaded config.Config into every service cmd/agentflow needs, the same
// role the teacher's main.go plays inline — pulled out into its own
// package because this runtime's wiring graph (store, multi-provider LLM
// fallback, function registry, review engine, runner pool) is bigger than
// a single main() should hold.
package boot

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/agentflow/runtime/internal/agentstate"
	"github.com/agentflow/runtime/internal/ambient"
	"github.com/agentflow/runtime/internal/config"
	"github.com/agentflow/runtime/internal/events"
	"github.com/agentflow/runtime/internal/functions"
	"github.com/agentflow/runtime/internal/functions/builtin"
	"github.com/agentflow/runtime/internal/llm"
	"github.com/agentflow/runtime/internal/llmstore"
	"github.com/agentflow/runtime/internal/review"
	"github.com/agentflow/runtime/internal/runner"
	"github.com/agentflow/runtime/internal/store"
	"github.com/agentflow/runtime/internal/store/memstore"
	"github.com/agentflow/runtime/internal/store/pgstore"
	"github.com/agentflow/runtime/internal/tokenizer"
)

// Services is every wired dependency cmd/agentflow's HTTP layer needs.
// Exported as one struct, matching the teacher main.go's flat local-var
// wiring but collected for handoff across a package boundary.
type Services struct {
	Config *config.Config

	KV     store.KVStore
	States *agentstate.Store
	Calls  *llmstore.Store
	Events *events.Manager

	Registry *functions.Registry
	LLM      llm.Provider

	GitLab   *review.GitLabClient
	Configs  *review.ConfigStore
	Cache    *review.FingerprintCache
	Review   *review.Engine

	Runner *runner.Runner
	Pool   *runner.Pool
}

// Boot wires every service from cfg. Mirrors the teacher main.go's
// sequence — store, then domain services, then the HTTP-facing ones — but
// as a function returning a struct instead of main()'s inline local vars.
func Boot(ctx context.Context, cfg *config.Config) (*Services, error) {
	kv, err := newStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("boot: store: %w", err)
	}

	if cfg.Auth == config.AuthSingleUser {
		ambient.SetSingleUser(ambient.User{ID: "default"})
	}

	builtin.AgentsRoot = cfg.SysDir + "/agents"

	states := agentstate.New(kv)
	calls := llmstore.New(kv)
	mgr := events.NewManager()

	provider, err := newLLMProvider(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("boot: llm providers: %w", err)
	}

	gitlab := review.NewGitLabClient(cfg.GitLab.Host, cfg.GitLab.Token, cfg.GitLab.BotUserID, cfg.SysDir)
	configs := review.NewConfigStore(kv)
	cache := review.NewFingerprintCache(kv)
	reviewEngine := review.NewEngine(gitlab, configs, cache, provider)

	reg := functions.NewRegistry()
	builtin.RegisterControl(reg)
	builtin.RegisterFS(reg)
	builtin.RegisterHTTP(reg)
	builtin.RegisterReview(reg, gitlab)

	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 10
	}
	children := runner.NewChildDispatcher(states, maxConcurrent)
	run := runner.New(states, calls, reg, provider, mgr, children, runner.DefaultConfig())
	pool := runner.NewPool(run, states)

	slog.Info("boot: services wired",
		"database", cfg.Database,
		"llm_providers", len(cfg.LLMProviders),
		"max_concurrent_children", maxConcurrent,
	)

	return &Services{
		Config:   cfg,
		KV:       kv,
		States:   states,
		Calls:    calls,
		Events:   mgr,
		Registry: reg,
		LLM:      provider,
		GitLab:   gitlab,
		Configs:  configs,
		Cache:    cache,
		Review:   reviewEngine,
		Runner:   run,
		Pool:     pool,
	}, nil
}

// Shutdown stops the runner pool and releases the store, in that order —
// refuse new work before closing the thing it's writing to.
func (s *Services) Shutdown() error {
	s.Pool.Stop()
	return s.KV.Close()
}

func newStore(ctx context.Context, cfg *config.Config) (store.KVStore, error) {
	switch cfg.Database {
	case config.DatabasePostgres:
		return pgstore.New(ctx, cfg.Postgres)
	default:
		return memstore.New(), nil
	}
}

// newLLMProvider builds one Provider per configured entry and composes
// them behind a CompositeLLM (§4.5's fallback chain), in the order they
// appear in cfg.LLMProviders — first configured provider is primary,
// the rest are fallbacks tried in order whenever a provider fails with
// any error or is skipped.
func newLLMProvider(ctx context.Context, cfg *config.Config) (llm.Provider, error) {
	var providers []llm.Provider
	for _, p := range cfg.LLMProviders {
		provider, err := newProvider(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", p.ID, err)
		}
		providers = append(providers, provider)
	}
	return llm.NewCompositeLLM(providers, tokenizer.CountMessages), nil
}

func newProvider(ctx context.Context, p config.LLMProviderConfig) (llm.Provider, error) {
	switch p.ID {
	case "anthropic":
		return llm.NewAnthropicProvider(llm.AnthropicConfig{
			APIKey:         p.APIKey,
			Model:          p.Model,
			MaxInputTokens: p.MaxInputTokens,
		}), nil
	case "google":
		return llm.NewGoogleProvider(ctx, llm.GoogleConfig{
			APIKey:         p.APIKey,
			Model:          p.Model,
			MaxInputTokens: p.MaxInputTokens,
		})
	default:
		return llm.NewOpenAICompatProvider(llm.OpenAICompatConfig{
			ID:             p.ID,
			APIKey:         p.APIKey,
			Model:          p.Model,
			BaseURL:        p.BaseURL,
			MaxInputTokens: p.MaxInputTokens,
		}), nil
	}
}
