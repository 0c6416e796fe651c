// Package config is this runtime's boot-time configuration surface (§6.5):
// a YAML file layered with environment variables, expanded and validated
// once before any service starts.
//
// Grounded on the teacher's own pkg/config: Initialize(ctx, configDir) loads
// a YAML document, expands ${VAR} references against the process
// environment, merges optional-field defaults, and validates the result —
// the same four-step shape, scaled down to this runtime's much smaller
// configuration surface (no agent/chain/MCP registries here, since those
// belong to a different system; what's left is storage selection, auth
// mode, GitLab wiring, and per-provider LLM credentials).
package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"dario.cat/mergo"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/agentflow/runtime/internal/store/pgstore"
)

// Database selects the KVStore backend (§6.1).
type Database string

const (
	DatabaseMemory   Database = "memory"
	DatabasePostgres Database = "postgres"
)

// Auth selects the ambient-context identity source (§4.1).
type Auth string

const (
	AuthSingleUser Auth = "single_user"
)

// LLMProviderConfig is one entry of the llmProviders YAML list. Which
// fields matter depends on ID: anthropic/google read APIKey/Model/
// MaxInputTokens, the rest ("openai", "deepseek", "groq", "sambanova",
// "openrouter", "perplexity") are OpenAI-compatible and additionally read
// BaseURL.
type LLMProviderConfig struct {
	ID             string `yaml:"id" validate:"required"`
	APIKey         string `yaml:"apiKey"`
	Model          string `yaml:"model" validate:"required"`
	BaseURL        string `yaml:"baseUrl"`
	MaxInputTokens int    `yaml:"maxInputTokens"`
}

// GitLabConfig mirrors §6.5's GITLAB_* env vars.
type GitLabConfig struct {
	Host      string   `yaml:"host"`
	Token     string   `yaml:"token"`
	Groups    []string `yaml:"groups"`
	BotUserID string   `yaml:"botUserId"`
}

// yamlConfig is the on-disk document shape, mirroring the teacher's own
// TarsyYAMLConfig root struct.
type yamlConfig struct {
	Database      string              `yaml:"database"`
	Auth          string              `yaml:"auth"`
	SysDir        string              `yaml:"sysDir"`
	GitLab        GitLabConfig        `yaml:"gitlab"`
	Postgres      pgstore.Config      `yaml:"postgres"`
	LLMProviders  []LLMProviderConfig `yaml:"llmProviders"`
	HTTPAddr      string              `yaml:"httpAddr"`
	MaxConcurrent int                 `yaml:"maxConcurrentChildren"`
}

// Config is the fully loaded, validated configuration.
type Config struct {
	Database      Database
	Auth          Auth
	SysDir        string
	GitLab        GitLabConfig
	Postgres      pgstore.Config
	LLMProviders  []LLMProviderConfig
	HTTPAddr      string
	MaxConcurrent int
}

// defaults fills in every optional-field default, mirroring the teacher's
// own Defaults-merging use of mergo in pkg/config.
func defaults() yamlConfig {
	return yamlConfig{
		Database:      string(DatabaseMemory),
		Auth:          string(AuthSingleUser),
		SysDir:        ".typedai",
		HTTPAddr:      ":8080",
		MaxConcurrent: 10,
		Postgres: pgstore.Config{
			Host:     "localhost",
			Port:     5432,
			User:     "agentflow",
			Database: "agentflow",
			SSLMode:  "disable",
		},
	}
}

// Load reads configPath (if non-empty and present), expands environment
// variables into it, merges it over the built-in defaults, applies env-var
// overrides for the settings §6.5 names directly, and validates the
// result. Grounded on pkg/config.Initialize's load-then-validate sequence.
//
// Load also loads a .env file (if present) via godotenv before reading any
// environment variable, matching the teacher's own development convenience
// of not requiring env vars to be exported in the shell.
func Load(ctx context.Context, configPath string) (*Config, error) {
	log := slog.With("config_path", configPath)
	_ = godotenv.Load()

	cfg := defaults()

	if configPath != "" {
		raw, err := os.ReadFile(configPath)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, NewLoadError(configPath, err)
			}
		} else {
			expanded := ExpandEnv(raw)
			var fromFile yamlConfig
			if err := yaml.Unmarshal(expanded, &fromFile); err != nil {
				return nil, NewLoadError(configPath, err)
			}
			if err := mergo.Merge(&cfg, fromFile, mergo.WithOverride); err != nil {
				return nil, NewLoadError(configPath, err)
			}
		}
	}

	applyEnvOverrides(&cfg)

	out := &Config{
		Database:      Database(cfg.Database),
		Auth:          Auth(cfg.Auth),
		SysDir:        cfg.SysDir,
		GitLab:        cfg.GitLab,
		Postgres:      cfg.Postgres,
		LLMProviders:  cfg.LLMProviders,
		HTTPAddr:      cfg.HTTPAddr,
		MaxConcurrent: cfg.MaxConcurrent,
	}

	if err := validateConfig(out); err != nil {
		return nil, err
	}
	log.Info("configuration loaded",
		"database", out.Database,
		"auth", out.Auth,
		"llm_providers", len(out.LLMProviders),
	)
	return out, nil
}

// applyEnvOverrides layers §6.5's env vars over whatever the YAML file (or
// defaults) set, using the teacher's getEnvOrDefault idiom (pkg/database's
// LoadConfigFromEnv) — env vars win, since they're how an operator
// overrides a checked-in config file per-deployment.
func applyEnvOverrides(cfg *yamlConfig) {
	cfg.Database = getEnvOrDefault("DATABASE", cfg.Database)
	cfg.Auth = getEnvOrDefault("AUTH", cfg.Auth)
	cfg.SysDir = getEnvOrDefault("TYPEDAI_SYS_DIR", cfg.SysDir)
	cfg.HTTPAddr = getEnvOrDefault("HTTP_ADDR", cfg.HTTPAddr)

	cfg.GitLab.Host = getEnvOrDefault("GITLAB_HOST", cfg.GitLab.Host)
	cfg.GitLab.Token = getEnvOrDefault("GITLAB_TOKEN", cfg.GitLab.Token)
	cfg.GitLab.BotUserID = getEnvOrDefault("GITLAB_BOT_USER_ID", cfg.GitLab.BotUserID)
	if groups := os.Getenv("GITLAB_GROUPS"); groups != "" {
		cfg.GitLab.Groups = splitCSV(groups)
	}

	cfg.Postgres.Host = getEnvOrDefault("DB_HOST", cfg.Postgres.Host)
	cfg.Postgres.User = getEnvOrDefault("DB_USER", cfg.Postgres.User)
	cfg.Postgres.Password = getEnvOrDefault("DB_PASSWORD", cfg.Postgres.Password)
	cfg.Postgres.Database = getEnvOrDefault("DB_NAME", cfg.Postgres.Database)
	cfg.Postgres.SSLMode = getEnvOrDefault("DB_SSLMODE", cfg.Postgres.SSLMode)
	if port, err := strconv.Atoi(getEnvOrDefault("DB_PORT", strconv.Itoa(cfg.Postgres.Port))); err == nil {
		cfg.Postgres.Port = port
	}
	if lifetime, err := time.ParseDuration(getEnvOrDefault("DB_CONN_MAX_LIFETIME", cfg.Postgres.MaxConnLifetime.String())); err == nil {
		cfg.Postgres.MaxConnLifetime = lifetime
	}

	cfg.LLMProviders = mergeProviderEnv(cfg.LLMProviders)
}

// mergeProviderEnv fills in each named provider's APIKey from its
// conventional env var (§6.5) whenever the YAML left it blank, and adds
// entries for providers that are configured purely via environment (no
// YAML file at all — the common case for this runtime, matching how the
// teacher's validator.go reads APIKeyEnv/ProjectEnv/LocationEnv directly
// from os.Getenv rather than requiring them spelled out in YAML).
func mergeProviderEnv(providers []LLMProviderConfig) []LLMProviderConfig {
	byID := make(map[string]int, len(providers))
	for i, p := range providers {
		byID[p.ID] = i
	}
	ensure := func(id, apiKeyEnv, model string, maxInputTokens int) {
		key := os.Getenv(apiKeyEnv)
		if key == "" {
			return
		}
		if i, ok := byID[id]; ok {
			if providers[i].APIKey == "" {
				providers[i].APIKey = key
			}
			return
		}
		providers = append(providers, LLMProviderConfig{ID: id, APIKey: key, Model: model, MaxInputTokens: maxInputTokens})
		byID[id] = len(providers) - 1
	}

	ensure("anthropic", "ANTHROPIC_API_KEY", getEnvOrDefault("ANTHROPIC_MODEL", "claude-sonnet-4-5"), 200_000)
	ensure("google", "GEMINI_API_KEY", getEnvOrDefault("GEMINI_MODEL", "gemini-2.5-pro"), 1_000_000)
	ensure("openai", "OPENAI_API_KEY", getEnvOrDefault("OPENAI_MODEL", "gpt-5"), 272_000)
	ensure("perplexity", "PERPLEXITY_KEY", getEnvOrDefault("PERPLEXITY_MODEL", "sonar"), 128_000)
	ensure("deepseek", "DEEPSEEK_API_KEY", getEnvOrDefault("DEEPSEEK_MODEL", "deepseek-chat"), 64_000)
	ensure("groq", "GROQ_API_KEY", getEnvOrDefault("GROQ_MODEL", "llama-3.3-70b-versatile"), 128_000)
	ensure("sambanova", "SAMBANOVA_API_KEY", getEnvOrDefault("SAMBANOVA_MODEL", "Meta-Llama-3.3-70B-Instruct"), 128_000)
	ensure("openrouter", "OPENROUTER_API_KEY", getEnvOrDefault("OPENROUTER_MODEL", "openrouter/auto"), 128_000)

	return providers
}

func splitCSV(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if part := trimSpace(s[start:i]); part != "" {
				out = append(out, part)
			}
			start = i + 1
		}
	}
	return out
}

func trimSpace(s string) string {
	for len(s) > 0 && (s[0] == ' ' || s[0] == '\t') {
		s = s[1:]
	}
	for len(s) > 0 && (s[len(s)-1] == ' ' || s[len(s)-1] == '\t') {
		s = s[:len(s)-1]
	}
	return s
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

var structValidator = validator.New()

// validateConfig rejects a configuration that can't possibly boot: an
// unknown Database/Auth mode, a postgres selection missing a password, or
// a provider entry missing its required fields.
func validateConfig(cfg *Config) error {
	switch cfg.Database {
	case DatabaseMemory, DatabasePostgres:
	default:
		return NewValidationError("database", string(cfg.Database), "", fmt.Errorf("must be %q or %q", DatabaseMemory, DatabasePostgres))
	}
	switch cfg.Auth {
	case AuthSingleUser:
	default:
		return NewValidationError("auth", string(cfg.Auth), "", fmt.Errorf("must be %q", AuthSingleUser))
	}
	if cfg.Database == DatabasePostgres && cfg.Postgres.Password == "" {
		return NewValidationError("postgres", cfg.Postgres.Database, "password", fmt.Errorf("DB_PASSWORD is required when DATABASE=postgres"))
	}
	for _, p := range cfg.LLMProviders {
		if err := structValidator.Struct(p); err != nil {
			return NewValidationError("llmProvider", p.ID, "", err)
		}
	}
	return nil
}
