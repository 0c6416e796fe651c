// Package llm is the LLM Call Service (C3): provider adapters around
// vendor SDKs, plus the Composite/Fallback LLM (C5) that walks an ordered
// provider list. Every adapter speaks the same Provider contract so the
// runner and the review engine never see a vendor-specific type.
package llm

import (
	"context"

	"github.com/agentflow/runtime/internal/models"
)

// Thinking is the coarse reasoning-effort hint threaded through opts.
type Thinking string

const (
	ThinkingLow    Thinking = "low"
	ThinkingMedium Thinking = "medium"
	ThinkingHigh   Thinking = "high"
)

// ToolSpec describes one callable function offered to the model during a
// Generate call. It is a vendor-neutral projection of a function class's
// schema — the caller (the runner) is responsible for converting from
// internal/functions.Schema, keeping that package free of an llm import.
type ToolSpec struct {
	Name        string
	Description string
	// Parameters is a JSON Schema object (the "properties"/"required"
	// shape vendor SDKs expect), not the positional Param list functions
	// use internally.
	Parameters map[string]any
}

// GenerateOptions carries every per-call knob named in §4.3/§6.3. TopK is
// clamped to 40 inside the Anthropic and Google providers (clampTopK),
// matching vendor ceilings observed across the example pack; the
// OpenAI-compatible provider does not send it.
type GenerateOptions struct {
	ID               string
	Temperature      *float64
	TopP             *float64
	TopK             *int
	FrequencyPenalty *float64
	PresencePenalty  *float64
	StopSequences    []string
	MaxRetries       int
	MaxTokens        int
	Thinking         Thinking
	Tools            []ToolSpec
}

// Usage captures the token/cost accounting a single call produced,
// matching models.Stats's field set so callers can copy it directly onto
// an LlmMessage.
type Usage struct {
	InputTokens  int
	OutputTokens int
	Cost         float64
}

// Provider is one vendor-backed LLM backend. Generate sends messages (the
// last of which is typically the newest user/tool turn) and returns the
// assistant's reply plus usage. Implementations must not mutate messages.
type Provider interface {
	Generate(ctx context.Context, messages []models.LlmMessage, opts GenerateOptions) (models.LlmMessage, Usage, error)

	// IsConfigured reports whether the provider has everything it needs
	// (API key, endpoint, etc.) to attempt a call.
	IsConfigured() bool

	// GetMaxInputTokens is the provider's context-window ceiling, used by
	// the composite LLM to skip providers that cannot fit a request.
	GetMaxInputTokens() int

	// GetID is the provider's identifier, recorded on Stats.LlmID.
	GetID() string
}

func clampTopK(topK *int) *int {
	if topK == nil || *topK <= 40 {
		return topK
	}
	clamped := 40
	return &clamped
}
