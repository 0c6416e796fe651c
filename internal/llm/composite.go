package llm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/agentflow/runtime/internal/apperrors"
	"github.com/agentflow/runtime/internal/models"
)

// TokenEstimator estimates the input-token footprint of a conversation so
// the composite LLM can skip providers whose context window is too small,
// before ever attempting a call.
type TokenEstimator func(messages []models.LlmMessage) int

// CompositeLLM implements the C5 Provider priority list: an ordered list
// of providers tried in turn, skipping unconfigured or over-capacity ones,
// falling through on transport/provider error, per §4.5.
type CompositeLLM struct {
	providers []Provider
	estimate  TokenEstimator
}

// NewCompositeLLM builds a composite over providers in priority order.
// estimate is used to size each request against a provider's
// GetMaxInputTokens; pass nil to disable the token-limit skip (every
// configured provider is then always attempted).
func NewCompositeLLM(providers []Provider, estimate TokenEstimator) *CompositeLLM {
	return &CompositeLLM{providers: providers, estimate: estimate}
}

// Generate walks the provider list: skip if unconfigured, skip if the
// estimated input exceeds the provider's max input tokens, otherwise
// attempt; on error, log and continue. Fails with ErrAllProvidersFailed
// only once every provider has been skipped or has errored.
func (c *CompositeLLM) Generate(ctx context.Context, messages []models.LlmMessage, opts GenerateOptions) (models.LlmMessage, Usage, error) {
	var inputTokens int
	if c.estimate != nil {
		inputTokens = c.estimate(messages)
	}

	var lastErr error
	for _, p := range c.providers {
		if !p.IsConfigured() {
			slog.Debug("llm: skipping unconfigured provider", "provider", p.GetID())
			continue
		}
		if c.estimate != nil && inputTokens > p.GetMaxInputTokens() {
			slog.Debug("llm: skipping provider over token limit", "provider", p.GetID(), "inputTokens", inputTokens, "maxInputTokens", p.GetMaxInputTokens())
			continue
		}

		msg, usage, err := p.Generate(ctx, messages, opts)
		if err != nil {
			slog.Warn("llm: provider call failed, trying next", "provider", p.GetID(), "error", err)
			lastErr = err
			continue
		}
		return msg, usage, nil
	}

	if lastErr != nil {
		return models.LlmMessage{}, Usage{}, fmt.Errorf("%w: %w", apperrors.ErrAllProvidersFailed, lastErr)
	}
	return models.LlmMessage{}, Usage{}, apperrors.ErrAllProvidersFailed
}

// IsConfigured is true iff every provider in the list is configured.
func (c *CompositeLLM) IsConfigured() bool {
	for _, p := range c.providers {
		if !p.IsConfigured() {
			return false
		}
	}
	return true
}

// GetMaxInputTokens is the maximum across every provider's own ceiling.
func (c *CompositeLLM) GetMaxInputTokens() int {
	var max int
	for _, p := range c.providers {
		if p.GetMaxInputTokens() > max {
			max = p.GetMaxInputTokens()
		}
	}
	return max
}

func (c *CompositeLLM) GetID() string { return "composite" }

var _ Provider = (*CompositeLLM)(nil)
