package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/agentflow/runtime/internal/models"
)

// thinkingBudgets maps the coarse Thinking hint to an Anthropic extended
// thinking token budget. budget_tokens must stay below MaxTokens per the
// vendor API, enforced in buildParams.
var thinkingBudgets = map[Thinking]int64{
	ThinkingLow:    2048,
	ThinkingMedium: 8192,
	ThinkingHigh:   16384,
}

// AnthropicConfig configures one Anthropic provider instance.
type AnthropicConfig struct {
	APIKey         string
	Model          string
	BaseURL        string
	MaxInputTokens int
}

// AnthropicProvider adapts Anthropic's Messages API to Provider.
type AnthropicProvider struct {
	cfg    AnthropicConfig
	client anthropic.Client
}

// NewAnthropicProvider constructs a provider bound to cfg. The client is
// created eagerly; it performs no network I/O until Generate is called.
func NewAnthropicProvider(cfg AnthropicConfig) *AnthropicProvider {
	opts := []option.RequestOption{}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicProvider{cfg: cfg, client: anthropic.NewClient(opts...)}
}

func (p *AnthropicProvider) IsConfigured() bool    { return p.cfg.APIKey != "" && p.cfg.Model != "" }
func (p *AnthropicProvider) GetMaxInputTokens() int { return p.cfg.MaxInputTokens }
func (p *AnthropicProvider) GetID() string          { return "anthropic:" + p.cfg.Model }

// Generate sends messages to Anthropic and returns the assistant's reply.
func (p *AnthropicProvider) Generate(ctx context.Context, messages []models.LlmMessage, opts GenerateOptions) (models.LlmMessage, Usage, error) {
	params, err := p.buildParams(messages, opts)
	if err != nil {
		return models.LlmMessage{}, Usage{}, fmt.Errorf("anthropic: build request: %w", err)
	}

	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return models.LlmMessage{}, Usage{}, fmt.Errorf("anthropic: %w", err)
	}

	return p.parseResponse(resp)
}

func (p *AnthropicProvider) buildParams(messages []models.LlmMessage, opts GenerateOptions) (anthropic.MessageNewParams, error) {
	maxTokens := int64(opts.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.cfg.Model),
		MaxTokens: maxTokens,
	}

	var system []anthropic.TextBlockParam
	var msgs []anthropic.MessageParam
	for _, m := range messages {
		switch m.Role {
		case models.RoleSystem:
			system = append(system, anthropic.TextBlockParam{Text: m.Content()})
		case models.RoleUser:
			msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content())))
		case models.RoleAssistant:
			blocks := assistantBlocks(m)
			msgs = append(msgs, anthropic.NewAssistantMessage(blocks...))
		case models.RoleTool:
			msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewToolResultBlock(m.ToolCallID, m.Content(), false)))
		}
	}
	params.System = system
	params.Messages = msgs

	if opts.Temperature != nil {
		params.Temperature = anthropic.Float(*opts.Temperature)
	}
	if opts.TopP != nil {
		params.TopP = anthropic.Float(*opts.TopP)
	}
	if tk := clampTopK(opts.TopK); tk != nil {
		params.TopK = anthropic.Int(int64(*tk))
	}
	if len(opts.StopSequences) > 0 {
		params.StopSequences = opts.StopSequences
	}

	if opts.Thinking != "" {
		budget, ok := thinkingBudgets[opts.Thinking]
		if ok && budget < maxTokens {
			params.Thinking = anthropic.ThinkingConfigParamOfEnabled(budget)
		}
	}

	if len(opts.Tools) > 0 {
		tools := make([]anthropic.ToolUnionParam, 0, len(opts.Tools))
		for _, t := range opts.Tools {
			tools = append(tools, anthropic.ToolUnionParam{
				OfTool: &anthropic.ToolParam{
					Name:        t.Name,
					Description: anthropic.String(t.Description),
					InputSchema: anthropic.ToolInputSchemaParam{Properties: t.Parameters["properties"]},
				},
			})
		}
		params.Tools = tools
	}

	return params, nil
}

// assistantBlocks reconstructs the content blocks of a previously-emitted
// assistant turn (text plus any tool-use intents) so multi-turn tool-call
// conversations round-trip correctly.
func assistantBlocks(m models.LlmMessage) []anthropic.ContentBlockParamUnion {
	var blocks []anthropic.ContentBlockParamUnion
	if text := m.Content(); text != "" {
		blocks = append(blocks, anthropic.NewTextBlock(text))
	}
	for _, tc := range m.ToolCalls {
		var input any
		_ = json.Unmarshal([]byte(tc.Arguments), &input)
		blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
	}
	return blocks
}

func (p *AnthropicProvider) parseResponse(resp *anthropic.Message) (models.LlmMessage, Usage, error) {
	out := models.LlmMessage{Role: models.RoleAssistant}

	var text string
	for _, block := range resp.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			text += variant.Text
		case anthropic.ToolUseBlock:
			args, err := json.Marshal(variant.Input)
			if err != nil {
				return models.LlmMessage{}, Usage{}, fmt.Errorf("anthropic: encode tool arguments: %w", err)
			}
			out.ToolCalls = append(out.ToolCalls, models.ToolCall{
				ID:        variant.ID,
				Name:      variant.Name,
				Arguments: string(args),
			})
		case anthropic.ThinkingBlock:
			out.Parts = append(out.Parts, models.ContentPart{Type: models.PartReasoning, Text: variant.Thinking})
		}
	}
	if text != "" {
		if out.Parts != nil {
			out.Parts = append(out.Parts, models.ContentPart{Type: models.PartText, Text: text})
		} else {
			out.Text = text
		}
	}

	usage := Usage{
		InputTokens:  int(resp.Usage.InputTokens + resp.Usage.CacheCreationInputTokens + resp.Usage.CacheReadInputTokens),
		OutputTokens: int(resp.Usage.OutputTokens),
	}
	out.Stats = &models.Stats{
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		LlmID:        p.GetID(),
	}

	return out, usage, nil
}
