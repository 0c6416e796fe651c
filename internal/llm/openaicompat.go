package llm

import (
	"context"
	"fmt"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/packages/param"
	"github.com/openai/openai-go/v2/shared"

	"github.com/agentflow/runtime/internal/models"
)

// OpenAICompatConfig configures one OpenAI-compatible provider instance.
// The same adapter serves OpenAI itself and every OpenAI-wire-compatible
// vendor (DeepSeek, Groq, SambaNova, OpenRouter, Perplexity) by pointing
// BaseURL at the vendor's endpoint — none of them need bespoke clients.
type OpenAICompatConfig struct {
	ID             string // e.g. "openai", "deepseek", "groq"
	APIKey         string
	Model          string
	BaseURL        string
	MaxInputTokens int
}

// OpenAICompatProvider adapts the Chat Completions API to Provider.
type OpenAICompatProvider struct {
	cfg    OpenAICompatConfig
	client openai.Client
}

// NewOpenAICompatProvider constructs a provider bound to cfg.
func NewOpenAICompatProvider(cfg OpenAICompatConfig) *OpenAICompatProvider {
	opts := []option.RequestOption{}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAICompatProvider{cfg: cfg, client: openai.NewClient(opts...)}
}

func (p *OpenAICompatProvider) IsConfigured() bool    { return p.cfg.APIKey != "" && p.cfg.Model != "" }
func (p *OpenAICompatProvider) GetMaxInputTokens() int { return p.cfg.MaxInputTokens }
func (p *OpenAICompatProvider) GetID() string          { return p.cfg.ID + ":" + p.cfg.Model }

// Generate sends messages to the configured endpoint and returns the
// assistant's reply.
func (p *OpenAICompatProvider) Generate(ctx context.Context, messages []models.LlmMessage, opts GenerateOptions) (models.LlmMessage, Usage, error) {
	params := p.buildParams(messages, opts)

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return models.LlmMessage{}, Usage{}, fmt.Errorf("%s: %w", p.cfg.ID, err)
	}
	if len(resp.Choices) == 0 {
		return models.LlmMessage{}, Usage{}, fmt.Errorf("%s: no choices returned", p.cfg.ID)
	}

	return p.parseResponse(resp)
}

func (p *OpenAICompatProvider) buildParams(messages []models.LlmMessage, opts GenerateOptions) openai.ChatCompletionNewParams {
	var msgs []openai.ChatCompletionMessageParamUnion
	for _, m := range messages {
		switch m.Role {
		case models.RoleSystem:
			msgs = append(msgs, openai.SystemMessage(m.Content()))
		case models.RoleUser:
			msgs = append(msgs, openai.UserMessage(m.Content()))
		case models.RoleAssistant:
			msgs = append(msgs, openai.AssistantMessage(m.Content()))
		case models.RoleTool:
			msgs = append(msgs, openai.ToolMessage(m.Content(), m.ToolCallID))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(p.cfg.Model),
		Messages: msgs,
	}
	if opts.MaxTokens > 0 {
		params.MaxTokens = param.NewOpt(int64(opts.MaxTokens))
	}
	if opts.Temperature != nil {
		params.Temperature = param.NewOpt(*opts.Temperature)
	}
	if opts.TopP != nil {
		params.TopP = param.NewOpt(*opts.TopP)
	}
	if opts.FrequencyPenalty != nil {
		params.FrequencyPenalty = param.NewOpt(*opts.FrequencyPenalty)
	}
	if opts.PresencePenalty != nil {
		params.PresencePenalty = param.NewOpt(*opts.PresencePenalty)
	}
	if len(opts.StopSequences) > 0 {
		params.Stop = openai.ChatCompletionNewParamsStopUnion{OfStringArray: opts.StopSequences}
	}

	if len(opts.Tools) > 0 {
		tools := make([]openai.ChatCompletionToolUnionParam, 0, len(opts.Tools))
		for _, t := range opts.Tools {
			tools = append(tools, openai.ChatCompletionFunctionTool(shared.FunctionDefinitionParam{
				Name:        t.Name,
				Description: param.NewOpt(t.Description),
				Parameters:  t.Parameters,
			}))
		}
		params.Tools = tools
	}

	return params
}

func (p *OpenAICompatProvider) parseResponse(resp *openai.ChatCompletion) (models.LlmMessage, Usage, error) {
	choice := resp.Choices[0]
	out := models.LlmMessage{Role: models.RoleAssistant, Text: choice.Message.Content}

	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, models.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}

	usage := Usage{
		InputTokens:  int(resp.Usage.PromptTokens),
		OutputTokens: int(resp.Usage.CompletionTokens),
	}
	out.Stats = &models.Stats{
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		LlmID:        p.GetID(),
	}

	return out, usage, nil
}
