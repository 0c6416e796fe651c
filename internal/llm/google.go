package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/genai"

	"github.com/agentflow/runtime/internal/models"
)

// GoogleConfig configures one Gemini provider instance.
type GoogleConfig struct {
	APIKey         string
	Model          string
	MaxInputTokens int
}

// GoogleProvider adapts the Gemini GenerateContent API to Provider.
type GoogleProvider struct {
	cfg    GoogleConfig
	client *genai.Client
}

// NewGoogleProvider constructs a provider bound to cfg. Client creation is
// local-only (it does not dial out), matching genai.NewClient's contract.
func NewGoogleProvider(ctx context.Context, cfg GoogleConfig) (*GoogleProvider, error) {
	if cfg.APIKey == "" {
		return &GoogleProvider{cfg: cfg}, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: cfg.APIKey})
	if err != nil {
		return nil, fmt.Errorf("google: create client: %w", err)
	}
	return &GoogleProvider{cfg: cfg, client: client}, nil
}

func (p *GoogleProvider) IsConfigured() bool    { return p.cfg.APIKey != "" && p.cfg.Model != "" }
func (p *GoogleProvider) GetMaxInputTokens() int { return p.cfg.MaxInputTokens }
func (p *GoogleProvider) GetID() string          { return "google:" + p.cfg.Model }

// Generate sends messages to Gemini and returns the assistant's reply.
func (p *GoogleProvider) Generate(ctx context.Context, messages []models.LlmMessage, opts GenerateOptions) (models.LlmMessage, Usage, error) {
	if p.client == nil {
		return models.LlmMessage{}, Usage{}, fmt.Errorf("google: provider not configured")
	}

	contents, systemInstruction := buildGoogleContents(messages)
	config := p.buildConfig(systemInstruction, opts)

	resp, err := p.client.Models.GenerateContent(ctx, p.cfg.Model, contents, config)
	if err != nil {
		return models.LlmMessage{}, Usage{}, fmt.Errorf("google: %w", err)
	}

	return p.parseResponse(resp)
}

func buildGoogleContents(messages []models.LlmMessage) ([]*genai.Content, *genai.Content) {
	var systemInstruction *genai.Content
	var contents []*genai.Content

	for _, m := range messages {
		switch m.Role {
		case models.RoleSystem:
			systemInstruction = &genai.Content{Parts: []*genai.Part{{Text: m.Content()}}}
		case models.RoleUser:
			contents = append(contents, &genai.Content{Role: "user", Parts: []*genai.Part{{Text: m.Content()}}})
		case models.RoleAssistant:
			contents = append(contents, &genai.Content{Role: "model", Parts: assistantParts(m)})
		case models.RoleTool:
			var response map[string]any
			_ = json.Unmarshal([]byte(m.Content()), &response)
			if response == nil {
				response = map[string]any{"result": m.Content()}
			}
			contents = append(contents, &genai.Content{
				Role: "user",
				Parts: []*genai.Part{{FunctionResponse: &genai.FunctionResponse{
					ID:       m.ToolCallID,
					Name:     m.ToolName,
					Response: response,
				}}},
			})
		}
	}
	return contents, systemInstruction
}

func assistantParts(m models.LlmMessage) []*genai.Part {
	var parts []*genai.Part
	if text := m.Content(); text != "" {
		parts = append(parts, &genai.Part{Text: text})
	}
	for _, tc := range m.ToolCalls {
		var args map[string]any
		_ = json.Unmarshal([]byte(tc.Arguments), &args)
		parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{ID: tc.ID, Name: tc.Name, Args: args}})
	}
	return parts
}

func (p *GoogleProvider) buildConfig(systemInstruction *genai.Content, opts GenerateOptions) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{SystemInstruction: systemInstruction}

	if opts.Temperature != nil {
		config.Temperature = genai.Ptr(float32(*opts.Temperature))
	}
	if opts.MaxTokens > 0 {
		config.MaxOutputTokens = int32(opts.MaxTokens)
	}
	if opts.TopP != nil {
		config.TopP = genai.Ptr(float32(*opts.TopP))
	}
	if tk := clampTopK(opts.TopK); tk != nil {
		config.TopK = genai.Ptr(float32(*tk))
	}
	if len(opts.StopSequences) > 0 {
		config.StopSequences = opts.StopSequences
	}
	if opts.Thinking != "" {
		config.ThinkingConfig = &genai.ThinkingConfig{IncludeThoughts: true}
	}

	if len(opts.Tools) > 0 {
		var decls []*genai.FunctionDeclaration
		for _, t := range opts.Tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  toGenaiSchema(t.Parameters),
			})
		}
		config.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	return config
}

// toGenaiSchema converts a JSON Schema object (map[string]any, the shape
// ToolSpec.Parameters uses) into genai's typed Schema.
func toGenaiSchema(schema map[string]any) *genai.Schema {
	if schema == nil {
		return nil
	}
	s := &genai.Schema{}
	if t, ok := schema["type"].(string); ok {
		s.Type = genai.Type(t)
	}
	if desc, ok := schema["description"].(string); ok {
		s.Description = desc
	}
	if props, ok := schema["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*genai.Schema, len(props))
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				s.Properties[name] = toGenaiSchema(propMap)
			}
		}
	}
	if required, ok := schema["required"].([]any); ok {
		for _, r := range required {
			if rs, ok := r.(string); ok {
				s.Required = append(s.Required, rs)
			}
		}
	}
	return s
}

func (p *GoogleProvider) parseResponse(resp *genai.GenerateContentResponse) (models.LlmMessage, Usage, error) {
	if len(resp.Candidates) == 0 {
		return models.LlmMessage{}, Usage{}, fmt.Errorf("google: empty response")
	}
	candidate := resp.Candidates[0]
	out := models.LlmMessage{Role: models.RoleAssistant}

	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			switch {
			case part.FunctionCall != nil:
				args, err := json.Marshal(part.FunctionCall.Args)
				if err != nil {
					return models.LlmMessage{}, Usage{}, fmt.Errorf("google: encode tool arguments: %w", err)
				}
				out.ToolCalls = append(out.ToolCalls, models.ToolCall{
					ID:        part.FunctionCall.ID,
					Name:      part.FunctionCall.Name,
					Arguments: string(args),
				})
			case part.Thought:
				out.Parts = append(out.Parts, models.ContentPart{Type: models.PartReasoning, Text: part.Text})
			case part.Text != "":
				if out.Parts != nil {
					out.Parts = append(out.Parts, models.ContentPart{Type: models.PartText, Text: part.Text})
				} else {
					out.Text += part.Text
				}
			}
		}
	}

	usage := Usage{}
	if resp.UsageMetadata != nil {
		usage.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		usage.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	out.Stats = &models.Stats{InputTokens: usage.InputTokens, OutputTokens: usage.OutputTokens, LlmID: p.GetID()}

	return out, usage, nil
}
