package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/squadlite/squadlite/internal/common/apperr"
	"github.com/squadlite/squadlite/internal/common/config"
	"github.com/squadlite/squadlite/internal/common/logger"
	"github.com/squadlite/squadlite/internal/common/tracing"
)

// AnthropicProvider implements Provider on the official Anthropic SDK.
type AnthropicProvider struct {
	client    *anthropic.Client
	model     string
	maxTokens int64
	logger    *logger.Logger
}

// NewAnthropicProvider builds a provider from configuration.
func NewAnthropicProvider(cfg config.LLMConfig, log *logger.Logger) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic api key is required: %w", apperr.ErrValidation)
	}
	client := anthropic.NewClient(option.WithAuthToken(cfg.APIKey))
	return &AnthropicProvider{
		client:    &client,
		model:     cfg.Model,
		maxTokens: int64(cfg.MaxTokens),
		logger:    log,
	}, nil
}

// Model returns the configured model name.
func (p *AnthropicProvider) Model() string {
	return p.model
}

// Chat sends one non-streaming message request.
func (p *AnthropicProvider) Chat(ctx context.Context, system string, messages []ChatMessage, tools []ToolSpec) (*Response, error) {
	ctx, span := tracing.Tracer("llm").Start(ctx, "anthropic.chat")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", p.model),
		attribute.Int("llm.messages", len(messages)),
		attribute.Int("llm.tools", len(tools)),
	)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: p.maxTokens,
		Messages:  buildMessages(messages),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if len(tools) > 0 {
		params.Tools = buildTools(tools)
	}

	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("anthropic messages call: %w: %v", apperr.ErrLLMFailure, err)
	}
	parsed := p.parseResponse(resp)
	span.SetAttributes(
		attribute.Int64("llm.input_tokens", parsed.Usage.InputTokens),
		attribute.Int64("llm.output_tokens", parsed.Usage.OutputTokens),
	)
	return parsed, nil
}

func buildMessages(messages []ChatMessage) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		switch {
		case msg.Role == RoleAssistant && len(msg.ToolCalls) > 0:
			var blocks []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				input := tc.Input
				if input == nil {
					input = map[string]any{}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		case msg.Role == RoleAssistant:
			out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
		case len(msg.ToolResults) > 0:
			// All tool_result blocks for one assistant turn go in a single
			// user message, per the Messages API contract.
			var blocks []anthropic.ContentBlockParamUnion
			for _, tr := range msg.ToolResults {
				blocks = append(blocks, anthropic.NewToolResultBlock(tr.ToolCallID, tr.Content, tr.IsError))
			}
			out = append(out, anthropic.NewUserMessage(blocks...))
		default:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}
	return out
}

func buildTools(tools []ToolSpec) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		tool := anthropic.ToolParam{
			Name: t.Name,
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: t.InputSchema["properties"],
			},
		}
		if t.Description != "" {
			tool.Description = anthropic.String(t.Description)
		}
		if req, ok := t.InputSchema["required"].([]string); ok {
			tool.InputSchema.Required = req
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &tool})
	}
	return out
}

func (p *AnthropicProvider) parseResponse(resp *anthropic.Message) *Response {
	out := &Response{
		StopReason: string(resp.StopReason),
		Usage: Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		},
	}
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			out.Content += block.AsText().Text
		case "tool_use":
			tu := block.AsToolUse()
			var input map[string]any
			if err := json.Unmarshal(tu.Input, &input); err != nil {
				p.logger.Warn("Failed to decode tool input",
					zap.String("tool", tu.Name), zap.Error(err))
				input = map[string]any{"raw": string(tu.Input)}
			}
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				ID:    tu.ID,
				Name:  tu.Name,
				Input: input,
			})
		}
	}
	return out
}
