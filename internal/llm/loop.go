package llm

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/squadlite/squadlite/internal/common/logger"
)

// DefaultMaxTurns bounds the agentic loop when configuration gives none.
const DefaultMaxTurns = 50

// UsageSink receives the token usage of every completed turn, letting the
// caller persist cumulative counters as the loop runs.
type UsageSink func(ctx context.Context, usage Usage)

// RunResult is the outcome of one agentic loop run.
type RunResult struct {
	FinalText    string
	StopReason   string
	Turns        int
	InputTokens  int64
	OutputTokens int64
}

// Loop drives the provider through repeated tool-use turns until the model
// stops naturally or a bound is hit.
type Loop struct {
	provider Provider
	toolbox  *Toolbox
	maxTurns int
	onUsage  UsageSink
	logger   *logger.Logger
}

// NewLoop builds a loop. maxTurns <= 0 falls back to DefaultMaxTurns.
func NewLoop(provider Provider, toolbox *Toolbox, maxTurns int, onUsage UsageSink, log *logger.Logger) *Loop {
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	return &Loop{
		provider: provider,
		toolbox:  toolbox,
		maxTurns: maxTurns,
		onUsage:  onUsage,
		logger:   log,
	}
}

// Run executes the loop: send the conversation, dispatch on stop_reason,
// execute requested tools in order, feed results back, repeat. The final
// text is the last assistant text seen, whatever ended the loop.
func (l *Loop) Run(ctx context.Context, systemPrompt, userPrompt string) (*RunResult, error) {
	messages := []ChatMessage{{Role: RoleUser, Content: userPrompt}}
	specs := l.toolbox.Specs()
	result := &RunResult{}

	for turn := 0; turn < l.maxTurns; turn++ {
		if err := ctx.Err(); err != nil {
			return result, fmt.Errorf("agent loop cancelled: %w", err)
		}

		resp, err := l.provider.Chat(ctx, systemPrompt, messages, specs)
		if err != nil {
			return result, err
		}

		result.Turns++
		result.InputTokens += resp.Usage.InputTokens
		result.OutputTokens += resp.Usage.OutputTokens
		if l.onUsage != nil {
			l.onUsage(ctx, resp.Usage)
		}
		if resp.Content != "" {
			result.FinalText = resp.Content
		}

		l.logger.Debug("Agent turn",
			zap.Int("turn", turn+1),
			zap.String("stop_reason", resp.StopReason),
			zap.Int("tool_calls", len(resp.ToolCalls)),
			zap.Int64("input_tokens", resp.Usage.InputTokens),
			zap.Int64("output_tokens", resp.Usage.OutputTokens))

		switch resp.StopReason {
		case StopEndTurn:
			result.StopReason = StopEndTurn
			return result, nil

		case StopMaxTokens:
			l.logger.Warn("Response truncated at max tokens")
			result.StopReason = StopMaxTokens
			return result, nil

		case StopToolUse:
			results := make([]ToolResult, 0, len(resp.ToolCalls))
			for _, call := range resp.ToolCalls {
				results = append(results, l.toolbox.Execute(ctx, call))
			}
			messages = append(messages,
				ChatMessage{Role: RoleAssistant, Content: resp.Content, ToolCalls: resp.ToolCalls},
				ChatMessage{Role: RoleUser, ToolResults: results},
			)

		default:
			l.logger.Warn("Unexpected stop reason, ending loop",
				zap.String("stop_reason", resp.StopReason))
			result.StopReason = resp.StopReason
			return result, nil
		}
	}

	result.StopReason = StopMaxTurns
	return result, nil
}
