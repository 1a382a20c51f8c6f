package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fablekit/fable/internal/observability"
	"github.com/fablekit/fable/pkg/models"
)

// DefaultMaxSteps bounds the model tool loop.
const DefaultMaxSteps = 10

// LoopResult summarizes a completed tool loop.
type LoopResult struct {
	// Text is the accumulated generated text across all steps.
	Text string

	// Reasoning is the accumulated reasoning text across all steps.
	Reasoning string

	// Messages is the full conversation including assistant turns and tool
	// results appended by the loop.
	Messages []models.Message

	// StepCount is the number of completed model turns.
	StepCount int

	// FinishReason is the final finish reason; "max-steps" when the loop
	// hit its budget while the model still wanted tools.
	FinishReason string

	// Usage is the total token usage across all steps.
	Usage models.Usage
}

// Loop drives the model tool loop: stream one model turn, execute any tool
// calls, feed results back, repeat until the model stops or the step budget
// is exhausted.
type Loop struct {
	provider Provider
	logger   *observability.Logger
	metrics  *observability.Metrics
}

// NewLoop creates a tool loop over the given provider.
func NewLoop(provider Provider, logger *observability.Logger, metrics *observability.Metrics) *Loop {
	if logger == nil {
		logger = observability.NewTestLogger()
	}
	return &Loop{provider: provider, logger: logger, metrics: metrics}
}

// Run executes the loop. Every part from every turn is forwarded to sink,
// including one finish part per turn; sink is not closed. maxSteps <= 0
// selects the default.
func (l *Loop) Run(ctx context.Context, req *CompletionRequest, maxSteps int, sink chan<- *models.Part) (*LoopResult, error) {
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}

	toolsByName := make(map[string]Tool, len(req.Tools))
	for _, tool := range req.Tools {
		toolsByName[tool.Name()] = tool
	}

	result := &LoopResult{Messages: append([]models.Message(nil), req.Messages...)}
	var text, reasoning strings.Builder

	for {
		turnReq := &CompletionRequest{
			Model:     req.Model,
			System:    req.System,
			Messages:  result.Messages,
			Tools:     req.Tools,
			MaxTokens: req.MaxTokens,
		}
		parts, err := l.provider.Stream(ctx, turnReq)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", l.provider.Name(), err)
		}

		var (
			turnText  strings.Builder
			toolCalls []models.ToolCall
			finish    string
		)
		for part := range parts {
			if part.Err != nil {
				return nil, part.Err
			}
			switch part.Type {
			case models.PartTextDelta:
				turnText.WriteString(part.Text)
				text.WriteString(part.Text)
			case models.PartReasoningDelta:
				reasoning.WriteString(part.Text)
			case models.PartToolCall:
				toolCalls = append(toolCalls, *part.ToolCall)
			case models.PartFinish:
				finish = part.FinishReason
				result.Usage.Add(part.Usage)
			}
			emit(ctx, sink, part)
		}
		result.StepCount++
		result.FinishReason = finish

		assistant := models.Message{Role: models.RoleAssistant, Content: turnText.String()}
		assistant.ToolCalls = append(assistant.ToolCalls, toolCalls...)
		result.Messages = append(result.Messages, assistant)

		if len(toolCalls) == 0 {
			break
		}
		if result.StepCount >= maxSteps {
			result.FinishReason = "max-steps"
			l.logger.Warn(ctx, "tool loop hit step budget",
				"steps", result.StepCount, "pendingToolCalls", len(toolCalls))
			break
		}

		toolMsg := models.Message{Role: models.RoleTool}
		for _, call := range toolCalls {
			toolResult := l.execute(ctx, toolsByName, call)
			toolMsg.ToolResults = append(toolMsg.ToolResults, *toolResult)
			emit(ctx, sink, &models.Part{Type: models.PartToolResult, ToolResult: toolResult})
		}
		result.Messages = append(result.Messages, toolMsg)
	}

	result.Text = text.String()
	result.Reasoning = reasoning.String()
	return result, nil
}

// execute runs one tool call. Failures become error results so the model can
// see what went wrong and retry.
func (l *Loop) execute(ctx context.Context, tools map[string]Tool, call models.ToolCall) *models.ToolResult {
	started := time.Now()
	out := &models.ToolResult{ToolCallID: call.ID, Name: call.Name}

	tool, ok := tools[call.Name]
	if !ok {
		out.Content = fmt.Sprintf("unknown tool: %s", call.Name)
		out.IsError = true
		l.observe(call.Name, "unknown", started)
		return out
	}

	res, err := tool.Execute(ctx, call.Input)
	if err != nil {
		out.Content = err.Error()
		out.IsError = true
		l.observe(call.Name, "error", started)
		return out
	}
	out.Content = res.Content
	out.IsError = res.IsError

	status := "success"
	if res.IsError {
		status = "error"
	}
	l.observe(call.Name, status, started)
	return out
}

func (l *Loop) observe(tool, status string, started time.Time) {
	if l.metrics == nil {
		return
	}
	l.metrics.ToolExecutionCounter.WithLabelValues(tool, status).Inc()
	l.metrics.ToolExecutionDuration.WithLabelValues(tool).Observe(time.Since(started).Seconds())
}

// emit forwards a part unless the context is gone.
func emit(ctx context.Context, sink chan<- *models.Part, part *models.Part) {
	if sink == nil {
		return
	}
	select {
	case sink <- part:
	case <-ctx.Done():
	}
}
