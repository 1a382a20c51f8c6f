// Package stream adapts model part-streams into NDJSON wire events and a
// final completion summary.
package stream

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/fablekit/fable/pkg/models"
)

// DefaultBuffer is the event channel capacity before backpressure handling
// kicks in.
const DefaultBuffer = 256

// StreamAborted is the finish reason used when a slow consumer forced the
// stream to terminate early.
const StreamAborted = "stream-aborted"

// Completion summarizes a finished part-stream for persistence.
type Completion struct {
	Text         string
	Reasoning    string
	ToolCalls    []models.ToolCallRecord
	StepCount    int
	FinishReason string
	Usage        models.Usage
	Err          error
}

// Adapter converts parts to events with a bounded buffer.
type Adapter struct {
	buffer int
}

// NewAdapter creates an adapter. buffer <= 0 selects the default.
func NewAdapter(buffer int) *Adapter {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Adapter{buffer: buffer}
}

// Pipe consumes parts and produces wire events plus a single completion.
//
// Contract:
//   - finish parts advance the step count and accumulate usage but produce
//     no event line of their own
//   - exactly one synthetic finish event terminates the event stream, after
//     every other event
//   - an errored part produces an error event, then the finish event, and
//     an errored completion
//   - when the consumer falls behind, reasoning events are dropped first;
//     if a text or tool event still cannot be delivered the stream aborts
//     with finish reason "stream-aborted"
//
// The events channel closes after the finish event; the completion channel
// delivers exactly one value.
func (a *Adapter) Pipe(ctx context.Context, parts <-chan *models.Part) (<-chan models.StreamEvent, <-chan *Completion) {
	events := make(chan models.StreamEvent, a.buffer)
	done := make(chan *Completion, 1)

	go func() {
		defer close(events)
		defer close(done)

		completion := &Completion{FinishReason: "stop"}
		var text, reasoning strings.Builder
		aborted := false

		finish := func() {
			completion.Text = text.String()
			completion.Reasoning = reasoning.String()
			a.deliver(ctx, events, models.FinishEvent(completion.FinishReason, completion.StepCount))
			done <- completion
		}

		for part := range parts {
			if part.Err != nil {
				completion.Err = part.Err
				completion.FinishReason = "error"
				a.deliver(ctx, events, models.ErrorEvent(part.Err.Error()))
				finish()
				a.drain(parts)
				return
			}

			switch part.Type {
			case models.PartTextDelta:
				text.WriteString(part.Text)
				if !a.deliver(ctx, events, models.TextEvent(part.Text)) {
					aborted = true
				}

			case models.PartReasoningDelta:
				reasoning.WriteString(part.Text)
				// Reasoning is best-effort: drop rather than stall the stream.
				select {
				case events <- models.ReasoningEvent(part.Text):
				default:
				}

			case models.PartToolCall:
				var args any
				rawOrNil(part.ToolCall.Input, &args)
				completion.ToolCalls = append(completion.ToolCalls, models.ToolCallRecord{
					ToolName: part.ToolCall.Name,
					Args:     args,
				})
				if !a.deliver(ctx, events, models.ToolCallEvent(part.ToolCall)) {
					aborted = true
				}

			case models.PartToolResult:
				var result any
				rawOrNil(models.RawOrQuoted(part.ToolResult.Content), &result)
				mergeToolResult(completion.ToolCalls, part.ToolResult.Name, result)
				if !a.deliver(ctx, events, models.ToolResultEvent(part.ToolResult)) {
					aborted = true
				}

			case models.PartFinish:
				completion.StepCount++
				completion.FinishReason = part.FinishReason
				completion.Usage.Add(part.Usage)
			}

			if aborted {
				completion.FinishReason = StreamAborted
				finish()
				a.drain(parts)
				return
			}
		}

		finish()
	}()

	return events, done
}

// deliver attempts a buffered send, then a blocking send bounded by ctx.
// A false return means the consumer is gone or hopelessly slow.
func (a *Adapter) deliver(ctx context.Context, events chan<- models.StreamEvent, ev models.StreamEvent) bool {
	select {
	case events <- ev:
		return true
	default:
	}
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// drain discards remaining parts so the producer goroutine can exit.
func (a *Adapter) drain(parts <-chan *models.Part) {
	for range parts {
	}
}

// mergeToolResult attaches a result to the most recent matching call record
// that has none yet.
func mergeToolResult(calls []models.ToolCallRecord, toolName string, result any) {
	for i := len(calls) - 1; i >= 0; i-- {
		if calls[i].ToolName == toolName && calls[i].Result == nil {
			calls[i].Result = result
			return
		}
	}
}

// rawOrNil decodes raw JSON best-effort, leaving nil on malformed payloads.
func rawOrNil(raw []byte, into *any) {
	if len(raw) == 0 {
		return
	}
	_ = json.Unmarshal(raw, into)
}
