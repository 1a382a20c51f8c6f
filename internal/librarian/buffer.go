// Package librarian runs background analysis after prose changes: updating
// the rolling story summary, proposing knowledge fragments, and flagging
// contradictions. Runs are debounced per story and never block generation.
package librarian

import (
	"context"
	"sync"
	"time"
)

// AnalysisEvent is one progress line of an analysis run, replayed to late
// subscribers.
type AnalysisEvent struct {
	Type    string    `json:"type"` // "progress", "finding", "done", "error"
	Message string    `json:"message,omitempty"`
	Error   string    `json:"error,omitempty"`
	At      time.Time `json:"at"`
}

// SupersededMessage finalizes a buffer whose run was replaced by a newer one.
const SupersededMessage = "Superseded by new analysis"

// AnalysisBuffer accumulates the events of one analysis run. Subscribers get
// a full replay of past events followed by live ones; the buffer closes all
// subscriber channels when finalized.
type AnalysisBuffer struct {
	mu        sync.Mutex
	events    []AnalysisEvent
	subs      map[chan AnalysisEvent]struct{}
	finalized bool
	err       error
}

// NewAnalysisBuffer creates an empty buffer.
func NewAnalysisBuffer() *AnalysisBuffer {
	return &AnalysisBuffer{subs: make(map[chan AnalysisEvent]struct{})}
}

// Publish appends an event and fans it out to live subscribers. Publishing
// after finalization is a no-op.
func (b *AnalysisBuffer) Publish(eventType, message string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finalized {
		return
	}
	ev := AnalysisEvent{Type: eventType, Message: message, At: time.Now().UTC()}
	b.events = append(b.events, ev)
	for sub := range b.subs {
		select {
		case sub <- ev:
		default:
			// A stalled subscriber would otherwise silently miss events;
			// closing its channel makes the gap detectable, and it can
			// re-subscribe for a fresh replay.
			delete(b.subs, sub)
			close(sub)
		}
	}
}

// Finalize closes the buffer and all subscriber channels. err == nil records
// success; a non-nil err is published as a terminal error event. Returns
// false when the buffer was already finalized.
func (b *AnalysisBuffer) Finalize(err error) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finalized {
		return false
	}
	terminal := AnalysisEvent{Type: "done", At: time.Now().UTC()}
	if err != nil {
		b.err = err
		terminal = AnalysisEvent{Type: "error", Error: err.Error(), At: time.Now().UTC()}
	}
	b.events = append(b.events, terminal)
	for sub := range b.subs {
		select {
		case sub <- terminal:
		default:
		}
		close(sub)
	}
	b.subs = make(map[chan AnalysisEvent]struct{})
	b.finalized = true
	return true
}

// Err returns the terminal error, if any, after finalization.
func (b *AnalysisBuffer) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// Subscribe returns a channel that replays all events so far and then
// follows live ones. The channel closes when the run finalizes or ctx ends.
func (b *AnalysisBuffer) Subscribe(ctx context.Context) <-chan AnalysisEvent {
	b.mu.Lock()
	replay := make([]AnalysisEvent, len(b.events))
	copy(replay, b.events)

	out := make(chan AnalysisEvent, len(replay)+16)
	for _, ev := range replay {
		out <- ev
	}
	if b.finalized {
		close(out)
		b.mu.Unlock()
		return out
	}
	b.subs[out] = struct{}{}
	b.mu.Unlock()

	if ctx != nil {
		go func() {
			<-ctx.Done()
			b.mu.Lock()
			if _, ok := b.subs[out]; ok {
				delete(b.subs, out)
				close(out)
			}
			b.mu.Unlock()
		}()
	}
	return out
}

// Events returns a snapshot of the events so far.
func (b *AnalysisBuffer) Events() []AnalysisEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]AnalysisEvent, len(b.events))
	copy(out, b.events)
	return out
}
