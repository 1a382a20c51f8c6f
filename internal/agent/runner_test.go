package agent

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var anySchema = json.RawMessage(`{"type":"object"}`)

func testRunner(t *testing.T, defs ...*Definition) *Runner {
	t.Helper()
	registry := NewRegistry()
	for _, def := range defs {
		require.NoError(t, registry.Register(def))
	}
	return NewRunner(registry, nil, nil, nil)
}

func echoDef(name string) *Definition {
	return &Definition{
		Name:        name,
		InputSchema: anySchema,
		Run: func(ctx context.Context, inv *Invocation, input json.RawMessage) (any, error) {
			return map[string]any{"echo": string(input)}, nil
		},
	}
}

func TestInvoke_Success(t *testing.T) {
	r := testRunner(t, echoDef("writer"))

	res, err := r.Invoke(context.Background(), InvokeRequest{
		StoryID:   "s1",
		AgentName: "writer",
		Input:     json.RawMessage(`{"x":1}`),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.RunID)
	assert.JSONEq(t, `{"echo":"{\"x\":1}"}`, string(res.Output))

	require.Len(t, res.Trace, 1)
	assert.Equal(t, "writer", res.Trace[0].AgentName)
	assert.Equal(t, "success", res.Trace[0].Status)
	assert.NotEmpty(t, res.Trace[0].RootRunID)
}

func TestInvoke_UnknownAgent(t *testing.T) {
	r := testRunner(t)

	res, err := r.Invoke(context.Background(), InvokeRequest{AgentName: "ghost", Input: anySchema})
	require.Error(t, err)
	assert.Equal(t, KindUnknownAgent, KindOf(err))
	// Failed attempts still leave a trace entry.
	require.Len(t, res.Trace, 1)
	assert.Equal(t, "error", res.Trace[0].Status)
}

func TestInvoke_InputValidation(t *testing.T) {
	def := &Definition{
		Name:        "strict",
		InputSchema: json.RawMessage(`{"type":"object","required":["storyId"],"properties":{"storyId":{"type":"string"}}}`),
		Run: func(ctx context.Context, inv *Invocation, input json.RawMessage) (any, error) {
			return map[string]any{}, nil
		},
	}
	r := testRunner(t, def)

	_, err := r.Invoke(context.Background(), InvokeRequest{AgentName: "strict", Input: json.RawMessage(`{}`)})
	require.Error(t, err)
	assert.Equal(t, KindValidation, KindOf(err))
}

func TestInvoke_OutputValidation(t *testing.T) {
	def := &Definition{
		Name:         "badout",
		InputSchema:  anySchema,
		OutputSchema: json.RawMessage(`{"type":"object","required":["summary"]}`),
		Run: func(ctx context.Context, inv *Invocation, input json.RawMessage) (any, error) {
			return map[string]any{"other": true}, nil
		},
	}
	r := testRunner(t, def)

	_, err := r.Invoke(context.Background(), InvokeRequest{AgentName: "badout", Input: json.RawMessage(`{}`)})
	require.Error(t, err)
	assert.Equal(t, KindValidation, KindOf(err))
}

func TestInvoke_CycleDetected(t *testing.T) {
	// X invokes Y, Y invokes X again: the second X attempt must fail with a
	// cycle error, and the trace must show all three attempts.
	x := &Definition{
		Name:        "x",
		InputSchema: anySchema,
		Run: func(ctx context.Context, inv *Invocation, input json.RawMessage) (any, error) {
			if inv.Depth == 0 {
				return inv.InvokeAgent(ctx, "y", json.RawMessage(`{}`))
			}
			return map[string]any{}, nil
		},
	}
	y := &Definition{
		Name:        "y",
		InputSchema: anySchema,
		Run: func(ctx context.Context, inv *Invocation, input json.RawMessage) (any, error) {
			return inv.InvokeAgent(ctx, "x", json.RawMessage(`{}`))
		},
	}
	r := testRunner(t, x, y)

	res, err := r.Invoke(context.Background(), InvokeRequest{AgentName: "x", Input: json.RawMessage(`{}`)})
	require.Error(t, err)
	assert.Equal(t, KindCycle, KindOf(err))

	require.Len(t, res.Trace, 3)
	assert.Equal(t, "x", res.Trace[0].AgentName) // rejected re-entry, recorded first
	assert.Equal(t, "error", res.Trace[0].Status)
	assert.Equal(t, "y", res.Trace[1].AgentName)
	assert.Equal(t, "x", res.Trace[2].AgentName)
}

func TestInvoke_DepthLimit(t *testing.T) {
	// Chain a0 -> a1 -> a2 -> a3: a3 sits at depth 3; invoking a4 from it
	// would be depth 4 and must be rejected with the default limit of 3.
	defs := make([]*Definition, 5)
	for i := range defs {
		name := []string{"a0", "a1", "a2", "a3", "a4"}[i]
		next := ""
		if i < 4 {
			next = []string{"a1", "a2", "a3", "a4", ""}[i]
		}
		nextName := next
		defs[i] = &Definition{
			Name:        name,
			InputSchema: anySchema,
			Run: func(ctx context.Context, inv *Invocation, input json.RawMessage) (any, error) {
				if nextName == "" {
					return map[string]any{}, nil
				}
				return inv.InvokeAgent(ctx, nextName, json.RawMessage(`{}`))
			},
		}
	}
	r := testRunner(t, defs...)

	_, err := r.Invoke(context.Background(), InvokeRequest{AgentName: "a0", Input: json.RawMessage(`{}`)})
	require.Error(t, err)
	assert.Equal(t, KindDepthExceeded, KindOf(err))
}

func TestInvoke_CallLimit(t *testing.T) {
	// fanout invokes leaf repeatedly; with MaxCalls 3 the tree allows the
	// fanout run plus two leaves before the budget trips.
	leaf := echoDef("leaf")
	fanout := &Definition{
		Name:        "fanout",
		InputSchema: anySchema,
		Run: func(ctx context.Context, inv *Invocation, input json.RawMessage) (any, error) {
			for i := 0; i < 5; i++ {
				if _, err := inv.InvokeAgent(ctx, "leaf", json.RawMessage(`{}`)); err != nil {
					return nil, err
				}
			}
			return map[string]any{}, nil
		},
	}
	r := testRunner(t, leaf, fanout)

	res, err := r.Invoke(context.Background(), InvokeRequest{
		AgentName: "fanout",
		Input:     json.RawMessage(`{}`),
		Options:   Options{MaxCalls: 3},
	})
	require.Error(t, err)
	assert.Equal(t, KindCallLimit, KindOf(err))
	// Two leaf successes, one leaf rejection, one fanout failure.
	require.Len(t, res.Trace, 4)
}

func TestInvoke_RejectedAttemptsKeepBudget(t *testing.T) {
	// Cycle rejections must not consume call slots: with MaxCalls 2, looper
	// plus one leaf fit exactly even after five rejected re-entries.
	var rejections []ErrKind
	leaf := echoDef("leaf")
	looper := &Definition{
		Name:        "looper",
		InputSchema: anySchema,
		Run: func(ctx context.Context, inv *Invocation, input json.RawMessage) (any, error) {
			for i := 0; i < 5; i++ {
				_, err := inv.InvokeAgent(ctx, "looper", json.RawMessage(`{}`))
				rejections = append(rejections, KindOf(err))
			}
			return inv.InvokeAgent(ctx, "leaf", json.RawMessage(`{}`))
		},
	}
	r := testRunner(t, looper, leaf)

	res, err := r.Invoke(context.Background(), InvokeRequest{
		AgentName: "looper",
		Input:     json.RawMessage(`{}`),
		Options:   Options{MaxCalls: 2},
	})
	require.NoError(t, err)
	assert.Equal(t, []ErrKind{KindCycle, KindCycle, KindCycle, KindCycle, KindCycle}, rejections)
	// Five rejections, the leaf, then looper itself.
	require.Len(t, res.Trace, 7)
}

func TestInvoke_AllowedCalls(t *testing.T) {
	restricted := &Definition{
		Name:         "restricted",
		InputSchema:  anySchema,
		AllowedCalls: []string{"helper"},
		Run: func(ctx context.Context, inv *Invocation, input json.RawMessage) (any, error) {
			return inv.InvokeAgent(ctx, "forbidden", json.RawMessage(`{}`))
		},
	}
	r := testRunner(t, restricted, echoDef("helper"), echoDef("forbidden"))

	_, err := r.Invoke(context.Background(), InvokeRequest{AgentName: "restricted", Input: json.RawMessage(`{}`)})
	require.Error(t, err)
	assert.Equal(t, KindNotAllowed, KindOf(err))
}

func TestInvoke_Timeout(t *testing.T) {
	slow := &Definition{
		Name:        "slow",
		InputSchema: anySchema,
		Run: func(ctx context.Context, inv *Invocation, input json.RawMessage) (any, error) {
			select {
			case <-time.After(5 * time.Second):
				return map[string]any{}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}
	r := testRunner(t, slow)

	start := time.Now()
	_, err := r.Invoke(context.Background(), InvokeRequest{
		AgentName: "slow",
		Input:     json.RawMessage(`{}`),
		Options:   Options{Timeout: 50 * time.Millisecond},
	})
	require.Error(t, err)
	assert.Equal(t, KindTimeout, KindOf(err))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestInvoke_RunErrorWrapped(t *testing.T) {
	failing := &Definition{
		Name:        "failing",
		InputSchema: anySchema,
		Run: func(ctx context.Context, inv *Invocation, input json.RawMessage) (any, error) {
			return nil, assert.AnError
		},
	}
	r := testRunner(t, failing)

	res, err := r.Invoke(context.Background(), InvokeRequest{AgentName: "failing", Input: json.RawMessage(`{}`)})
	require.Error(t, err)
	assert.Equal(t, KindRunFailed, KindOf(err))
	require.Len(t, res.Trace, 1)
	assert.Contains(t, res.Trace[0].Error, assert.AnError.Error())
}

func TestInvoke_NestedSharesRootRunID(t *testing.T) {
	child := echoDef("child")
	parent := &Definition{
		Name:        "parent",
		InputSchema: anySchema,
		Run: func(ctx context.Context, inv *Invocation, input json.RawMessage) (any, error) {
			res, err := inv.InvokeAgent(ctx, "child", json.RawMessage(`{}`))
			if err != nil {
				return nil, err
			}
			return map[string]any{"childRun": res.RunID}, nil
		},
	}
	r := testRunner(t, parent, child)

	res, err := r.Invoke(context.Background(), InvokeRequest{AgentName: "parent", Input: json.RawMessage(`{}`)})
	require.NoError(t, err)
	require.Len(t, res.Trace, 2)
	assert.Equal(t, res.Trace[0].RootRunID, res.Trace[1].RootRunID)
	// Child finishes first, so it is recorded first.
	assert.Equal(t, "child", res.Trace[0].AgentName)
	assert.Equal(t, res.Trace[1].RunID, res.Trace[0].ParentRunID)
}

func TestInvoke_ActiveRegistryLifecycle(t *testing.T) {
	active := NewActiveRegistry(time.Minute)
	registry := NewRegistry()

	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, registry.Register(&Definition{
		Name:        "waiter",
		InputSchema: anySchema,
		Run: func(ctx context.Context, inv *Invocation, input json.RawMessage) (any, error) {
			close(started)
			<-release
			return map[string]any{}, nil
		},
	}))
	r := NewRunner(registry, active, nil, nil)

	errc := make(chan error, 1)
	go func() {
		_, err := r.Invoke(context.Background(), InvokeRequest{
			StoryID: "s1", AgentName: "waiter", Input: json.RawMessage(`{}`),
		})
		errc <- err
	}()

	<-started
	entries := active.List("s1")
	require.Len(t, entries, 1)
	assert.Equal(t, "waiter", entries[0].AgentName)

	close(release)
	require.NoError(t, <-errc)
	assert.Empty(t, active.List(""))
}
