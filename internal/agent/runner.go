package agent

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fablekit/fable/internal/observability"
	"github.com/fablekit/fable/pkg/models"
)

// Default runner limits.
const (
	DefaultMaxDepth = 3
	DefaultMaxCalls = 20
	DefaultTimeout  = 120 * time.Second
)

// Options bound a single agent run tree.
type Options struct {
	// MaxDepth limits nested invocation depth. Default 3.
	MaxDepth int

	// MaxCalls limits total invocations per run tree. Default 20.
	MaxCalls int

	// Timeout bounds each invocation. Default 120s.
	Timeout time.Duration

	// PartSink, when set, receives model parts from streaming agents.
	PartSink chan<- *models.Part
}

func (o Options) withDefaults() Options {
	if o.MaxDepth <= 0 {
		o.MaxDepth = DefaultMaxDepth
	}
	if o.MaxCalls <= 0 {
		o.MaxCalls = DefaultMaxCalls
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	return o
}

// TraceEntry records one invocation attempt. Every attempt produces exactly
// one entry, including attempts rejected before the agent body runs.
type TraceEntry struct {
	RunID       string    `json:"runId"`
	ParentRunID string    `json:"parentRunId,omitempty"`
	RootRunID   string    `json:"rootRunId"`
	AgentName   string    `json:"agentName"`
	StartedAt   time.Time `json:"startedAt"`
	FinishedAt  time.Time `json:"finishedAt"`
	DurationMs  int64     `json:"durationMs"`
	Status      string    `json:"status"`
	Error       string    `json:"error,omitempty"`
}

// Result is a successful agent run.
type Result struct {
	RunID  string          `json:"runId"`
	Output json.RawMessage `json:"output"`
	Trace  []TraceEntry    `json:"trace"`
}

// InvokeRequest describes a root agent invocation.
type InvokeRequest struct {
	DataDir   string
	StoryID   string
	AgentName string
	Input     json.RawMessage
	Options   Options
}

// Runner invokes registered agents under the configured limits.
type Runner struct {
	registry *Registry
	active   *ActiveRegistry
	logger   *observability.Logger
	tracer   *observability.Tracer
}

// NewRunner creates a runner over the given registry.
func NewRunner(registry *Registry, active *ActiveRegistry, logger *observability.Logger, tracer *observability.Tracer) *Runner {
	if logger == nil {
		logger = observability.NewTestLogger()
	}
	return &Runner{registry: registry, active: active, logger: logger, tracer: tracer}
}

// runtime is the shared state of one run tree: the trace, the invocation
// stack for cycle detection, and the call budget.
type runtime struct {
	rootRunID string
	opts      Options

	mu        sync.Mutex
	trace     []TraceEntry
	stack     []string
	callCount int
}

func (rt *runtime) record(entry TraceEntry) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.trace = append(rt.trace, entry)
}

func (rt *runtime) snapshot() []TraceEntry {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return slices.Clone(rt.trace)
}

// Invocation is the capability set handed to an agent body.
type Invocation struct {
	DataDir     string
	StoryID     string
	RunID       string
	ParentRunID string
	RootRunID   string
	Depth       int
	Logger      *observability.Logger

	// Parts receives model parts for streaming agents; nil otherwise.
	Parts chan<- *models.Part

	runner *Runner
	rt     *runtime
	agent  string
}

// InvokeAgent invokes another agent within the same run tree, sharing the
// cycle, depth, and call budgets.
func (inv *Invocation) InvokeAgent(ctx context.Context, agentName string, input json.RawMessage) (*Result, error) {
	return inv.runner.invoke(ctx, inv.rt, inv, agentName, input)
}

// Invoke runs an agent as the root of a new run tree.
func (r *Runner) Invoke(ctx context.Context, req InvokeRequest) (*Result, error) {
	rt := &runtime{
		rootRunID: uuid.NewString(),
		opts:      req.Options.withDefaults(),
	}
	root := &Invocation{
		DataDir: req.DataDir,
		StoryID: req.StoryID,
		RunID:   rt.rootRunID,
		Depth:   -1, // children of the synthetic root are depth 0
		runner:  r,
		rt:      rt,
	}
	result, err := r.invoke(ctx, rt, root, req.AgentName, req.Input)
	if err != nil {
		return &Result{RunID: rt.rootRunID, Trace: rt.snapshot()}, err
	}
	return result, nil
}

// invoke performs one invocation attempt: limit checks, validation, the
// timed run, and the trace entry.
func (r *Runner) invoke(ctx context.Context, rt *runtime, parent *Invocation, agentName string, input json.RawMessage) (*Result, error) {
	runID := uuid.NewString()
	started := time.Now().UTC()

	fail := func(err error) (*Result, error) {
		finished := time.Now().UTC()
		rt.record(TraceEntry{
			RunID:       runID,
			ParentRunID: parent.RunID,
			RootRunID:   rt.rootRunID,
			AgentName:   agentName,
			StartedAt:   started,
			FinishedAt:  finished,
			DurationMs:  finished.Sub(started).Milliseconds(),
			Status:      "error",
			Error:       err.Error(),
		})
		return nil, err
	}

	def, ok := r.registry.Get(agentName)
	if !ok {
		return fail(runError(KindUnknownAgent, agentName, "no such agent"))
	}

	rt.mu.Lock()
	if rt.callCount >= rt.opts.MaxCalls {
		count := rt.callCount
		rt.mu.Unlock()
		return fail(runError(KindCallLimit, agentName, "call limit %d reached (made %d)", rt.opts.MaxCalls, count))
	}
	depth := parent.Depth + 1
	if depth > rt.opts.MaxDepth {
		rt.mu.Unlock()
		return fail(runError(KindDepthExceeded, agentName, "depth %d exceeds limit %d", depth, rt.opts.MaxDepth))
	}
	if slices.Contains(rt.stack, agentName) {
		stack := slices.Clone(rt.stack)
		rt.mu.Unlock()
		return fail(runError(KindCycle, agentName, "already on invocation stack %v", stack))
	}
	// The budget counts admitted attempts only.
	rt.callCount++
	rt.stack = append(rt.stack, agentName)
	rt.mu.Unlock()

	defer func() {
		rt.mu.Lock()
		rt.stack = rt.stack[:len(rt.stack)-1]
		rt.mu.Unlock()
	}()

	if parentDef, ok := r.registry.Get(parent.agent); ok && parentDef.AllowedCalls != nil {
		if !slices.Contains(parentDef.AllowedCalls, agentName) {
			return fail(runError(KindNotAllowed, agentName, "not in %s allowedCalls", parent.agent))
		}
	}

	if err := validate(r.registry.schemas(agentName).input, input); err != nil {
		return fail(runError(KindValidation, agentName, "input: %w", err))
	}

	inv := &Invocation{
		DataDir:     parent.DataDir,
		StoryID:     parent.StoryID,
		RunID:       runID,
		ParentRunID: parent.RunID,
		RootRunID:   rt.rootRunID,
		Depth:       depth,
		Logger:      r.logger.With("agent", agentName),
		Parts:       rt.opts.PartSink,
		runner:      r,
		rt:          rt,
		agent:       agentName,
	}

	var activeID string
	if r.active != nil {
		activeID = r.active.Register(parent.StoryID, agentName)
		defer r.active.Unregister(activeID)
	}

	runCtx := observability.WithRunID(ctx, runID)
	runCtx, span := r.tracer.Start(runCtx, "agent.run",
		attribute.String("agent.name", agentName),
		attribute.Int("agent.depth", depth),
	)

	output, err := r.runWithTimeout(runCtx, rt.opts.Timeout, def, inv, input)
	observability.End(span, err)
	if err != nil {
		return fail(err)
	}

	raw, err := json.Marshal(output)
	if err != nil {
		return fail(runError(KindRunFailed, agentName, "marshal output: %w", err))
	}
	if schemas := r.registry.schemas(agentName); schemas.output != nil {
		if err := validate(schemas.output, raw); err != nil {
			return fail(runError(KindValidation, agentName, "output: %w", err))
		}
	}

	finished := time.Now().UTC()
	rt.record(TraceEntry{
		RunID:       runID,
		ParentRunID: parent.RunID,
		RootRunID:   rt.rootRunID,
		AgentName:   agentName,
		StartedAt:   started,
		FinishedAt:  finished,
		DurationMs:  finished.Sub(started).Milliseconds(),
		Status:      "success",
	})

	return &Result{RunID: runID, Output: raw, Trace: rt.snapshot()}, nil
}

// runWithTimeout races the agent body against its timeout. A hung body
// cannot block the caller; its goroutine is abandoned with a canceled
// context once the deadline passes.
func (r *Runner) runWithTimeout(ctx context.Context, timeout time.Duration, def *Definition, inv *Invocation, input json.RawMessage) (any, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		output any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		output, err := def.Run(runCtx, inv, input)
		done <- outcome{output, err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			var re *RunError
			if errors.As(o.err, &re) {
				return nil, o.err
			}
			return nil, &RunError{Kind: KindRunFailed, Agent: def.Name, Err: o.err}
		}
		return o.output, nil
	case <-runCtx.Done():
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, runError(KindTimeout, def.Name, "timed out after %s", timeout)
		}
		return nil, runCtx.Err()
	}
}
