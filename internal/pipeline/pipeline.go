// Package pipeline orchestrates a generation run: context assembly, block
// composition, the writer agent's tool loop, event streaming, and
// persistence of the result.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/fablekit/fable/internal/agent"
	"github.com/fablekit/fable/internal/blocks"
	"github.com/fablekit/fable/internal/contextbuild"
	"github.com/fablekit/fable/internal/instructions"
	"github.com/fablekit/fable/internal/observability"
	"github.com/fablekit/fable/internal/store"
	"github.com/fablekit/fable/internal/stream"
	"github.com/fablekit/fable/pkg/models"
)

// Generation modes.
const (
	ModeGenerate   = "generate"
	ModeRegenerate = "regenerate"
	ModeRefine     = "refine"
)

// Agent names registered by the pipeline.
const (
	AgentWriter     = "writer"
	AgentDirections = "directions"
)

// Request describes one generation run.
type Request struct {
	StoryID string `json:"storyId"`

	// Input is the author's instruction or note for this run.
	Input string `json:"input"`

	// SaveResult persists the generated text when the run succeeds. Without
	// it the run streams and logs but writes no fragment.
	SaveResult bool `json:"saveResult"`

	// Mode selects generate, regenerate, or refine.
	Mode string `json:"mode"`

	// TargetFragmentID names the prose fragment being regenerated or
	// refined. Required for those modes, rejected for generate.
	TargetFragmentID string `json:"fragmentId,omitempty"`

	// Model overrides the configured default model.
	Model string `json:"model,omitempty"`
}

// Result reports the persisted outcome of a run, delivered once after the
// event stream finishes.
type Result struct {
	FragmentID string
	Log        *store.GenerationLog
	Err        error
}

// Notifier is told when a run changed prose, so analysis can be scheduled.
type Notifier interface {
	ProseChanged(storyID, fragmentID string)
}

// Config holds the pipeline's model defaults.
type Config struct {
	DefaultModel string
	MaxTokens    int
}

// Pipeline wires the generation flow together.
type Pipeline struct {
	store        *store.Store
	builder      *contextbuild.Builder
	engine       *blocks.Engine
	instructions *instructions.Registry
	runner       *agent.Runner
	provider     agent.Provider
	adapter      *stream.Adapter
	logger       *observability.Logger
	metrics      *observability.Metrics
	tracer       *observability.Tracer
	notifier     Notifier
	config       Config
}

// Deps are the pipeline's collaborators. Registry is where the pipeline
// registers its writer and directions agents.
type Deps struct {
	Store        *store.Store
	Instructions *instructions.Registry
	Registry     *agent.Registry
	Runner       *agent.Runner
	Provider     agent.Provider
	Logger       *observability.Logger
	Metrics      *observability.Metrics
	Tracer       *observability.Tracer
	Notifier     Notifier
	Config       Config
}

// New creates a pipeline and registers its agents.
func New(deps Deps) (*Pipeline, error) {
	logger := deps.Logger
	if logger == nil {
		logger = observability.NewTestLogger()
	}
	p := &Pipeline{
		store:        deps.Store,
		builder:      contextbuild.NewBuilder(deps.Store),
		engine:       blocks.NewEngine(blocks.NewScriptRunner(0), logger),
		instructions: deps.Instructions,
		runner:       deps.Runner,
		provider:     deps.Provider,
		adapter:      stream.NewAdapter(0),
		logger:       logger,
		metrics:      deps.Metrics,
		tracer:       deps.Tracer,
		notifier:     deps.Notifier,
		config:       deps.Config,
	}
	if err := deps.Registry.Register(p.writerDefinition()); err != nil {
		return nil, err
	}
	if err := deps.Registry.Register(p.directionsDefinition()); err != nil {
		return nil, err
	}
	return p, nil
}

// Generate runs the pipeline. Events stream on the first channel; the second
// delivers exactly one Result after the fragment and log are persisted.
func (p *Pipeline) Generate(ctx context.Context, req Request) (<-chan models.StreamEvent, <-chan *Result, error) {
	started := time.Now()

	if err := p.validate(req); err != nil {
		return nil, nil, err
	}
	model := req.Model
	if model == "" {
		model = p.config.DefaultModel
	}

	msgs, state, err := p.assemble(req, model)
	if err != nil {
		return nil, nil, err
	}

	writerInput, err := json.Marshal(writerInput{
		StoryID:     req.StoryID,
		Model:       model,
		System:      msgs.system,
		Messages:    msgs.conversation,
		MaxSteps: state.Story.Settings.MaxSteps,
	})
	if err != nil {
		return nil, nil, err
	}

	parts := make(chan *models.Part, stream.DefaultBuffer)
	events, done := p.adapter.Pipe(ctx, parts)
	results := make(chan *Result, 1)

	runCtx, span := p.tracer.Start(observability.WithStoryID(ctx, req.StoryID), "pipeline.generate",
		attribute.String("generation.mode", req.Mode),
		attribute.String("generation.model", model),
	)

	go func() {
		defer close(parts)
		_, err := p.runner.Invoke(runCtx, agent.InvokeRequest{
			DataDir:   p.store.DataDir(),
			StoryID:   req.StoryID,
			AgentName: AgentWriter,
			Input:     writerInput,
			Options:   agent.Options{PartSink: parts},
		})
		if err != nil {
			parts <- &models.Part{Err: err}
		}
	}()

	go func() {
		defer close(results)
		completion := <-done
		result := p.finalize(req, model, msgs, completion, started)
		observability.End(span, result.Err)
		results <- result
	}()

	return events, results, nil
}

func (p *Pipeline) validate(req Request) error {
	switch req.Mode {
	case ModeGenerate:
		if req.TargetFragmentID != "" {
			return fmt.Errorf("%w: fragmentId is only valid for regenerate and refine", store.ErrInvalid)
		}
	case ModeRegenerate, ModeRefine:
		if req.TargetFragmentID == "" {
			return fmt.Errorf("%w: %s requires fragmentId", store.ErrInvalid, req.Mode)
		}
	default:
		return fmt.Errorf("%w: unknown mode %q", store.ErrInvalid, req.Mode)
	}
	return nil
}

// assembled is the prompt produced by the block engine, split into the
// system prompt and the remaining conversation.
type assembled struct {
	system       string
	conversation []models.Message
}

// assemble builds the context state, applies the block config, and folds the
// sorted blocks into messages.
func (p *Pipeline) assemble(req Request, model string) (*assembled, *contextbuild.ContextState, error) {
	opts := contextbuild.Options{}
	if req.Mode == ModeRegenerate || req.Mode == ModeRefine {
		opts.ProseBeforeFragmentID = req.TargetFragmentID
		opts.SummaryBeforeFragmentID = req.TargetFragmentID
	}

	state, err := p.builder.Build(req.StoryID, req.Input, opts)
	if err != nil {
		return nil, nil, err
	}

	systemText, err := p.instructions.Resolve(instructions.KeyWriterSystem, model)
	if err != nil {
		return nil, nil, err
	}
	toolUseText, err := p.instructions.Resolve(instructions.KeyWriterToolUse, model)
	if err != nil {
		return nil, nil, err
	}

	if req.Mode == ModeRefine {
		target, err := p.targetContent(req)
		if err != nil {
			return nil, nil, err
		}
		refineText, err := p.instructions.Resolve(instructions.KeyWriterRefine, model)
		if err != nil {
			return nil, nil, err
		}
		state.AuthorInput = refineText + "\n\nCurrent passage:\n" + target + "\n\nAuthor's note: " + req.Input
	}

	cfg, err := p.store.GetBlockConfig(req.StoryID)
	if err != nil {
		return nil, nil, err
	}

	defaults := blocks.Defaults(state, blocks.SystemTexts{
		Instructions: systemText,
		ToolUse:      toolUseText,
	})
	composed := p.engine.Apply(defaults, cfg, &blocks.ScriptContext{
		State: state,
		GetFragment: func(id string) (*store.Fragment, error) {
			return p.store.GetFragment(req.StoryID, id)
		},
	})
	blocks.Sort(composed)

	return foldBlocks(composed), state, nil
}

// foldBlocks joins system blocks into the system prompt and groups the
// remaining blocks into consecutive same-role messages.
func foldBlocks(composed []blocks.ContextBlock) *assembled {
	out := &assembled{}
	var systemParts []string
	for _, block := range composed {
		if block.Role == "system" {
			systemParts = append(systemParts, block.Content)
			continue
		}
		n := len(out.conversation)
		if n > 0 && out.conversation[n-1].Role == block.Role {
			out.conversation[n-1].Content += "\n\n" + block.Content
			continue
		}
		out.conversation = append(out.conversation, models.Message{
			Role:    block.Role,
			Content: block.Content,
		})
	}
	out.system = strings.Join(systemParts, "\n\n")
	return out
}

func (p *Pipeline) targetContent(req Request) (string, error) {
	frag, err := p.store.GetFragment(req.StoryID, req.TargetFragmentID)
	if err != nil {
		return "", err
	}
	if frag == nil {
		return "", fmt.Errorf("fragment %s: %w", req.TargetFragmentID, store.ErrNotFound)
	}
	return frag.Content, nil
}

// finalize persists the generated text and the run log, and notifies the
// librarian. It runs after the event stream has finished.
func (p *Pipeline) finalize(req Request, model string, msgs *assembled, completion *stream.Completion, started time.Time) *Result {
	result := &Result{}

	if completion.Err == nil && req.SaveResult && strings.TrimSpace(completion.Text) != "" {
		fragmentID, err := p.saveFragment(req, completion.Text)
		if err != nil {
			completion.Err = err
		} else {
			result.FragmentID = fragmentID
		}
	}

	log := &store.GenerationLog{
		Mode:          req.Mode,
		Input:         req.Input,
		Messages:      append([]models.Message{{Role: models.RoleSystem, Content: msgs.system}}, msgs.conversation...),
		ToolCalls:     completion.ToolCalls,
		GeneratedText: completion.Text,
		FragmentID:    result.FragmentID,
		Model:         model,
		DurationMs:    time.Since(started).Milliseconds(),
		StepCount:     completion.StepCount,
		FinishReason:  completion.FinishReason,
		StepsExceeded: completion.FinishReason == "max-steps",
		TotalUsage:    &completion.Usage,
		Reasoning:     completion.Reasoning,
	}
	if completion.Err != nil {
		log.Error = completion.Err.Error()
	}
	saved, err := p.store.SaveGenerationLog(req.StoryID, log)
	if err != nil {
		p.logger.Error(nil, "failed to save generation log", "story_id", req.StoryID, "error", err.Error())
	} else {
		result.Log = saved
	}

	status := "success"
	if completion.Err != nil {
		status = "error"
		result.Err = completion.Err
	}
	if p.metrics != nil {
		p.metrics.GenerationCounter.WithLabelValues(req.Mode, status).Inc()
		p.metrics.GenerationDuration.WithLabelValues(req.Mode).Observe(time.Since(started).Seconds())
		p.metrics.LLMTokensUsed.WithLabelValues(p.provider.Name(), model, "input").Add(float64(completion.Usage.InputTokens))
		p.metrics.LLMTokensUsed.WithLabelValues(p.provider.Name(), model, "output").Add(float64(completion.Usage.OutputTokens))
	}

	if result.Err == nil && result.FragmentID != "" && p.notifier != nil {
		p.notifier.ProseChanged(req.StoryID, result.FragmentID)
	}
	return result
}

// saveFragment writes the generated text: a new chain-end prose fragment for
// generate, a versioned content update of the target otherwise.
func (p *Pipeline) saveFragment(req Request, text string) (string, error) {
	switch req.Mode {
	case ModeGenerate:
		prose, err := p.store.ListFragments(req.StoryID, store.ListOptions{Type: store.TypeProse})
		if err != nil {
			return "", err
		}
		var maxOrder float64
		for _, frag := range prose {
			if frag.Order > maxOrder {
				maxOrder = frag.Order
			}
		}
		frag, err := p.store.CreateFragment(req.StoryID, store.CreateFragmentInput{
			Type:    store.TypeProse,
			Name:    fmt.Sprintf("Passage %d", len(prose)+1),
			Content: text,
			Order:   maxOrder + 10,
		})
		if err != nil {
			return "", err
		}
		return frag.ID, nil

	default:
		frag, err := p.store.UpdateFragment(req.StoryID, req.TargetFragmentID, store.UpdateFragmentInput{
			Content: &text,
		})
		if err != nil {
			return "", err
		}
		return frag.ID, nil
	}
}
