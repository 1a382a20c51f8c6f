package librarian

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/fablekit/fable/internal/agent"
	"github.com/fablekit/fable/internal/instructions"
	"github.com/fablekit/fable/internal/observability"
	"github.com/fablekit/fable/internal/store"
)

// Default scheduling parameters.
const (
	DefaultDebounce        = 2 * time.Second
	DefaultSummaryCapBytes = 8192
)

// Scheduler states per story.
const (
	StateIdle      = "idle"
	StateScheduled = "scheduled"
	StateRunning   = "running"
	StateError     = "error"
)

// Status reports a story's analysis state.
type Status struct {
	State             string    `json:"state"`
	PendingFragmentID string    `json:"pendingFragmentId,omitempty"`
	LastRunAt         time.Time `json:"lastRunAt,omitzero"`
	LastError         string    `json:"lastError,omitempty"`
}

// Config holds the scheduler's tunables.
type Config struct {
	// Model is the analyzer's model id.
	Model string

	// MaxTokens caps the analyzer's response length per turn.
	MaxTokens int

	// Debounce is the quiet period after a prose change before analysis
	// starts. Default 2s.
	Debounce time.Duration

	// SummaryCapBytes bounds the rolling story summary. Default 8192.
	SummaryCapBytes int
}

func (c Config) withDefaults() Config {
	if c.Debounce <= 0 {
		c.Debounce = DefaultDebounce
	}
	if c.SummaryCapBytes <= 0 {
		c.SummaryCapBytes = DefaultSummaryCapBytes
	}
	return c
}

// Deps are the scheduler's collaborators. Registry is where the scheduler
// registers its analyze agent.
type Deps struct {
	Store        *store.Store
	Instructions *instructions.Registry
	Registry     *agent.Registry
	Runner       *agent.Runner
	Provider     agent.Provider
	Logger       *observability.Logger
	Metrics      *observability.Metrics
	Tracer       *observability.Tracer
	Config       Config
}

// storyState is one story's scheduling state. Guarded by Scheduler.mu.
type storyState struct {
	timer             *time.Timer
	state             string
	pendingFragmentID string
	lastRunAt         time.Time
	lastError         string
	buffer            *AnalysisBuffer
	running           bool
	queued            bool
}

// Scheduler debounces prose changes per story and runs the analyze agent,
// one run per story at a time. It implements pipeline.Notifier.
type Scheduler struct {
	store        *store.Store
	instructions *instructions.Registry
	runner       *agent.Runner
	provider     agent.Provider
	logger       *observability.Logger
	metrics      *observability.Metrics
	tracer       *observability.Tracer
	config       Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	stories map[string]*storyState
}

// NewScheduler creates a scheduler and registers the analyze agent.
func NewScheduler(deps Deps) (*Scheduler, error) {
	logger := deps.Logger
	if logger == nil {
		logger = observability.NewTestLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		store:        deps.Store,
		instructions: deps.Instructions,
		runner:       deps.Runner,
		provider:     deps.Provider,
		logger:       logger.With("component", "librarian"),
		metrics:      deps.Metrics,
		tracer:       deps.Tracer,
		config:       deps.Config.withDefaults(),
		ctx:          ctx,
		cancel:       cancel,
		stories:      make(map[string]*storyState),
	}
	if err := deps.Registry.Register(s.analyzerDefinition()); err != nil {
		cancel()
		return nil, err
	}
	return s, nil
}

// ProseChanged schedules an analysis run after the debounce window. A change
// during the window restarts the timer; only the latest fragment is analyzed.
func (s *Scheduler) ProseChanged(storyID, fragmentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return
	}

	st := s.storyStateLocked(storyID)
	st.pendingFragmentID = fragmentID
	if !st.running {
		st.state = StateScheduled
	}
	if st.timer != nil {
		st.timer.Stop()
	}
	st.timer = time.AfterFunc(s.config.Debounce, func() { s.fire(storyID) })
}

// fire moves a story from scheduled to running, or queues a rerun when a run
// is already in flight.
func (s *Scheduler) fire(storyID string) {
	s.mu.Lock()
	st := s.storyStateLocked(storyID)
	st.timer = nil
	if s.ctx.Err() != nil || st.pendingFragmentID == "" {
		s.mu.Unlock()
		return
	}
	if st.running {
		st.queued = true
		s.mu.Unlock()
		return
	}

	fragmentID := st.pendingFragmentID
	st.pendingFragmentID = ""
	st.running = true
	st.state = StateRunning

	// A fresh buffer replaces the previous run's. One left open (a run that
	// never reached its terminal event) is finalized as superseded so its
	// followers are released.
	if prev := st.buffer; prev != nil {
		if prev.Finalize(errSuperseded{}) && s.metrics != nil {
			s.metrics.LibrarianRunCounter.WithLabelValues("superseded").Inc()
		}
	}
	buf := NewAnalysisBuffer()
	st.buffer = buf
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(storyID, fragmentID, buf)
	}()
}

type errSuperseded struct{}

func (errSuperseded) Error() string { return SupersededMessage }

// run executes one analysis and records the outcome.
func (s *Scheduler) run(storyID, fragmentID string, buf *AnalysisBuffer) {
	runCtx, span := s.tracer.Start(observability.WithStoryID(s.ctx, storyID), "librarian.analyze",
		attribute.String("fragment.id", fragmentID),
	)

	buf.Publish("progress", "analysis started for "+fragmentID)
	err := s.analyze(runCtx, storyID, fragmentID, buf)
	observability.End(span, err)

	status := "success"
	if err != nil {
		status = "error"
		s.logger.Warn(runCtx, "analysis failed",
			"story_id", storyID, "fragment_id", fragmentID, "error", err.Error())
		buf.Finalize(err)
	} else {
		buf.Finalize(nil)
	}
	if s.metrics != nil {
		s.metrics.LibrarianRunCounter.WithLabelValues(status).Inc()
	}

	s.mu.Lock()
	st := s.storyStateLocked(storyID)
	st.running = false
	st.lastRunAt = time.Now().UTC()
	if err != nil {
		st.state = StateError
		st.lastError = err.Error()
	} else {
		st.state = StateIdle
		st.lastError = ""
	}
	rerun := st.queued && st.pendingFragmentID != ""
	st.queued = false
	if rerun {
		st.state = StateScheduled
	}
	s.mu.Unlock()

	if rerun {
		s.fire(storyID)
	}
}

// analyze invokes the analyze agent and applies its results.
func (s *Scheduler) analyze(ctx context.Context, storyID, fragmentID string, buf *AnalysisBuffer) error {
	input, err := json.Marshal(analyzeInput{StoryID: storyID, FragmentID: fragmentID})
	if err != nil {
		return err
	}
	res, err := s.runner.Invoke(ctx, agent.InvokeRequest{
		DataDir:   s.store.DataDir(),
		StoryID:   storyID,
		AgentName: AgentAnalyze,
		Input:     input,
	})
	if err != nil {
		return err
	}

	var analysis Analysis
	if err := json.Unmarshal(res.Output, &analysis); err != nil {
		return err
	}
	return s.apply(storyID, &analysis, buf)
}

// Status reports the story's current analysis state.
func (s *Scheduler) Status(storyID string) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stories[storyID]
	if !ok {
		return Status{State: StateIdle}
	}
	return Status{
		State:             st.state,
		PendingFragmentID: st.pendingFragmentID,
		LastRunAt:         st.lastRunAt,
		LastError:         st.lastError,
	}
}

// Buffer returns the story's latest analysis buffer, or nil when no analysis
// has run yet.
func (s *Scheduler) Buffer(storyID string) *AnalysisBuffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stories[storyID]
	if !ok {
		return nil
	}
	return st.buffer
}

// Close cancels pending timers and waits for in-flight runs.
func (s *Scheduler) Close() {
	s.cancel()
	s.mu.Lock()
	for _, st := range s.stories {
		if st.timer != nil {
			st.timer.Stop()
			st.timer = nil
		}
	}
	s.mu.Unlock()
	s.wg.Wait()

	s.mu.Lock()
	for _, st := range s.stories {
		if st.buffer != nil {
			st.buffer.Finalize(nil)
		}
	}
	s.mu.Unlock()
}

func (s *Scheduler) storyStateLocked(storyID string) *storyState {
	st, ok := s.stories[storyID]
	if !ok {
		st = &storyState{state: StateIdle}
		s.stories[storyID] = st
	}
	return st
}
