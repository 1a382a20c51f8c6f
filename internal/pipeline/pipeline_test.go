package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fablekit/fable/internal/agent"
	"github.com/fablekit/fable/internal/instructions"
	"github.com/fablekit/fable/internal/store"
	"github.com/fablekit/fable/pkg/models"
)

// fakeProvider replays canned part sequences, one per model turn, and
// records every request it saw.
type fakeProvider struct {
	mu       sync.Mutex
	turns    [][]*models.Part
	requests []*agent.CompletionRequest
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Stream(ctx context.Context, req *agent.CompletionRequest) (<-chan *models.Part, error) {
	p.mu.Lock()
	turn := len(p.requests)
	p.requests = append(p.requests, req)
	p.mu.Unlock()
	if turn >= len(p.turns) {
		return nil, fmt.Errorf("unexpected turn %d", turn)
	}
	out := make(chan *models.Part, len(p.turns[turn]))
	for _, part := range p.turns[turn] {
		out <- part
	}
	close(out)
	return out, nil
}

func (p *fakeProvider) lastRequest() *agent.CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[len(p.requests)-1]
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []string
}

func (n *recordingNotifier) ProseChanged(storyID, fragmentID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, storyID+"/"+fragmentID)
}

func textOnly(text string) [][]*models.Part {
	return [][]*models.Part{{
		{Type: models.PartTextDelta, Text: text},
		{Type: models.PartFinish, FinishReason: "stop", Usage: &models.Usage{InputTokens: 10, OutputTokens: 4}},
	}}
}

func testPipeline(t *testing.T, provider agent.Provider, notifier Notifier) (*Pipeline, *store.Store, string) {
	t.Helper()
	st, err := store.Open(t.TempDir(), nil)
	require.NoError(t, err)
	story, err := st.CreateStory(store.CreateStoryInput{Name: "Voyage"})
	require.NoError(t, err)

	registry := agent.NewRegistry()
	runner := agent.NewRunner(registry, nil, nil, nil)
	p, err := New(Deps{
		Store:        st,
		Instructions: instructions.NewRegistry(nil),
		Registry:     registry,
		Runner:       runner,
		Provider:     provider,
		Notifier:     notifier,
		Config:       Config{DefaultModel: "test-model", MaxTokens: 1024},
	})
	require.NoError(t, err)
	return p, st, story.ID
}

func collect(t *testing.T, events <-chan models.StreamEvent, results <-chan *Result) ([]models.StreamEvent, *Result) {
	t.Helper()
	var out []models.StreamEvent
	for ev := range events {
		out = append(out, ev)
	}
	return out, <-results
}

func TestGenerate_CreatesChainEndFragment(t *testing.T) {
	provider := &fakeProvider{turns: textOnly("The ship left at dawn.")}
	notifier := &recordingNotifier{}
	p, st, sid := testPipeline(t, provider, notifier)

	events, results, err := p.Generate(context.Background(), Request{
		StoryID: sid, Mode: ModeGenerate, Input: "continue", SaveResult: true,
	})
	require.NoError(t, err)
	evs, result := collect(t, events, results)
	require.NoError(t, result.Err)

	// Stream: text then the synthetic finish.
	assert.Equal(t, models.EventText, evs[0].Type)
	assert.Equal(t, models.EventFinish, evs[len(evs)-1].Type)

	frag, err := st.GetFragment(sid, result.FragmentID)
	require.NoError(t, err)
	require.NotNil(t, frag)
	assert.Equal(t, store.TypeProse, frag.Type)
	assert.Equal(t, "The ship left at dawn.", frag.Content)

	require.NotNil(t, result.Log)
	assert.Equal(t, ModeGenerate, result.Log.Mode)
	assert.Equal(t, result.FragmentID, result.Log.FragmentID)
	assert.Equal(t, 1, result.Log.StepCount)
	assert.Equal(t, "stop", result.Log.FinishReason)

	assert.Equal(t, []string{sid + "/" + result.FragmentID}, notifier.calls)
}

func TestGenerate_WithoutSaveCreatesNoFragment(t *testing.T) {
	provider := &fakeProvider{turns: textOnly("A passage kept only in the log.")}
	notifier := &recordingNotifier{}
	p, st, sid := testPipeline(t, provider, notifier)

	events, results, err := p.Generate(context.Background(), Request{
		StoryID: sid, Mode: ModeGenerate, Input: "continue",
	})
	require.NoError(t, err)
	evs, result := collect(t, events, results)
	require.NoError(t, result.Err)

	assert.Equal(t, models.EventText, evs[0].Type)
	assert.Equal(t, models.EventFinish, evs[len(evs)-1].Type)

	assert.Empty(t, result.FragmentID)
	prose, err := st.ListFragments(sid, store.ListOptions{Type: store.TypeProse})
	require.NoError(t, err)
	assert.Empty(t, prose)

	// The run is still logged, and the librarian is not told.
	require.NotNil(t, result.Log)
	assert.Equal(t, "A passage kept only in the log.", result.Log.GeneratedText)
	assert.Empty(t, result.Log.FragmentID)
	assert.Empty(t, notifier.calls)
}

func TestGenerate_AppendsAfterExistingProse(t *testing.T) {
	provider := &fakeProvider{turns: textOnly("Chapter two.")}
	p, st, sid := testPipeline(t, provider, nil)
	first, err := st.CreateFragment(sid, store.CreateFragmentInput{
		Type: store.TypeProse, Name: "Passage 1", Content: "Chapter one.", Order: 10,
	})
	require.NoError(t, err)

	events, results, err := p.Generate(context.Background(), Request{
		StoryID: sid, Mode: ModeGenerate, Input: "go on", SaveResult: true,
	})
	require.NoError(t, err)
	_, result := collect(t, events, results)
	require.NoError(t, result.Err)

	frag, err := st.GetFragment(sid, result.FragmentID)
	require.NoError(t, err)
	assert.Greater(t, frag.Order, first.Order)

	// The prompt included the existing prose.
	req := provider.lastRequest()
	joined := ""
	for _, m := range req.Messages {
		joined += m.Content + "\n"
	}
	assert.Contains(t, joined, "Chapter one.")
}

func TestRegenerate_UpdatesTargetInPlace(t *testing.T) {
	provider := &fakeProvider{turns: textOnly("A better passage.")}
	p, st, sid := testPipeline(t, provider, nil)
	target, err := st.CreateFragment(sid, store.CreateFragmentInput{
		Type: store.TypeProse, Name: "Passage 1", Content: "A weak passage.", Order: 10,
	})
	require.NoError(t, err)

	events, results, err := p.Generate(context.Background(), Request{
		StoryID: sid, Mode: ModeRegenerate, Input: "again", TargetFragmentID: target.ID, SaveResult: true,
	})
	require.NoError(t, err)
	_, result := collect(t, events, results)
	require.NoError(t, result.Err)
	assert.Equal(t, target.ID, result.FragmentID)

	frag, err := st.GetFragment(sid, target.ID)
	require.NoError(t, err)
	assert.Equal(t, "A better passage.", frag.Content)
	assert.Equal(t, 2, frag.Version)

	// The target itself must not appear in the prompt's prose window.
	req := provider.lastRequest()
	for _, m := range req.Messages {
		assert.NotContains(t, m.Content, "A weak passage.")
	}
}

func TestRefine_PromptCarriesTargetContent(t *testing.T) {
	provider := &fakeProvider{turns: textOnly("Refined text.")}
	p, st, sid := testPipeline(t, provider, nil)
	target, err := st.CreateFragment(sid, store.CreateFragmentInput{
		Type: store.TypeProse, Name: "Passage 1", Content: "Rough draft text.", Order: 10,
	})
	require.NoError(t, err)

	events, results, err := p.Generate(context.Background(), Request{
		StoryID: sid, Mode: ModeRefine, Input: "tighten it", TargetFragmentID: target.ID, SaveResult: true,
	})
	require.NoError(t, err)
	_, result := collect(t, events, results)
	require.NoError(t, result.Err)

	req := provider.lastRequest()
	joined := ""
	for _, m := range req.Messages {
		joined += m.Content + "\n"
	}
	assert.Contains(t, joined, "Rough draft text.")
	assert.Contains(t, joined, "tighten it")

	frag, err := st.GetFragment(sid, target.ID)
	require.NoError(t, err)
	assert.Equal(t, "Refined text.", frag.Content)
}

func TestGenerate_ValidatesModeAndTarget(t *testing.T) {
	p, _, sid := testPipeline(t, &fakeProvider{}, nil)

	_, _, err := p.Generate(context.Background(), Request{StoryID: sid, Mode: "invent"})
	assert.ErrorIs(t, err, store.ErrInvalid)

	_, _, err = p.Generate(context.Background(), Request{StoryID: sid, Mode: ModeRegenerate})
	assert.ErrorIs(t, err, store.ErrInvalid)

	_, _, err = p.Generate(context.Background(), Request{
		StoryID: sid, Mode: ModeGenerate, TargetFragmentID: "pr-abc123",
	})
	assert.ErrorIs(t, err, store.ErrInvalid)
}

func TestGenerate_ProviderErrorFlowsToResult(t *testing.T) {
	provider := &fakeProvider{turns: [][]*models.Part{{
		{Err: fmt.Errorf("model unavailable")},
	}}}
	notifier := &recordingNotifier{}
	p, _, sid := testPipeline(t, provider, notifier)

	events, results, err := p.Generate(context.Background(), Request{StoryID: sid, Mode: ModeGenerate, Input: "x"})
	require.NoError(t, err)
	evs, result := collect(t, events, results)

	require.Error(t, result.Err)
	assert.Empty(t, result.FragmentID)
	assert.Empty(t, notifier.calls)

	// An error event precedes the finish event.
	assert.Equal(t, models.EventError, evs[len(evs)-2].Type)
	assert.Equal(t, models.EventFinish, evs[len(evs)-1].Type)

	// The failed run is still logged.
	require.NotNil(t, result.Log)
	assert.NotEmpty(t, result.Log.Error)
}

func TestGenerate_ToolLoopRoundTrip(t *testing.T) {
	provider := &fakeProvider{turns: [][]*models.Part{
		{
			{Type: models.PartToolCall, ToolCall: &models.ToolCall{
				ID: "c1", Name: "listFragments", Input: json.RawMessage(`{}`),
			}},
			{Type: models.PartFinish, FinishReason: "tool-use"},
		},
		{
			{Type: models.PartTextDelta, Text: "Done."},
			{Type: models.PartFinish, FinishReason: "stop"},
		},
	}}
	p, _, sid := testPipeline(t, provider, nil)

	events, results, err := p.Generate(context.Background(), Request{StoryID: sid, Mode: ModeGenerate, Input: "x"})
	require.NoError(t, err)
	evs, result := collect(t, events, results)
	require.NoError(t, result.Err)

	var types []string
	for _, ev := range evs {
		types = append(types, ev.Type)
	}
	assert.Contains(t, types, models.EventToolCall)
	assert.Contains(t, types, models.EventToolResult)
	assert.Equal(t, 2, result.Log.StepCount)
	require.Len(t, result.Log.ToolCalls, 1)
	assert.Equal(t, "listFragments", result.Log.ToolCalls[0].ToolName)
}

func TestSuggestDirections(t *testing.T) {
	provider := &fakeProvider{turns: [][]*models.Part{{
		{Type: models.PartTextDelta, Text: `Here you go: {"suggestions": [
			{"pacing": "action", "title": "The storm", "description": "A squall hits the ship.", "instruction": "Write the storm striking at night."},
			{"pacing": "quiet", "title": "The stowaway", "instruction": "Reveal the stowaway in the hold."}
		]}`},
		{Type: models.PartFinish, FinishReason: "stop"},
	}}}
	p, _, sid := testPipeline(t, provider, nil)

	directions, err := p.SuggestDirections(context.Background(), sid, "", 2)
	require.NoError(t, err)
	require.Len(t, directions, 2)
	assert.Equal(t, "The storm", directions[0].Title)
	assert.Equal(t, "action", directions[0].Pacing)
	assert.Equal(t, "Reveal the stowaway in the hold.", directions[1].Instruction)
}

func TestParseDirections(t *testing.T) {
	_, err := parseDirections("no json here")
	assert.Error(t, err)

	_, err = parseDirections(`{"suggestions": []}`)
	assert.Error(t, err)

	got, err := parseDirections(`prefix {"suggestions": [{"title": "x", "instruction": "do x"}]} suffix`)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "x", got[0].Title)
}
