package agent

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultActiveTTL evicts registry entries leaked by crashed runs.
const DefaultActiveTTL = 10 * time.Minute

// ActiveAgent is a currently running agent invocation.
type ActiveAgent struct {
	ID        string    `json:"id"`
	StoryID   string    `json:"storyId"`
	AgentName string    `json:"agentName"`
	StartedAt time.Time `json:"startedAt"`
}

// ActiveRegistry tracks in-flight agent runs in memory. Entries are removed
// when the run finishes, or after the TTL if the owner never unregisters.
type ActiveRegistry struct {
	ttl time.Duration

	mu     sync.Mutex
	agents map[string]ActiveAgent
	timers map[string]*time.Timer
}

// NewActiveRegistry creates a registry. ttl <= 0 selects the default.
func NewActiveRegistry(ttl time.Duration) *ActiveRegistry {
	if ttl <= 0 {
		ttl = DefaultActiveTTL
	}
	return &ActiveRegistry{
		ttl:    ttl,
		agents: make(map[string]ActiveAgent),
		timers: make(map[string]*time.Timer),
	}
}

// Register records a running agent and returns its entry id.
func (ar *ActiveRegistry) Register(storyID, agentName string) string {
	id := uuid.NewString()
	ar.mu.Lock()
	defer ar.mu.Unlock()
	ar.agents[id] = ActiveAgent{
		ID:        id,
		StoryID:   storyID,
		AgentName: agentName,
		StartedAt: time.Now().UTC(),
	}
	ar.timers[id] = time.AfterFunc(ar.ttl, func() { ar.Unregister(id) })
	return id
}

// Unregister removes an entry. Unknown ids are ignored.
func (ar *ActiveRegistry) Unregister(id string) {
	ar.mu.Lock()
	defer ar.mu.Unlock()
	if timer, ok := ar.timers[id]; ok {
		timer.Stop()
		delete(ar.timers, id)
	}
	delete(ar.agents, id)
}

// List returns a snapshot of active agents, oldest first. A non-empty
// storyID filters to that story.
func (ar *ActiveRegistry) List(storyID string) []ActiveAgent {
	ar.mu.Lock()
	out := make([]ActiveAgent, 0, len(ar.agents))
	for _, a := range ar.agents {
		if storyID == "" || a.StoryID == storyID {
			out = append(out, a)
		}
	}
	ar.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Clear drops all entries and stops their timers. For tests.
func (ar *ActiveRegistry) Clear() {
	ar.mu.Lock()
	defer ar.mu.Unlock()
	for id, timer := range ar.timers {
		timer.Stop()
		delete(ar.timers, id)
	}
	ar.agents = make(map[string]ActiveAgent)
}
