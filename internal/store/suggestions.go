package store

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// KnowledgeSuggestion is a librarian-proposed knowledge fragment awaiting
// review when auto-apply is disabled.
type KnowledgeSuggestion struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Content     string    `json:"content"`
	Reason      string    `json:"reason,omitempty"`
	ProposedAt  time.Time `json:"proposedAt"`
}

func (s *Store) suggestionsPath(sid string) string {
	return filepath.Join(s.storyDir(sid), "content", "librarian", "suggestions.json")
}

// SaveSuggestions appends librarian suggestions to the story's pending list.
func (s *Store) SaveSuggestions(sid string, suggestions []KnowledgeSuggestion) error {
	if len(suggestions) == 0 {
		return nil
	}
	lock := s.storyLock(sid)
	lock.Lock()
	defer lock.Unlock()

	existing, err := s.loadSuggestions(sid)
	if err != nil {
		return err
	}
	return writeJSONAtomic(s.suggestionsPath(sid), append(existing, suggestions...))
}

// ListSuggestions returns pending librarian suggestions.
func (s *Store) ListSuggestions(sid string) ([]KnowledgeSuggestion, error) {
	if _, err := s.GetStory(sid); err != nil {
		return nil, err
	}
	return s.loadSuggestions(sid)
}

// ClearSuggestions empties the pending suggestion list.
func (s *Store) ClearSuggestions(sid string) error {
	lock := s.storyLock(sid)
	lock.Lock()
	defer lock.Unlock()
	return writeJSONAtomic(s.suggestionsPath(sid), []KnowledgeSuggestion{})
}

func (s *Store) loadSuggestions(sid string) ([]KnowledgeSuggestion, error) {
	var out []KnowledgeSuggestion
	if err := readJSON(s.suggestionsPath(sid), &out); err != nil {
		if os.IsNotExist(err) {
			return []KnowledgeSuggestion{}, nil
		}
		return nil, fmt.Errorf("read suggestions: %w", err)
	}
	return out, nil
}
