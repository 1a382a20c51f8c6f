package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Story is the per-story metadata record, persisted as meta.json.
type Story struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`

	// Summary is the rolling librarian summary, appended after each
	// analysis run and truncated to the configured cap.
	Summary string `json:"summary"`

	CreatedAt time.Time     `json:"createdAt"`
	Settings  StorySettings `json:"settings"`
}

// StorySettings holds the per-story generation configuration.
type StorySettings struct {
	// ContextLimit bounds the recent-prose window.
	ContextLimit ContextLimit `json:"contextLimit"`

	// MaxSteps caps writer agent tool-loop steps. Default 10.
	MaxSteps int `json:"maxSteps"`

	// SummarizationThreshold triggers summary compaction; 0 disables.
	SummarizationThreshold int `json:"summarizationThreshold"`

	// OutputFormat is "plaintext" or "markdown".
	OutputFormat string `json:"outputFormat"`

	// AutoApplyLibrarian applies librarian knowledge suggestions directly
	// instead of storing them for review.
	AutoApplyLibrarian bool `json:"autoApplyLibrarian"`
}

// Context limit modes.
const (
	LimitFragments  = "fragments"
	LimitTokens     = "tokens"
	LimitCharacters = "characters"
)

// ContextLimit bounds how much recent prose enters the prompt.
type ContextLimit struct {
	Mode  string `json:"mode"`
	Value int    `json:"value"`
}

// DefaultStorySettings returns the settings applied to new stories.
func DefaultStorySettings() StorySettings {
	return StorySettings{
		ContextLimit: ContextLimit{Mode: LimitFragments, Value: 20},
		MaxSteps:     10,
		OutputFormat: "plaintext",
	}
}

func (s *Store) storyMetaPath(sid string) string {
	return filepath.Join(s.storyDir(sid), "meta.json")
}

// CreateStoryInput holds the attributes for a new story.
type CreateStoryInput struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Settings    *StorySettings `json:"settings"`
}

// CreateStory creates a story directory with meta.json and empty content dirs.
func (s *Store) CreateStory(in CreateStoryInput) (*Story, error) {
	if in.Name == "" {
		return nil, fmt.Errorf("%w: story name is required", ErrInvalid)
	}

	settings := DefaultStorySettings()
	if in.Settings != nil {
		settings = *in.Settings
		if settings.MaxSteps <= 0 {
			settings.MaxSteps = 10
		}
		if settings.OutputFormat == "" {
			settings.OutputFormat = "plaintext"
		}
	}

	story := &Story{
		ID:          uuid.NewString(),
		Name:        in.Name,
		Description: in.Description,
		CreatedAt:   time.Now().UTC(),
		Settings:    settings,
	}

	if err := os.MkdirAll(s.fragmentsDir(story.ID), 0o755); err != nil {
		return nil, fmt.Errorf("create story dirs: %w", err)
	}
	if err := writeJSONAtomic(s.storyMetaPath(story.ID), story); err != nil {
		return nil, err
	}
	return story, nil
}

// GetStory loads a story's metadata.
func (s *Store) GetStory(sid string) (*Story, error) {
	var story Story
	if err := readJSON(s.storyMetaPath(sid), &story); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("story %s: %w", sid, ErrNotFound)
		}
		return nil, fmt.Errorf("read story %s: %w", sid, err)
	}
	return &story, nil
}

// UpdateStoryInput is a partial story update.
type UpdateStoryInput struct {
	Name        *string        `json:"name"`
	Description *string        `json:"description"`
	Summary     *string        `json:"summary"`
	Settings    *StorySettings `json:"settings"`
}

// UpdateStory applies a partial update under the story write lock.
func (s *Store) UpdateStory(sid string, in UpdateStoryInput) (*Story, error) {
	lock := s.storyLock(sid)
	lock.Lock()
	defer lock.Unlock()

	story, err := s.GetStory(sid)
	if err != nil {
		return nil, err
	}
	if in.Name != nil {
		story.Name = *in.Name
	}
	if in.Description != nil {
		story.Description = *in.Description
	}
	if in.Summary != nil {
		story.Summary = *in.Summary
	}
	if in.Settings != nil {
		story.Settings = *in.Settings
	}
	if err := writeJSONAtomic(s.storyMetaPath(sid), story); err != nil {
		return nil, err
	}
	return story, nil
}

// AppendStorySummary appends text to the rolling summary, truncating from the
// front when the result exceeds capBytes. The tail is kept because recent
// analysis supersedes older context.
func (s *Store) AppendStorySummary(sid, text string, capBytes int) (*Story, error) {
	lock := s.storyLock(sid)
	lock.Lock()
	defer lock.Unlock()

	story, err := s.GetStory(sid)
	if err != nil {
		return nil, err
	}

	summary := story.Summary
	if summary != "" && text != "" {
		summary += "\n\n"
	}
	summary += text
	if capBytes > 0 && len(summary) > capBytes {
		cut := len(summary) - capBytes
		// Resume at the next paragraph boundary when one is close.
		if idx := indexAfter(summary, cut, "\n"); idx >= 0 && idx < cut+200 {
			cut = idx + 1
		}
		summary = summary[cut:]
	}
	story.Summary = summary

	if err := writeJSONAtomic(s.storyMetaPath(sid), story); err != nil {
		return nil, err
	}
	return story, nil
}

func indexAfter(s string, from int, sep string) int {
	if from >= len(s) {
		return -1
	}
	for i := from; i+len(sep) <= len(s); i++ {
		if s[i:i+len(sep)] == sep {
			return i
		}
	}
	return -1
}

// DeleteStory removes a story directory and everything under it.
func (s *Store) DeleteStory(sid string) error {
	lock := s.storyLock(sid)
	lock.Lock()
	defer lock.Unlock()

	if _, err := s.GetStory(sid); err != nil {
		return err
	}
	if err := os.RemoveAll(s.storyDir(sid)); err != nil {
		return fmt.Errorf("delete story %s: %w", sid, err)
	}
	s.mu.Lock()
	delete(s.indexes, sid)
	s.mu.Unlock()
	return nil
}

// ListStories returns all stories sorted by creation time, newest first.
func (s *Store) ListStories() ([]*Story, error) {
	dir := filepath.Join(s.dataDir, "stories")
	dirents, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*Story{}, nil
		}
		return nil, err
	}

	stories := make([]*Story, 0, len(dirents))
	for _, de := range dirents {
		if !de.IsDir() {
			continue
		}
		story, err := s.GetStory(de.Name())
		if err != nil {
			s.logger.Warn(nil, "skipping unreadable story", "story_id", de.Name(), "error", err.Error())
			continue
		}
		stories = append(stories, story)
	}
	sort.Slice(stories, func(i, j int) bool { return stories[i].CreatedAt.After(stories[j].CreatedAt) })
	return stories, nil
}
