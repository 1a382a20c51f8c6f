package store

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/fablekit/fable/pkg/models"
)

// GenerationLog records one pipeline run: the request, assembled messages,
// tool activity, and the outcome.
type GenerationLog struct {
	ID            string                  `json:"id"`
	CreatedAt     time.Time               `json:"createdAt"`
	Mode          string                  `json:"mode"`
	Input         string                  `json:"input"`
	Messages      []models.Message        `json:"messages"`
	ToolCalls     []models.ToolCallRecord `json:"toolCalls"`
	GeneratedText string                  `json:"generatedText"`
	FragmentID    string                  `json:"fragmentId,omitempty"`
	Model         string                  `json:"model"`
	DurationMs    int64                   `json:"durationMs"`
	StepCount     int                     `json:"stepCount"`
	FinishReason  string                  `json:"finishReason"`
	StepsExceeded bool                    `json:"stepsExceeded"`
	TotalUsage    *models.Usage           `json:"totalUsage,omitempty"`
	Reasoning     string                  `json:"reasoning,omitempty"`
	Error         string                  `json:"error,omitempty"`
}

// GenerationLogSummary is the lightweight index entry for a log.
type GenerationLogSummary struct {
	ID            string    `json:"id"`
	CreatedAt     time.Time `json:"createdAt"`
	Mode          string    `json:"mode"`
	Input         string    `json:"input"`
	Model         string    `json:"model"`
	FragmentID    string    `json:"fragmentId,omitempty"`
	DurationMs    int64     `json:"durationMs"`
	StepCount     int       `json:"stepCount"`
	FinishReason  string    `json:"finishReason"`
	StepsExceeded bool      `json:"stepsExceeded"`
	Error         string    `json:"error,omitempty"`
}

const logInputPreviewLen = 200

func (l *GenerationLog) summary() GenerationLogSummary {
	input := l.Input
	if len(input) > logInputPreviewLen {
		input = input[:logInputPreviewLen]
	}
	return GenerationLogSummary{
		ID:            l.ID,
		CreatedAt:     l.CreatedAt,
		Mode:          l.Mode,
		Input:         input,
		Model:         l.Model,
		FragmentID:    l.FragmentID,
		DurationMs:    l.DurationMs,
		StepCount:     l.StepCount,
		FinishReason:  l.FinishReason,
		StepsExceeded: l.StepsExceeded,
		Error:         l.Error,
	}
}

func (s *Store) logsDir(sid string) string {
	return filepath.Join(s.storyDir(sid), "content", "generation-logs")
}

// SaveGenerationLog persists a log and prepends its summary to the log index.
// Index appends are serialized by the story lock to prevent lost entries.
func (s *Store) SaveGenerationLog(sid string, log *GenerationLog) (*GenerationLog, error) {
	if _, err := s.GetStory(sid); err != nil {
		return nil, err
	}
	if log.ID == "" {
		log.ID = uuid.NewString()
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}

	lock := s.storyLock(sid)
	lock.Lock()
	defer lock.Unlock()

	if err := writeJSONAtomic(filepath.Join(s.logsDir(sid), log.ID+".json"), log); err != nil {
		return nil, err
	}

	var index []GenerationLogSummary
	indexPath := filepath.Join(s.logsDir(sid), indexFile)
	if err := readJSON(indexPath, &index); err != nil && !os.IsNotExist(err) {
		s.logger.Warn(nil, "rebuilding corrupt generation-log index", "story_id", sid, "error", err.Error())
		index = nil
	}
	index = append([]GenerationLogSummary{log.summary()}, index...)
	if err := writeJSONAtomic(indexPath, index); err != nil {
		return nil, err
	}
	return log, nil
}

// GetGenerationLog loads a full log record.
func (s *Store) GetGenerationLog(sid, lid string) (*GenerationLog, error) {
	var log GenerationLog
	if err := readJSON(filepath.Join(s.logsDir(sid), lid+".json"), &log); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("generation log %s: %w", lid, ErrNotFound)
		}
		return nil, fmt.Errorf("read generation log %s: %w", lid, err)
	}
	return &log, nil
}

// ListGenerationLogs returns log summaries, newest first.
func (s *Store) ListGenerationLogs(sid string) ([]GenerationLogSummary, error) {
	if _, err := s.GetStory(sid); err != nil {
		return nil, err
	}
	var index []GenerationLogSummary
	if err := readJSON(filepath.Join(s.logsDir(sid), indexFile), &index); err != nil {
		if os.IsNotExist(err) {
			return []GenerationLogSummary{}, nil
		}
		return nil, fmt.Errorf("read generation-log index: %w", err)
	}
	return index, nil
}
