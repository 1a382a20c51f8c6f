package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/fablekit/fable/internal/pipeline"
)

// handleGenerate runs the pipeline and streams its events as NDJSON. Each
// event is one JSON line flushed immediately; the synthetic finish event is
// always last. Errors after the stream starts arrive as in-band error events.
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Input      string `json:"input"`
		SaveResult bool   `json:"saveResult"`
		Mode       string `json:"mode"`
		FragmentID string `json:"fragmentId"`
		Model      string `json:"model"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if body.Mode == "" {
		body.Mode = pipeline.ModeGenerate
	}

	events, results, err := s.generator.Generate(r.Context(), pipeline.Request{
		StoryID:          r.PathValue("sid"),
		Input:            body.Input,
		SaveResult:       body.SaveResult,
		Mode:             body.Mode,
		TargetFragmentID: body.FragmentID,
		Model:            body.Model,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	enc := json.NewEncoder(w)
	for ev := range events {
		if err := enc.Encode(ev); err != nil {
			// Client gone; the request context cancellation stops the run.
			break
		}
		if flusher != nil {
			flusher.Flush()
		}
	}

	// Wait for persistence so a follow-up GET sees the fragment and log.
	if result := <-results; result != nil && result.Err != nil {
		s.logger.Warn(r.Context(), "generation failed",
			"story_id", r.PathValue("sid"), "mode", body.Mode, "error", result.Err.Error())
	}
}

func (s *Server) handleSuggestDirections(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Model string `json:"model"`
		Count int    `json:"count"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}

	suggestions, err := s.generator.SuggestDirections(r.Context(), r.PathValue("sid"), body.Model, body.Count)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"suggestions": suggestions})
}

func (s *Server) handleListGenerationLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := s.store.ListGenerationLogs(r.PathValue("sid"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

func (s *Server) handleGetGenerationLog(w http.ResponseWriter, r *http.Request) {
	log, err := s.store.GetGenerationLog(r.PathValue("sid"), r.PathValue("lid"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, log)
}
