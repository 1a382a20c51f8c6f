package gateway

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

func (s *Server) handleLibrarianStatus(w http.ResponseWriter, r *http.Request) {
	sid := r.PathValue("sid")
	if _, err := s.store.GetStory(sid); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.librarian.Status(sid))
}

// handleLibrarianStream replays the latest analysis buffer and follows it
// live as NDJSON. The stream ends when the analysis is superseded or fails,
// or when the client disconnects.
func (s *Server) handleLibrarianStream(w http.ResponseWriter, r *http.Request) {
	sid := r.PathValue("sid")
	if _, err := s.store.GetStory(sid); err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	buf := s.librarian.Buffer(sid)
	if buf == nil {
		return
	}
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	for ev := range buf.Subscribe(r.Context()) {
		if err := enc.Encode(ev); err != nil {
			break
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (s *Server) handleListSuggestions(w http.ResponseWriter, r *http.Request) {
	suggestions, err := s.store.ListSuggestions(r.PathValue("sid"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"suggestions": suggestions})
}

func (s *Server) handleClearSuggestions(w http.ResponseWriter, r *http.Request) {
	sid := r.PathValue("sid")
	if _, err := s.store.GetStory(sid); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.store.ClearSuggestions(sid); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleActiveAgents(w http.ResponseWriter, r *http.Request) {
	sid := r.PathValue("sid")
	if _, err := s.store.GetStory(sid); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": s.active.List(sid)})
}

// handleListPlugins serves the JSON manifests found in the plugins dir. A
// missing or empty dir yields an empty list.
func (s *Server) handleListPlugins(w http.ResponseWriter, r *http.Request) {
	manifests := []json.RawMessage{}

	entries, err := os.ReadDir(s.config.PluginsDir)
	if err != nil && !os.IsNotExist(err) {
		s.writeError(w, r, err)
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.config.PluginsDir, entry.Name()))
		if err != nil || !json.Valid(data) {
			s.logger.Warn(r.Context(), "skipping unreadable plugin manifest", "file", entry.Name())
			continue
		}
		manifests = append(manifests, json.RawMessage(data))
	}
	writeJSON(w, http.StatusOK, map[string]any{"plugins": manifests})
}
