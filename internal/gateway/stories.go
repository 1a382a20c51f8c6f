package gateway

import (
	"net/http"

	"github.com/fablekit/fable/internal/store"
)

func (s *Server) handleListStories(w http.ResponseWriter, r *http.Request) {
	stories, err := s.store.ListStories()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stories": stories})
}

func (s *Server) handleCreateStory(w http.ResponseWriter, r *http.Request) {
	var in store.CreateStoryInput
	if err := decodeBody(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	story, err := s.store.CreateStory(in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, story)
}

func (s *Server) handleGetStory(w http.ResponseWriter, r *http.Request) {
	story, err := s.store.GetStory(r.PathValue("sid"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, story)
}

func (s *Server) handleUpdateStory(w http.ResponseWriter, r *http.Request) {
	var in store.UpdateStoryInput
	if err := decodeBody(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	story, err := s.store.UpdateStory(r.PathValue("sid"), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, story)
}

func (s *Server) handleDeleteStory(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteStory(r.PathValue("sid")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetBlockConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.store.GetBlockConfig(r.PathValue("sid"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handlePutBlockConfig(w http.ResponseWriter, r *http.Request) {
	var cfg store.BlockConfig
	if err := decodeBody(r, &cfg); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.store.PutBlockConfig(r.PathValue("sid"), &cfg); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, &cfg)
}
