package gateway

import (
	"net/http"
	"slices"

	"github.com/fablekit/fable/internal/store"
)

func (s *Server) handleListFragments(w http.ResponseWriter, r *http.Request) {
	opts := store.ListOptions{
		Type:            r.URL.Query().Get("type"),
		IncludeArchived: r.URL.Query().Get("includeArchived") == "true",
	}
	summaries, err := s.store.ListSummaries(r.PathValue("sid"), opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"fragments": summaries})
}

func (s *Server) handleCreateFragment(w http.ResponseWriter, r *http.Request) {
	var in store.CreateFragmentInput
	if err := decodeBody(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	frag, err := s.store.CreateFragment(r.PathValue("sid"), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, frag)
}

func (s *Server) handleGetFragment(w http.ResponseWriter, r *http.Request) {
	frag, err := s.store.GetFragment(r.PathValue("sid"), r.PathValue("fid"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if frag == nil {
		s.writeError(w, r, store.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, frag)
}

func (s *Server) handleUpdateFragment(w http.ResponseWriter, r *http.Request) {
	var in store.UpdateFragmentInput
	if err := decodeBody(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	frag, err := s.store.UpdateFragment(r.PathValue("sid"), r.PathValue("fid"), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, frag)
}

func (s *Server) handleDeleteFragment(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteFragment(r.PathValue("sid"), r.PathValue("fid")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleArchiveFragment(w http.ResponseWriter, r *http.Request) {
	frag, err := s.store.ArchiveFragment(r.PathValue("sid"), r.PathValue("fid"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, frag)
}

func (s *Server) handleRestoreFragment(w http.ResponseWriter, r *http.Request) {
	frag, err := s.store.RestoreFragment(r.PathValue("sid"), r.PathValue("fid"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, frag)
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.store.ListVersions(r.PathValue("sid"), r.PathValue("fid"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": versions})
}

func (s *Server) handleRevertFragment(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Version *int `json:"version"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	frag, err := s.store.RevertToVersion(r.PathValue("sid"), r.PathValue("fid"), body.Version)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, frag)
}

func (s *Server) handleGetTags(w http.ResponseWriter, r *http.Request) {
	frag, err := s.store.GetFragment(r.PathValue("sid"), r.PathValue("fid"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if frag == nil {
		s.writeError(w, r, store.ErrNotFound)
		return
	}
	tags := frag.Tags
	if tags == nil {
		tags = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tags": tags})
}

// handleAddTags unions the posted tags into the fragment's tag set.
func (s *Server) handleAddTags(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Tags []string `json:"tags"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}

	sid, fid := r.PathValue("sid"), r.PathValue("fid")
	frag, err := s.store.GetFragment(sid, fid)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if frag == nil {
		s.writeError(w, r, store.ErrNotFound)
		return
	}

	tags := slices.Clone(frag.Tags)
	for _, tag := range body.Tags {
		if tag != "" && !slices.Contains(tags, tag) {
			tags = append(tags, tag)
		}
	}
	updated, err := s.store.UpdateFragment(sid, fid, store.UpdateFragmentInput{Tags: &tags})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tags": updated.Tags})
}
