package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/weft-dev/weft/pkg/store"
)

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.ListSessions()
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, sessions)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProfileID string `json:"profile_id"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.errorResponse(w, http.StatusBadRequest, err)
			return
		}
	}

	sess, err := s.store.NewSession(req.ProfileID, "")
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	defer sess.Close()

	s.jsonResponse(w, http.StatusCreated, map[string]string{"id": sess.ID()})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.store.LoadSession(id)
	if err != nil {
		s.errorResponse(w, http.StatusNotFound, err)
		return
	}
	defer sess.Close()

	branch := r.URL.Query().Get("branch")
	entries, err := sess.Materialize(branch)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}

	s.jsonResponse(w, http.StatusOK, map[string]any{
		"header":   sess.Header(),
		"active":   sess.Active(),
		"branches": sess.Branches(),
		"entries":  entries,
		"running":  s.running(id),
	})
}

func (s *Server) handleTree(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.store.LoadSession(id)
	if err != nil {
		s.errorResponse(w, http.StatusNotFound, err)
		return
	}
	defer sess.Close()

	nodes, err := sess.Tree()
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, nodes)
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req struct {
		Content string `json:"content"`
		Branch  string `json:"branch"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}
	if req.Content == "" {
		s.errorResponse(w, http.StatusBadRequest, fmt.Errorf("content is required"))
		return
	}

	state, err := s.post(id, req.Branch, req.Content)
	if err != nil {
		s.errorResponse(w, http.StatusNotFound, err)
		return
	}
	s.jsonResponse(w, http.StatusAccepted, map[string]string{"state": state})
}

func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	state := "idle"
	if s.stopRun(id) {
		state = "stopped"
	}
	s.jsonResponse(w, http.StatusOK, map[string]string{"state": state})
}

func (s *Server) handleListBranches(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.store.LoadSession(id)
	if err != nil {
		s.errorResponse(w, http.StatusNotFound, err)
		return
	}
	defer sess.Close()

	s.jsonResponse(w, http.StatusOK, map[string]any{
		"active":   sess.Active(),
		"branches": sess.Branches(),
	})
}

func (s *Server) handleForkBranch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req struct {
		Name string `json:"name"`
		// At is the entry to fork from; empty means the active leaf.
		At string `json:"at"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}
	if req.Name == "" {
		s.errorResponse(w, http.StatusBadRequest, fmt.Errorf("name is required"))
		return
	}

	sess, err := s.store.LoadSession(id)
	if err != nil {
		s.errorResponse(w, http.StatusNotFound, err)
		return
	}
	defer sess.Close()

	at := req.At
	if at == "" {
		if at, err = sess.Leaf(""); err != nil {
			s.errorResponse(w, http.StatusInternalServerError, err)
			return
		}
	}
	if err := sess.Fork(at, req.Name); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}
	s.jsonResponse(w, http.StatusCreated, map[string]string{"name": req.Name, "base": at})
}

func (s *Server) handleListProfiles(w http.ResponseWriter, r *http.Request) {
	profiles, err := s.store.ListProfiles()
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, profiles)
}

// handleSaveProfile creates the profile when no id is given, updates it
// otherwise.
func (s *Server) handleSaveProfile(w http.ResponseWriter, r *http.Request) {
	var profile store.Profile
	if err := json.NewDecoder(r.Body).Decode(&profile); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}

	if profile.ID == "" {
		if err := s.store.NewProfile(&profile); err != nil {
			s.errorResponse(w, http.StatusInternalServerError, err)
			return
		}
	} else if err := s.store.UpdateProfile(&profile); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, profile)
}

func (s *Server) handleDeleteProfile(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteProfile(r.PathValue("id")); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// lister is satisfied by provider clients that can enumerate models.
type lister interface {
	List(ctx context.Context) ([]string, error)
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	l, ok := s.provider.(lister)
	if !ok {
		s.errorResponse(w, http.StatusNotImplemented, fmt.Errorf("provider does not list models"))
		return
	}
	names, err := l.List(r.Context())
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, names)
}
