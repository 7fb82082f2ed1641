package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hugo-lorenzo-mato/anima/internal/core"
)

type registerRequest struct {
	Path string `json:"path"`
	Name string `json:"name,omitempty"`
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

type guidanceRequest struct {
	Text string `json:"text"`
}

func decodeBody(r *http.Request, into interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		return core.ErrValidation("INVALID_BODY", "malformed JSON request body")
	}
	return nil
}

func (s *Server) handleListProjects(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.control.ListProjects())
}

func (s *Server) handleRegisterProject(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if strings.TrimSpace(req.Path) == "" {
		respondError(w, core.ErrValidation("INVALID_PATH", "path is required"))
		return
	}
	reg, err := s.control.RegisterProject(req.Path, req.Name)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, reg)
}

func (s *Server) handleRemoveProject(w http.ResponseWriter, r *http.Request) {
	if err := s.control.RemoveProject(chi.URLParam(r, "projectID")); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.control.Snapshot(chi.URLParam(r, "projectID"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func (s *Server) handleWake(w http.ResponseWriter, r *http.Request) {
	if err := s.control.WakeNow(chi.URLParam(r, "projectID")); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "waking"})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := s.control.Pause(chi.URLParam(r, "projectID")); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "pausing"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.control.Resume(chi.URLParam(r, "projectID")); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "resuming"})
}

func (s *Server) handleGuidance(w http.ResponseWriter, r *http.Request) {
	var req guidanceRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		respondError(w, core.ErrValidation("INVALID_BODY", "text is required"))
		return
	}
	if err := s.control.ProvideGuidance(r.Context(), chi.URLParam(r, "projectID"), req.Text); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (s *Server) handleCancelMilestone(w http.ResponseWriter, r *http.Request) {
	err := s.control.CancelMilestone(r.Context(),
		chi.URLParam(r, "projectID"), chi.URLParam(r, "milestoneID"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

func (s *Server) handleApproveReview(w http.ResponseWriter, r *http.Request) {
	err := s.control.ApproveReview(r.Context(),
		chi.URLParam(r, "projectID"), chi.URLParam(r, "milestoneID"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "approved"})
}

func (s *Server) handleRejectReview(w http.ResponseWriter, r *http.Request) {
	var req rejectRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if strings.TrimSpace(req.Reason) == "" {
		respondError(w, core.ErrValidation("INVALID_BODY", "reason is required"))
		return
	}
	err := s.control.RejectReview(r.Context(),
		chi.URLParam(r, "projectID"), chi.URLParam(r, "milestoneID"), req.Reason)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "rejected"})
}
