package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sendflock/sendflock/internal/campaign"
	"github.com/sendflock/sendflock/internal/controller"
	"github.com/sendflock/sendflock/internal/queue"
	"github.com/sendflock/sendflock/internal/store"
)

// CreateCampaignRequest is the request body for POST /campaigns
type CreateCampaignRequest struct {
	Name            string               `json:"name"`
	SubjectTemplate string               `json:"subject_template"`
	HTMLTemplate    string               `json:"html_template"`
	FromName        string               `json:"from_name"`
	FromEmail       string               `json:"from_email"`
	ReplyTo         string               `json:"reply_to,omitempty"`
	Recipients      []campaign.Recipient `json:"recipients"`
	BatchSize       int                  `json:"batch_size,omitempty"`
	RateLimit       int                  `json:"rate_limit,omitempty"`
	Priority        int                  `json:"priority,omitempty"`
}

// CreateCampaignResponse is the response for POST /campaigns
type CreateCampaignResponse struct {
	CampaignID          string `json:"campaign_id"`
	Status              string `json:"status"`
	TotalLeads          int    `json:"total_leads"`
	TotalBatches        int    `json:"total_batches"`
	EstimatedCompletion string `json:"estimated_completion,omitempty"`
}

// LifecycleResponse is the response for pause/resume/cancel
type LifecycleResponse struct {
	CampaignID string `json:"campaign_id"`
	Status     string `json:"status"`
	Jobs       int    `json:"jobs"`
}

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status string       `json:"status"`
	Uptime string       `json:"uptime"`
	Queue  *queue.Stats `json:"queue,omitempty"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// handleCreateCampaign handles POST /api/v1/campaigns
func (s *Server) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req CreateCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	camp, err := s.controller.Enqueue(r.Context(), &controller.EnqueueRequest{
		UserID: requestUserID(r),
		Config: campaign.SendConfig{
			Name:            req.Name,
			SubjectTemplate: req.SubjectTemplate,
			HTMLTemplate:    req.HTMLTemplate,
			FromName:        req.FromName,
			FromEmail:       req.FromEmail,
			ReplyTo:         req.ReplyTo,
		},
		Recipients: req.Recipients,
		BatchSize:  req.BatchSize,
		RateLimit:  req.RateLimit,
		Priority:   req.Priority,
	})
	if err != nil {
		s.sendControllerError(w, err)
		return
	}

	eta, _ := s.controller.ETA(r.Context(), camp.ID)
	resp := &CreateCampaignResponse{
		CampaignID:   camp.ID,
		Status:       string(camp.Status),
		TotalLeads:   camp.TotalLeads,
		TotalBatches: (camp.TotalLeads + camp.BatchSize - 1) / camp.BatchSize,
	}
	if eta > 0 {
		resp.EstimatedCompletion = time.Now().Add(eta).UTC().Format(time.RFC3339)
	}

	s.sendJSON(w, http.StatusAccepted, resp)
}

// handleListCampaigns handles GET /api/v1/campaigns
func (s *Server) handleListCampaigns(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	campaigns, err := s.controller.ListByUser(r.Context(), requestUserID(r), activeOnly)
	if err != nil {
		s.sendControllerError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, campaigns)
}

// handleGetCampaign handles GET /api/v1/campaigns/{id}
func (s *Server) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	camp, ok := s.ownedCampaign(w, r)
	if !ok {
		return
	}
	s.sendJSON(w, http.StatusOK, camp)
}

// handleProgress handles GET /api/v1/campaigns/{id}/progress
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	camp, ok := s.ownedCampaign(w, r)
	if !ok {
		return
	}
	snap, err := s.controller.Progress(r.Context(), camp.ID)
	if err != nil {
		s.sendControllerError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, snap)
}

// handlePause handles POST /api/v1/campaigns/{id}/pause
func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.controller.Pause)
}

// handleResume handles POST /api/v1/campaigns/{id}/resume
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.controller.Resume)
}

// handleCancel handles POST /api/v1/campaigns/{id}/cancel
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.controller.Cancel)
}

// handleQueueStats handles GET /api/v1/queue
func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.controller.QueueStats(r.Context())
	if err != nil {
		s.sendControllerError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, stats)
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := &HealthResponse{
		Status: "ok",
		Uptime: time.Since(s.startTime).Round(time.Second).String(),
	}
	if stats, err := s.controller.QueueStats(r.Context()); err == nil {
		resp.Queue = stats
	}
	s.sendJSON(w, http.StatusOK, resp)
}

// handleWS handles GET /ws/campaigns
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	s.hub.HandleWS(w, r, requestUserID(r))
}

// lifecycle runs one of pause/resume/cancel and reports the updated
// status with the number of jobs the sweep touched
func (s *Server) lifecycle(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, id string) (int, error)) {
	camp, ok := s.ownedCampaign(w, r)
	if !ok {
		return
	}

	jobs, err := op(r.Context(), camp.ID)
	if err != nil {
		s.sendControllerError(w, err)
		return
	}

	updated, err := s.controller.Get(r.Context(), camp.ID)
	if err != nil {
		s.sendControllerError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, &LifecycleResponse{
		CampaignID: updated.ID,
		Status:     string(updated.Status),
		Jobs:       jobs,
	})
}

// ownedCampaign loads the campaign from the URL and enforces ownership.
// Foreign campaigns 404 rather than 403 so ids do not leak.
func (s *Server) ownedCampaign(w http.ResponseWriter, r *http.Request) (*campaign.Campaign, bool) {
	id := chi.URLParam(r, "id")
	if id == "" {
		s.sendError(w, http.StatusBadRequest, "id is required")
		return nil, false
	}

	camp, err := s.controller.Get(r.Context(), id)
	if err != nil {
		s.sendControllerError(w, err)
		return nil, false
	}
	if camp.UserID != requestUserID(r) {
		s.sendError(w, http.StatusNotFound, "Campaign not found")
		return nil, false
	}
	return camp, true
}

func (s *Server) sendControllerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, campaign.ErrInvalidConfig):
		s.sendError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		s.sendError(w, http.StatusNotFound, "Campaign not found")
	case errors.Is(err, store.ErrInvalidTransition):
		s.sendError(w, http.StatusConflict, err.Error())
	case errors.Is(err, controller.ErrUnavailable):
		s.sendError(w, http.StatusServiceUnavailable, "Dispatch backend unavailable")
	default:
		s.logger.Error("request failed", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Internal error")
	}
}

func (s *Server) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) sendError(w http.ResponseWriter, status int, msg string) {
	s.sendJSON(w, status, &ErrorResponse{Error: msg})
}
