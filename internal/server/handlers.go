package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"deptrack/internal/deployment"
	"deptrack/internal/security"
	"deptrack/internal/service"

	"github.com/go-chi/chi/v5"
)

const (
	MaxPayloadBytes    = 1_000_000 // 1 MB
	DefaultRecentCount = 10
	MaxRecentCount     = 100
)

// deploymentResponse is the wire shape of one derived record.
type deploymentResponse struct {
	Repository            string     `json:"repository"`
	ID                    string     `json:"id"`
	Environment           string     `json:"environment"`
	State                 string     `json:"state"`
	StatusCategory        string     `json:"status_category"`
	DisplayStatus         string     `json:"display_status"`
	Creator               string     `json:"creator"`
	Branch                string     `json:"branch"`
	Trigger               string     `json:"trigger"`
	Workflow              string     `json:"workflow"`
	RunURL                string     `json:"run_url,omitempty"`
	Note                  string     `json:"note,omitempty"`
	CreatedAt             *time.Time `json:"created_at,omitempty"`
	UpdatedAt             *time.Time `json:"updated_at,omitempty"`
	Duration              string     `json:"duration,omitempty"`
	JobCount              int        `json:"job_count"`
	RequiresApproval      bool       `json:"requires_approval"`
	OverallApprovalStatus string     `json:"overall_approval_status,omitempty"`
}

func toResponse(v deployment.View) deploymentResponse {
	resp := deploymentResponse{
		Repository:       v.Repository,
		ID:               v.RowKey,
		Environment:      v.EnvironmentName(),
		State:            v.State,
		StatusCategory:   v.StatusCategory,
		DisplayStatus:    v.DisplayStatus,
		Creator:          v.CreatorLogin(),
		Branch:           v.Branch(),
		Trigger:          v.TriggerType(),
		Workflow:         v.WorkflowDisplayName(),
		RunURL:           v.WorkflowRunURL(),
		Note:             v.Note,
		CreatedAt:        v.CreatedAt,
		UpdatedAt:        v.UpdatedAt,
		JobCount:         len(v.Jobs),
		RequiresApproval: v.RequiresApproval,
	}
	if d := v.RunDuration(); d != nil {
		resp.Duration = deployment.FormatDuration(*d)
	}
	if len(v.StatusItems) > 0 {
		resp.OverallApprovalStatus = v.OverallApprovalStatus
	}
	return resp
}

// urlParam returns a path parameter, unescaping it so encoded repository
// names like acme%2Fapi resolve to acme/api.
func urlParam(r *http.Request, key string) string {
	raw := chi.URLParam(r, key)
	if unescaped, err := url.PathUnescape(raw); err == nil {
		return unescaped
	}
	return raw
}

// recordParams extracts and validates the {repository}/{id} path parameters.
func (s *Server) recordParams(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	repository := urlParam(r, "repository")
	id := urlParam(r, "id")

	if err := security.ValidateRepository(repository); err != nil {
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return "", "", false
	}
	if err := security.ValidateDeploymentID(id); err != nil {
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return "", "", false
	}
	return repository, id, true
}

func toResponses(views []deployment.View) []deploymentResponse {
	out := make([]deploymentResponse, 0, len(views))
	for _, v := range views {
		out = append(out, toResponse(v))
	}
	return out
}

// HandleHealth reports service and store health.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.Service.Ping(r.Context()); err != nil {
		s.Logger.Error("Store unreachable", "error", err)
		s.respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}

	count, err := s.Service.Count(r.Context())
	if err != nil {
		s.Logger.Error("Failed to count records", "error", err)
		s.respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":       "ok",
		"record_count": count,
	})
}

// HandleListDeployments lists deployments with optional repository,
// environment, and status filters.
func (s *Server) HandleListDeployments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	views, err := s.Service.ListWithFilters(r.Context(), q.Get("repository"), q.Get("environment"), q.Get("status"))
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"deployments": toResponses(views)})
}

// HandleRecentDeployments lists the newest deployments across repositories.
func (s *Server) HandleRecentDeployments(w http.ResponseWriter, r *http.Request) {
	count := DefaultRecentCount
	if raw := r.URL.Query().Get("count"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > MaxRecentCount {
			s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "count must be between 1 and 100"})
			return
		}
		count = n
	}

	views, err := s.Service.ListRecent(r.Context(), count)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"deployments": toResponses(views)})
}

// HandleGetDeployment returns a single deployment.
func (s *Server) HandleGetDeployment(w http.ResponseWriter, r *http.Request) {
	repository, id, ok := s.recordParams(w, r)
	if !ok {
		return
	}

	view, err := s.Service.Get(r.Context(), repository, id)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, toResponse(view))
}

// HandleProgression returns the per-environment state progression of a
// deployment.
func (s *Server) HandleProgression(w http.ResponseWriter, r *http.Request) {
	repository, id, ok := s.recordParams(w, r)
	if !ok {
		return
	}

	progressions, err := s.Service.Progression(r.Context(), repository, id)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}

	type transition struct {
		State       string     `json:"state"`
		Creator     string     `json:"creator,omitempty"`
		Description string     `json:"description,omitempty"`
		At          *time.Time `json:"at,omitempty"`
		Duration    string     `json:"duration,omitempty"`
	}
	type progression struct {
		Environment string       `json:"environment"`
		StartedAt   *time.Time   `json:"started_at,omitempty"`
		Transitions []transition `json:"transitions"`
	}

	out := make([]progression, 0, len(progressions))
	for _, p := range progressions {
		prog := progression{Environment: p.Environment, StartedAt: p.StartedAt}
		for _, tr := range p.Transitions {
			entry := transition{
				State:       tr.State,
				Creator:     tr.Creator,
				Description: tr.Description,
				At:          tr.CreatedAt,
			}
			if entry.At == nil {
				entry.At = tr.UpdatedAt
			}
			if tr.Duration != nil {
				entry.Duration = deployment.FormatDuration(*tr.Duration)
			}
			prog.Transitions = append(prog.Transitions, entry)
		}
		out = append(out, prog)
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{"progression": out})
}

// HandlePendingApprovals lists pending approval gates, oldest first.
func (s *Server) HandlePendingApprovals(w http.ResponseWriter, r *http.Request) {
	views, err := s.Service.ListPendingApprovals(r.Context(), r.URL.Query().Get("environment"))
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"pending_approvals": toResponses(views)})
}

// HandleStatistics returns status-category counts, flat or grouped by
// dimension.
func (s *Server) HandleStatistics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	dimension := q.Get("dimension")

	if dimension == "" || dimension == "none" {
		stats, err := s.Service.StatisticsWithFilters(r.Context(), q.Get("repository"), q.Get("environment"))
		if err != nil {
			s.respondServiceError(w, err)
			return
		}
		s.respondJSON(w, http.StatusOK, map[string]interface{}{"statistics": stats})
		return
	}

	stats, err := s.Service.StatisticsBy(r.Context(), service.StatDimension(dimension))
	if err != nil {
		if errors.Is(err, service.ErrNotFound) || errors.Is(err, service.ErrConflict) {
			s.respondServiceError(w, err)
			return
		}
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"statistics": stats})
}

// HandleRepositories lists the distinct repositories.
func (s *Server) HandleRepositories(w http.ResponseWriter, r *http.Request) {
	repos, err := s.Service.Repositories(r.Context())
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"repositories": repos})
}

// HandleEnvironments lists the distinct environments, optionally for one
// repository.
func (s *Server) HandleEnvironments(w http.ResponseWriter, r *http.Request) {
	envs, err := s.Service.Environments(r.Context(), r.URL.Query().Get("repository"))
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"environments": envs})
}

// HandleLatestByEnvironment returns the newest deployments per environment.
func (s *Server) HandleLatestByEnvironment(w http.ResponseWriter, r *http.Request) {
	byEnv, err := s.Service.LatestByEnvironment(r.Context(), r.URL.Query().Get("repository"))
	if err != nil {
		s.respondServiceError(w, err)
		return
	}

	out := make(map[string][]deploymentResponse, len(byEnv))
	for env, views := range byEnv {
		out[env] = toResponses(views)
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"environments": out})
}

type transitionRequest struct {
	Status   string `json:"status"`
	Approver string `json:"approver"`
	Comment  string `json:"comment"`
}

func (s *Server) decodeTransition(w http.ResponseWriter, r *http.Request) (transitionRequest, bool) {
	var req transitionRequest

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxPayloadBytes))
	if err != nil {
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Failed to read payload"})
		return req, false
	}
	if err := json.Unmarshal(body, &req); err != nil {
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid JSON payload"})
		return req, false
	}
	if req.Approver == "" {
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "approver is required"})
		return req, false
	}
	if err := security.ValidateLogin(req.Approver); err != nil {
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return req, false
	}
	return req, true
}

// HandleUpdateStatus appends a status transition to a deployment.
func (s *Server) HandleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	repository, id, ok := s.recordParams(w, r)
	if !ok {
		return
	}
	req, ok := s.decodeTransition(w, r)
	if !ok {
		return
	}
	if req.Status == "" {
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "status is required"})
		return
	}

	err := s.Service.UpdateStatus(r.Context(), repository, id,
		req.Status, req.Approver, req.Comment)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// HandleApprove approves a deployment.
func (s *Server) HandleApprove(w http.ResponseWriter, r *http.Request) {
	repository, id, ok := s.recordParams(w, r)
	if !ok {
		return
	}
	req, ok := s.decodeTransition(w, r)
	if !ok {
		return
	}

	err := s.Service.Approve(r.Context(), repository, id, req.Approver, req.Comment)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// HandleReject rejects a deployment.
func (s *Server) HandleReject(w http.ResponseWriter, r *http.Request) {
	repository, id, ok := s.recordParams(w, r)
	if !ok {
		return
	}
	req, ok := s.decodeTransition(w, r)
	if !ok {
		return
	}

	err := s.Service.Reject(r.Context(), repository, id, req.Approver, req.Comment)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// respondServiceError maps service errors to status codes: not-found and a
// lost concurrency race are distinct outcomes; everything else is a store
// transport failure.
func (s *Server) respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrNotFound):
		s.respondJSON(w, http.StatusNotFound, map[string]string{"error": "Deployment not found"})
	case errors.Is(err, service.ErrConflict):
		s.respondJSON(w, http.StatusConflict, map[string]string{"error": "Concurrent update, refetch and retry"})
	default:
		s.Logger.Error("Store request failed", "error", err)
		s.respondJSON(w, http.StatusBadGateway, map[string]string{"error": "Storage unavailable"})
	}
}

// respondJSON sends a JSON response
func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.Logger.Error("Failed to encode JSON response", "error", err)
	}
}
