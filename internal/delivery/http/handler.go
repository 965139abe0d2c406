package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"deployd/internal/core/deployments"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	httpSwagger "github.com/swaggo/http-swagger"
)

type Handler struct {
	mgr *deployments.Manager
	lg  zerolog.Logger
}

func NewHandler(mgr *deployments.Manager, lg zerolog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	h := &Handler{mgr: mgr, lg: lg}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/swagger/*", httpSwagger.WrapHandler)

	r.Route("/api/v1/deployments", func(r chi.Router) {
		r.Post("/", h.handleCreate)
		r.Get("/", h.handleList)
		r.Get("/{deploymentID}", h.handleGet)
		r.Get("/{deploymentID}/status", h.handleStatus)
		r.Get("/{deploymentID}/logs", h.handleLogs)
		r.Post("/{deploymentID}/stop", h.handleStop)
		r.Delete("/{deploymentID}", h.handleRemove)
	})

	return r
}

// handleCreate starts a new deployment.
//
//	@Summary	Deploy a model
//	@Accept		json
//	@Produce	json
//	@Param		request	body	deployments.Request	true	"deploy request"
//	@Param		wait	query	bool	false	"block until the deployment is running"
//	@Success	201	{object}	deployments.Deployment
//	@Success	202	{object}	deployments.Deployment
//	@Router		/api/v1/deployments [post]
func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req deployments.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "invalid json body")
		return
	}
	wait := r.URL.Query().Get("wait") == "true"

	d, err := h.mgr.Deploy(r.Context(), req, wait)
	if err != nil {
		h.writeKindError(w, err)
		return
	}
	status := http.StatusAccepted
	if wait {
		status = http.StatusCreated
	}
	writeJSON(w, status, d)
}

// handleList lists deployments.
//
//	@Summary	List deployments
//	@Produce	json
//	@Param		user_id	query	string	false	"filter by user"
//	@Param		limit	query	int	false	"cap the result count"
//	@Success	200	{array}	deployments.Deployment
//	@Router		/api/v1/deployments [get]
func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	writeJSON(w, http.StatusOK, h.mgr.List(r.URL.Query().Get("user_id"), limit))
}

// handleGet returns the full deployment record.
//
//	@Summary	Get a deployment
//	@Produce	json
//	@Param		deploymentID	path	string	true	"deployment id"
//	@Success	200	{object}	deployments.Deployment
//	@Router		/api/v1/deployments/{deploymentID} [get]
func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	d, err := h.mgr.Get(chi.URLParam(r, "deploymentID"))
	if err != nil {
		h.writeKindError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// statusView is the progress-oriented status projection.
type statusView struct {
	DeploymentID  string             `json:"deployment_id"`
	Status        deployments.Status `json:"status"`
	Progress      int                `json:"progress"`
	EstimatedTime string             `json:"estimated_time,omitempty"`
	ModelID       string             `json:"model_id"`
	Port          int                `json:"port"`
	PublicURL     string             `json:"public_url,omitempty"`
	LastError     string             `json:"last_error,omitempty"`
}

// handleStatus returns deployment progress for pollers.
//
//	@Summary	Get deployment status and progress
//	@Produce	json
//	@Param		deploymentID	path	string	true	"deployment id"
//	@Success	200	{object}	statusView
//	@Router		/api/v1/deployments/{deploymentID}/status [get]
func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	d, err := h.mgr.Get(chi.URLParam(r, "deploymentID"))
	if err != nil {
		h.writeKindError(w, err)
		return
	}
	progress, eta := progressFor(d.Status)
	writeJSON(w, http.StatusOK, statusView{
		DeploymentID:  d.ID,
		Status:        d.Status,
		Progress:      progress,
		EstimatedTime: eta,
		ModelID:       d.ModelID,
		Port:          d.Port,
		PublicURL:     d.PublicURL,
		LastError:     d.LastError,
	})
}

// handleLogs streams back the container log tail.
//
//	@Summary	Get container logs
//	@Produce	plain
//	@Param		deploymentID	path	string	true	"deployment id"
//	@Success	200	{string}	string
//	@Router		/api/v1/deployments/{deploymentID}/logs [get]
func (h *Handler) handleLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := h.mgr.Logs(r.Context(), chi.URLParam(r, "deploymentID"))
	if err != nil {
		h.writeKindError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(logs))
}

// handleStop tears down the deployment's container and tunnel; artifacts
// and the record are retained.
//
//	@Summary	Stop a deployment
//	@Produce	json
//	@Param		deploymentID	path	string	true	"deployment id"
//	@Param		wait	query	bool	false	"block until stopped"
//	@Success	200	{object}	deployments.Deployment
//	@Success	202	{object}	deployments.Deployment
//	@Router		/api/v1/deployments/{deploymentID}/stop [post]
func (h *Handler) handleStop(w http.ResponseWriter, r *http.Request) {
	wait := r.URL.Query().Get("wait") == "true"
	d, err := h.mgr.Stop(r.Context(), chi.URLParam(r, "deploymentID"), wait)
	if err != nil {
		h.writeKindError(w, err)
		return
	}
	status := http.StatusAccepted
	if wait {
		status = http.StatusOK
	}
	writeJSON(w, status, d)
}

// handleRemove stops the deployment and deletes its artifacts and record.
//
//	@Summary	Delete a deployment
//	@Param		deploymentID	path	string	true	"deployment id"
//	@Success	204
//	@Router		/api/v1/deployments/{deploymentID} [delete]
func (h *Handler) handleRemove(w http.ResponseWriter, r *http.Request) {
	if err := h.mgr.Remove(r.Context(), chi.URLParam(r, "deploymentID")); err != nil {
		h.writeKindError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func progressFor(s deployments.Status) (int, string) {
	switch s {
	case deployments.StatusPending:
		return 5, "5-10 minutes"
	case deployments.StatusContainerStarting:
		return 15, "4-8 minutes"
	case deployments.StatusContainerReady:
		return 50, "1-3 minutes"
	case deployments.StatusTunnelStarting:
		return 75, "1-3 minutes"
	case deployments.StatusRunning:
		return 100, ""
	case deployments.StatusFailed:
		return -1, ""
	default:
		return 0, ""
	}
}

// writeKindError maps the core error taxonomy onto HTTP statuses.
func (h *Handler) writeKindError(w http.ResponseWriter, err error) {
	kind, status := "internal", http.StatusInternalServerError
	switch {
	case errors.Is(err, deployments.ErrValidation):
		kind, status = "validation", http.StatusBadRequest
	case errors.Is(err, deployments.ErrNotFound):
		kind, status = "not_found", http.StatusNotFound
	case errors.Is(err, deployments.ErrConflict), errors.Is(err, deployments.ErrNameConflict):
		kind, status = "conflict", http.StatusConflict
	case errors.Is(err, deployments.ErrResourceExhausted):
		kind, status = "resource_exhausted", http.StatusServiceUnavailable
	case errors.Is(err, deployments.ErrRuntimeUnavailable):
		kind, status = "runtime_unavailable", http.StatusBadGateway
	case errors.Is(err, deployments.ErrBuild):
		kind = "build_error"
	case errors.Is(err, deployments.ErrStart):
		kind = "start_error"
	case errors.Is(err, deployments.ErrTunnelStart):
		kind = "tunnel_start_error"
	case errors.Is(err, deployments.ErrTunnelTimeout):
		kind = "tunnel_timeout"
	}
	if status >= http.StatusInternalServerError {
		h.lg.Error().Err(err).Str("kind", kind).Msg("request failed")
	}
	writeError(w, status, kind, err.Error())
}

func writeError(w http.ResponseWriter, status int, kind, detail string) {
	writeJSON(w, status, map[string]string{"error": kind, "detail": detail})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
