package handlers

import (
	"context"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/nijaru/vid-feedback/errors"
	"github.com/nijaru/vid-feedback/ingest"
	"github.com/nijaru/vid-feedback/middleware"
	"github.com/nijaru/vid-feedback/models"
	"github.com/nijaru/vid-feedback/utils"
	"github.com/nijaru/vid-feedback/validation"
)

// MaxArtifactBytes bounds the observation artifact accepted by POST /api/runs.
const MaxArtifactBytes = 32 << 20

// RunService is what the API needs from the summary service.
type RunService interface {
	Start(ctx context.Context, observations []models.Observation) (*models.Run, error)
	GetRun(ctx context.Context, id string) (*models.Run, error)
	GetReport(ctx context.Context, id string) (*models.FinalReport, error)
}

type Handler struct {
	service RunService
}

func New(service RunService) *Handler {
	return &Handler{service: service}
}

// Routes registers the API on a new mux.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/runs", h.HandleCreateRun)
	mux.HandleFunc("GET /api/runs/{id}", h.HandleGetRun)
	mux.HandleFunc("GET /api/runs/{id}/report", h.HandleGetReport)
	mux.HandleFunc("GET /health", h.HandleHealth)
	return mux
}

// HandleCreateRun handles POST /api/runs
func (h *Handler) HandleCreateRun(w http.ResponseWriter, r *http.Request) {
	logger := middleware.GetLogger(r.Context())

	if err := validation.ValidateRequest(r, validation.RequestValidationOpts{
		MaxContentLength: MaxArtifactBytes,
		RequireJSON:      true,
	}); err != nil {
		utils.RespondWithError(w, err)
		return
	}

	observations, err := ingest.Read(http.MaxBytesReader(w, r.Body, MaxArtifactBytes))
	if err != nil {
		utils.RespondWithError(w, err)
		return
	}

	run, err := h.service.Start(r.Context(), observations)
	if err != nil {
		logger.WithError(err).Error("Failed to start run")
		utils.RespondWithError(w, err)
		return
	}

	logger.WithFields(logrus.Fields{
		"run_id":       run.ID,
		"observations": len(observations),
	}).Info("Run accepted")
	utils.RespondWithJSON(w, http.StatusAccepted, models.NewRunResponse(run))
}

// HandleGetRun handles GET /api/runs/{id}
func (h *Handler) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := validation.ValidateRunID(id); err != nil {
		utils.RespondWithError(w, err)
		return
	}

	run, err := h.service.GetRun(r.Context(), id)
	if err != nil {
		utils.RespondWithError(w, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, models.NewRunResponse(run))
}

// HandleGetReport handles GET /api/runs/{id}/report
func (h *Handler) HandleGetReport(w http.ResponseWriter, r *http.Request) {
	const op = "Handler.HandleGetReport"

	id := r.PathValue("id")
	if err := validation.ValidateRunID(id); err != nil {
		utils.RespondWithError(w, err)
		return
	}

	report, err := h.service.GetReport(r.Context(), id)
	if errors.IsNotFound(err) {
		utils.RespondWithError(w, errors.NotFound(op, err, "Report not available"))
		return
	}
	if err != nil {
		utils.RespondWithError(w, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, report)
}

func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	utils.RespondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
