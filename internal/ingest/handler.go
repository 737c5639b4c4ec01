package ingest

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/wattsplit/wattsplit/internal/platform/httpx"
)

// Handler exposes the manual ingestion trigger.
type Handler struct {
	logger   *slog.Logger
	pipeline *Pipeline
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, pipeline *Pipeline) *Handler {
	return &Handler{logger: logger, pipeline: pipeline}
}

type runRequest struct {
	DaysBack int `json:"days_back"`
}

// Run executes a pipeline run synchronously and reports the result.
func (h *Handler) Run(w http.ResponseWriter, r *http.Request) {
	var body runRequest
	if r.ContentLength > 0 {
		if err := httpx.DecodeJSON(r, &body); err != nil {
			httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
			return
		}
	}
	if body.DaysBack < 0 {
		httpx.RespondError(w, fmt.Errorf("%w: days_back must not be negative", httpx.ErrValidation))
		return
	}

	result, err := h.pipeline.Run(r.Context(), body.DaysBack)
	if errors.Is(err, ErrRunInProgress) {
		httpx.Problem(w, http.StatusConflict, "Conflict", "another ingestion run is in progress")
		return
	}
	if err != nil {
		h.logger.Error("ingest run", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}
