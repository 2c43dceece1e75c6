package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/models"
	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/service"
	"github.com/premiere-lifecycle/premiere-pipeline-go/pkg/logger"
)

// Sweeper runs one cleanup pass.
type Sweeper interface {
	Sweep(ctx context.Context) (*service.SweepReport, error)
}

// CleanupHandler lets an external scheduler trigger a sweep.
type CleanupHandler struct {
	sweeper Sweeper
	logger  *zap.Logger
}

// NewCleanupHandler creates a CleanupHandler.
func NewCleanupHandler(sweeper Sweeper, log *zap.Logger) *CleanupHandler {
	return &CleanupHandler{sweeper: sweeper, logger: logger.OrNop(log)}
}

// Trigger runs a sweep and returns the purged IDs and per-premiere errors.
// A sweep that is already running answers 409.
func (h *CleanupHandler) Trigger(c *gin.Context) {
	report, err := h.sweeper.Sweep(c.Request.Context())
	if errors.Is(err, service.ErrSweepInProgress) {
		respondError(c, http.StatusConflict, "A cleanup sweep is already running")
		return
	}
	if err != nil {
		h.logger.Error("Triggered sweep failed", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "Cleanup sweep failed")
		return
	}

	resp := models.CleanupResponse{
		Purged: report.Purged,
		Errors: make([]models.CleanupError, 0, len(report.Errors)),
	}
	for _, e := range report.Errors {
		resp.Errors = append(resp.Errors, models.CleanupError{PremiereID: e.PremiereID, Cause: e.Cause})
	}

	c.JSON(http.StatusOK, resp)
}
