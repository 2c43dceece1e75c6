package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/apperr"
	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/db/repository"
	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/models"
	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/validation"
	"github.com/premiere-lifecycle/premiere-pipeline-go/pkg/logger"
)

// PremiereService is implemented by service.PremiereService.
type PremiereService interface {
	Ingest(ctx context.Context, req *models.IngestRequest) (*models.IngestResponse, error)
	Get(ctx context.Context, id uuid.UUID) (*models.PremiereResponse, error)
	List(ctx context.Context, filters repository.PremiereFilters) (*models.PremiereListResponse, error)
	Reschedule(ctx context.Context, id uuid.UUID, scheduledAt time.Time) (*models.PremiereResponse, error)
	UpdateDetails(ctx context.Context, id uuid.UUID, title, description string) (*models.PremiereResponse, error)
}

// PremiereHandler serves ingest and the premiere read/edit endpoints.
type PremiereHandler struct {
	service PremiereService
	logger  *zap.Logger
}

// NewPremiereHandler creates a PremiereHandler.
func NewPremiereHandler(service PremiereService, log *zap.Logger) *PremiereHandler {
	return &PremiereHandler{service: service, logger: logger.OrNop(log)}
}

// Ingest registers an uploaded raw file and answers 202 with the job and premiere IDs.
func (h *PremiereHandler) Ingest(c *gin.Context) {
	var req models.IngestRequest
	if !bindJSON(c, h.logger, &req) {
		return
	}

	resp, err := h.service.Ingest(c.Request.Context(), &req)
	if err != nil {
		handleError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusAccepted, resp)
}

func (h *PremiereHandler) Get(c *gin.Context) {
	id, ok := h.pathID(c)
	if !ok {
		return
	}

	resp, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		handleError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// List supports owner_id, limit and offset query parameters.
func (h *PremiereHandler) List(c *gin.Context) {
	filters := repository.PremiereFilters{
		OwnerID: c.Query("owner_id"),
		Limit:   parseLimit(c),
		Offset:  parseOffset(c),
	}

	resp, err := h.service.List(c.Request.Context(), filters)
	if err != nil {
		handleError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// Reschedule answers 409 once the premiere has started.
func (h *PremiereHandler) Reschedule(c *gin.Context) {
	id, ok := h.pathID(c)
	if !ok {
		return
	}
	var req models.RescheduleRequest
	if !bindJSON(c, h.logger, &req) {
		return
	}

	resp, err := h.service.Reschedule(c.Request.Context(), id, req.ScheduledAt)
	if err != nil {
		handleError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// UpdateDetails answers 409 once the premiere has started.
func (h *PremiereHandler) UpdateDetails(c *gin.Context) {
	id, ok := h.pathID(c)
	if !ok {
		return
	}
	var req models.UpdateDetailsRequest
	if !bindJSON(c, h.logger, &req) {
		return
	}

	resp, err := h.service.UpdateDetails(c.Request.Context(), id, req.Title, req.Description)
	if err != nil {
		handleError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (h *PremiereHandler) pathID(c *gin.Context) (uuid.UUID, bool) {
	id, err := validation.ParseID("premiere id", c.Param("id"))
	if err != nil {
		handleError(c, h.logger, apperr.Validation(err.Error()))
		return uuid.Nil, false
	}
	return id, true
}
