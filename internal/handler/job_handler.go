package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/apperr"
	dbmodels "github.com/premiere-lifecycle/premiere-pipeline-go/internal/db/models"
	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/models"
	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/validation"
	"github.com/premiere-lifecycle/premiere-pipeline-go/pkg/logger"
)

// JobReader exposes the transcode ledger read-only.
type JobReader interface {
	Get(ctx context.Context, jobID uuid.UUID) (*dbmodels.TranscodeJob, error)
	Stats(ctx context.Context) (map[string]int, error)
}

// JobHandler serves job status for operators and uploaders polling their ingest.
type JobHandler struct {
	jobs   JobReader
	logger *zap.Logger
}

// NewJobHandler creates a JobHandler.
func NewJobHandler(jobs JobReader, log *zap.Logger) *JobHandler {
	return &JobHandler{jobs: jobs, logger: logger.OrNop(log)}
}

func (h *JobHandler) Get(c *gin.Context) {
	id, err := validation.ParseID("job id", c.Param("id"))
	if err != nil {
		handleError(c, h.logger, apperr.Validation(err.Error()))
		return
	}

	job, err := h.jobs.Get(c.Request.Context(), id)
	if err != nil {
		if apperr.IsNotFound(err) {
			respondError(c, http.StatusNotFound, "Job not found")
			return
		}
		handleError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, models.JobResponse{
		ID:            job.ID,
		PremiereID:    job.PremiereID,
		State:         string(job.State),
		AttemptCount:  job.AttemptCount,
		MaxAttempts:   job.MaxAttempts,
		NextAttemptAt: job.NextAttemptAt,
		LastError:     job.LastError,
		AssetKey:      job.AssetKey,
		CompletedAt:   job.CompletedAt,
		CreatedAt:     job.CreatedAt,
		UpdatedAt:     job.UpdatedAt,
	})
}

func (h *JobHandler) Stats(c *gin.Context) {
	stats, err := h.jobs.Stats(c.Request.Context())
	if err != nil {
		handleError(c, h.logger, err)
		return
	}

	total := 0
	for _, n := range stats {
		total += n
	}
	c.JSON(http.StatusOK, models.JobStatsResponse{States: stats, Total: total})
}
