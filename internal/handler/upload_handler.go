package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/models"
	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/storage"
	"github.com/premiere-lifecycle/premiere-pipeline-go/pkg/logger"
)

// Presigner issues direct-upload URLs.
type Presigner interface {
	PresignUpload(ctx context.Context, bucket, fileName, contentType string) (*storage.PresignedUpload, error)
}

// UploadHandler issues presigned upload URLs for raw videos and covers.
type UploadHandler struct {
	presigner Presigner
	logger    *zap.Logger
}

// NewUploadHandler creates an UploadHandler.
func NewUploadHandler(presigner Presigner, log *zap.Logger) *UploadHandler {
	return &UploadHandler{presigner: presigner, logger: logger.OrNop(log)}
}

func (h *UploadHandler) Presign(c *gin.Context) {
	var req models.PresignRequest
	if !bindJSON(c, h.logger, &req) {
		return
	}

	upload, err := h.presigner.PresignUpload(c.Request.Context(), req.Bucket, req.FileName, req.ContentType)
	if err != nil {
		handleError(c, h.logger, err)
		return
	}

	h.logger.Debug("Issued upload URL",
		zap.String("bucket", upload.Bucket),
		zap.String("key", upload.Key),
		zap.Time("expires_at", upload.ExpiresAt),
	)

	c.JSON(http.StatusOK, models.PresignResponse{
		URL:       upload.URL,
		Method:    upload.Method,
		Key:       upload.Key,
		Bucket:    upload.Bucket,
		Headers:   upload.Headers,
		ExpiresAt: upload.ExpiresAt,
	})
}
