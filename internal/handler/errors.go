package handler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/apperr"
	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/models"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

func respondError(c *gin.Context, status int, message string) {
	c.JSON(status, models.ErrorResponse{
		Timestamp: time.Now(),
		Status:    status,
		Error:     http.StatusText(status),
		Message:   message,
		Path:      c.Request.URL.Path,
	})
}

// handleError maps an apperr kind to its HTTP status. Only the public message of the
// error reaches the client.
func handleError(c *gin.Context, log *zap.Logger, err error) {
	status := http.StatusInternalServerError
	switch apperr.KindOf(err) {
	case apperr.KindValidation, apperr.KindBadInput:
		status = http.StatusBadRequest
	case apperr.KindNotFound:
		status = http.StatusNotFound
	case apperr.KindConflict:
		status = http.StatusConflict
	}

	fields := []zap.Field{zap.Error(err), zap.String("path", c.Request.URL.Path)}
	switch {
	case status >= http.StatusInternalServerError:
		log.Error("Request failed", fields...)
	case status == http.StatusConflict:
		log.Info("Request conflicted", fields...)
	default:
		log.Debug("Request rejected", fields...)
	}

	respondError(c, status, apperr.PublicMessage(err))
}

// bindJSON decodes the body into dst and answers 400 (or 413) itself on failure.
func bindJSON(c *gin.Context, log *zap.Logger, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(c, http.StatusRequestEntityTooLarge, "Request body is too large")
			return false
		}
		log.Warn("Invalid request payload",
			zap.Error(err),
			zap.String("path", c.Request.URL.Path),
		)
		respondError(c, http.StatusBadRequest, "Invalid request payload: "+err.Error())
		return false
	}
	return true
}

func parseLimit(c *gin.Context) int {
	limit, err := strconv.Atoi(c.Query("limit"))
	if err != nil || limit <= 0 {
		return defaultLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}

func parseOffset(c *gin.Context) int {
	offset, err := strconv.Atoi(c.Query("offset"))
	if err != nil || offset < 0 {
		return 0
	}
	return offset
}

func methodNotAllowed(c *gin.Context) {
	respondError(c, http.StatusMethodNotAllowed, "Method "+c.Request.Method+" is not allowed on this endpoint")
}

func notFound(c *gin.Context) {
	respondError(c, http.StatusNotFound, "No route for "+c.Request.URL.Path)
}
