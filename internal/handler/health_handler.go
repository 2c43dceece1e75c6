// Package handler provides the gin HTTP handlers of the premiere API.
package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

const readinessTimeout = 2 * time.Second

// HealthCheck is one dependency probed by the readiness endpoint.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	checks []HealthCheck
}

// NewHealthHandler creates a new HealthHandler instance.
func NewHealthHandler(checks ...HealthCheck) *HealthHandler {
	return &HealthHandler{checks: checks}
}

// LivenessProbe checks if the application is running.
func (h *HealthHandler) LivenessProbe(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "UP",
		"time":   time.Now(),
	})
}

// ReadinessProbe checks every dependency and reports the first unhealthy one.
func (h *HealthHandler) ReadinessProbe(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), readinessTimeout)
	defer cancel()

	body := gin.H{"time": time.Now()}
	for _, check := range h.checks {
		if err := check.Check(ctx); err != nil {
			body["status"] = "DOWN"
			body[check.Name] = "unhealthy"
			body["error"] = err.Error()
			c.JSON(http.StatusServiceUnavailable, body)
			return
		}
		body[check.Name] = "healthy"
	}

	body["status"] = "UP"
	c.JSON(http.StatusOK, body)
}
