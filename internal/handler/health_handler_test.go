package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthHandler_LivenessProbe(t *testing.T) {
	handler := NewHealthHandler()

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/health/live", nil)

	handler.LivenessProbe(c)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"UP"`)
}

func TestHealthHandler_ReadinessProbe(t *testing.T) {
	healthy := func(context.Context) error { return nil }
	down := func(context.Context) error { return errors.New("dial tcp: connection refused") }

	tests := []struct {
		name       string
		checks     []HealthCheck
		wantStatus int
		wantBody   map[string]string
	}{
		{
			name:       "all healthy",
			checks:     []HealthCheck{{"database", healthy}, {"rabbitmq", healthy}},
			wantStatus: http.StatusOK,
			wantBody:   map[string]string{"status": "UP", "database": "healthy", "rabbitmq": "healthy"},
		},
		{
			name:       "database down",
			checks:     []HealthCheck{{"database", down}, {"rabbitmq", healthy}},
			wantStatus: http.StatusServiceUnavailable,
			wantBody:   map[string]string{"status": "DOWN", "database": "unhealthy"},
		},
		{
			name:       "no checks configured",
			wantStatus: http.StatusOK,
			wantBody:   map[string]string{"status": "UP"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewHealthHandler(tt.checks...)

			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request = httptest.NewRequest("GET", "/health/ready", nil)

			handler.ReadinessProbe(c)

			assert.Equal(t, tt.wantStatus, w.Code)
			var body map[string]any
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			for k, v := range tt.wantBody {
				assert.Equal(t, v, body[k], k)
			}
		})
	}
}

func TestHealthHandler_ReadinessProbe_StopsAtFirstFailure(t *testing.T) {
	called := false
	handler := NewHealthHandler(
		HealthCheck{Name: "database", Check: func(context.Context) error { return errors.New("down") }},
		HealthCheck{Name: "redis", Check: func(context.Context) error { called = true; return nil }},
	)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/health/ready", nil)

	handler.ReadinessProbe(c)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.False(t, called)
}
