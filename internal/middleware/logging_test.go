package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestRequestLogger(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	r := gin.New()
	r.Use(RequestLogger(zap.New(core)))
	r.GET("/ok", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.GET("/boom", func(c *gin.Context) { c.Status(http.StatusServiceUnavailable) })

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ok", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/boom", nil))

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, zap.InfoLevel, entries[0].Level)
	assert.Equal(t, int64(http.StatusNoContent), entries[0].ContextMap()["status"])
	assert.Equal(t, zap.WarnLevel, entries[1].Level)
	assert.Equal(t, "/boom", entries[1].ContextMap()["path"])
}

func TestMaxBodyBytes(t *testing.T) {
	t.Parallel()

	r := gin.New()
	r.Use(MaxBodyBytes(8))
	r.POST("/echo", func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.String(http.StatusOK, string(body))
	})

	small := httptest.NewRecorder()
	r.ServeHTTP(small, httptest.NewRequest(http.MethodPost, "/echo", strings.NewReader("tiny")))
	assert.Equal(t, http.StatusOK, small.Code)
	assert.Equal(t, "tiny", small.Body.String())

	large := httptest.NewRecorder()
	r.ServeHTTP(large, httptest.NewRequest(http.MethodPost, "/echo", strings.NewReader("far too large")))
	assert.Equal(t, http.StatusRequestEntityTooLarge, large.Code)
}
