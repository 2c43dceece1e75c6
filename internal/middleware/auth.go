// Package middleware holds the gin middleware shared by the API routes.
package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/models"
	"github.com/premiere-lifecycle/premiere-pipeline-go/pkg/logger"
)

const (
	headerAPIKey      = "X-API-Key"
	headerAuth        = "Authorization"
	bearerPrefix      = "Bearer "
	unauthorizedError = "Unauthorized"
)

// APIKeyAuth provides API key authentication middleware.
type APIKeyAuth struct {
	apiKeys map[string]bool
	logger  *zap.Logger
}

// NewAPIKeyAuth creates a new API key authentication middleware.
// If no keys are provided, all requests will be rejected.
func NewAPIKeyAuth(apiKeys []string, log *zap.Logger) *APIKeyAuth {
	keyMap := make(map[string]bool, len(apiKeys))
	for _, key := range apiKeys {
		if key != "" {
			keyMap[key] = true
		}
	}

	return &APIKeyAuth{
		apiKeys: keyMap,
		logger:  logger.OrNop(log),
	}
}

// Handler validates the API key from the X-API-Key header, falling back to
// Authorization: Bearer <key>. Requests without a valid key get 401.
func (a *APIKeyAuth) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !a.isValidAPIKey(a.extractAPIKey(c.Request)) {
			a.logger.Warn("Unauthorized request, invalid or missing API key",
				zap.String("path", c.Request.URL.Path),
				zap.String("method", c.Request.Method),
				zap.String("remote_addr", c.ClientIP()),
			)
			abortUnauthorized(c, "A valid API key is required")
			return
		}
		c.Next()
	}
}

func (a *APIKeyAuth) extractAPIKey(r *http.Request) string {
	if apiKey := r.Header.Get(headerAPIKey); apiKey != "" {
		return apiKey
	}
	return bearerToken(r)
}

// isValidAPIKey compares in constant time against every configured key.
func (a *APIKeyAuth) isValidAPIKey(providedKey string) bool {
	if providedKey == "" || len(a.apiKeys) == 0 {
		return false
	}

	for validKey := range a.apiKeys {
		if subtle.ConstantTimeCompare([]byte(providedKey), []byte(validKey)) == 1 {
			return true
		}
	}

	return false
}

// BearerSecret admits requests whose Authorization header is exactly "Bearer <secret>".
// An empty secret rejects everything.
func BearerSecret(secret string, log *zap.Logger) gin.HandlerFunc {
	log = logger.OrNop(log)
	want := []byte(secret)

	return func(c *gin.Context) {
		got := bearerToken(c.Request)
		if secret == "" || got == "" || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			log.Warn("Unauthorized request, bearer secret mismatch",
				zap.String("path", c.Request.URL.Path),
				zap.String("remote_addr", c.ClientIP()),
			)
			abortUnauthorized(c, "Invalid or missing bearer secret")
			return
		}
		c.Next()
	}
}

func bearerToken(r *http.Request) string {
	authHeader := r.Header.Get(headerAuth)
	if strings.HasPrefix(authHeader, bearerPrefix) {
		return strings.TrimPrefix(authHeader, bearerPrefix)
	}
	return ""
}

func abortUnauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, models.ErrorResponse{
		Timestamp: time.Now(),
		Status:    http.StatusUnauthorized,
		Error:     unauthorizedError,
		Message:   message,
		Path:      c.Request.URL.Path,
	})
}
