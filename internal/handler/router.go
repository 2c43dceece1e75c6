package handler

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/metrics"
	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/middleware"
)

// Handlers groups the route handlers mounted by NewRouter.
type Handlers struct {
	Premieres *PremiereHandler
	Uploads   *UploadHandler
	Push      *PushHandler
	Cleanup   *CleanupHandler
	Jobs      *JobHandler
	Health    *HealthHandler
}

// RouterConfig carries the cross-cutting middleware.
type RouterConfig struct {
	// APIAuth guards the operator and uploader endpoints.
	APIAuth gin.HandlerFunc
	// CleanupAuth guards the sweep trigger.
	CleanupAuth  gin.HandlerFunc
	Metrics      *metrics.Metrics
	Logger       *zap.Logger
	MaxBodyBytes int64
}

// NewRouter builds the API engine. Known paths requested with the wrong method answer 405.
func NewRouter(h Handlers, cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.NoMethod(methodNotAllowed)
	r.NoRoute(notFound)

	r.Use(gin.Recovery(), middleware.RequestLogger(cfg.Logger))
	if cfg.Metrics != nil {
		r.Use(cfg.Metrics.GinMiddleware())
		r.GET("/metrics", gin.WrapH(cfg.Metrics.Handler()))
	}
	r.Use(middleware.MaxBodyBytes(cfg.MaxBodyBytes))

	if h.Health != nil {
		r.GET("/health/live", h.Health.LivenessProbe)
		r.GET("/health/ready", h.Health.ReadinessProbe)
	}

	api := r.Group("/api/v1")

	keyed := api.Group("")
	if cfg.APIAuth != nil {
		keyed.Use(cfg.APIAuth)
	}

	if h.Premieres != nil {
		keyed.POST("/premieres", h.Premieres.Ingest)
		keyed.GET("/premieres", h.Premieres.List)
		keyed.GET("/premieres/:id", h.Premieres.Get)
		keyed.PATCH("/premieres/:id/schedule", h.Premieres.Reschedule)
		keyed.PATCH("/premieres/:id/details", h.Premieres.UpdateDetails)
	}
	if h.Uploads != nil {
		keyed.POST("/uploads/presign", h.Uploads.Presign)
	}
	if h.Jobs != nil {
		keyed.GET("/jobs/stats", h.Jobs.Stats)
		keyed.GET("/jobs/:id", h.Jobs.Get)
	}
	if h.Push != nil {
		// Browsers register subscriptions directly, without an API key.
		api.POST("/push/subscriptions", h.Push.Subscribe)
		keyed.POST("/push/dispatch", h.Push.Dispatch)
	}
	if h.Cleanup != nil {
		cleanup := []gin.HandlerFunc{h.Cleanup.Trigger}
		if cfg.CleanupAuth != nil {
			cleanup = append([]gin.HandlerFunc{cfg.CleanupAuth}, cleanup...)
		}
		api.POST("/cleanup", cleanup...)
	}

	return r
}
