package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/apperr"
	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/models"
	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/service"
	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/validation"
	"github.com/premiere-lifecycle/premiere-pipeline-go/pkg/logger"
)

// Subscriber stores browser push subscriptions.
type Subscriber interface {
	Subscribe(ctx context.Context, req *models.SubscribeRequest) error
}

// ManualDispatcher sends an out-of-band "premiere is live" push.
type ManualDispatcher interface {
	DispatchManual(ctx context.Context, premiereID uuid.UUID, title, url string) (*service.DispatchResult, error)
}

// PushHandler serves subscription registration and manual dispatch.
type PushHandler struct {
	subscriber Subscriber
	dispatcher ManualDispatcher
	validator  *validation.Validator
	logger     *zap.Logger
}

// NewPushHandler creates a PushHandler.
func NewPushHandler(subscriber Subscriber, dispatcher ManualDispatcher, validator *validation.Validator, log *zap.Logger) *PushHandler {
	if validator == nil {
		validator = validation.New("")
	}
	return &PushHandler{
		subscriber: subscriber,
		dispatcher: dispatcher,
		validator:  validator,
		logger:     logger.OrNop(log),
	}
}

// Subscribe upserts the caller's subscription for a premiere. Registering the same
// user and premiere again replaces the stored subscription.
func (h *PushHandler) Subscribe(c *gin.Context) {
	var req models.SubscribeRequest
	if !bindJSON(c, h.logger, &req) {
		return
	}

	if err := h.subscriber.Subscribe(c.Request.Context(), &req); err != nil {
		handleError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, models.SuccessResponse{Success: true})
}

// Dispatch notifies every subscriber of a premiere and reports how many were reached.
func (h *PushHandler) Dispatch(c *gin.Context) {
	var req models.DispatchRequest
	if !bindJSON(c, h.logger, &req) {
		return
	}

	premiereID, err := validation.ParseID("premiere_id", req.PremiereID)
	if err != nil {
		handleError(c, h.logger, apperr.Validation(err.Error()))
		return
	}
	if err := h.validator.ValidateClickURL(req.URL); err != nil {
		handleError(c, h.logger, apperr.Validation(err.Error()))
		return
	}

	result, err := h.dispatcher.DispatchManual(c.Request.Context(), premiereID, req.Title, req.URL)
	if err != nil {
		handleError(c, h.logger, err)
		return
	}

	h.logger.Info("Manual dispatch finished",
		zap.String("premiere_id", premiereID.String()),
		zap.Int("sent", result.Sent),
		zap.Int("gone", result.Gone),
		zap.Int("failed", result.Failed),
	)

	c.JSON(http.StatusOK, models.DispatchResponse{Sent: result.Sent})
}
