package server

import (
	"context"
	"github.com/gin-gonic/gin"
	"github/martinmaurice/spoolr/internal/server/middleware"
	"net/http"
)

type (
	reconcileHandlerServicer interface {
		Drain(ctx context.Context) (int, error)
		Pending() (int, error)
	}
	reconcileResponseDTO struct {
		Applied int `json:"applied"`
		Pending int `json:"pending"`
	}
)

// ReconcileHandler drains one batch of the spool and waits for it.
func ReconcileHandler(s reconcileHandlerServicer) func(ctx *gin.Context) {
	return func(ctx *gin.Context) {
		logger := handlerLogger(ctx, "reconcile")

		applied, err := s.Drain(ctx.Request.Context())
		if err != nil {
			logger.Error("drain failed", "error", err)
			middleware.AbortWithError(ctx, http.StatusInternalServerError, middleware.ErrorBody{
				Code:      reconcileErrorCode,
				Message:   err.Error(),
				Retryable: true,
			})
			return
		}

		pending, err := s.Pending()
		if err != nil {
			logger.Error("could not count pending records", "error", err)
			pending = -1
		}

		ctx.JSON(http.StatusOK, reconcileResponseDTO{Applied: applied, Pending: pending})
	}
}
