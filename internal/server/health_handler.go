package server

import (
	"context"
	"github.com/gin-gonic/gin"
	"net/http"
	"time"
)

const healthPingTimeout = 2 * time.Second

type (
	healthHandlerServicer interface {
		Trigger()
		Pending() (int, error)
		SpoolPath() string
	}
	pinger interface {
		Ping(ctx context.Context) error
	}
	healthResponseDTO struct {
		Ok        bool   `json:"ok"`
		StoreOk   bool   `json:"store_ok"`
		SpoolPath string `json:"spool_path"`
		Pending   int    `json:"pending"`
	}
)

// HealthHandler reports store reachability and spool backlog, and kicks off
// a background reconcile.
func HealthHandler(s healthHandlerServicer, store pinger) func(ctx *gin.Context) {
	return func(ctx *gin.Context) {
		logger := handlerLogger(ctx, "health")

		pingCtx, cancel := context.WithTimeout(ctx.Request.Context(), healthPingTimeout)
		defer cancel()

		storeErr := store.Ping(pingCtx)
		if storeErr != nil {
			logger.Warn("store ping failed", "error", storeErr)
		}
		s.Trigger()

		pending, err := s.Pending()
		if err != nil {
			logger.Error("could not count pending records", "error", err)
		}

		ctx.JSON(http.StatusOK, healthResponseDTO{
			Ok:        storeErr == nil && err == nil,
			StoreOk:   storeErr == nil,
			SpoolPath: s.SpoolPath(),
			Pending:   pending,
		})
	}
}
