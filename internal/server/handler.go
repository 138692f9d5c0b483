package server

import (
	"github.com/gin-gonic/gin"
	"github/martinmaurice/spoolr/internal/server/middleware"
	"log/slog"
	"time"
)

const (
	badRequestErrorCode   = "BAD_REQUEST"
	unknownKindErrorCode  = "UNKNOWN_KIND"
	rejectedErrorCode     = "WRITE_REJECTED"
	spoolFailedErrorCode  = "SPOOL_FAILED"
	internalErrorCode     = "INTERNAL"
	reconcileErrorCode    = "RECONCILE_FAILED"
	bucketNotFoundErrCode = "BUCKET_NOT_FOUND"
)

// handlerLogger tags the logger with the handler name and the request id set
// by the timing middleware.
func handlerLogger(ctx *gin.Context, name string) *slog.Logger {
	logger := slog.With("handler", name)
	if requestId, exists := ctx.Get(middleware.RequestIdContextValueKey); exists {
		logger = logger.With("request_id", requestId)
	}
	if reqArrivalTime, exists := ctx.Get(middleware.ReqArrivalTimeContextValueKey); exists {
		logger = logger.With("queue_time_us", time.Since(reqArrivalTime.(time.Time)).Microseconds())
	}
	return logger
}
