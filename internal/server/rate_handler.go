package server

import (
	"github.com/gin-gonic/gin"
	"github/martinmaurice/spoolr/internal/server/middleware"
	"github/martinmaurice/spoolr/pkg/rate_limiter"
	"net/http"
)

type rateHandlerServicer interface {
	Bucket(key string) (rate_limiter.Bucket, bool)
}

// GetRateByKeyHandler returns the bucket of :key as last updated. A key that
// has never been seen, or has been evicted, is a full bucket.
func GetRateByKeyHandler(s rateHandlerServicer) func(ctx *gin.Context) {
	return func(ctx *gin.Context) {
		key := ctx.Param("key")
		bucket, ok := s.Bucket(key)
		if !ok {
			middleware.AbortWithError(ctx, http.StatusNotFound, middleware.ErrorBody{
				Code:    bucketNotFoundErrCode,
				Message: "No bucket for this key, it is full.",
				Details: map[string]any{"key": key},
			})
			return
		}

		ctx.JSON(http.StatusOK, bucket)
	}
}
