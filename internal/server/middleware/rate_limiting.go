package middleware

import (
	"fmt"
	"github.com/gin-gonic/gin"
	"net/http"
)

const UserRefHeader = "X-User-Ref"

type RateLimitMiddlewareServicer interface {
	Allow(key string, cost int) bool
}

// CostFunc prices a request in tokens.
type CostFunc func(c *gin.Context) int

// RateLimitKey identifies the caller: the X-User-Ref header when present,
// the client ip otherwise.
func RateLimitKey(c *gin.Context) string {
	if userRef := c.GetHeader(UserRefHeader); userRef != "" {
		return fmt.Sprintf("user:%s", userRef)
	}
	return fmt.Sprintf("ip:%s", c.ClientIP())
}

func RateLimitMiddleware(servicer RateLimitMiddlewareServicer, cost CostFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		if servicer.Allow(RateLimitKey(c), cost(c)) {
			c.Next()
			return
		}

		AbortWithError(c, http.StatusTooManyRequests, ErrorBody{
			Code:      RateLimitedErrorCode,
			Message:   "Too many requests. Try again in a minute.",
			Retryable: true,
		})
	}
}
