package middleware

import (
	"crypto/subtle"
	"github.com/gin-gonic/gin"
	"net/http"
)

const (
	apiKeyHeader                   = "X-API-KEY"
	IsAuthenticatedContextValueKey = "isUserAuthenticated"
)

// AuthenticationMiddleware requires a known X-API-KEY. With no keys
// configured every request goes through.
func AuthenticationMiddleware(apiKeys []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(apiKeys) == 0 {
			c.Next()
			return
		}

		apiKey := c.GetHeader(apiKeyHeader)
		for _, known := range apiKeys {
			if subtle.ConstantTimeCompare([]byte(known), []byte(apiKey)) == 1 {
				c.Set(IsAuthenticatedContextValueKey, true)
				c.Next()
				return
			}
		}

		AbortWithError(c, http.StatusUnauthorized, ErrorBody{
			Code:    UnauthorizedErrorCode,
			Message: "Missing or invalid API key.",
		})
	}
}
