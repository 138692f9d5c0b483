package middleware

import "github.com/gin-gonic/gin"

const (
	RateLimitedErrorCode  = "RATE_LIMITED"
	UnauthorizedErrorCode = "UNAUTHORIZED"
)

type ErrorBody struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Retryable bool           `json:"retryable"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// AbortWithError stops the chain and writes the error envelope shared by every endpoint.
func AbortWithError(c *gin.Context, status int, body ErrorBody) {
	c.AbortWithStatusJSON(status, ErrorResponse{Error: body})
}
