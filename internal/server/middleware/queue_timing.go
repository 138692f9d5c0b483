package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github/martinmaurice/spoolr/pkg/metrics"
	"log/slog"
	"strconv"
	"time"
)

const (
	ReqArrivalTimeContextValueKey = "reqArrivalTime"
	RequestIdContextValueKey      = "requestId"
	RequestIdHeader               = "X-Request-ID"
)

// QueueTimeMiddleware stamps the arrival time and a request id, then records
// how long the request took.
func QueueTimeMiddleware(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		arrival := time.Now()
		c.Set(ReqArrivalTimeContextValueKey, arrival)

		requestId := c.GetHeader(RequestIdHeader)
		if requestId == "" {
			requestId = uuid.NewString()
		}
		c.Set(RequestIdContextValueKey, requestId)
		c.Header(RequestIdHeader, requestId)

		c.Next()

		elapsed := time.Since(arrival)
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		if m != nil {
			m.RequestDuration.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Observe(elapsed.Seconds())
		}
		slog.Debug("request handled", "request_id", requestId, "route", route, "status", c.Writer.Status(), "elapsed", elapsed)
	}
}
