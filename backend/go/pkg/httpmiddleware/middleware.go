package httpmiddleware

import (
	"net/http"
	"time"

	"mcp_gateway/backend/go/internal/models"
	"mcp_gateway/backend/go/pkg/circuitbreaker"
	"mcp_gateway/backend/go/pkg/logger"
	"mcp_gateway/backend/go/pkg/ratelimiter"

	"github.com/gin-gonic/gin"
)

// RateLimit rejects requests with 429 once the limiter runs dry.
func RateLimit(limiter ratelimiter.RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Too Many Requests"})
			return
		}
		c.Next()
	}
}

// CircuitBreak applies the circuit breaker to the wrapped routes.
// Responses with status >= 500 count as failures.
func CircuitBreak(breaker *circuitbreaker.Breaker) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !breaker.Allow() {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "Service Unavailable: Circuit Breaker is open"})
			return
		}
		c.Next()
		breaker.Record(c.Writer.Status() < http.StatusInternalServerError)
	}
}

// AccessLog writes one structured line per request.
func AccessLog(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		l := log.WithRequest(models.RequestInfo{Transport: "http", Method: c.Request.Method + " " + c.FullPath()}).
			WithPayload(map[string]interface{}{
				"status":      c.Writer.Status(),
				"duration_ms": time.Since(start).Milliseconds(),
			})
		if c.Writer.Status() >= http.StatusInternalServerError {
			l.Warn("http request failed")
			return
		}
		l.Debug("http request served")
	}
}
