package middleware

import (
	"context"
	"strings"
	"time"

	"faasrt/pkg/utils/contextkey"
	"faasrt/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	traceIDHeader   = "X-Trace-Id"
	requestIDHeader = "X-Request-Id"

	traceIDContextKey   = "trace_id"
	requestIDContextKey = "request_id"
)

// TraceConfig controls which ids are accepted from the caller.
type TraceConfig struct {
	// TrustTraceHeader keeps an incoming X-Trace-Id instead of minting one.
	TrustTraceHeader bool
}

// TraceContextMiddleware puts trace and request ids into the gin and request
// contexts and echoes them in response headers.
func TraceContextMiddleware() gin.HandlerFunc {
	return TraceContextMiddlewareWithConfig(TraceConfig{TrustTraceHeader: true})
}

// TraceContextMiddlewareWithConfig is the configurable version of TraceContextMiddleware.
func TraceContextMiddlewareWithConfig(cfg TraceConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := ""
		if cfg.TrustTraceHeader {
			traceID = strings.TrimSpace(c.GetHeader(traceIDHeader))
		}
		if traceID == "" {
			traceID = uuid.NewString()
		}
		requestID := strings.TrimSpace(c.GetHeader(requestIDHeader))
		if requestID == "" {
			requestID = uuid.NewString()
		}

		c.Set(traceIDContextKey, traceID)
		c.Set(requestIDContextKey, requestID)
		ctx := context.WithValue(c.Request.Context(), contextkey.TraceID, traceID)
		ctx = context.WithValue(ctx, contextkey.RequestID, requestID)
		c.Request = c.Request.WithContext(ctx)
		c.Writer.Header().Set(traceIDHeader, traceID)
		c.Writer.Header().Set(requestIDHeader, requestID)

		c.Next()
	}
}

// AccessLogMiddleware logs one line per request after it completes.
func AccessLogMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if status >= 500 {
			logger.Warn(c.Request.Context(), "admin request", fields...)
			return
		}
		logger.Debug(c.Request.Context(), "admin request", fields...)
	}
}
