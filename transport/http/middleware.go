package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/layer-3/lnauth/logging"
	"go.uber.org/zap"
)

const requestIDHeader = "X-Request-Id"

// RequestLogger attaches a request-scoped logger to the request context and logs
// each request once it completes
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestID := c.GetHeader(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header(requestIDHeader, requestID)

		reqLogger := logger.With(zap.String("request_id", requestID))
		c.Request = c.Request.WithContext(logging.NewContext(c.Request.Context(), reqLogger))

		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			reqLogger.Warn("request served", fields...)
			return
		}
		reqLogger.Debug("request served", fields...)
	}
}

// Recovery turns a panicking handler into a 500 and logs the panic value
func Recovery(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("handler panicked", zap.Any("panic", r), zap.String("path", c.Request.URL.Path))
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"status": statusError,
					"reason": "InternalError",
				})
			}
		}()
		c.Next()
	}
}

func withScheme(scheme string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(schemeKey, scheme)
		c.Next()
	}
}
