package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/gazzetta/bookmarx/internal/events"
	"github.com/gazzetta/bookmarx/internal/models"
)

const (
	ownerIDKey    = "ownerID"
	instanceIDKey = "instanceID"
)

// OwnerIDFromContext returns the owner established by RequireOwner.
func OwnerIDFromContext(c *gin.Context) string {
	return c.GetString(ownerIDKey)
}

// InstanceIDFromContext returns the instance header, if any.
func InstanceIDFromContext(c *gin.Context) string {
	return c.GetString(instanceIDKey)
}

// RequestContext assigns a request id and attaches a request-scoped logger
// to the request context.
func RequestContext(logger *events.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := strings.TrimSpace(c.GetHeader(models.HeaderRequestID))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header(models.HeaderRequestID, requestID)

		reqLogger := logger.WithField("request_id", requestID)
		ctx := events.WithRequestID(c.Request.Context(), requestID)
		ctx = events.WithLogger(ctx, reqLogger)
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}

// RequestLogger logs one line per request.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		entry := events.FromContext(c.Request.Context()).WithFields(map[string]interface{}{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
			"owner_id": OwnerIDFromContext(c),
		})
		if len(c.Errors) > 0 {
			entry = entry.WithField("errors", c.Errors.String())
		}

		switch {
		case c.Writer.Status() >= http.StatusInternalServerError:
			entry.Error("Request failed")
		case c.Writer.Status() >= http.StatusBadRequest:
			entry.Warn("Request rejected")
		default:
			entry.Debug("Request served")
		}
	}
}

// RequireOwner rejects requests without an owner header and stores the
// owner and instance ids on the gin and request contexts.
func RequireOwner() gin.HandlerFunc {
	return func(c *gin.Context) {
		ownerID := strings.TrimSpace(c.GetHeader(models.HeaderOwnerID))
		if ownerID == "" {
			abortWithError(c, http.StatusBadRequest, models.ErrCodeValidation, "X-Owner-ID header required")
			return
		}
		instanceID := strings.TrimSpace(c.GetHeader(models.HeaderInstanceID))

		c.Set(ownerIDKey, ownerID)
		c.Set(instanceIDKey, instanceID)

		ctx := events.WithOwnerID(c.Request.Context(), ownerID)
		if instanceID != "" {
			ctx = events.WithInstanceID(ctx, instanceID)
		}
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}

// LimitBody caps request bodies at n bytes.
func LimitBody(n int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, n)
		}
		c.Next()
	}
}
