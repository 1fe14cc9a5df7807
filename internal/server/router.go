// Package server is the HTTP surface of the ingest service.
package server

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/gazzetta/bookmarx/internal/config"
	"github.com/gazzetta/bookmarx/internal/events"
	"github.com/gazzetta/bookmarx/internal/models"
)

// MaxBodyBytes caps request bodies; an initial import of a large tree is
// the biggest legitimate payload.
const MaxBodyBytes = 32 << 20

// NewRouter wires the sync API.
func NewRouter(cfg *config.ServerConfig, h *SyncHandler, logger *events.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestContext(logger.WithField("component", "http")))
	r.Use(RequestLogger())
	r.Use(cors.New(corsConfig(cfg.CORSOrigins)))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
	})

	api := r.Group("/api/sync")
	api.Use(RequireOwner(), LimitBody(MaxBodyBytes))
	{
		api.GET("/status", h.Status)
		api.POST("/batch", h.Batch)
		api.POST("/initial-import", h.InitialImport)
		api.GET("/history", h.History)
	}

	r.NoRoute(func(c *gin.Context) {
		abortWithError(c, http.StatusNotFound, models.ErrCodeNotFound, "route not found")
	})

	return r
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{"Content-Type", models.HeaderOwnerID, models.HeaderInstanceID, models.HeaderRequestID},
		ExposeHeaders: []string{models.HeaderRequestID},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
		// Browser extensions send their own scheme as the origin
		cfg.AllowBrowserExtensions = true
	}
	return cfg
}
