package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/clipforge/clipforge/pkg/coordstore"
	"github.com/clipforge/clipforge/pkg/queue"
	"github.com/clipforge/clipforge/pkg/registry"
	"github.com/clipforge/clipforge/pkg/storage"
)

// WorkerHealthReporter exposes the worker pool's health for the health
// endpoint. Nil when this process runs no workers.
type WorkerHealthReporter interface {
	Health() []queue.WorkerHealth
}

// Server wires the enqueue service and the model registry into gin handlers.
type Server struct {
	service   *Service
	models    *registry.Registry
	store     *coordstore.Store
	workers   WorkerHealthReporter
	artifacts *storage.FileStore
}

// NewServer creates the API server. workers may be nil for API-only
// processes; artifacts may be nil when this process serves no objects.
func NewServer(service *Service, reg *registry.Registry, store *coordstore.Store, workers WorkerHealthReporter, artifacts *storage.FileStore) *Server {
	return &Server{service: service, models: reg, store: store, workers: workers, artifacts: artifacts}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", s.health)
	if s.artifacts != nil {
		router.GET("/artifacts/*key", s.serveArtifact)
	}

	v1 := router.Group("/api/v1")
	{
		subjects := v1.Group("/subjects/:subject")
		subjects.POST("/pipeline", s.submitRun)
		subjects.GET("/pipeline/status", s.runStatus)
		subjects.POST("/pipeline/cancel", s.cancelRun)
		subjects.GET("/pipeline/history", s.runHistory)

		modelRoutes := v1.Group("/models")
		modelRoutes.GET("", s.listModels)
		modelRoutes.GET("/:key", s.getModel)
		modelRoutes.PUT("/:key", s.putModel)
		modelRoutes.DELETE("/:key", s.deleteModel)
	}

	return router
}

// health reports coordination store reachability and worker pool status.
func (s *Server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	body := gin.H{"status": "healthy"}
	if s.workers != nil {
		body["workers"] = s.workers.Health()
	}

	if err := s.store.Client().Ping(ctx).Err(); err != nil {
		body["status"] = "unhealthy"
		body["error"] = err.Error()
		c.JSON(http.StatusServiceUnavailable, body)
		return
	}
	c.JSON(http.StatusOK, body)
}
