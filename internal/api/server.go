// Package api exposes the producer and consumer HTTP surface of the mail
// pipeline.
package api

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Prince364133/hubsnap-sub002/internal/mailqueue"
	"github.com/Prince364133/hubsnap-sub002/internal/middleware"
	"github.com/Prince364133/hubsnap-sub002/internal/replies"
	"github.com/Prince364133/hubsnap-sub002/internal/version"
)

// HealthCheck reports whether a backing dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Handler serves the queue, log and reply endpoints.
type Handler struct {
	queue   mailqueue.Store
	replies replies.Store
	health  HealthCheck
	logger  *log.Logger

	metricsPath string
}

// Option customizes a Handler.
type Option func(*Handler)

func WithLogger(logger *log.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithHealthCheck makes /health report 503 when check fails.
func WithHealthCheck(check HealthCheck) Option {
	return func(h *Handler) {
		h.health = check
	}
}

// WithMetricsPath mounts the Prometheus handler at path. An empty path
// disables it.
func WithMetricsPath(path string) Option {
	return func(h *Handler) {
		h.metricsPath = path
	}
}

// NewHandler creates the API handler over the given stores.
func NewHandler(queue mailqueue.Store, replyStore replies.Store, opts ...Option) *Handler {
	h := &Handler{
		queue:   queue,
		replies: replyStore,
		logger:  log.New(log.Writer(), "[API] ", log.LstdFlags),

		metricsPath: "/metrics",
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes mounts the v1 API on r.
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	v1 := r.Group("/api/v1")

	queue := v1.Group("/queue")
	queue.POST("", h.HandleEnqueue)
	queue.GET("", h.HandleListQueue)
	queue.GET("/stats", h.HandleQueueStats)
	queue.GET("/:id", h.HandleGetQueueEntry)

	v1.GET("/logs", h.HandleListLogs)

	rep := v1.Group("/replies")
	rep.GET("", h.HandleListReplies)
	rep.GET("/:id", h.HandleGetReply)
	rep.POST("/:id/read", h.HandleMarkReplyRead)
	rep.POST("/:id/reply", h.HandleReplyToReply)
}

// NewRouter builds the gin engine with middleware, health and metrics.
func NewRouter(h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestID(), middleware.AccessLog(h.logger))

	r.GET("/health", h.HandleHealth)
	if h.metricsPath != "" {
		r.GET(h.metricsPath, gin.WrapH(promhttp.Handler()))
	}
	h.RegisterRoutes(r)
	return r
}

// HandleHealth handles GET /health.
func (h *Handler) HandleHealth(c *gin.Context) {
	if h.health != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := h.health(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "build": version.GetInfo()})
}
