package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/timmy/chronos/internal/api/handler"
	"github.com/timmy/chronos/internal/api/middleware"
	"github.com/timmy/chronos/internal/config"
	"github.com/timmy/chronos/internal/logger"
	"github.com/timmy/chronos/internal/tracker"
)

// Dependencies are the components the HTTP layer serves. History, Audit and
// Snapshots are optional.
type Dependencies struct {
	Tracker   *tracker.Tracker
	History   handler.JobHistory
	Audit     handler.AuditHistory
	Snapshots handler.SnapshotLoader
	Gatherer  prometheus.Gatherer
	Logger    *logger.Logger
}

// SetupRouter configures the Gin router with all routes
func SetupRouter(deps Dependencies, cfg *config.Config) *gin.Engine {
	// Set Gin mode
	switch cfg.Server.Mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	r := gin.New()

	// Add middleware
	r.Use(gin.Recovery())
	r.Use(middleware.LoggerMiddleware(deps.Logger))
	r.Use(middleware.CORS(cfg.Server.CORS))

	// Create handlers
	t := deps.Tracker
	healthHandler := handler.NewHealthHandler(t.Registry, t.Bus)
	jobHandler := handler.NewJobHandler(t.Registry, t.Aggregator, deps.History,
		cfg.Tracker.RecentLimit, cfg.Tracker.MaxListLimit)
	adminHandler := handler.NewAdminHandler(t.Registry, deps.Audit, deps.Snapshots)
	streamHandler := handler.NewStreamHandler(t.Bus, handler.StreamConfig{
		PingInterval: cfg.Stream.PingInterval,
		PongWait:     cfg.Stream.PongWait,
		WriteTimeout: cfg.Stream.SendTimeout,
	}, middleware.WebSocketOriginCheck(cfg.Server.CORS))

	// Health check
	r.GET("/health", healthHandler.Health)
	if deps.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	// Push channels
	r.GET("/ws", streamHandler.WebSocket)

	api := r.Group("/api")
	{
		// Jobs
		api.GET("/jobs", jobHandler.ListJobs)
		api.GET("/jobs/:id", jobHandler.GetJob)
		api.POST("/jobs/:id/transitions", jobHandler.SubmitTransition)
		api.POST("/archive", jobHandler.Archive)

		// Pipeline
		api.GET("/pipeline", jobHandler.Pipeline)
		api.GET("/events", streamHandler.Events)

		// Admin
		admin := api.Group("/admin")
		admin.POST("/clear", adminHandler.ClearJobs)
		admin.GET("/audit", adminHandler.ListAudit)
		admin.GET("/snapshots/*key", adminHandler.GetSnapshot)
	}

	return r
}
