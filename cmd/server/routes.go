package main

import (
	"github.com/gin-gonic/gin"
	"github.com/huangang/jobfence/internal/handlers"
	"github.com/huangang/jobfence/internal/middleware"
	"github.com/huangang/jobfence/pkg/logger"
)

// registerRoutes sets up all HTTP routes on the given Gin engine.
func registerRoutes(r *gin.Engine, svc *appServices) {
	r.Use(logger.GinLogger(), logger.GinRecovery())
	r.Use(middleware.CORS())

	r.GET("/", func(c *gin.Context) {
		c.JSON(200, gin.H{"service": svc.cfg.App.Name, "app_id": svc.cfg.App.ID})
	})
	r.GET("/health", svc.healthHandler.CheckHealth)
	r.GET("/metrics", handlers.Metrics(svc.registry))

	api := r.Group("/api")
	api.Use(middleware.AuthRequired(), middleware.AuditLog())
	{
		// Read-only (all operators)
		api.GET("/job-logs", svc.jobLogHandler.List)
		api.GET("/job-logs/:id", svc.jobLogHandler.GetByID)
		api.GET("/locks", svc.lockHandler.List)

		// Admin only
		admin := api.Group("", middleware.AdminRequired())
		{
			admin.DELETE("/locks/:queue/:job", svc.lockHandler.Reclaim)

			enqueue := admin.Group("/enqueue", svc.limiter.Middleware())
			enqueue.POST("/queue-heartbeat", svc.enqueueHandler.QueueHeartbeat)
			enqueue.POST("/cron-heartbeat", svc.enqueueHandler.CronHeartbeat)
		}
	}
}
