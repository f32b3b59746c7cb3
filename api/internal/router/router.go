package router

import (
	"time"

	"lingopack/api/internal/handlers"
	"lingopack/api/internal/orchestrator"
	"lingopack/api/internal/service"
	"lingopack/shared/config"
	"lingopack/shared/queue"
	"lingopack/shared/storage"
	"lingopack/shared/taskstore"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// New creates a new router with all routes configured.
func New(store *taskstore.Store, storageService *storage.Service, publisher *queue.Publisher, topics config.TopicsConfig, logger *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	r.Use(ginLogger(logger))
	r.Use(gin.Recovery())
	r.Use(corsMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	v1 := r.Group("/api/v1")
	{
		orch := orchestrator.New(publisher, orchestrator.Topics{
			Audio: topics.Audio,
			Text:  topics.Text,
		})
		taskService := service.NewTaskService(store, storageService, orch)
		taskHandler := handlers.NewTaskHandler(taskService, logger)

		tasks := v1.Group("/tasks")
		{
			tasks.POST("", taskHandler.CreateTask)
			tasks.GET("/:task_id", taskHandler.GetTask)
			tasks.GET("/:task_id/result", taskHandler.GetTaskResult)
			tasks.DELETE("/:task_id", taskHandler.CancelTask)
		}
	}

	return r
}

// ginLogger is a custom logger middleware.
func ginLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		if raw != "" {
			path = path + "?" + raw
		}

		logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", latency),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}

// corsMiddleware adds CORS headers.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
