package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"lingopack/api/internal/config"
	"lingopack/api/internal/database"
	"lingopack/api/internal/router"
	shareddb "lingopack/shared/database"
	"lingopack/shared/minio"
	"lingopack/shared/queue"
	"lingopack/shared/storage"
	"lingopack/shared/taskstore"

	"go.uber.org/zap"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("Starting API service...")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	db, err := shareddb.Open(cfg.Database)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	logger.Info("Database connected successfully")
	if err := database.Migrate(db.DB); err != nil {
		logger.Fatal("Failed to migrate database schema", zap.Error(err))
	}

	minioClient, err := minio.New(cfg.MinIO)
	if err != nil {
		logger.Fatal("Failed to initialize MinIO client", zap.Error(err))
	}
	logger.Info("MinIO client initialized successfully")

	storageService := storage.New(minioClient)

	queueConn, err := queue.NewConnection(cfg.RabbitMQ)
	if err != nil {
		logger.Fatal("Failed to connect to RabbitMQ", zap.Error(err))
	}
	defer queueConn.Close()

	logger.Info("RabbitMQ connected successfully")

	publisher := queue.NewPublisher(queueConn)
	store := taskstore.New(db.DB, logger)

	r := router.New(store, storageService, publisher, cfg.Topics, logger)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("API service exited")
}
