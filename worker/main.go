package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"lingopack/shared/database"
	"lingopack/shared/minio"
	"lingopack/shared/queue"
	"lingopack/shared/storage"
	"lingopack/shared/taskstore"
	"lingopack/worker/internal/config"
	"lingopack/worker/internal/engine"
	"lingopack/worker/internal/resource"
	"lingopack/worker/internal/score"
	"lingopack/worker/internal/stage"
	"lingopack/worker/internal/stt"
	"lingopack/worker/internal/translate"

	"go.uber.org/zap"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("Starting Worker service...")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	db, err := database.Open(cfg.Database)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	logger.Info("Database connected successfully")

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

	deps := stage.Deps{
		Store:      store,
		Storage:    storageService,
		Publisher:  publisher,
		Topics:     cfg.Topics,
		Scoring:    cfg.External.Scorer,
		Logger:     logger,
		STT:        stt.NewClient(cfg.External.STT, logger),
		Scorer:     score.NewClient(cfg.External.Scorer, logger),
		Translator: translate.NewClient(cfg.External.Translate, logger),
	}

	eng := engine.New(queueConn, store, logger)
	sizer := resource.NewMonitor(
		resource.SystemSampler{},
		cfg.Packaging.BaseBatchSize,
		cfg.Packaging.MinBatchSize,
		logger,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	startConsumers(ctx, eng, engine.Handler(stage.NewAudioHandler(deps)), cfg.Workers.Audio, logger)
	startConsumers(ctx, eng, engine.Handler(stage.NewTranslationHandler(deps)), cfg.Workers.Translation, logger)

	packaging := stage.NewPackagingHandler(deps)
	go func() {
		if err := eng.RunBatch(ctx, packaging, sizer); err != nil {
			logger.Error("Batch consumer failed", zap.String("stage", packaging.Stage()), zap.Error(err))
		}
	}()

	logger.Info("All workers started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down workers...")
	cancel()

	// Give in-flight messages time to settle before the connection drops.
	time.Sleep(5 * time.Second)
	logger.Info("Worker service exited")
}

func startConsumers(ctx context.Context, eng *engine.Engine, h engine.Handler, n int, logger *zap.Logger) {
	for i := 0; i < n; i++ {
		go func() {
			if err := eng.Run(ctx, h); err != nil {
				logger.Error("Consumer failed", zap.String("stage", h.Stage()), zap.Error(err))
			}
		}()
	}
}
