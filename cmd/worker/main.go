// Package main runs the background job worker (notifications and consultation
// reports) as a standalone process.
package main

import (
	"context"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aura-telehealth/backend/config"
	"github.com/aura-telehealth/backend/internal/notifications"
	"github.com/aura-telehealth/backend/internal/records"
	"github.com/aura-telehealth/backend/internal/sessionlog"
	"github.com/aura-telehealth/backend/internal/worker"
	"github.com/aura-telehealth/backend/pkg/database"
	"github.com/aura-telehealth/backend/pkg/queue"
	"github.com/aura-telehealth/backend/pkg/redis"
	"github.com/aura-telehealth/backend/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), database.PoolOptions{MaxConns: int32(cfg.Database.MaxConns)}, logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	jobQueue := queue.NewQueue(rdb.Client, logger)
	dispatcher := worker.NewDispatcher(jobQueue, logger)
	dispatcher.Handle(queue.JobTypeNotification, queue.QueueNotifications,
		worker.NewNotificationProcessor(notifications.NewRepository(pool), logger))

	if cfg.AWS.Region != "" {
		s3Client, err := storage.NewS3(ctx, storage.S3Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			Endpoint:             cfg.AWS.Endpoint,
			ReportsBucket:        cfg.AWS.ReportsBucket,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		}, logger)
		if err != nil {
			logger.Fatal("s3", zap.Error(err))
		}
		dispatcher.Handle(queue.JobTypeSessionReport, queue.QueueReports,
			worker.NewReportProcessor(records.NewRepository(pool), sessionlog.NewRepository(pool), s3Client, logger))
	} else {
		logger.Warn("report processor disabled: S3 not configured")
	}

	dispatcher.Run(ctx)
	logger.Info("worker stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
