// Package main runs the background job worker (replay manifests to S3).
package main

import (
	"context"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aura-kitchen/livecommerce/config"
	"github.com/aura-kitchen/livecommerce/internal/analytics"
	"github.com/aura-kitchen/livecommerce/internal/orders"
	"github.com/aura-kitchen/livecommerce/internal/replay"
	"github.com/aura-kitchen/livecommerce/internal/sessions"
	"github.com/aura-kitchen/livecommerce/pkg/database"
	"github.com/aura-kitchen/livecommerce/pkg/queue"
	"github.com/aura-kitchen/livecommerce/pkg/redis"
	"github.com/aura-kitchen/livecommerce/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	if cfg.Database.UsesMemory() {
		logger.Fatal("worker needs the postgres store (STORE_DRIVER=postgres)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), cfg.Database.MaxConns, logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	s3Cfg := storage.S3Config{
		Region:               cfg.AWS.Region,
		AccessKeyID:          cfg.AWS.AccessKeyID,
		SecretAccessKey:      cfg.AWS.SecretAccessKey,
		ReplaysBucket:        cfg.AWS.ReplaysBucket,
		PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
	}
	s3Client, err := storage.NewS3(ctx, s3Cfg, logger)
	if err != nil {
		logger.Fatal("s3", zap.Error(err))
	}

	jobQueue := queue.NewQueue(rdb.Client, logger)
	processor := replay.NewProcessor(
		sessions.NewRepository(pool),
		analytics.NewRepository(pool),
		orders.NewPGLedger(pool),
		s3Client,
		jobQueue,
		logger,
	)

	done := make(chan struct{})
	go func() {
		defer close(done)
		processor.Run(ctx)
	}()
	logger.Info("worker started", zap.String("queue", queue.QueueReplays), zap.String("bucket", s3Client.ReplaysBucket()))

	<-ctx.Done()
	// Run returns once the in-flight job finishes.
	<-done
	logger.Info("worker stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
