// Package main runs the live commerce HTTP server with WebSocket fan-out and graceful shutdown.
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/aura-kitchen/livecommerce/config"
	"github.com/aura-kitchen/livecommerce/internal/analytics"
	"github.com/aura-kitchen/livecommerce/internal/api"
	"github.com/aura-kitchen/livecommerce/internal/auth"
	"github.com/aura-kitchen/livecommerce/internal/livesession"
	"github.com/aura-kitchen/livecommerce/internal/mediaprobe"
	"github.com/aura-kitchen/livecommerce/internal/memstore"
	"github.com/aura-kitchen/livecommerce/internal/middleware"
	"github.com/aura-kitchen/livecommerce/internal/orders"
	"github.com/aura-kitchen/livecommerce/internal/presence"
	"github.com/aura-kitchen/livecommerce/internal/realtime"
	"github.com/aura-kitchen/livecommerce/internal/replay"
	"github.com/aura-kitchen/livecommerce/internal/sessions"
	"github.com/aura-kitchen/livecommerce/pkg/database"
	"github.com/aura-kitchen/livecommerce/pkg/queue"
	"github.com/aura-kitchen/livecommerce/pkg/redis"
	"github.com/aura-kitchen/livecommerce/pkg/storage"
	"github.com/aura-kitchen/livecommerce/pkg/telemetry"
)

type stores struct {
	sessions  sessions.Store
	orders    orders.Ledger
	summaries analytics.Store
	close     func()
}

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry.Endpoint, cfg.Telemetry.ServiceName)
	if err != nil {
		logger.Fatal("telemetry", zap.Error(err))
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(tctx)
	}()

	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("store", zap.Error(err))
	}
	defer st.close()

	// Redis: cross-instance fan-out and replay jobs (optional)
	var (
		redisPub    realtime.RedisPublisher
		redisSub    realtime.RedisSubscriber
		replayQueue livesession.ReplayRequester
		tracker     presence.Tracker
	)
	if cfg.Redis.Addr != "" {
		rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
		if err != nil {
			logger.Fatal("redis", zap.Error(err))
		}
		defer rdb.Close()
		bridge := realtime.NewRedisPubSub(rdb.Client, logger)
		redisPub, redisSub = bridge, bridge
		replayQueue = replay.NewEnqueuer(queue.NewQueue(rdb.Client, logger), logger)
		tracker = presence.NewRedisTracker(rdb.Client)
	} else {
		logger.Warn("redis disabled: single-instance fan-out, replays not persisted")
	}

	var replayLinks api.ReplayLinker
	if cfg.AWS.Region != "" && cfg.AWS.ReplaysBucket != "" {
		s3Client, err := storage.NewS3(ctx, storage.S3Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			ReplaysBucket:        cfg.AWS.ReplaysBucket,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		}, logger)
		if err != nil {
			logger.Warn("s3 disabled", zap.Error(err))
		} else {
			replayLinks = s3Client
		}
	}

	hub := realtime.NewHub(logger, cfg.Live.SubscriberBuffer, redisPub, redisSub)
	agg := presence.NewAggregator(st.sessions, hub, presence.Config{
		Window:  cfg.Live.CommentWindow,
		TTL:     cfg.Live.PresenceTTL,
		Tracker: tracker,
	}, logger)
	coordinator := orders.NewCoordinator(st.sessions, st.orders, hub, logger)
	compiler := analytics.NewCompiler(st.sessions, st.orders)
	manager := livesession.NewManager(st.sessions, st.summaries, compiler, agg, replayQueue, hub, livesession.Config{
		StartGrace:       cfg.Live.StartGrace,
		TransportGrace:   cfg.Live.TransportGrace,
		WatchdogInterval: cfg.Live.WatchdogInterval,
	}, logger)
	probe := mediaprobe.NewProbe(logger, cfg.WebRTC.ICEUrls, manager)
	defer probe.Close()

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	validate := func(token string) (realtime.Identity, error) {
		claims, err := jwtService.Validate(token)
		if err != nil {
			return realtime.Identity{}, err
		}
		return realtime.Identity{UserID: claims.UserID, Name: claims.Name}, nil
	}
	ws := realtime.NewWSHandler(hub, validate, manager.Get, agg, probe, logger)
	ws.AllowOrigins(middleware.ParseOrigins(cfg.Server.CORSAllowedOrigins).Allows)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))
	handler := api.NewHandler(manager, coordinator, agg, st.summaries, replayLinks, logger)
	if cfg.Transport.SignalSecret == "" {
		logger.Warn("transport signal endpoints disabled (TRANSPORT_SIGNAL_SECRET not set)")
	}
	api.RegisterRoutes(router, handler, jwtService, ws.Serve, cfg.Transport.SignalSecret)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		manager.RunWatchdog(gctx)
		return nil
	})
	g.Go(func() error {
		agg.RunCompaction(gctx, cfg.Live.CompactionInterval)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server stopped with error", zap.Error(err))
		return
	}
	logger.Info("server stopped")
}

// openStores picks the session, order and summary stores for cfg.Database.Driver.
func openStores(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*stores, error) {
	if cfg.Database.UsesMemory() {
		logger.Warn("using in-memory store: sessions and orders are lost on restart")
		return &stores{
			sessions:  memstore.NewSessions(),
			orders:    memstore.NewOrders(),
			summaries: memstore.NewSummaries(),
			close:     func() {},
		}, nil
	}
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), cfg.Database.MaxConns, logger)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(ctx, pool, logger); err != nil {
		pool.Close()
		return nil, err
	}
	return &stores{
		sessions:  sessions.NewRepository(pool),
		orders:    orders.NewPGLedger(pool),
		summaries: analytics.NewRepository(pool),
		close:     pool.Close,
	}, nil
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
