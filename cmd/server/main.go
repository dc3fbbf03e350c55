// Package main runs the planning poker HTTP server with WebSocket and graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pokerplan/backend/config"
	"github.com/pokerplan/backend/internal/auth"
	"github.com/pokerplan/backend/internal/middleware"
	"github.com/pokerplan/backend/internal/realtime"
	"github.com/pokerplan/backend/internal/sessions"
	"github.com/pokerplan/backend/internal/worker"
	natsconn "github.com/pokerplan/backend/pkg/nats"
	"github.com/pokerplan/backend/pkg/queue"
	"github.com/pokerplan/backend/pkg/redis"
	"github.com/pokerplan/backend/pkg/response"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		newLogger("info").Fatal("load config", zap.Error(err))
	}
	logger := newLogger(cfg.LogLevel)
	defer logger.Sync()

	ctx := context.Background()
	rdb, err := redis.NewClient(ctx, redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	}, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	var bus realtime.Bus
	switch cfg.Broker.Kind {
	case config.BrokerRedis:
		bus = realtime.NewRedisPubSub(rdb.Client, logger)
	case config.BrokerNATS:
		nc, err := natsconn.Connect(natsconn.Options{
			URL:           cfg.Broker.NATSURL,
			Name:          "poker-server",
			MaxReconnects: -1,
		}, logger)
		if err != nil {
			logger.Fatal("nats", zap.Error(err))
		}
		defer nc.Drain()
		bus = realtime.NewNATSBus(nc, logger)
	default:
		logger.Warn("no broker configured; events reach this instance only")
	}

	repo := sessions.NewRepository(rdb.Client, cfg.Session.TTL, nil)
	repo.SetLockTTL(cfg.Session.LockTTL)
	tokens := auth.NewJWTService(cfg.Token.Secret, cfg.Token.ExpireHours)
	jobQueue := queue.NewQueue(rdb.Client, logger)

	svc := sessions.NewService(repo, tokens, jobQueue, logger)
	hub := realtime.NewHub(logger, bus)
	gateway := realtime.NewGateway(svc, repo, hub, logger, cfg.Session.HandlerTimeout, cfg.Server.Origins())
	sessionHandler := sessions.NewHandler(svc, cfg.Server.PublicURL, logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger, "/health"))

	// Health
	router.GET("/health", func(c *gin.Context) {
		hctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := rdb.Healthy(hctx); err != nil {
			response.ServiceUnavailable(c, "redis unavailable")
			return
		}
		response.OK(c, gin.H{"status": "ok"})
	})

	sessionHandler.Register(router)

	// WebSocket (membership is established by session:join)
	router.GET("/ws", gateway.ServeWs())

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	// Background worker (session cleanup after end)
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	if cfg.Worker.Enabled {
		processor := worker.NewCleanupProcessor(repo, jobQueue, logger)
		go processor.Run(workerCtx)
		logger.Info("cleanup worker started")
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port), zap.String("broker", cfg.Broker.Kind))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	workerCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger(level string) *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if lvl, err := zap.ParseAtomicLevel(level); err == nil {
		config.Level = lvl
	}
	logger, _ := config.Build()
	return logger
}
