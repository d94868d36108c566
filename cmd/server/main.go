// Command server wires the swinging-door compression engine to its MQTT
// ingestion path, its HTTP/WebSocket query surface, and a TimescaleDB row
// store: structured logging with zap, layered config loading, a
// circuit-breaker-wrapped DB pool, a Gin router with rate limiting and
// Prometheus metrics, and signal-driven graceful shutdown.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sdtdb/sdt-shim/internal/config"
	"github.com/sdtdb/sdt-shim/internal/handlers"
	"github.com/sdtdb/sdt-shim/internal/ingest"
	"github.com/sdtdb/sdt-shim/internal/repository"
	"github.com/sdtdb/sdt-shim/internal/session"
)

const shutdownGracePeriod = 30 * time.Second

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	logger.Info("starting sdt-shim server")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	pool, err := pgxpool.New(context.Background(), cfg.Database.ConnString())
	if err != nil {
		logger.Fatal("failed to create database pool", zap.Error(err))
	}
	if err := pool.Ping(context.Background()); err != nil {
		logger.Fatal("database ping failed", zap.Error(err))
	}
	defer pool.Close()

	store := repository.New(pool, repository.Config{
		Schema:             cfg.Database.Schema,
		ChunkInterval:      cfg.Database.ChunkInterval,
		CompressionEnabled: cfg.Database.CompressionEnabled,
	}, logger)

	if err := store.CreateMetadataTableIfAbsent(context.Background()); err != nil {
		logger.Fatal("failed to prepare metadata table", zap.Error(err))
	}

	engine := session.NewEngine(store, logger)

	subscriber := ingest.NewSubscriber(ingest.Config{
		Host:              cfg.MQTT.Host,
		Port:              cfg.MQTT.Port,
		ClientIDPrefix:    "sdt-shim",
		Username:          cfg.MQTT.Username,
		Password:          cfg.MQTT.Password,
		TLSEnabled:        cfg.MQTT.TLSEnabled,
		KeepAlive:         cfg.MQTT.KeepAlive,
		ConnectionTimeout: cfg.MQTT.ConnectionTimeout,
	}, engine, logger)

	connectCtx, cancelConnect := context.WithTimeout(context.Background(), 30*time.Second)
	if err := subscriber.Connect(connectCtx); err != nil {
		logger.Fatal("failed to connect mqtt subscriber", zap.Error(err))
	}
	cancelConnect()

	pointHandler := handlers.NewPointHandler(engine, logger)
	streamHandler := handlers.NewStreamHandler(pointHandler, logger)

	router := setupRouter(pointHandler, streamHandler, cfg.Service.RateLimitPerSec, logger)

	addr := fmt.Sprintf(":%d", cfg.Service.HTTPPort)
	server := &http.Server{Addr: addr, Handler: router}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("http server listening", zap.String("address", addr))
		if srvErr := server.ListenAndServe(); srvErr != nil && srvErr != http.ErrServerClosed {
			logger.Fatal("http server listen error", zap.Error(srvErr))
		}
	}()

	sig := <-quit
	logger.Info("caught signal, shutting down", zap.String("signal", sig.String()))
	gracefulShutdown(server, subscriber, engine, logger)
}

// setupRouter configures the Gin engine with recovery, rate limiting,
// health/metrics endpoints, and the table/point/range/stream routes.
func setupRouter(points *handlers.PointHandler, stream *handlers.StreamHandler, ratePerSec float64, logger *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	if ratePerSec > 0 {
		router.Use(rateLimitMiddleware(ratePerSec, logger))
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.POST("/tables/:table", points.HandleCreateTable)
	router.POST("/tables/:table/points", points.HandleInsertPoint)
	router.GET("/tables/:table/points/:timestamp", points.HandleSelectPoint)
	router.GET("/tables/:table/range", points.HandleSelectRange)
	router.GET("/tables/:table/stream", stream.HandleStream)

	return router
}

// rateLimitMiddleware caps request throughput at ratePerSec requests per
// second per process, using a shared token bucket.
func rateLimitMiddleware(ratePerSec float64, logger *zap.Logger) gin.HandlerFunc {
	limiter := rate.NewLimiter(rate.Limit(ratePerSec), int(ratePerSec)+1)
	return func(c *gin.Context) {
		if !limiter.Allow() {
			logger.Warn("rate limit exceeded", zap.String("path", c.Request.URL.Path), zap.String("ip", c.ClientIP()))
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			c.Abort()
			return
		}
		c.Next()
	}
}

// gracefulShutdown stops accepting new HTTP connections, flushes every
// table's pending snapshot, and tears down the MQTT subscriber before the
// process exits.
func gracefulShutdown(server *http.Server, subscriber *ingest.Subscriber, engine *session.Engine, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil && err != http.ErrServerClosed {
		logger.Error("http server shutdown error", zap.Error(err))
	}

	engine.FlushAll(ctx)
	subscriber.Disconnect()

	logger.Info("graceful shutdown complete")
}
