package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"basegraph.app/parley/common/id"
	"basegraph.app/parley/common/llm"
	"basegraph.app/parley/common/logger"
	"basegraph.app/parley/common/otel"
	"basegraph.app/parley/core/config"
	"basegraph.app/parley/internal/http/middleware"
	httprouter "basegraph.app/parley/internal/http/router"
	"basegraph.app/parley/internal/orchestrator"
	"basegraph.app/parley/internal/platform"
	"basegraph.app/parley/internal/queue"
	"basegraph.app/parley/internal/store"
	"basegraph.app/parley/internal/tool"
	"basegraph.app/parley/internal/tool/builtin"
	"basegraph.app/parley/internal/worker"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

func main() {
	fmt.Printf("%s\n", banner)
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		slog.ErrorContext(ctx, "failed to load config", "error", err)
		os.Exit(1)
	}

	// OTel must init before logger (logger uses OTel provider in production)
	telemetry, err := otel.Setup(ctx, cfg.OTel, cfg.Env)
	if err != nil {
		os.Stderr.WriteString("failed to initialize otel: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger.Setup(cfg)

	if telemetry != nil {
		slog.InfoContext(ctx, "otel initialized", "endpoint", cfg.OTel.Endpoint)
	} else {
		slog.InfoContext(ctx, "otel disabled (no endpoint configured)")
	}

	slog.InfoContext(ctx, "parley starting",
		"env", cfg.Env,
		"provider", cfg.LLM.Provider,
		"model", cfg.LLM.Model,
		"api_keys", len(cfg.LLM.APIKeys))

	if err := id.Init(cfg.NodeID); err != nil {
		slog.ErrorContext(ctx, "failed to initialize snowflake id generator", "error", err)
		os.Exit(1)
	}

	redisOpts, err := redis.ParseURL(cfg.Pipeline.RedisURL)
	if err != nil {
		slog.ErrorContext(ctx, "failed to parse redis url", "error", err)
		os.Exit(1)
	}

	redisClient := redis.NewClient(redisOpts)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		slog.ErrorContext(ctx, "failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()
	slog.InfoContext(ctx, "redis connected", "stream", cfg.Pipeline.RedisStream)

	consumer, err := queue.NewRedisConsumer(redisClient, queue.ConsumerConfig{
		Stream:       cfg.Pipeline.RedisStream,
		Group:        cfg.Pipeline.RedisGroup,
		Consumer:     cfg.Pipeline.RedisConsumer,
		DLQStream:    cfg.Pipeline.RedisDLQStream,
		BatchSize:    cfg.Worker.BatchSize,
		Block:        cfg.Worker.Block,
		MaxAttempts:  cfg.Worker.MaxAttempts,
		RequeueDelay: cfg.Worker.RequeueDelay,
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to create consumer", "error", err)
		os.Exit(1)
	}

	producer := queue.NewRedisProducer(redisClient, cfg.Pipeline.RedisStream, slog.Default())
	defer producer.Close()

	outbox := platform.NewOutbox(redisClient, platform.OutboxConfig{
		Stream: cfg.Pipeline.OutboxStream,
		Rate:   cfg.Pipeline.OutboxRate,
		Burst:  cfg.Pipeline.OutboxBurst,
	})

	history := store.NewRedisHistory(redisClient, store.HistoryConfig{
		KeyPrefix:   cfg.History.KeyPrefix,
		MaxMessages: cfg.History.MaxMessages,
		TTL:         cfg.History.TTL,
	})

	keys, err := llm.NewKeyPool(cfg.LLM.APIKeys)
	if err != nil {
		slog.ErrorContext(ctx, "failed to create key pool", "error", err)
		os.Exit(1)
	}

	client, err := llm.NewStreamClient(llm.Config{
		Provider:  cfg.LLM.Provider,
		BaseURL:   cfg.LLM.BaseURL,
		Model:     cfg.LLM.Model,
		MaxTokens: cfg.LLM.MaxTokens,
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to create llm client", "error", err)
		os.Exit(1)
	}

	registry := tool.NewRegistry()
	if err := builtin.Register(registry, time.Now); err != nil {
		slog.ErrorContext(ctx, "failed to register builtin tools", "error", err)
		os.Exit(1)
	}
	registry.Freeze()

	orch := orchestrator.New(client, keys, tool.NewEngine(registry), orchestrator.Config{
		MaxDepth:       cfg.Orchestrator.MaxDepth,
		MaxRetries:     cfg.Orchestrator.MaxRetries,
		InitialBackoff: cfg.Orchestrator.RetryInitialBackoff,
		MaxBackoff:     cfg.Orchestrator.RetryMaxBackoff,
		MaxTokens:      cfg.LLM.MaxTokens,
	})
	sessions := orchestrator.NewSessions()

	w := worker.New(consumer, orch, history, outbox, sessions, worker.Config{
		MaxAttempts:  cfg.Worker.MaxAttempts,
		Concurrency:  cfg.Worker.Concurrency,
		SystemPrompt: worker.SystemPrompt(cfg.LLM.SystemPrompt, registry),
	})

	reclaimer := worker.NewRedisReclaimer(redisClient, worker.RedisReclaimerConfig{
		Stream:        cfg.Pipeline.RedisStream,
		Group:         cfg.Pipeline.RedisGroup,
		Consumer:      cfg.Pipeline.RedisConsumer + "-reclaimer",
		MinIdle:       cfg.Worker.ReclaimMinIdle,
		Interval:      cfg.Worker.ReclaimEvery,
		BatchSize:     cfg.Worker.BatchSize,
		MaxDeliveries: int64(cfg.Worker.MaxAttempts),
	}, consumer, w.ProcessMessage)

	errCh := make(chan error, 2)
	go func() {
		errCh <- w.Run(ctx)
	}()
	go func() {
		reclaimer.Run(ctx)
		errCh <- nil
	}()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           setupRouter(cfg, registry, sessions, producer),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		slog.InfoContext(ctx, "http server starting", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.ErrorContext(ctx, "http server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.InfoContext(ctx, "shutting down...")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.ErrorContext(shutdownCtx, "http server shutdown error", "error", err)
	}

	// Abort turns in progress so shutdown does not wait for full generations.
	for _, info := range sessions.List() {
		_ = sessions.Abort(info.SessionID)
	}

	reclaimer.Stop()
	w.Stop()

wait:
	for range 2 {
		select {
		case <-shutdownCtx.Done():
			slog.WarnContext(ctx, "shutdown timeout exceeded")
			break wait
		case err := <-errCh:
			if err != nil {
				slog.ErrorContext(ctx, "worker error during shutdown", "error", err)
			}
		}
	}

	if telemetry != nil {
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "otel shutdown error", "error", err)
		}
	}

	slog.InfoContext(shutdownCtx, "shutdown complete")
}

func setupRouter(cfg config.Config, registry *tool.Registry, sessions *orchestrator.Sessions, producer queue.Producer) *gin.Engine {
	router := gin.New()

	// Order matters: OTel creates span → Recovery catches panics → Logger logs with trace context
	if cfg.OTel.Enabled() {
		router.Use(otelgin.Middleware(cfg.OTel.ServiceName))
	}
	router.Use(middleware.Recovery())
	router.Use(middleware.Logger())

	httprouter.SetupRoutes(router, httprouter.Dependencies{
		Registry: registry,
		Sessions: sessions,
		Producer: producer,
	}, httprouter.RouterConfig{
		TraceHeaderName: cfg.Pipeline.TraceHeaderName,
		AdminAPIKey:     cfg.AdminAPIKey,
	})

	return router
}

const banner = `
 ____   _    ____  _     _______   __
|  _ \ / \  |  _ \| |   | ____\ \ / /
| |_) / _ \ | |_) | |   |  _|  \ V /
|  __/ ___ \|  _ <| |___| |___  | |
|_| /_/   \_\_| \_\_____|_____| |_|
`
