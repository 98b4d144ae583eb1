// Package main is the entry point for the concurrency core's demo
// server: it wires the lifecycle tracker, task pool, health monitor,
// resilient model factory, circuit breaker, rate limiter and progress
// bridge into a small gin HTTP surface (health/ready, dynamic log level,
// and a websocket endpoint that exercises the worker data flow end to
// end). NamedLock, ResourcePool, BatchProcessor and retry are not used
// here.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"relay-agent.dev/core/internal/api/middleware"
	"relay-agent.dev/core/internal/callerctx"
	"relay-agent.dev/core/internal/concurrency"
	"relay-agent.dev/core/internal/config"
	"relay-agent.dev/core/internal/health"
	"relay-agent.dev/core/internal/lifecycle"
	"relay-agent.dev/core/internal/modelcache"
	"relay-agent.dev/core/internal/pkg/logger"
	"relay-agent.dev/core/internal/progress"
	"relay-agent.dev/core/internal/transport/wsbridge"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := logger.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("starting concurrency core server",
		zap.Int("port", cfg.Server.Port),
		zap.String("environment", cfg.Environment),
	)

	tracker := lifecycle.NewTracker()
	app := lifecycle.NewApp(tracker)

	taskPool, err := concurrency.NewTaskPool("general", cfg.Worker.GeneralPoolSize)
	if err != nil {
		return fmt.Errorf("create task pool: %w", err)
	}
	if err := tracker.Register("task-pool", taskPool, func(ctx context.Context) error {
		taskPool.Shutdown(cfg.Worker.ShutdownTimeout)
		return nil
	}, 10); err != nil {
		return fmt.Errorf("register task pool: %w", err)
	}

	monitor := health.NewMonitor()
	monitor.Register("task_pool", func(ctx context.Context) (any, error) {
		return map[string]any{"active_tasks": taskPool.ActiveCount()}, nil
	})
	if err := tracker.Register("health-monitor", monitor, func(ctx context.Context) error {
		monitor.Stop()
		return nil
	}, 20); err != nil {
		return fmt.Errorf("register health monitor: %w", err)
	}

	modelFactory := modelcache.NewResilientFactory(cfg.Environment, cfg.ModelCache)
	breaker := concurrency.NewCircuitBreaker("model-calls", cfg.Breaker.FailureThreshold, cfg.Breaker.ResetTimeout, nil)
	limiter := concurrency.NewRateLimiter(cfg.RateLimit.MaxCalls, cfg.RateLimit.Window)

	if err := app.Startup(context.Background()); err != nil {
		return fmt.Errorf("app startup: %w", err)
	}

	monitor.Start(context.Background(), time.Minute)

	router := buildRouter(cfg, monitor, taskPool, modelFactory, breaker, limiter)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		close(errCh)
	}()
	logger.Info("server started", zap.String("addr", srv.Addr))

	shutdownSignalled := make(chan struct{})
	go func() {
		app.WaitForShutdown()
		close(shutdownSignalled)
	}()

	select {
	case <-shutdownSignalled:
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown error", zap.Error(err))
	}
	app.Shutdown(context.Background(), cfg.Server.ShutdownTimeout)

	logger.Info("server stopped gracefully")
	return nil
}

func buildRouter(
	cfg *config.Config,
	monitor *health.Monitor,
	taskPool *concurrency.TaskPool,
	modelFactory *modelcache.ResilientFactory,
	breaker *concurrency.CircuitBreaker,
	limiter *concurrency.RateLimiter,
) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestID(), middleware.CallerContext(), middleware.ErrorHandler())
	router.Use(cors.New(buildCORSConfig(cfg)))

	router.GET("/healthz", func(c *gin.Context) {
		if !monitor.IsHealthy() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})
	router.GET("/readyz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"active_tasks":    taskPool.ActiveCount(),
			"model_factory":   modelFactory.Health().Mode.String(),
			"circuit_breaker": breaker.State().String(),
		})
	})

	logHandler := logger.HTTPHandler()
	router.GET("/log/level", gin.WrapH(logHandler))
	router.PUT("/log/level", gin.WrapH(logHandler))

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	router.GET("/agents/stream", func(c *gin.Context) {
		handleAgentStream(c, upgrader, taskPool, modelFactory, breaker, limiter)
	})

	return router
}

func buildCORSConfig(cfg *config.Config) cors.Config {
	corsCfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", middleware.RequestIDHeader, middleware.CallerIDHeader, middleware.SessionIDHeader},
		ExposeHeaders:    []string{"Content-Length", middleware.RequestIDHeader},
		AllowCredentials: cfg.Server.AllowCredentials,
		MaxAge:           12 * time.Hour,
	}

	if cfg.Server.UnsafeAllowAllOrigins {
		corsCfg.AllowAllOrigins = true
		corsCfg.AllowCredentials = false
		return corsCfg
	}

	origins := sanitizeOrigins(cfg.Server.AllowedOrigins)
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000", "http://127.0.0.1:3000"}
	}
	corsCfg.AllowOrigins = origins
	return corsCfg
}

func sanitizeOrigins(origins []string) []string {
	cleaned := make([]string, 0, len(origins))
	for _, o := range origins {
		o = strings.TrimSpace(o)
		if o == "" || o == "*" {
			continue
		}
		cleaned = append(cleaned, o)
	}
	return cleaned
}

// handleAgentStream demonstrates the full worker data flow from §2 of
// the spec this server implements: CallerContext -> rate limit ->
// circuit breaker -> TaskPool -> ScopedModelCache -> ProgressBridge.
func handleAgentStream(
	c *gin.Context,
	upgrader websocket.Upgrader,
	taskPool *concurrency.TaskPool,
	modelFactory *modelcache.ResilientFactory,
	breaker *concurrency.CircuitBreaker,
	limiter *concurrency.RateLimiter,
) {
	caller := callerctx.FromContext(c.Request.Context())
	if caller == nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":      true,
			"error_code": "INVALID_CALLER_CONTEXT",
			"message":    "missing caller context",
			"timestamp":  time.Now().UTC(),
		})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	sink := wsbridge.New(conn)
	bridge := progress.NewBridge(0, progress.DropPolicyBuffer)
	bridge.Attach(sink, caller.CallerID(), caller.CorrelationID())

	prompt := c.Query("prompt")
	if prompt == "" {
		prompt = "hello"
	}

	_, err = taskPool.SubmitBackground(c.Request.Context(), func(ctx context.Context) {
		defer sink.Close()
		runAgentTurn(ctx, caller, prompt, bridge, modelFactory, breaker, limiter)
	})
	if err != nil {
		bridge.EmitError(err)
		sink.Close()
	}
}

func runAgentTurn(
	ctx context.Context,
	caller *callerctx.Context,
	prompt string,
	bridge *progress.Bridge,
	modelFactory *modelcache.ResilientFactory,
	breaker *concurrency.CircuitBreaker,
	limiter *concurrency.RateLimiter,
) {
	bridge.EmitStarted()

	if err := limiter.Acquire(ctx); err != nil {
		bridge.EmitError(err)
		return
	}

	manager, err := modelFactory.CreateManager(caller, echoModelCall)
	if err != nil {
		bridge.EmitError(err)
		return
	}

	bridge.EmitThinking("resolving prompt")
	bridge.EmitToolExecuting("model", prompt)

	var result string
	callErr := breaker.Call(func() error {
		var askErr error
		result, askErr = manager.Ask(ctx, "turn", "default", prompt, true)
		return askErr
	})
	if callErr != nil {
		bridge.EmitError(callErr)
		return
	}

	bridge.EmitToolCompleted("model", result)
	bridge.EmitCompleted(result)
}

func echoModelCall(ctx context.Context, prompt string) (string, error) {
	return "echo: " + prompt, nil
}
