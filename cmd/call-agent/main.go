package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"callsignal-backend/internal/client/signaling"
	callHandler "callsignal-backend/internal/handler/http/call"
	"callsignal-backend/internal/media"
	"callsignal-backend/internal/middleware"
	"callsignal-backend/internal/service/call"
	"callsignal-backend/internal/service/scheduler"
	"callsignal-backend/pkg/config"
	"callsignal-backend/pkg/constants"
	"callsignal-backend/pkg/logger"
	"callsignal-backend/pkg/metrics"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.ValidateAgent(); err != nil {
		log.Fatalf("Invalid agent config: %v", err)
	}

	if err := logger.Init(&logger.Config{
		Level:    cfg.Log.Level,
		Format:   cfg.Log.Format,
		Output:   cfg.Log.Output,
		FilePath: cfg.Log.FilePath,
	}); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	appMetrics := metrics.NewMetrics("call-agent")

	// 2. Media engine
	engines, err := media.NewFactory(cfg.Agent.STUNServers)
	if err != nil {
		logger.Fatal("Failed to initialize media engine", zap.Error(err))
	}

	// 3. Relay connection and orchestrator
	client := signaling.NewClient(signaling.Config{
		URL:   cfg.Agent.SignalingURL,
		Token: cfg.Agent.Token,
	}, appMetrics)

	orchestrator := call.NewOrchestrator(call.Config{
		UserID:          cfg.Agent.UserID,
		GracePeriod:     cfg.Call.GracePeriod,
		InviteTTL:       cfg.Call.InviteTTL,
		SweepInterval:   cfg.Call.SweepInterval,
		EndedRetention:  cfg.Call.EndedRetention,
		MaxGroupMembers: cfg.Call.MaxGroupMembers,
		QueueSize:       constants.SessionQueueSize,
	}, engines, client, scheduler.New(clock.New()), appMetrics)
	defer orchestrator.Close()

	client.SetHandler(orchestrator)
	go client.Run(ctx)

	// 4. Control API
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.NewPrometheusMiddleware(appMetrics).Handler())

	router.GET("/health", func(c *gin.Context) {
		status := "healthy"
		if !client.Connected() {
			status = "disconnected"
		}
		c.JSON(http.StatusOK, gin.H{
			"status":          status,
			"service":         "call-agent",
			"user_id":         orchestrator.UserID(),
			"active_sessions": orchestrator.ActiveSessions(),
			"time":            time.Now().UTC(),
		})
	})
	router.GET("/metrics", middleware.MetricsHandler(appMetrics))

	callHandler.NewHandler(orchestrator).RegisterRoutes(router.Group("/v1"))

	// 5. Start server
	server := &http.Server{
		Addr:              cfg.Agent.ControlAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Call agent starting",
			zap.String("control_addr", cfg.Agent.ControlAddr),
			zap.String("user_id", cfg.Agent.UserID.String()),
			zap.String("signaling_url", cfg.Agent.SignalingURL))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start control API", zap.Error(err))
		}
	}()

	// 6. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down call agent...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), constants.GracefulShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Control API forced to shutdown", zap.Error(err))
	}
	cancel()
	logger.Info("Call agent exited")
}
