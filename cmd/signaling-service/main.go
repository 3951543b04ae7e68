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

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"callsignal-backend/internal/database"
	callLogHandler "callsignal-backend/internal/handler/http/calllog"
	pushHandler "callsignal-backend/internal/handler/http/push"
	wsHandler "callsignal-backend/internal/handler/ws"
	"callsignal-backend/internal/middleware"
	"callsignal-backend/internal/repository/cockroach"
	redisRepo "callsignal-backend/internal/repository/redis"
	"callsignal-backend/internal/service/calllog"
	"callsignal-backend/internal/service/relay"
	"callsignal-backend/pkg/config"
	"callsignal-backend/pkg/constants"
	"callsignal-backend/pkg/env"
	"callsignal-backend/pkg/jwt"
	"callsignal-backend/pkg/logger"
	"callsignal-backend/pkg/metrics"
	"callsignal-backend/pkg/push"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
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

	if cfg.JWT.Secret == "" {
		logger.Fatal("JWT_SECRET environment variable is required")
	}

	appMetrics := metrics.NewMetrics(cfg.Server.ServiceName)
	jwtManager := jwt.NewJWTManager(cfg.JWT.Secret, cfg.JWT.AccessTokenExpiry)

	allowedOrigins := middleware.AllowedOrigins(env.GetStringSlice("CORS_ALLOWED_ORIGINS", nil))
	deps := relay.Dependencies{Metrics: appMetrics}

	// 2. Redis: presence, cross-instance fan-out and push tokens
	var (
		redisDB      *database.RedisClient
		channelRepo  *redisRepo.ChannelRepository
		presenceRepo *redisRepo.PresenceRepository
		pushSvc      *push.Service
		presence     wsHandler.PresenceStore
	)
	if cfg.Redis.Enabled {
		redisDB, err = database.NewRedisDB(&database.RedisConfig{
			Host:     cfg.Redis.Host,
			Port:     cfg.Redis.Port,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
			Timeout:  cfg.Redis.Timeout,
		}, appMetrics)
		if err != nil {
			logger.Fatal("Failed to create Redis client", zap.Error(err))
		}
		defer redisDB.Close()

		if err := redisDB.HealthCheck(ctx); err != nil {
			logger.Warn("Redis unavailable at startup, running degraded", zap.Error(err))
		}
		redisDB.StartHealthCheck(ctx, constants.RedisHealthCheckInterval)

		presenceRepo = redisRepo.NewPresenceRepository(redisDB)
		channelRepo = redisRepo.NewChannelRepository(redisDB)
		presence = presenceRepo

		deps.Presence = presenceRepo
		deps.Publisher = channelRepo

		provider, err := push.NewProvider(cfg.Push)
		if err != nil {
			logger.Fatal("Failed to initialize push provider", zap.Error(err))
		}
		pushSvc = push.NewService(provider, redisRepo.NewPushTokenRepository(redisDB), constants.RingPushTTL)
		deps.Notifier = pushSvc
	} else {
		logger.Warn("Redis disabled: single-instance relay without presence or push")
	}

	// 3. CockroachDB call log
	var callLogSvc *calllog.Service
	if cfg.Database.Enabled {
		db, err := database.NewCockroachDB(ctx, &database.CockroachConfig{
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			Database: cfg.Database.Database,
			SSLMode:  cfg.Database.SSLMode,
			MaxConns: cfg.Database.MaxConns,
			MinConns: cfg.Database.MinConns,
		})
		if err != nil {
			logger.Warn("Failed to connect to CockroachDB, call history disabled", zap.Error(err))
		} else {
			defer db.Close()
			callLogRepo := cockroach.NewCallLogRepository(db.Pool)
			if err := callLogRepo.EnsureSchema(ctx); err != nil {
				logger.Fatal("Failed to prepare call log schema", zap.Error(err))
			}
			callLogSvc = calllog.NewService(callLogRepo, appMetrics)
			deps.Recorder = callLogSvc
		}
	}

	// 4. Hub and relay
	hub := wsHandler.NewSignalingHub(wsHandler.HubConfig{
		InstanceID:     cfg.Server.InstanceID,
		MaxConnections: cfg.Server.MaxConnections,
		AllowedOrigins: allowedOrigins,
	}, presence, appMetrics)
	defer hub.Close()

	relaySvc := relay.NewRelay(cfg.Server.InstanceID, hub, deps)
	hub.SetRouter(relaySvc)

	if channelRepo != nil {
		go channelRepo.Listen(ctx, relaySvc.Channel(), func(data []byte) {
			if _, err := relaySvc.HandleRemote(ctx, data); err != nil {
				logger.Debug("Dropping malformed relay envelope", zap.Error(err))
			}
		})
	}

	// 5. Router
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.CORSMiddleware(allowedOrigins))
	router.Use(middleware.NewPrometheusMiddleware(appMetrics).Handler())

	router.GET("/health", healthHandler(cfg.Server.ServiceName, presenceRepo))
	router.GET("/metrics", middleware.MetricsHandler(appMetrics))

	v1 := router.Group("/v1")
	v1.Use(middleware.AuthMiddleware(jwtManager))
	{
		v1.GET("/signaling/ws", hub.ServeWS)
		if pushSvc != nil {
			pushHandler.NewHandler(pushSvc).RegisterRoutes(v1)
		}
		if callLogSvc != nil {
			callLogHandler.NewHandler(callLogSvc).RegisterRoutes(v1)
		}
	}

	// 6. Start server
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Signaling service starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("instance_id", cfg.Server.InstanceID))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// 7. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), constants.GracefulShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	logger.Info("Server exited")
}

// healthHandler reports liveness plus the Redis view of this deployment
func healthHandler(serviceName string, presenceRepo *redisRepo.PresenceRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		body := gin.H{
			"status":  "healthy",
			"service": serviceName,
			"time":    time.Now().UTC(),
		}
		if presenceRepo != nil {
			body["redis_degraded"] = presenceRepo.IsDegraded()
			if count, err := presenceRepo.GetOnlineCount(c.Request.Context()); err == nil {
				body["online_users"] = count
			}
		}
		c.JSON(http.StatusOK, body)
	}
}
