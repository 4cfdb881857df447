package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ThorodanBrom/iudx-aaa-server-1/internal/apd"
	"github.com/ThorodanBrom/iudx-aaa-server-1/internal/catalogue"
	"github.com/ThorodanBrom/iudx-aaa-server-1/internal/delegation"
	"github.com/ThorodanBrom/iudx-aaa-server-1/internal/notification"
	"github.com/ThorodanBrom/iudx-aaa-server-1/internal/policy"
	"github.com/ThorodanBrom/iudx-aaa-server-1/internal/registration"
	"github.com/ThorodanBrom/iudx-aaa-server-1/pkg/database"
	"github.com/ThorodanBrom/iudx-aaa-server-1/pkg/logger"
	"github.com/ThorodanBrom/iudx-aaa-server-1/pkg/middleware"
	"github.com/ThorodanBrom/iudx-aaa-server-1/pkg/observability"
)

func main() {
	level := zapcore.InfoLevel
	if raw := os.Getenv("LOG_LEVEL"); raw != "" {
		_ = level.Set(raw)
	}
	log, err := logger.New(level)
	if err != nil {
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := observability.InitTracer(ctx, observability.TracerConfig{
		ServiceName:    "authzsvc",
		ServiceVersion: envOr("SERVICE_VERSION", "dev"),
		Environment:    envOr("ENVIRONMENT", "development"),
	}, log)
	if err != nil {
		log.Fatal("tracer init failed", zap.Error(err))
	}

	db, err := database.NewConnection(database.Config{
		Host:     envOr("DB_HOST", "localhost"),
		Port:     envIntOr("DB_PORT", 5432),
		User:     envOr("DB_USER", "authz"),
		Password: os.Getenv("DB_PASSWORD"),
		DBName:   envOr("DB_NAME", "authz"),
		SSLMode:  envOr("DB_SSLMODE", "disable"),
	})
	if err != nil {
		log.Fatal("database connection failed", zap.Error(err))
	}
	defer db.Close()

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET is required")
	}

	authServerURL := envOr("AUTH_SERVER_URL", "authz.example.com")
	policyOpts := policy.Options{
		AuthServerURL: authServerURL,
		CatServerURL:  envOr("CAT_SERVER_URL", "catalogue.example.com"),
		CatItemPath:   envOr("CAT_ITEM_PATH", "catalogue/crud"),
	}

	directory := catalogue.NewHTTPClient(envOr("CAT_REGISTRY_URL", "http://localhost:8081"))
	profiles := registration.NewHTTPClient(envOr("REGISTRATION_URL", "http://localhost:8082"))
	apdTimeout := time.Duration(envIntOr("APD_TIMEOUT", 10)) * time.Second
	apds := apd.NewHTTPClient(envOr("APD_REGISTRY_URL", "http://localhost:8083"), apdTimeout)

	policySvc := policy.NewService(policy.NewStore(db), directory, apds, profiles, policyOpts, log)
	delegationSvc := delegation.NewService(delegation.NewStore(db), profiles,
		delegation.Options{AuthServerURL: authServerURL}, log)
	notificationSvc := notification.NewService(notification.NewStore(db), policySvc,
		directory, profiles, delegationSvc, log)

	metrics := observability.NewMetrics()

	gin.SetMode(envOr("GIN_MODE", gin.ReleaseMode))
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("authzsvc"))
	router.Use(observability.PrometheusMiddleware(metrics))
	router.Use(middleware.SecurityHeadersMiddleware())
	router.Use(middleware.RateLimitMiddleware(50, 100))
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "PUT", "DELETE"},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.ProviderHeader},
	}))

	router.GET("/metrics", gin.WrapH(observability.PrometheusHandler()))
	router.GET("/health", func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	authed := router.Group("/auth/v1", middleware.Authn([]byte(jwtSecret)))
	policy.NewHTTPHandler(policySvc, log).RegisterRoutes(authed)
	delegation.NewHTTPHandler(delegationSvc, log).RegisterRoutes(authed)
	notification.NewHTTPHandler(notificationSvc, log).RegisterRoutes(authed)

	srv := &http.Server{
		Addr:              ":" + envOr("HTTP_PORT", "8443"),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("HTTP server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown failed", zap.Error(err))
	}
	if err := shutdownTracer(shutdownCtx); err != nil {
		log.Error("tracer shutdown failed", zap.Error(err))
	}
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}
