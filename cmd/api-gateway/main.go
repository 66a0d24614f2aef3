package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "github.com/noah-isme/uni-registrar-api/api/swagger"
	"github.com/noah-isme/uni-registrar-api/internal/gateway"
	"github.com/noah-isme/uni-registrar-api/internal/handler"
	"github.com/noah-isme/uni-registrar-api/internal/middleware"
	"github.com/noah-isme/uni-registrar-api/internal/repository"
	"github.com/noah-isme/uni-registrar-api/internal/service"
	"github.com/noah-isme/uni-registrar-api/pkg/cache"
	"github.com/noah-isme/uni-registrar-api/pkg/config"
	"github.com/noah-isme/uni-registrar-api/pkg/database"
	"github.com/noah-isme/uni-registrar-api/pkg/jobs"
	"github.com/noah-isme/uni-registrar-api/pkg/lock"
	"github.com/noah-isme/uni-registrar-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/uni-registrar-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/uni-registrar-api/pkg/middleware/requestid"
)

// @title University Registrar API
// @version 0.1.0
// @description Course registration, seat capacity, and payment reconciliation
// @BasePath /
// @schemes http
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to postgres", "error", err)
	}
	defer db.Close()

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to redis", "error", err)
	}
	defer redisClient.Close()

	validate := validator.New()

	// Repositories.
	sectionRepo := repository.NewSectionRepository(db)
	registrationRepo := repository.NewRegistrationRepository(db)
	studentRepo := repository.NewStudentRepository(db)
	termRepo := repository.NewTermRepository(db)
	paymentRepo := repository.NewPaymentRepository(db)
	tuitionRepo := repository.NewTuitionRepository(db)
	cacheRepo := repository.NewCacheRepository(redisClient, logr)

	// Section locks live in Redis so multiple gateway replicas serialize on
	// the same seat counter.
	lockManager := lock.NewManager(lock.NewRedisStore(redisClient), lock.Options{
		TTL:        cfg.Lock.TTL,
		MaxRetries: cfg.Lock.MaxRetries,
		RetryDelay: cfg.Lock.RetryDelay,
	}, logr)

	gatewayRegistry := gateway.NewRegistry(
		gateway.NewEspay(cfg.Payments.Providers["espay"].Secret),
		gateway.NewDuitku(cfg.Payments.Providers["duitku"].Secret),
		gateway.NewFlip(cfg.Payments.Providers["flip"].Secret),
	)

	// Services.
	metricsSvc := service.NewMetricsService()
	authSvc := service.NewAuthService(cfg.JWT)
	rosterSvc := service.NewRosterService(sectionRepo, registrationRepo, cacheRepo, cfg.Rosters.CacheTTL, logr)
	enrollmentSvc := service.NewEnrollmentService(registrationRepo, sectionRepo, studentRepo, lockManager, validate, logr, metricsSvc, rosterSvc)
	billingSvc := service.NewBillingService(tuitionRepo, jobs.QueueConfig{
		Workers:    cfg.Billing.Workers,
		BufferSize: cfg.Billing.BufferSize,
		MaxRetries: cfg.Billing.MaxRetries,
		RetryDelay: cfg.Billing.RetryDelay,
		Logger:     logr,
	}, logr)
	paymentSvc := service.NewPaymentService(paymentRepo, registrationRepo, gatewayRegistry, billingSvc, validate, logr, metricsSvc)
	termSvc := service.NewTermService(termRepo, registrationRepo, logr)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	billingSvc.Start(rootCtx)
	defer billingSvc.Stop()

	// Handlers.
	registrationHandler := handler.NewRegistrationHandler(enrollmentSvc)
	paymentHandler := handler.NewPaymentHandler(paymentSvc)
	sectionHandler := handler.NewSectionHandler(rosterSvc)
	termHandler := handler.NewTermHandler(termSvc)
	metricsHandler := handler.NewMetricsHandler(metricsSvc)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))

	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", metricsHandler.Health)
	r.GET("/metrics", metricsHandler.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)

	// Gateway callbacks authenticate with per-provider signatures, not JWT.
	api.POST("/payments/callback/:provider", paymentHandler.Callback)

	authed := api.Group("")
	authed.Use(middleware.JWT(authSvc))
	{
		authed.GET("/sections", sectionHandler.List)
		authed.GET("/sections/:id/roster", sectionHandler.Roster)
		authed.GET("/sections/:id/roster/export", sectionHandler.ExportRoster)

		authed.GET("/registrations", registrationHandler.List)
		authed.POST("/registrations", registrationHandler.Create)
		authed.POST("/registrations/:id/transfer", registrationHandler.Transfer)
		authed.DELETE("/registrations/:id", registrationHandler.Delete)

		authed.POST("/payments", paymentHandler.Create)

		authed.GET("/terms/:id", termHandler.Get)
		authed.POST("/terms/:id/complete", middleware.RequireRoles("ADMIN", "REGISTRAR"), termHandler.Complete)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-rootCtx.Done()
	logr.Sugar().Infow("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Errorw("graceful shutdown failed", "error", err)
	}
}
