package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/labcontrol-io/platform/pkg/analytics"
	"github.com/labcontrol-io/platform/pkg/appointments"
	"github.com/labcontrol-io/platform/pkg/auth"
	"github.com/labcontrol-io/platform/pkg/billing"
	"github.com/labcontrol-io/platform/pkg/blobstore"
	"github.com/labcontrol-io/platform/pkg/common/config"
	"github.com/labcontrol-io/platform/pkg/common/database"
	"github.com/labcontrol-io/platform/pkg/common/kafka"
	"github.com/labcontrol-io/platform/pkg/common/logger"
	"github.com/labcontrol-io/platform/pkg/identity"
	"github.com/labcontrol-io/platform/pkg/notifications"
	"github.com/labcontrol-io/platform/pkg/observability/metrics"
	"github.com/labcontrol-io/platform/pkg/studies"
)

func main() {
	logger.Init("api-server")
	cfg := config.Load()

	db, err := database.GetPostgres()
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to connect to postgres")
	}
	redisClient := database.GetRedis()

	userRepo := identity.NewRepository(db)
	studyRepo := studies.NewRepository(db)
	notificationRepo := notifications.NewRepository(db)
	appointmentRepo := appointments.NewRepository(db)
	invoiceRepo := billing.NewRepository(db)

	for name, migrate := range map[string]func() error{
		"identity":      userRepo.AutoMigrate,
		"studies":       studyRepo.AutoMigrate,
		"notifications": notificationRepo.AutoMigrate,
		"appointments":  appointmentRepo.AutoMigrate,
		"billing":       invoiceRepo.AutoMigrate,
	} {
		if err := migrate(); err != nil {
			logger.Log.WithError(err).WithField("component", name).Fatal("failed to migrate tables")
		}
	}

	tokens, err := auth.NewJWTManager(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTAudience, cfg.JWTTTL)
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to initialise token manager")
	}
	throttle := auth.NewLoginThrottle(redisClient, cfg.LoginRateLimit, cfg.LoginRateWindow)

	blobs, err := blobstore.NewDiskStore(cfg.BlobStoreDir)
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to open result file store")
	}

	producer := kafka.NewProducer(cfg.EmailJobsTopic)
	defer producer.Close()

	templates := notifications.DefaultTemplates()
	if cfg.EmailTemplatePath != "" {
		templates, err = notifications.LoadTemplates(cfg.EmailTemplatePath)
		if err != nil {
			logger.Log.WithError(err).Fatal("failed to load notification templates")
		}
	}
	notifier := notifications.NewService(notificationRepo, userRepo, producer, templates)

	analyticsSvc := analytics.NewService(db, redisClient, cfg.AnalyticsCacheTTL)

	identitySvc := identity.NewService(userRepo)
	studySvc := studies.NewService(studyRepo, userRepo, blobs, studies.NewFileValidator(cfg.MaxResultFileSize), notifier, analyticsSvc)
	appointmentSvc := appointments.NewService(appointmentRepo, userRepo, notifier, analyticsSvc)
	billingSvc := billing.NewService(invoiceRepo, userRepo, notifier, analyticsSvc)

	router := mux.NewRouter()
	router.Use(auth.Logging, auth.Recovery, auth.CORS, auth.BodyLimit(cfg.MaxRequestBody))

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	}).Methods(http.MethodGet)

	router.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		sqlDB, err := db.DB()
		if err != nil || sqlDB.Ping() != nil {
			http.Error(w, `{"status":"not ready"}`, http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	}).Methods(http.MethodGet)

	router.HandleFunc("/metrics", metrics.Handler()).Methods(http.MethodGet)

	identityHandler := identity.NewHandler(identitySvc, tokens, throttle)

	public := router.PathPrefix("/api/v1").Subrouter()
	identityHandler.RegisterPublic(public)

	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(auth.Authenticate(tokens))
	identityHandler.Register(api)
	studies.NewHandler(studySvc, cfg.MaxResultFileSize).Register(api)
	notifications.NewHandler(notifier).Register(api)
	appointments.NewHandler(appointmentSvc).Register(api)
	billing.NewHandler(billingSvc).Register(api)
	analytics.NewHandler(analyticsSvc).Register(api)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Log.WithFields(map[string]interface{}{
			"host": cfg.ServerHost,
			"port": cfg.ServerPort,
		}).Info("API server started")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down API server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.WithError(err).Error("server forced to shutdown")
	}
	if err := database.ClosePostgres(); err != nil {
		logger.Log.WithError(err).Warn("failed to close postgres connection")
	}
	if err := database.CloseRedis(); err != nil {
		logger.Log.WithError(err).Warn("failed to close redis connection")
	}

	logger.Log.Info("API server stopped")
}
