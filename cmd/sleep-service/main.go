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
	"github.com/noctua-health/platform/pkg/common/config"
	"github.com/noctua-health/platform/pkg/common/database"
	"github.com/noctua-health/platform/pkg/common/kafka"
	"github.com/noctua-health/platform/pkg/common/logger"
	"github.com/noctua-health/platform/pkg/observability/metrics"
	"github.com/noctua-health/platform/pkg/sleep"
	"github.com/noctua-health/platform/pkg/sleep/adapters"
	"github.com/noctua-health/platform/pkg/sleep/idempotency"
	"github.com/noctua-health/platform/pkg/sleep/pipeline"
	"github.com/noctua-health/platform/pkg/sleep/store"
)

func main() {
	logger.Init()
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Log.WithError(err).Fatal("invalid configuration")
	}

	db, err := database.NewPostgres(cfg)
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to connect to postgres")
	}
	defer database.ClosePostgres(db)

	cache := database.NewRedis(cfg)
	defer database.CloseRedis(cache)

	repo := store.NewRepository(db, cache, cfg.SummaryCacheTTL)
	if err := repo.AutoMigrate(); err != nil {
		logger.Log.WithError(err).Fatal("failed to migrate sleep tables")
	}

	idem := idempotency.NewManager(db, cfg.IdempotencyKeyTTL)
	if err := idem.AutoMigrate(); err != nil {
		logger.Log.WithError(err).Fatal("failed to migrate idempotency table")
	}

	catalog, err := adapters.LoadCatalog(cfg.VendorCatalogPath, cfg)
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to load vendor catalog")
	}
	factory := adapters.NewFactory(cfg, catalog)

	producer := kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaIngestTopic)
	defer producer.Close()

	orchestrator := pipeline.New(repo, factory, producer)
	handler := sleep.NewHandler(orchestrator, repo, idem, cfg)

	router := mux.NewRouter()
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	}).Methods(http.MethodGet)
	router.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if sqlDB, err := db.DB(); err != nil || sqlDB.Ping() != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unavailable"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	}).Methods(http.MethodGet)
	router.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		metrics.WritePrometheus(w)
	}).Methods(http.MethodGet)

	api := router.PathPrefix("/api/" + cfg.APIVersion).Subrouter()
	handler.Register(api)

	address := fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort)
	server := &http.Server{
		Addr:         address,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	go func() {
		logger.Log.WithField("addr", address).Info("Sleep service listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("failed to start sleep service")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down sleep service...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Log.WithError(err).Error("Sleep service forced to shutdown")
	}
	logger.Log.Info("Sleep service stopped")
}
