package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"sipsearch-server/pkg/config"
	"sipsearch-server/pkg/correlation"
	http_server "sipsearch-server/pkg/http"
	"sipsearch-server/pkg/media"
	"sipsearch-server/pkg/metrics"
	"sipsearch-server/pkg/models"
	"sipsearch-server/pkg/query"
	"sipsearch-server/pkg/session"
	"sipsearch-server/pkg/store"
)

var logger = logrus.New()

func main() {
	logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
		},
	})
	logger.SetOutput(os.Stdout)

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	cfg, err := config.Load(logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	cfg.SetupLogger(logger)
	metrics.Init(logger)

	connectCtx, connectCancel := context.WithTimeout(rootCtx, 10*time.Second)
	recordStore, err := store.Connect(connectCtx, cfg.Store, logger)
	connectCancel()
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to record store")
	}
	recordStore.StartCacheRefresh(rootCtx)

	catalog := query.NewCachedCatalog(func(ctx context.Context) ([]query.Attribute, error) {
		return query.DefaultCatalog().List(), nil
	}, cfg.Store.CacheRefreshInterval, logger)
	if err := catalog.Refresh(rootCtx); err != nil {
		logger.WithError(err).Fatal("Failed to load attribute catalog")
	}
	go catalog.Run(rootCtx)

	compiler := query.NewCompiler(catalog)

	registry := correlation.NewRegistry()
	registry.Register(models.MethodInvite, correlation.NewCallEngine(recordStore, compiler, cfg.Search, logger))
	registry.Register(models.MethodRegister, correlation.NewRegistrationEngine(recordStore, compiler, cfg.Search, logger))

	assembler := session.NewAssembler(recordStore, cfg.Session, logger)
	reconstructor := media.NewReconstructor(recordStore, cfg.Media, cfg.Search, logger)

	httpServer := http_server.NewServer(logger, cfg.HTTP, registry, assembler, reconstructor)
	httpServer.Start()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigChan
	logger.WithField("signal", sig.String()).Info("Received shutdown signal, cleaning up...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	rootCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Error shutting down HTTP server")
	}
	if err := recordStore.Disconnect(shutdownCtx); err != nil {
		logger.WithError(err).Error("Error disconnecting from record store")
	}
	logger.Info("Shutdown complete")
}
