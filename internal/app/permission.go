package app

import (
	"context"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"os"
	"os/signal"
	"project-permission-service/internal/api"
	"project-permission-service/internal/authz"
	"project-permission-service/internal/cache"
	"project-permission-service/internal/catalog"
	"project-permission-service/internal/config"
	"project-permission-service/internal/consumer"
	"project-permission-service/internal/metrics"
	"project-permission-service/internal/notifier"
	"project-permission-service/internal/repository"
	"project-permission-service/internal/roles"
	"project-permission-service/internal/service"
	"sync"
	"syscall"
)

func Run(cfg config.Config, logger *zap.SugaredLogger) {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	wg := &sync.WaitGroup{}

	// Storage and the producer outlive the servers so in-flight requests can finish.
	delayedCtx, repoCancel := context.WithCancel(context.Background())
	delayedWg := &sync.WaitGroup{}

	cat, err := loadCatalog(cfg)
	if err != nil {
		logger.Fatalw("failed to load permission catalog", "error", err)
	}
	logger.Infow("loaded permission catalog", "permissions", cat.Len())

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(registry)

	repo, err := repository.NewMongoRepository(delayedCtx, logger, delayedWg, cfg.MongoDB)
	if err != nil {
		logger.Fatalw("failed to create repository", "error", err)
	}

	redisClient, err := cache.NewClient(delayedCtx, logger, delayedWg, cfg.Redis)
	if err != nil {
		logger.Fatalw("failed to connect to redis", "error", err)
	}
	c := cache.New(redisClient, cache.TTLFromConfig(cfg.Cache), m)

	notif := notifier.NewKafkaNotifier(delayedCtx, delayedWg, logger, cfg.Kafka)

	store := roles.NewStore(logger, repo, c, cat, notif)
	gate := authz.NewGate(logger, authz.NewResolver(logger, repo, c, cat), c, cat, m)

	consumer.NewKafkaConsumer(ctx, wg, logger, cfg.Kafka, store)
	service.RunServices(ctx, logger, wg, cfg, gate, store)
	api.Run(ctx, logger, wg, cfg, api.NewServer(logger, gate, store, cat, m))

	<-ctx.Done()
	wg.Wait()
	logger.Info("shutting down")

	logger.Info("shutting down delayed services")
	repoCancel()
	delayedWg.Wait()
}

func loadCatalog(cfg config.Config) (*catalog.Catalog, error) {
	if cfg.CatalogPath != "" {
		return catalog.LoadFile(cfg.CatalogPath)
	}
	return catalog.Default()
}
