package container

import (
	"context"
	"fmt"
	"io"
	"strings"

	"catalog/ingest/internal/client"
	"catalog/ingest/internal/config"
	"catalog/ingest/internal/metrics"
	"catalog/ingest/internal/proxy"
	"catalog/ingest/internal/retry"
	"catalog/ingest/internal/service"
	"catalog/ingest/internal/state"
	"catalog/ingest/internal/store"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// Container holds all initialized components
type Container struct {
	Config      *config.Config
	Store       store.Store
	Client      client.CatalogClient
	Coordinator *state.Coordinator
	Metrics     *metrics.Metrics

	Service *service.Service
}

// New creates a new container with all dependencies initialized
func New(ctx context.Context, cfg *config.Config) (*Container, error) {
	container := &Container{
		Config:      cfg,
		Coordinator: state.NewCoordinator(),
		Metrics:     metrics.New(),
	}

	st, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	container.Store = st

	proxySupplier := proxy.NewProxySupplier(ctx, cfg.Site.Proxies, cfg.Site.Origin)
	container.Client = client.NewExoClient(cfg.Site, cfg.Catalog.ItemsPerPage, proxySupplier)

	retryController := retry.New(retry.Config{
		MaxRetries: cfg.Retry.MaxRetries,
		BaseDelay:  cfg.Retry.BaseDelay,
		Multiplier: cfg.Retry.Multiplier,
		Timeout:    cfg.Retry.Timeout,
	})

	container.Service = service.NewService(
		st,
		container.Client,
		retryController,
		container.Coordinator,
		container.Metrics,
		service.Config{
			MaxPages:          cfg.Catalog.MaxPages,
			PageDelay:         cfg.Catalog.PageDelay,
			Restart:           cfg.Catalog.Restart,
			Workers:           cfg.Pipeline.Workers,
			DeadAfterAttempts: cfg.Pipeline.DeadAfterAttempts,
			ProgressEvery:     cfg.Pipeline.ProgressEvery,
		},
	)

	return container, nil
}

// OpenStore opens the backend selected by store.driver.
func OpenStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		st, err := store.OpenSQLite(cfg.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		log.Infof("✅ Using SQLite store at %s", cfg.Store.Path)
		return st, nil
	case "postgres":
		st, err := store.OpenPostgres(ctx, cfg.Database.DSN())
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		return st, nil
	case "redis":
		st, err := store.OpenRedis(ctx, &redis.Options{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.Database,
		}, cfg.Redis.KeyPrefix)
		if err != nil {
			return nil, fmt.Errorf("failed to open redis store: %w", err)
		}
		log.Info("✅ Connected to Redis successfully")
		return st, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// ConfigureLogging applies log.level and log.format to the global logger.
func ConfigureLogging(cfg config.LogConfig) error {
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	log.SetLevel(level)

	switch strings.ToLower(cfg.Format) {
	case "", "text":
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	default:
		return fmt.Errorf("unknown log format %q", cfg.Format)
	}
	return nil
}

// Run executes one pipeline run. SIGINT and SIGTERM trigger a graceful stop:
// the item or page in hand is finished and saved before returning.
func (c *Container) Run(ctx context.Context, opts service.Options) (service.RunSummary, error) {
	stopWatching := c.Coordinator.Watch(ctx)
	defer stopWatching()

	summary, err := c.Service.Run(ctx, opts)
	c.Coordinator.Stop()

	if writeErr := c.Metrics.WriteTextfile(c.Config.Metrics.Textfile); writeErr != nil {
		log.Warnf("⚠️ %v", writeErr)
	}

	return summary, err
}

// Close performs cleanup when shutting down
func (c *Container) Close() error {
	log.Info("Shutting down container...")

	if closer, ok := c.Client.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			log.Warnf("⚠️ %v", err)
		}
	}

	if err := c.Store.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}

	log.Info("Container shut down successfully")
	return nil
}
