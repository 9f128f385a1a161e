package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/pesio-ai/be-pm-lifecycle/internal/catalog"
	"github.com/pesio-ai/be-pm-lifecycle/internal/client"
	"github.com/pesio-ai/be-pm-lifecycle/internal/config"
	"github.com/pesio-ai/be-pm-lifecycle/internal/database"
	"github.com/pesio-ai/be-pm-lifecycle/internal/logger"
	"github.com/pesio-ai/be-pm-lifecycle/internal/metrics"
	"github.com/pesio-ai/be-pm-lifecycle/internal/repository"
	"github.com/pesio-ai/be-pm-lifecycle/internal/repository/memstore"
	"github.com/pesio-ai/be-pm-lifecycle/internal/service"
)

// app carries the process-wide dependencies shared by every command.
type app struct {
	cfg   *config.Config
	log   *logger.Logger
	store repository.Store
	db    *database.DB // nil for the memory store

	closers []func()
}

func bootstrap(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}

	log := logger.New(logger.Config{
		Level:       cfg.Service.LogLevel,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	a := &app{cfg: cfg, log: log}
	if err := a.openStore(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	switch strings.ToLower(a.cfg.Store.Driver) {
	case "memory":
		s, err := memstore.New()
		if err != nil {
			return err
		}
		a.store = s
		a.log.Warn().Msg("Using in-memory store; state is lost on exit")

		if a.cfg.Catalog.Path != "" {
			res, err := a.seed(ctx, a.cfg.Catalog.Path)
			if err != nil {
				return err
			}
			a.log.Info().
				Int("workflows", res.Workflows).
				Int("node_types", res.NodeTypes).
				Int("stages", res.Stages).
				Msg("Catalog seeded into memory store")
		}
		return nil

	default:
		dbCfg := a.cfg.Database
		db, err := database.New(ctx, database.Config{
			DSN:         dbCfg.DSN(),
			MaxConns:    dbCfg.MaxConns,
			MinConns:    dbCfg.MinConns,
			MaxConnTime: dbCfg.MaxConnTime,
			MaxIdleTime: dbCfg.MaxIdleTime,
			HealthCheck: dbCfg.HealthCheck,
			MaxRetries:  dbCfg.MaxRetries,
		})
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		a.db = db
		a.closers = append(a.closers, db.Close)
		a.store = repository.NewPostgresStore(db)

		a.log.Info().
			Str("host", dbCfg.Host).
			Str("database", dbCfg.Database).
			Msg("Database connection established")
		return nil
	}
}

func (a *app) seed(ctx context.Context, path string) (*catalog.SeedResult, error) {
	c, err := catalog.Load(path)
	if err != nil {
		return nil, err
	}
	return catalog.Seed(ctx, a.store, c)
}

// ping reports whether the store is reachable.
func (a *app) ping(ctx context.Context) error {
	if a.db == nil {
		return nil
	}
	return a.db.Ping(ctx)
}

func (a *app) redisClient(ctx context.Context, addr string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}
	a.closers = append(a.closers, func() { rdb.Close() })
	return rdb, nil
}

func (a *app) notifier(ctx context.Context) (service.Notifier, error) {
	cfg := a.cfg.Notifier
	log := a.log.Component("notifier")

	switch strings.ToLower(cfg.Driver) {
	case "nats":
		nc, err := client.ConnectNATS(cfg.NATSURL, a.cfg.Service.Name, log)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() {
			if err := nc.Drain(); err != nil {
				nc.Close()
			}
		})
		log.Info().Str("url", cfg.NATSURL).Msg("Publishing notifications to NATS")
		return client.NewNATSNotifier(nc, cfg.SubjectPrefix, log), nil

	case "redis":
		rdb, err := a.redisClient(ctx, cfg.RedisAddr)
		if err != nil {
			return nil, err
		}
		log.Info().Str("addr", cfg.RedisAddr).Msg("Publishing notifications to Redis")
		return client.NewRedisNotifier(rdb, cfg.SubjectPrefix, log), nil

	default:
		return client.NewLogNotifier(log), nil
	}
}

func (a *app) directory(ctx context.Context) (service.Directory, error) {
	cfg := a.cfg.Directory
	if strings.EqualFold(cfg.Driver, "redis") {
		rdb, err := a.redisClient(ctx, cfg.RedisAddr)
		if err != nil {
			return nil, err
		}
		return client.NewRedisDirectory(rdb, cfg.KeyPrefix), nil
	}
	return client.StaticDirectory(cfg.Roles), nil
}

// engine wires the lifecycle engine. Metrics register on reg when non-nil.
func (a *app) engine(ctx context.Context, reg prometheus.Registerer) (*service.Engine, error) {
	notifier, err := a.notifier(ctx)
	if err != nil {
		return nil, err
	}
	dir, err := a.directory(ctx)
	if err != nil {
		return nil, err
	}

	opts := []service.Option{
		service.WithNotifier(notifier),
		service.WithDirectory(dir),
		service.WithStageReadyRole(a.cfg.Notifier.StageReadyRole),
		service.WithLogger(a.log.Component("engine")),
	}
	if reg != nil {
		opts = append(opts, service.WithMetrics(metrics.New(&metrics.Config{
			Namespace: "pm",
			Subsystem: "lifecycle",
			Registry:  reg,
		})))
	}
	return service.New(a.store, opts...), nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
