package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"go-taskmgr/internal/config"
	"go-taskmgr/internal/core/ports"
	"go-taskmgr/internal/core/postgres/repository"
	"go-taskmgr/internal/domain"
	"go-taskmgr/internal/infrastructure/memory"
	"go-taskmgr/internal/infrastructure/redis"
)

// finishGrace is added to the worker shutdown timeout, recording the outcome takes a moment too.
const finishGrace = 5 * time.Second

type backend struct {
	log   ports.EventLog
	queue ports.WorkQueue
	bus   ports.EventBus
	close []func() error
}

func (b *backend) Close() {
	for i := len(b.close) - 1; i >= 0; i-- {
		_ = b.close[i]()
	}
}

func openBackend(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*backend, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		logger.Warn("using the in-memory backend, tasks are lost on exit and not shared with other processes")
		return &backend{log: memory.NewEventLog(), queue: memory.NewQueue(), bus: memory.NewEventBus()}, nil
	case config.BackendRedis:
		return openRedisBackend(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

func openRedisBackend(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*backend, error) {
	b := &backend{}

	// Set up database connection
	db, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: cannot connect to database: %w", domain.ErrStoreUnavailable, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	b.close = append(b.close, sqlDB.Close)
	if err := repository.Migrate(db); err != nil {
		b.Close()
		return nil, fmt.Errorf("%w: cannot migrate event log: %w", domain.ErrStoreUnavailable, err)
	}
	b.log = repository.NewEventRepository(db)

	client, err := redis.NewRedisClient(ctx, cfg.Redis.Address)
	if err != nil {
		b.Close()
		return nil, err
	}
	b.close = append(b.close, func() error {
		if err := client.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
			return err
		}
		return nil
	})

	queue, err := redis.NewRedisQueue(ctx, client, redis.QueueOptions{
		Stream:       cfg.Redis.Stream,
		Group:        cfg.Redis.Group,
		Consumer:     cfg.Node.Hostname,
		BlockTimeout: cfg.Redis.BlockTimeout,
		ClaimIdle:    cfg.Redis.ClaimIdle,
	}, logger)
	if err != nil {
		b.Close()
		return nil, err
	}
	b.queue = queue
	b.bus = redis.NewRedisEventBus(client, cfg.Redis.EventsChannel, cfg.Redis.CancelChannel)

	logger.Info("connected to postgres and redis", zap.String("redis", cfg.Redis.Address), zap.String("stream", cfg.Redis.Stream))
	return b, nil
}
