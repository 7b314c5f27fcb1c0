package main

import (
	"fmt"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/songzhibin97/dataflow-engine/cache"
	"github.com/songzhibin97/dataflow-engine/config"
	"github.com/songzhibin97/dataflow-engine/events"
	"github.com/songzhibin97/dataflow-engine/lock"
	"github.com/songzhibin97/dataflow-engine/relay"
	"github.com/songzhibin97/dataflow-engine/storage"
	"github.com/songzhibin97/dataflow-engine/stream"
	"github.com/songzhibin97/dataflow-engine/task"
)

// app wires the stores selected by the configuration.
type app struct {
	cfg     config.Config
	logger  *zap.Logger
	redis   *redis.Client
	store   storage.Storage
	streams stream.Store
	locker  *lock.Locker
	bus     *events.EventBus
	sup     *task.Supervisor
	sub     *task.Submitter
}

func newApp(cfg config.Config) (*app, error) {
	logger, err := cfg.Logger()
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, bus: events.NewEventBus(events.WithLogger(logger))}

	if cfg.SQLitePath != "" {
		if a.store, err = storage.OpenSQLite(cfg.SQLitePath); err != nil {
			return nil, fmt.Errorf("opening sqlite store: %w", err)
		}
	} else {
		a.store = storage.NewMemoryStorage()
	}

	var blobs storage.BlobStore = storage.NewMemoryBlobs()
	if cfg.BlobDir != "" {
		if blobs, err = storage.NewLocalBlobs(cfg.BlobDir); err != nil {
			return nil, fmt.Errorf("opening blob dir: %w", err)
		}
	}

	var (
		cacheStore cache.Store  = cache.NewMemoryStore()
		lockStore  lock.Store   = lock.NewMemoryStore()
		control    task.Control = task.NewMemoryControl()
	)
	a.streams = stream.NewMemoryStore()
	if cfg.Redis.Addr != "" {
		if a.redis, err = storage.NewRedisClient(cfg.Redis); err != nil {
			return nil, err
		}
		cacheStore = cache.NewRedisStore(a.redis)
		lockStore = lock.NewRedisStore(a.redis)
		control = task.NewRedisControl(a.redis, 0)
		a.streams = stream.NewRedisStore(a.redis)
	}

	a.locker = lock.NewLocker(lockStore,
		lock.WithMaxWait(cfg.Lock.MaxWait),
		lock.WithPollInterval(cfg.Lock.Poll),
		lock.WithTTL(cfg.Lock.TTL),
		lock.WithAppointTTL(cfg.Lock.AppointTTL),
		lock.WithLogger(logger),
	)
	a.sup, err = task.NewSupervisor(task.Deps{
		Storage: a.store,
		Blobs:   blobs,
		Streams: a.streams,
		Locker:  a.locker,
		Control: control,
		Cache:   cache.NewManager(cacheStore, cache.WithTTL(cfg.Cache.TTL), cache.WithLogger(logger)),
		Bus:     a.bus,
	},
		task.WithLogger(logger),
		task.WithLimits(cfg.Task.SoftLimit, cfg.Task.HardLimit),
		task.WithCheckInterval(cfg.Task.CheckInterval),
		task.WithStreamTTL(cfg.Stream.TTL),
		task.WithDebug(cfg.Debug),
	)
	if err != nil {
		return nil, err
	}
	a.sub = task.NewSubmitter(a.sup, nil)
	return a, nil
}

func (a *app) relay() *relay.Relay {
	return relay.New(a.streams, a.sub,
		relay.WithReadTimeout(a.cfg.Relay.ReadTimeout),
		relay.WithMaxTimeouts(a.cfg.Relay.MaxTimeouts),
		relay.WithLogger(a.logger),
	)
}

func (a *app) Close() error {
	a.sub.Wait()
	a.bus.Stop()
	err := a.store.Close()
	if a.redis != nil {
		if rerr := a.redis.Close(); rerr != nil && err == nil {
			err = rerr
		}
	}
	_ = a.logger.Sync()
	return err
}
