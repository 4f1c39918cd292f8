package main

import (
	"fmt"

	"github.com/huangang/jobfence/internal/config"
	"github.com/huangang/jobfence/internal/handlers"
	"github.com/huangang/jobfence/internal/lock"
	"github.com/huangang/jobfence/internal/metrics"
	"github.com/huangang/jobfence/internal/middleware"
	"github.com/huangang/jobfence/internal/models"
	"github.com/huangang/jobfence/internal/services"
	"github.com/huangang/jobfence/internal/utils"
	"github.com/huangang/jobfence/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

// appServices holds all initialized services and handlers needed by the application.
type appServices struct {
	cfg            *config.Config
	coordinator    *lock.Coordinator
	runner         *services.JobRunner
	cronTrigger    *services.CronTrigger
	queueScheduler *services.QueueScheduler
	taskQueue      services.TaskQueue
	worker         *services.Worker
	registry       *prometheus.Registry
	limiter        *middleware.RateLimiter
	closeLockStore func() error

	healthHandler  *handlers.HealthHandler
	jobLogHandler  *handlers.JobLogHandler
	lockHandler    *handlers.LockHandler
	enqueueHandler *handlers.EnqueueHandler
}

// newLockStore builds the configured lock backend. The returned close func
// releases any client the store owns.
func newLockStore(cfg *config.Config) (lock.Store, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Lock.Backend {
	case "", "database":
		return lock.NewGormStore(models.GetDB()), noop, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:      cfg.Redis.Addr,
			Username:  cfg.Redis.Username,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			TLSConfig: cfg.Redis.TLSConfig(),
		})
		return lock.NewRedisStore(client), client.Close, nil
	case "memory":
		logger.Warn().Msg("Memory lock backend only excludes runs within this process")
		return lock.NewMemoryStore(), noop, nil
	default:
		return nil, noop, fmt.Errorf("unknown lock backend %q", cfg.Lock.Backend)
	}
}

// bootstrap initializes all application dependencies: database, lock store, runner, triggers.
func bootstrap(cfg *config.Config) *appServices {
	utils.SetJWTSecret(cfg.JWT.Secret)

	if err := models.InitDB(&cfg.Database); err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	if err := models.AutoMigrate(); err != nil {
		logger.Fatalf("Failed to migrate database: %v", err)
	}

	store, closeStore, err := newLockStore(cfg)
	if err != nil {
		logger.Fatalf("Failed to create lock store: %v", err)
	}

	registry := metrics.NewRegistry()
	metrics.Register(registry)

	coordinator := lock.NewCoordinator(store, lock.WithMaxAge(cfg.Lock.MaxAge()))
	ledger := services.NewJobLogService(models.GetDB())
	heartbeat := services.NewHeartbeat(cfg.App.ID, cfg.Jobs.Ticks, cfg.Jobs.TickInterval)
	runner := services.NewJobRunner(cfg.App.ID, coordinator, ledger, heartbeat)
	runner.SetStoreTimeout(cfg.Jobs.StoreTimeout)

	svc := &appServices{
		cfg:            cfg,
		coordinator:    coordinator,
		runner:         runner,
		registry:       registry,
		limiter:        middleware.NewRateLimiter(1, 5),
		closeLockStore: closeStore,
	}

	// Initialize task queue (uses Redis if enabled, otherwise sync mode)
	svc.taskQueue = services.InitTaskQueue(cfg)
	if syncQueue, ok := svc.taskQueue.(*services.SyncQueue); ok {
		syncQueue.SetProcessor(services.RunnerProcessor(runner))
	}

	if cfg.Jobs.Queue.Enabled {
		if svc.taskQueue.IsAsync() {
			svc.worker = services.NewWorker(&cfg.Redis, cfg.Jobs.Queue.QueueName, cfg.Jobs.ShutdownTimeout)
			if svc.worker != nil {
				svc.worker.SetProcessor(services.RunnerProcessor(runner))
				if err := svc.worker.Start(); err != nil {
					logger.Fatalf("Failed to start worker: %v", err)
				}
			}
		}

		svc.queueScheduler = services.NewQueueScheduler(&cfg.Redis, cfg.Jobs.Queue, svc.taskQueue)
		if err := svc.queueScheduler.StartScheduler(); err != nil {
			logger.Fatalf("Failed to start queue scheduler: %v", err)
		}
	}

	if cfg.Jobs.Cron.Enabled {
		svc.cronTrigger = services.NewCronTrigger(runner, cfg.Jobs.Cron)
		if err := svc.cronTrigger.StartScheduler(); err != nil {
			logger.Fatalf("Failed to start cron trigger: %v", err)
		}
	}

	svc.healthHandler = handlers.NewHealthHandler(models.GetDB(), coordinator, svc.taskQueue, cfg.App.ID, cfg.Lock.Backend)
	svc.jobLogHandler = handlers.NewJobLogHandler(ledger)
	svc.lockHandler = handlers.NewLockHandler(coordinator)
	svc.enqueueHandler = newEnqueueHandler(svc)

	return svc
}

func newEnqueueHandler(svc *appServices) *handlers.EnqueueHandler {
	var queue handlers.QueueEnqueuer
	if svc.queueScheduler != nil {
		queue = svc.queueScheduler
	}
	var cron handlers.CronTriggerer
	if svc.cronTrigger != nil {
		cron = svc.cronTrigger
	}
	return handlers.NewEnqueueHandler(queue, cron, svc.cfg.Jobs.Cron.QueueName, svc.cfg.Jobs.Cron.JobName)
}

// shutdown stops triggers first so running jobs see cancellation and finalize
// their ledger entries before the stores close.
func (s *appServices) shutdown() {
	if s.queueScheduler != nil {
		s.queueScheduler.StopScheduler()
	}
	if s.worker != nil {
		s.worker.Stop()
	}
	if s.cronTrigger != nil {
		s.cronTrigger.StopScheduler()
	}
	if s.taskQueue != nil {
		if err := s.taskQueue.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close task queue")
		}
	}
	logger.Info().Msg("All triggers stopped")

	s.limiter.Stop()
	if err := s.closeLockStore(); err != nil {
		logger.Warn().Err(err).Msg("Failed to close lock store")
	}
	if db := models.GetDB(); db != nil {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}
