package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"github.com/huangang/jobfence/internal/config"
	"github.com/huangang/jobfence/pkg/logger"
)

// Worker consumes heartbeat tasks from the slot's asynq queue.
type Worker struct {
	server    *asynq.Server
	mux       *asynq.ServeMux
	processor TaskProcessor
	ctx       context.Context
	cancel    context.CancelFunc
	running   bool
	mu        sync.Mutex
}

// NewWorker creates a worker serving queueName with concurrency 1, so this
// instance never overlaps itself on that queue.
func NewWorker(cfg *config.RedisConfig, queueName string, shutdownTimeout time.Duration) *Worker {
	if !cfg.Enabled {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	server := asynq.NewServer(
		redisClientOpt(cfg),
		asynq.Config{
			Concurrency: 1,
			Queues: map[string]int{
				queueName: 1,
			},
			// handler contexts derive from ctx so Stop reaches running jobs at once
			BaseContext:     func() context.Context { return ctx },
			ShutdownTimeout: shutdownTimeout,
			Logger:          logger.AsynqLogger("worker"),
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				logger.Errorf("[Worker] Error processing task %s: %v", task.Type(), err)
			}),
		},
	)

	return &Worker{
		server: server,
		mux:    asynq.NewServeMux(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// SetProcessor sets the function to process heartbeat tasks
func (w *Worker) SetProcessor(processor TaskProcessor) {
	w.processor = processor
}

// Start begins processing tasks
func (w *Worker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}

	w.mux.HandleFunc(TaskTypeHeartbeat, w.handleHeartbeatTask)

	if err := w.server.Start(w.mux); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}
	w.running = true
	logger.Infof("[Worker] Async worker started")
	return nil
}

// Stop cancels running tasks, then waits for the server to drain.
func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return
	}

	logger.Infof("[Worker] Shutting down...")
	w.cancel()
	w.server.Shutdown()
	w.running = false
	logger.Infof("[Worker] Shutdown complete")
}

func (w *Worker) handleHeartbeatTask(ctx context.Context, t *asynq.Task) error {
	var task HeartbeatTask
	if err := json.Unmarshal(t.Payload(), &task); err != nil {
		logger.Errorf("[Worker] Failed to unmarshal task: %v", err)
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}

	logger.Infof("[Worker] Processing heartbeat task: queue=%s, job=%s, source=%s",
		task.QueueName, task.JobName, task.Source)

	if w.processor == nil {
		logger.Warnf("[Worker] No processor set")
		return nil
	}

	return w.processor(ctx, &task)
}
