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

const (
	TaskTypeHeartbeat = "heartbeat:run"
)

// HeartbeatTask asks a worker to run the guarded job for one slot.
type HeartbeatTask struct {
	QueueName   string    `json:"queue_name"`
	JobName     string    `json:"job_name"`
	Source      string    `json:"source"` // schedule, api
	RequestedAt time.Time `json:"requested_at"`
}

func NewHeartbeatTask(trigger config.TriggerConfig, source string) *HeartbeatTask {
	return &HeartbeatTask{
		QueueName:   trigger.QueueName,
		JobName:     trigger.JobName,
		Source:      source,
		RequestedAt: time.Now().UTC(),
	}
}

// TaskProcessor handles a dequeued heartbeat task.
type TaskProcessor func(ctx context.Context, task *HeartbeatTask) error

// RunnerProcessor runs each task through r. Conflicts are not errors, so only
// payload and store failures reach the queue's error handling.
func RunnerProcessor(r Runner) TaskProcessor {
	return func(ctx context.Context, task *HeartbeatTask) error {
		res, err := r.Run(ctx, task.QueueName, task.JobName)
		if err != nil {
			return err
		}
		logger.Debug().
			Str("source", task.Source).
			Uint("log_id", res.LogID).
			Str("status", string(res.Status)).
			Msg("[TaskQueue] Heartbeat task finished")
		return nil
	}
}

// TaskQueue defines the interface for heartbeat task delivery
type TaskQueue interface {
	// Enqueue adds a task to the queue
	Enqueue(task *HeartbeatTask) error
	// IsAsync returns true if queue processes tasks asynchronously
	IsAsync() bool
	// Close gracefully shuts down the queue
	Close() error
}

var (
	globalTaskQueue TaskQueue
	taskQueueOnce   sync.Once
)

// InitTaskQueue initializes the global task queue based on config
func InitTaskQueue(cfg *config.Config) TaskQueue {
	taskQueueOnce.Do(func() {
		if cfg.Redis.Enabled {
			queue, err := NewAsyncQueue(&cfg.Redis)
			if err != nil {
				logger.Warnf("[TaskQueue] Redis unavailable, falling back to sync mode: %v", err)
				globalTaskQueue = NewSyncQueue()
			} else {
				logger.Infof("[TaskQueue] Async queue initialized with Redis at %s", cfg.Redis.Addr)
				globalTaskQueue = queue
			}
		} else {
			logger.Infof("[TaskQueue] Sync queue initialized (Redis disabled)")
			globalTaskQueue = NewSyncQueue()
		}
	})
	return globalTaskQueue
}

func redisClientOpt(cfg *config.RedisConfig) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:      cfg.Addr,
		Username:  cfg.Username,
		Password:  cfg.Password,
		DB:        cfg.DB,
		TLSConfig: cfg.TLSConfig(),
	}
}

// AsyncQueue implements TaskQueue using asynq (Redis-based)
type AsyncQueue struct {
	client *asynq.Client
}

// NewAsyncQueue creates a new Redis-based async queue
func NewAsyncQueue(cfg *config.RedisConfig) (*AsyncQueue, error) {
	redisOpt := redisClientOpt(cfg)
	client := asynq.NewClient(redisOpt)

	inspector := asynq.NewInspector(redisOpt)
	defer inspector.Close()

	if _, err := inspector.Queues(); err != nil {
		client.Close()
		return nil, err
	}

	return &AsyncQueue{client: client}, nil
}

func newHeartbeatAsynqTask(task *HeartbeatTask) (*asynq.Task, error) {
	payload, err := json.Marshal(task)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeHeartbeat, payload), nil
}

// heartbeatTaskOptions routes the task to its slot's queue. A failed run is not
// retried; the next schedule is the retry.
func heartbeatTaskOptions(task *HeartbeatTask) []asynq.Option {
	return []asynq.Option{
		asynq.Queue(task.QueueName),
		asynq.MaxRetry(0),
	}
}

// Enqueue adds a heartbeat task to the async queue
func (q *AsyncQueue) Enqueue(task *HeartbeatTask) error {
	t, err := newHeartbeatAsynqTask(task)
	if err != nil {
		return err
	}

	info, err := q.client.Enqueue(t, heartbeatTaskOptions(task)...)
	if err != nil {
		return fmt.Errorf("enqueue heartbeat task: %w", err)
	}

	logger.Infof("[AsyncQueue] Task enqueued: id=%s, queue=%s, job=%s", info.ID, info.Queue, task.JobName)
	return nil
}

// IsAsync returns true for async queue
func (q *AsyncQueue) IsAsync() bool {
	return true
}

// Close closes the async queue client
func (q *AsyncQueue) Close() error {
	return q.client.Close()
}

// SyncQueue implements TaskQueue in-process (no Redis). Tasks run one at a
// time in the background, matching a worker with concurrency 1.
type SyncQueue struct {
	processor TaskProcessor
	sem       chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	closed    bool
}

// NewSyncQueue creates a new synchronous queue
func NewSyncQueue() *SyncQueue {
	ctx, cancel := context.WithCancel(context.Background())
	return &SyncQueue{
		sem:    make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
	}
}

// SetProcessor sets the function that handles tasks
func (q *SyncQueue) SetProcessor(processor TaskProcessor) {
	q.processor = processor
}

// Enqueue schedules the task on a background goroutine and returns immediately.
func (q *SyncQueue) Enqueue(task *HeartbeatTask) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return fmt.Errorf("sync queue closed")
	}
	if q.processor == nil {
		logger.Warnf("[SyncQueue] No processor set, task for %s/%s dropped", task.QueueName, task.JobName)
		return nil
	}

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()

		select {
		case q.sem <- struct{}{}:
		case <-q.ctx.Done():
			logger.Infof("[SyncQueue] Queue closed before task for %s/%s started", task.QueueName, task.JobName)
			return
		}
		defer func() { <-q.sem }()

		if err := q.processor(q.ctx, task); err != nil {
			logger.Errorf("[SyncQueue] Task processing failed: %v", err)
		}
	}()

	return nil
}

// IsAsync returns false for sync queue
func (q *SyncQueue) IsAsync() bool {
	return false
}

// Close cancels running tasks and waits for them to finalize.
func (q *SyncQueue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
	return nil
}
