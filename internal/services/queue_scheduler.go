package services

import (
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/huangang/jobfence/internal/config"
	"github.com/huangang/jobfence/pkg/logger"
	"github.com/robfig/cron/v3"
)

// QueueScheduler periodically enqueues the queue-triggered heartbeat. With an
// async queue the schedule lives in an asynq.Scheduler; otherwise a local cron
// entry feeds the in-process queue.
type QueueScheduler struct {
	trigger   config.TriggerConfig
	queue     TaskQueue
	redis     *config.RedisConfig
	scheduler *asynq.Scheduler
	cron      *cron.Cron
}

func NewQueueScheduler(redis *config.RedisConfig, trigger config.TriggerConfig, queue TaskQueue) *QueueScheduler {
	return &QueueScheduler{trigger: trigger, queue: queue, redis: redis}
}

func (s *QueueScheduler) StartScheduler() error {
	if s.queue.IsAsync() && s.redis != nil && s.redis.Enabled {
		return s.startAsynq()
	}
	return s.startLocal()
}

func (s *QueueScheduler) startAsynq() error {
	s.scheduler = asynq.NewScheduler(redisClientOpt(s.redis), &asynq.SchedulerOpts{
		Location: time.UTC,
		Logger:   logger.AsynqLogger("queue-scheduler"),
		PostEnqueueFunc: func(info *asynq.TaskInfo, err error) {
			if err != nil {
				logger.Errorf("[QueueScheduler] Periodic enqueue failed: %v", err)
				return
			}
			logger.Debug().Str("task_id", info.ID).Str("queue", info.Queue).Msg("[QueueScheduler] Periodic task enqueued")
		},
	})

	task := NewHeartbeatTask(s.trigger, "schedule")
	t, err := newHeartbeatAsynqTask(task)
	if err != nil {
		return err
	}
	if _, err := s.scheduler.Register(s.trigger.Schedule, t, heartbeatTaskOptions(task)...); err != nil {
		return fmt.Errorf("register periodic %s/%s: %w", s.trigger.QueueName, s.trigger.JobName, err)
	}
	if err := s.scheduler.Start(); err != nil {
		return fmt.Errorf("start queue scheduler: %w", err)
	}

	logger.Info().
		Str("queue", s.trigger.QueueName).
		Str("job", s.trigger.JobName).
		Str("schedule", s.trigger.Schedule).
		Msg("[QueueScheduler] Periodic task registered with asynq")
	return nil
}

func (s *QueueScheduler) startLocal() error {
	cronLogger := logger.CronLogger("queue-scheduler")
	s.cron = cron.New(cron.WithLogger(cronLogger), cron.WithChain(cron.Recover(cronLogger)))

	_, err := s.cron.AddFunc(s.trigger.Schedule, func() {
		if err := s.queue.Enqueue(NewHeartbeatTask(s.trigger, "schedule")); err != nil {
			logger.Errorf("[QueueScheduler] Enqueue failed: %v", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule %s/%s with %q: %w", s.trigger.QueueName, s.trigger.JobName, s.trigger.Schedule, err)
	}
	s.cron.Start()

	logger.Info().
		Str("queue", s.trigger.QueueName).
		Str("job", s.trigger.JobName).
		Str("schedule", s.trigger.Schedule).
		Msg("[QueueScheduler] Local schedule started (sync queue)")
	return nil
}

// EnqueueNow pushes one task outside the schedule.
func (s *QueueScheduler) EnqueueNow(source string) (*HeartbeatTask, error) {
	task := NewHeartbeatTask(s.trigger, source)
	if err := s.queue.Enqueue(task); err != nil {
		return nil, err
	}
	return task, nil
}

func (s *QueueScheduler) StopScheduler() {
	if s.scheduler != nil {
		s.scheduler.Shutdown()
	}
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	logger.Info().Str("job", s.trigger.JobName).Msg("[QueueScheduler] Scheduler stopped")
}
