package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/huangang/jobfence/internal/config"
	"github.com/huangang/jobfence/pkg/logger"
	"github.com/robfig/cron/v3"
)

var (
	ErrTriggerBusy    = errors.New("job is already running on this instance")
	ErrTriggerStopped = errors.New("trigger stopped")
)

// Runner is what triggers invoke. *JobRunner implements it.
type Runner interface {
	Run(ctx context.Context, queue, job string) (RunResult, error)
}

// CronTrigger fires one (queue, job) slot on a cron schedule. Runs on this
// instance never overlap; cross-instance exclusion is left to the runner.
type CronTrigger struct {
	runner   Runner
	cfg      config.TriggerConfig
	cron     *cron.Cron
	entryID  cron.EntryID
	guard    sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	inflight sync.WaitGroup

	// mu orders run starts against StopScheduler; inflight.Add happens under it.
	mu      sync.Mutex
	stopped bool
}

func NewCronTrigger(runner Runner, cfg config.TriggerConfig) *CronTrigger {
	ctx, cancel := context.WithCancel(context.Background())
	return &CronTrigger{
		runner: runner,
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
	}
}

// StartScheduler registers the schedule and starts the cron loop.
func (t *CronTrigger) StartScheduler() error {
	cronLogger := logger.CronLogger("cron-trigger")
	t.cron = cron.New(
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger)),
	)

	entryID, err := t.cron.AddFunc(t.cfg.Schedule, t.fire)
	if err != nil {
		return fmt.Errorf("schedule %s/%s with %q: %w", t.cfg.QueueName, t.cfg.JobName, t.cfg.Schedule, err)
	}
	t.entryID = entryID
	t.cron.Start()

	logger.Info().
		Str("queue", t.cfg.QueueName).
		Str("job", t.cfg.JobName).
		Str("schedule", t.cfg.Schedule).
		Time("next", t.cron.Entry(entryID).Next).
		Msg("[CronTrigger] Scheduler started")
	return nil
}

// StopScheduler cancels running jobs and waits for them to finalize.
func (t *CronTrigger) StopScheduler() {
	t.mu.Lock()
	t.stopped = true
	t.cancel()
	t.mu.Unlock()

	if t.cron != nil {
		<-t.cron.Stop().Done()
	}
	t.inflight.Wait()
	logger.Info().Str("job", t.cfg.JobName).Msg("[CronTrigger] Scheduler stopped")
}

// TriggerNow runs the job in the background outside the schedule. It returns
// ErrTriggerBusy when a run is already in progress on this instance.
func (t *CronTrigger) TriggerNow() error {
	if !t.begin() {
		return ErrTriggerStopped
	}
	if !t.guard.TryLock() {
		t.inflight.Done()
		return ErrTriggerBusy
	}

	go func() {
		defer t.inflight.Done()
		defer t.guard.Unlock()
		t.run("manual")
	}()
	return nil
}

func (t *CronTrigger) fire() {
	if !t.begin() {
		return
	}
	defer t.inflight.Done()
	if !t.guard.TryLock() {
		logger.Info().Str("job", t.cfg.JobName).Msg("[CronTrigger] Previous run still in progress, skipping")
		return
	}
	defer t.guard.Unlock()
	t.run("schedule")
}

// begin registers a run with inflight unless the trigger has been stopped.
func (t *CronTrigger) begin() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return false
	}
	t.inflight.Add(1)
	return true
}

func (t *CronTrigger) run(source string) {
	res, err := t.runner.Run(t.ctx, t.cfg.QueueName, t.cfg.JobName)
	if err != nil {
		logger.Error().Err(err).
			Str("source", source).
			Uint("log_id", res.LogID).
			Msg("[CronTrigger] Job run failed")
		return
	}
	logger.Debug().
		Str("source", source).
		Uint("log_id", res.LogID).
		Str("status", string(res.Status)).
		Msg("[CronTrigger] Job run finished")
}
