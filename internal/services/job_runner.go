package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/huangang/jobfence/internal/lock"
	"github.com/huangang/jobfence/internal/metrics"
	"github.com/huangang/jobfence/internal/models"
	"github.com/huangang/jobfence/pkg/logger"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	RemarkSuccess = "Success"

	defaultStoreTimeout = 10 * time.Second
)

// RunResult is the terminal state a run recorded in the ledger.
type RunResult struct {
	LogID  uint                `json:"log_id"`
	Status models.JobLogStatus `json:"status"`
	Remark string              `json:"remark"`
}

type runState int

const (
	stateStarting runState = iota
	stateAcquiring
	stateRunning
	stateClassifying
	stateFinalizing
	stateDone
)

func (s runState) String() string {
	switch s {
	case stateStarting:
		return "starting"
	case stateAcquiring:
		return "acquiring"
	case stateRunning:
		return "running"
	case stateClassifying:
		return "classifying"
	case stateFinalizing:
		return "finalizing"
	case stateDone:
		return "done"
	default:
		return "unknown"
	}
}

// JobRunner executes one guarded attempt of a job: it records the attempt,
// takes the (queue, job) lock, runs the work and always releases the lock and
// writes a terminal status, whatever happened in between.
type JobRunner struct {
	appID        string
	coord        *lock.Coordinator
	ledger       RunLedger
	work         BoundedWork
	storeTimeout time.Duration
	tracer       trace.Tracer
}

func NewJobRunner(appID string, coord *lock.Coordinator, ledger RunLedger, work BoundedWork) *JobRunner {
	return &JobRunner{
		appID:        appID,
		coord:        coord,
		ledger:       ledger,
		work:         work,
		storeTimeout: defaultStoreTimeout,
		tracer:       otel.Tracer("github.com/huangang/jobfence/internal/services"),
	}
}

// SetStoreTimeout bounds each lock store and ledger call.
func (r *JobRunner) SetStoreTimeout(d time.Duration) {
	if d > 0 {
		r.storeTimeout = d
	}
}

// Run makes a single attempt at (queue, job). Cancelling ctx stops the work but
// never skips releasing the lock or finalizing the ledger entry. A conflict is
// reported through the result, not the error; the error is non-nil only when
// the work itself failed or the store could not be used.
func (r *JobRunner) Run(ctx context.Context, queue, job string) (RunResult, error) {
	start := time.Now()
	ctx, span := r.tracer.Start(ctx, "JobRunner.Run", trace.WithAttributes(
		attribute.String("jobfence.app_id", r.appID),
		attribute.String("jobfence.queue", queue),
		attribute.String("jobfence.job", job),
	))
	defer span.End()

	a := &attempt{
		runner: r,
		slot:   lock.Key{QueueName: queue, JobName: job},
		log: logger.Component("job-runner").With().
			Str("queue", queue).
			Str("job", job).
			Logger(),
	}

	a.enter(stateStarting)
	var logID uint
	err := a.store(ctx, func(sctx context.Context) error {
		id, err := r.ledger.Create(sctx, &models.JobLog{AppID: r.appID, QueueName: queue, JobName: job})
		logID = id
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "ledger create failed")
		return RunResult{}, err
	}
	a.logID = logID
	a.log = a.log.With().Uint("log_id", logID).Logger()

	runErr := a.execute(ctx)
	finErr := a.finalize(ctx)
	a.enter(stateDone)

	result := RunResult{LogID: logID, Status: a.status, Remark: a.remark}
	metrics.JobRuns.WithLabelValues(queue, job, string(a.status)).Inc()
	metrics.JobRunDuration.WithLabelValues(queue, job).Observe(time.Since(start).Seconds())
	span.SetAttributes(
		attribute.String("jobfence.status", string(a.status)),
		attribute.Int("jobfence.log_id", int(logID)),
	)

	if err := errors.Join(runErr, finErr); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		a.log.Error().Err(err).Str("status", string(a.status)).Msg(a.remark)
		return result, err
	}

	event := a.log.Info()
	if a.status == models.JobLogExited {
		event = a.log.Warn()
	}
	event.Str("status", string(a.status)).Dur("elapsed", time.Since(start)).Msg(a.remark)
	return result, nil
}

// attempt carries the state of one Run call.
type attempt struct {
	runner *JobRunner
	slot   lock.Key
	log    zerolog.Logger

	state  runState
	logID  uint
	held   *lock.Record
	status models.JobLogStatus
	remark string
}

func (a *attempt) enter(s runState) {
	a.state = s
	a.log.Debug().Str("state", s.String()).Msg("job run state")
}

func (a *attempt) exit(remark string) {
	a.status = models.JobLogExited
	a.remark = remark
}

func (a *attempt) complete(remark string) {
	a.status = models.JobLogCompleted
	a.remark = remark
}

// store runs fn on a context detached from ctx's cancellation and bounded by
// the store timeout, so a shutdown cannot leave a half-written lock behind.
func (a *attempt) store(ctx context.Context, fn func(context.Context) error) error {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.runner.storeTimeout)
	defer cancel()
	return fn(sctx)
}

func (a *attempt) execute(ctx context.Context) error {
	r := a.runner
	a.enter(stateAcquiring)

	var acq lock.Acquisition
	err := a.store(ctx, func(sctx context.Context) error {
		var err error
		acq, err = r.coord.Acquire(sctx, a.slot.QueueName, a.slot.JobName)
		return err
	})
	if err != nil {
		a.exit(remarkStoreFailure(r.appID, a.slot, err))
		return err
	}

	switch acq.Outcome {
	case lock.Acquired:
		a.held = &acq.Record
		return a.runWork(ctx)
	case lock.Contended:
		a.exit(remarkContended(r.appID, a.slot, acq.Cause))
		return nil
	default:
		return a.classify(ctx)
	}
}

// classify explains why the slot was taken. A stale record is reclaimed but the
// work is left for the next trigger.
func (a *attempt) classify(ctx context.Context) error {
	r := a.runner
	a.enter(stateClassifying)

	var rec *lock.Record
	err := a.store(ctx, func(sctx context.Context) error {
		var err error
		rec, err = r.coord.Inspect(sctx, a.slot.QueueName, a.slot.JobName)
		return err
	})
	if err != nil {
		a.exit(remarkStoreFailure(r.appID, a.slot, err))
		return err
	}

	if rec == nil {
		a.exit(remarkReleased(a.slot))
		return nil
	}

	now := r.coord.Now()
	if !r.coord.IsStale(*rec, now) {
		a.exit(remarkActive(r.appID, a.slot, *rec))
		return nil
	}

	err = a.store(ctx, func(sctx context.Context) error {
		return r.coord.Reclaim(sctx, *rec)
	})
	if err != nil {
		a.exit(remarkStoreFailure(r.appID, a.slot, err))
		return err
	}
	a.log.Warn().Time("lock_created_at", rec.CreatedAt).Dur("age", rec.Age(now)).Msg("stale lock reclaimed")
	a.exit(remarkStale(a.slot, *rec, now, r.coord.MaxAge()))
	return nil
}

func (a *attempt) runWork(ctx context.Context) error {
	a.enter(stateRunning)
	metrics.RunningJobs.Inc()
	defer metrics.RunningJobs.Dec()

	result, err := a.doWork(ctx)
	if err != nil {
		a.exit(remarkFailure(a.runner.appID, a.slot, err))
		return fmt.Errorf("job %s: %w", a.slot, err)
	}
	if result.Cancelled {
		a.exit(remarkCancelled(a.runner.appID, a.slot, result.Iterations))
		return nil
	}
	a.complete(RemarkSuccess)
	return nil
}

// doWork turns a panic in the payload into an error so the lock is still released.
func (a *attempt) doWork(ctx context.Context) (result WorkResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return a.runner.work.Do(ctx, a.slot)
}

func (a *attempt) finalize(ctx context.Context) error {
	r := a.runner
	a.enter(stateFinalizing)

	var errs []error
	if a.held != nil {
		err := a.store(ctx, func(sctx context.Context) error {
			return r.coord.Release(sctx, *a.held)
		})
		if err != nil {
			a.log.Error().Err(err).Msg("lock release failed, slot stays taken until it goes stale")
			errs = append(errs, err)
		} else {
			a.held = nil
		}
	}

	if a.status == "" {
		a.exit("run ended without an outcome")
	}
	err := a.store(ctx, func(sctx context.Context) error {
		return r.ledger.UpdateStatus(sctx, a.logID, a.status, a.remark)
	})
	if err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func remarkReleased(slot lock.Key) string {
	return fmt.Sprintf("Queue %s with job %s: lock released by the time of inspection.", slot.QueueName, slot.JobName)
}

func remarkStale(slot lock.Key, rec lock.Record, now time.Time, maxAge time.Duration) string {
	return fmt.Sprintf("Queue %s with job %s: stale lock reclaimed; attempt abandoned. Lock created at %s was %s old, limit %s; the next trigger will run the job.",
		slot.QueueName, slot.JobName, rec.CreatedAt.Format(time.RFC3339), rec.Age(now).Truncate(time.Second), maxAge)
}

func remarkActive(appID string, slot lock.Key, rec lock.Record) string {
	return fmt.Sprintf("Already processing: instance %s found queue %s with job %s locked since %s.",
		appID, slot.QueueName, slot.JobName, rec.CreatedAt.Format(time.RFC3339))
}

func remarkContended(appID string, slot lock.Key, cause error) string {
	return fmt.Sprintf("Store concurrency conflict: instance %s could not take queue %s with job %s: %v",
		appID, slot.QueueName, slot.JobName, cause)
}

func remarkCancelled(appID string, slot lock.Key, iterations int) string {
	return fmt.Sprintf("Cancelled: instance %s released queue %s with job %s by graceful shutdown after %d iterations.",
		appID, slot.QueueName, slot.JobName, iterations)
}

func remarkFailure(appID string, slot lock.Key, err error) string {
	return fmt.Sprintf("Failed: instance %s released queue %s with job %s by graceful shutdown after error: %v",
		appID, slot.QueueName, slot.JobName, err)
}

func remarkStoreFailure(appID string, slot lock.Key, err error) string {
	return fmt.Sprintf("Lock store unavailable: instance %s gave up on queue %s with job %s: %v",
		appID, slot.QueueName, slot.JobName, err)
}
