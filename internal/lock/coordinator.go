package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/huangang/jobfence/internal/metrics"
)

// DefaultMaxAge is how old a record must be before it is treated as abandoned.
const DefaultMaxAge = 5 * time.Minute

// Outcome classifies the result of an acquisition attempt.
type Outcome int

const (
	// Acquired means this caller created the record and now holds the slot.
	Acquired Outcome = iota + 1
	// Conflict means the slot was already taken. This is an expected result.
	Conflict
	// Contended means the store hit a transient concurrency failure and
	// ownership could not be established.
	Contended
)

func (o Outcome) String() string {
	switch o {
	case Acquired:
		return "acquired"
	case Conflict:
		return "conflict"
	case Contended:
		return "contended"
	default:
		return "unknown"
	}
}

// Acquisition is returned by Coordinator.Acquire.
type Acquisition struct {
	Outcome Outcome
	// Record is set when Outcome is Acquired.
	Record Record
	// Cause carries the store error behind a Contended outcome.
	Cause error
}

// Coordinator layers acquisition, inspection and reclamation over a Store.
// It keeps no lock state in memory between calls.
type Coordinator struct {
	store  Store
	clock  Clock
	maxAge time.Duration
}

type Option func(*Coordinator)

func WithClock(c Clock) Option {
	return func(co *Coordinator) { co.clock = c }
}

func WithMaxAge(d time.Duration) Option {
	return func(co *Coordinator) {
		if d > 0 {
			co.maxAge = d
		}
	}
}

func NewCoordinator(store Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:  store,
		clock:  SystemClock,
		maxAge: DefaultMaxAge,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Coordinator) MaxAge() time.Duration { return c.maxAge }

func (c *Coordinator) Now() time.Time { return c.clock.Now().UTC() }

// Acquire tries to create the record for (queue, job). A taken slot is not an
// error; only store failures other than contention are returned as errors.
func (c *Coordinator) Acquire(ctx context.Context, queue, job string) (Acquisition, error) {
	rec := Record{QueueName: queue, JobName: job, CreatedAt: c.Now()}

	err := c.store.TryInsert(ctx, rec)
	switch {
	case err == nil:
		metrics.LockAcquisitions.WithLabelValues(queue, job, Acquired.String()).Inc()
		return Acquisition{Outcome: Acquired, Record: rec}, nil
	case errors.Is(err, ErrAlreadyExists):
		metrics.LockAcquisitions.WithLabelValues(queue, job, Conflict.String()).Inc()
		return Acquisition{Outcome: Conflict}, nil
	case errors.Is(err, ErrContended):
		metrics.LockAcquisitions.WithLabelValues(queue, job, Contended.String()).Inc()
		return Acquisition{Outcome: Contended, Cause: err}, nil
	default:
		return Acquisition{}, fmt.Errorf("acquire lock %s/%s: %w", queue, job, err)
	}
}

// Inspect returns the current record for (queue, job) or nil if none exists.
func (c *Coordinator) Inspect(ctx context.Context, queue, job string) (*Record, error) {
	rec, err := c.store.Get(ctx, Key{QueueName: queue, JobName: job})
	if err != nil {
		return nil, fmt.Errorf("inspect lock %s/%s: %w", queue, job, err)
	}
	return rec, nil
}

// IsStale reports whether rec is at least maxAge old at now.
func (c *Coordinator) IsStale(rec Record, now time.Time) bool {
	return IsStale(rec, now, c.maxAge)
}

// IsStale compares the total elapsed time, so a record 1h2m old is stale for a
// 5 minute limit. A record stamped in the future is never stale.
func IsStale(rec Record, now time.Time, maxAge time.Duration) bool {
	return rec.Age(now) >= maxAge
}

// Reclaim deletes rec's slot unconditionally.
func (c *Coordinator) Reclaim(ctx context.Context, rec Record) error {
	deleted, err := c.store.Delete(ctx, rec.Key())
	if err != nil {
		return fmt.Errorf("reclaim lock %s: %w", rec.Key(), err)
	}
	if deleted {
		metrics.LockReclaims.WithLabelValues(rec.QueueName, rec.JobName).Inc()
	}
	return nil
}

// Release deletes rec's slot. Releasing a slot that is already free succeeds.
func (c *Coordinator) Release(ctx context.Context, rec Record) error {
	if _, err := c.store.Delete(ctx, rec.Key()); err != nil {
		return fmt.Errorf("release lock %s: %w", rec.Key(), err)
	}
	return nil
}

// Held lists every record currently in the store.
func (c *Coordinator) Held(ctx context.Context) ([]Record, error) {
	recs, err := c.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list locks: %w", err)
	}
	return recs, nil
}
