// Package lock implements the advisory (queue, job) lock that keeps a job from
// running on more than one instance at a time.
//
// A lock is a single record in a shared, strongly consistent store. Creating the
// record is the acquisition; deleting it is the release. There is no holder
// identity, no lease renewal and no fencing: a holder that dies leaves its
// record behind until another instance finds it older than the configured
// maximum age and reclaims it.
package lock

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrAlreadyExists is returned by Store.TryInsert when the slot is taken.
	ErrAlreadyExists = errors.New("lock already exists")
	// ErrContended is returned when the store could not decide the insert
	// because of a concurrent transaction (deadlock, serialization failure,
	// busy database). The caller does not know whether the slot is free.
	ErrContended = errors.New("lock store contended")
)

// Key identifies a job slot.
type Key struct {
	QueueName string `json:"queue_name"`
	JobName   string `json:"job_name"`
}

func (k Key) String() string {
	return k.QueueName + "/" + k.JobName
}

// Record is the persisted lock. It is never mutated after insert.
type Record struct {
	QueueName string    `json:"queue_name"`
	JobName   string    `json:"job_name"`
	CreatedAt time.Time `json:"created_at"`
}

func (r Record) Key() Key {
	return Key{QueueName: r.QueueName, JobName: r.JobName}
}

// Age returns how long the record has existed at now.
func (r Record) Age(now time.Time) time.Duration {
	return now.Sub(r.CreatedAt)
}

// Store is the shared persistence behind the lock. TryInsert must be atomic
// with respect to the (queue, job) key across every instance using the store.
type Store interface {
	// TryInsert creates the record, failing with ErrAlreadyExists if one is
	// present or ErrContended on a transient concurrency failure.
	TryInsert(ctx context.Context, rec Record) error
	// Get returns the current record or nil when the slot is free.
	Get(ctx context.Context, key Key) (*Record, error)
	// Delete removes the record and reports whether one existed.
	Delete(ctx context.Context, key Key) (bool, error)
	// List returns every record currently held.
	List(ctx context.Context) ([]Record, error)
}

// Clock is the time source used to stamp and age records.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock reads the wall clock in UTC.
var SystemClock Clock = systemClock{}
