package services

import (
	"context"
	"time"

	"github.com/huangang/jobfence/internal/lock"
	"github.com/huangang/jobfence/internal/metrics"
	"github.com/huangang/jobfence/pkg/logger"
)

// WorkResult describes how a BoundedWork call ended.
type WorkResult struct {
	// Iterations is the number of iterations that ran to completion.
	Iterations int
	// Cancelled is set when the work stopped early because ctx was done.
	Cancelled bool
}

// BoundedWork is the payload executed while a lock is held. It must watch ctx
// and return promptly with Cancelled set once ctx is done.
type BoundedWork interface {
	Do(ctx context.Context, slot lock.Key) (WorkResult, error)
}

// WorkFunc adapts a function to BoundedWork.
type WorkFunc func(ctx context.Context, slot lock.Key) (WorkResult, error)

func (f WorkFunc) Do(ctx context.Context, slot lock.Key) (WorkResult, error) {
	return f(ctx, slot)
}

// Heartbeat logs a counter once per interval for a fixed number of ticks.
type Heartbeat struct {
	AppID    string
	Ticks    int
	Interval time.Duration
	// OnTick, if set, is called after each logged tick with the 1-based tick number.
	OnTick func(slot lock.Key, tick int)
}

func NewHeartbeat(appID string, ticks int, interval time.Duration) *Heartbeat {
	return &Heartbeat{AppID: appID, Ticks: ticks, Interval: interval}
}

// Do checks ctx before every sleep, so cancellation is observed within one tick.
func (h *Heartbeat) Do(ctx context.Context, slot lock.Key) (WorkResult, error) {
	log := logger.Component("heartbeat").With().
		Str("queue", slot.QueueName).
		Str("job", slot.JobName).
		Logger()

	timer := time.NewTimer(h.Interval)
	defer timer.Stop()

	var result WorkResult
	for tick := 1; tick <= h.Ticks; tick++ {
		if ctx.Err() != nil {
			return h.cancelled(result, slot)
		}

		log.Info().Int("tick", tick).Msgf("instance %s on queue %s with job %s is counting: %d",
			h.AppID, slot.QueueName, slot.JobName, tick)
		metrics.HeartbeatTicks.WithLabelValues(slot.QueueName, slot.JobName).Inc()
		if h.OnTick != nil {
			h.OnTick(slot, tick)
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(h.Interval)

		select {
		case <-ctx.Done():
			result.Iterations = tick
			return h.cancelled(result, slot)
		case <-timer.C:
			result.Iterations = tick
		}
	}
	return result, nil
}

func (h *Heartbeat) cancelled(result WorkResult, slot lock.Key) (WorkResult, error) {
	result.Cancelled = true
	logger.Warn().
		Str("queue", slot.QueueName).
		Str("job", slot.JobName).
		Int("iterations", result.Iterations).
		Msg("heartbeat cancelled by shutdown")
	return result, nil
}
