package handlers

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/huangang/jobfence/internal/services"
	"github.com/huangang/jobfence/pkg/response"
)

type QueueEnqueuer interface {
	EnqueueNow(source string) (*services.HeartbeatTask, error)
}

type CronTriggerer interface {
	TriggerNow() error
}

// EnqueueHandler starts heartbeat runs outside their schedules. Either
// trigger may be nil when disabled in config.
type EnqueueHandler struct {
	queue QueueEnqueuer
	cron  CronTriggerer
	cronQ string
	cronJ string
}

func NewEnqueueHandler(queue QueueEnqueuer, cron CronTriggerer, cronQueue, cronJob string) *EnqueueHandler {
	return &EnqueueHandler{queue: queue, cron: cron, cronQ: cronQueue, cronJ: cronJob}
}

// QueueHeartbeat pushes one task onto the heartbeat queue.
func (h *EnqueueHandler) QueueHeartbeat(c *gin.Context) {
	if h.queue == nil {
		response.Error(c, response.NewUnavailable("queue trigger is disabled"))
		return
	}

	task, err := h.queue.EnqueueNow("api")
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Accepted(c, task)
}

// CronHeartbeat runs the cron-triggered job now. A run already in progress on
// this instance yields 409.
func (h *EnqueueHandler) CronHeartbeat(c *gin.Context) {
	if h.cron == nil {
		response.Error(c, response.NewUnavailable("cron trigger is disabled"))
		return
	}

	if err := h.cron.TriggerNow(); err != nil {
		if errors.Is(err, services.ErrTriggerBusy) {
			response.Error(c, response.NewConflict(err.Error(), gin.H{"queue_name": h.cronQ, "job_name": h.cronJ}))
			return
		}
		if errors.Is(err, services.ErrTriggerStopped) {
			response.Error(c, response.NewUnavailable("server is shutting down"))
			return
		}
		response.Error(c, err)
		return
	}
	response.Accepted(c, gin.H{"queue_name": h.cronQ, "job_name": h.cronJ, "source": "api"})
}
