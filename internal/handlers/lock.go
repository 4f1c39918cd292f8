package handlers

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/huangang/jobfence/internal/lock"
	"github.com/huangang/jobfence/internal/middleware"
	"github.com/huangang/jobfence/pkg/logger"
	"github.com/huangang/jobfence/pkg/response"
)

// LockView is a held lock as shown to operators.
type LockView struct {
	QueueName  string    `json:"queue_name"`
	JobName    string    `json:"job_name"`
	CreatedAt  time.Time `json:"created_at"`
	AgeSeconds int64     `json:"age_seconds"`
	Stale      bool      `json:"stale"`
}

type LockHandler struct {
	coord *lock.Coordinator
}

func NewLockHandler(coord *lock.Coordinator) *LockHandler {
	return &LockHandler{coord: coord}
}

func (h *LockHandler) view(rec lock.Record, now time.Time) LockView {
	return LockView{
		QueueName:  rec.QueueName,
		JobName:    rec.JobName,
		CreatedAt:  rec.CreatedAt,
		AgeSeconds: int64(rec.Age(now) / time.Second),
		Stale:      h.coord.IsStale(rec, now),
	}
}

func (h *LockHandler) List(c *gin.Context) {
	held, err := h.coord.Held(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}

	now := h.coord.Now()
	items := make([]LockView, 0, len(held))
	for _, rec := range held {
		items = append(items, h.view(rec, now))
	}

	response.Success(c, gin.H{
		"items":           items,
		"max_age_seconds": int64(h.coord.MaxAge() / time.Second),
	})
}

// Reclaim frees a stale slot so the next trigger can take it. Fresh locks are
// refused with 409; their holder releases them.
func (h *LockHandler) Reclaim(c *gin.Context) {
	queue, job := c.Param("queue"), c.Param("job")

	rec, err := h.coord.Inspect(c.Request.Context(), queue, job)
	if err != nil {
		response.Error(c, err)
		return
	}
	if rec == nil {
		response.NotFound(c, fmt.Sprintf("no lock held for %s/%s", queue, job))
		return
	}

	now := h.coord.Now()
	if !h.coord.IsStale(*rec, now) {
		response.Error(c, response.NewConflict(
			fmt.Sprintf("lock %s is still fresh", rec.Key()),
			h.view(*rec, now),
		))
		return
	}

	if err := h.coord.Reclaim(c.Request.Context(), *rec); err != nil {
		response.Error(c, err)
		return
	}

	logger.Warn().
		Str("queue", queue).
		Str("job", job).
		Time("created_at", rec.CreatedAt).
		Str("subject", middleware.GetSubject(c)).
		Msg("[LockHandler] Stale lock reclaimed by operator")

	response.Success(c, h.view(*rec, now))
}
