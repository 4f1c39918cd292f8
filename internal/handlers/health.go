package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/huangang/jobfence/internal/lock"
	"github.com/huangang/jobfence/internal/models"
	"github.com/huangang/jobfence/internal/services"
	"gorm.io/gorm"
)

const healthCheckTimeout = 3 * time.Second

// HealthHandler reports whether the ledger database and the lock store answer.
type HealthHandler struct {
	db          *gorm.DB
	coord       *lock.Coordinator
	queue       services.TaskQueue
	appID       string
	lockBackend string
}

func NewHealthHandler(db *gorm.DB, coord *lock.Coordinator, queue services.TaskQueue, appID, lockBackend string) *HealthHandler {
	return &HealthHandler{db: db, coord: coord, queue: queue, appID: appID, lockBackend: lockBackend}
}

// CheckHealth returns 200 when every component is reachable, 503 otherwise.
func (h *HealthHandler) CheckHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	overall := "healthy"
	status := http.StatusOK

	dbStatus := "ok"
	if err := models.Ping(h.db); err != nil {
		dbStatus = "error: " + err.Error()
		overall = "unhealthy"
	}

	lockStatus := "ok"
	heldCount := 0
	if held, err := h.coord.Held(ctx); err != nil {
		lockStatus = "error: " + err.Error()
		overall = "unhealthy"
	} else {
		heldCount = len(held)
	}

	queueMode := "sync"
	if h.queue != nil && h.queue.IsAsync() {
		queueMode = "async (Redis)"
	}

	if overall != "healthy" {
		status = http.StatusServiceUnavailable
	}

	c.JSON(status, gin.H{
		"status":  overall,
		"service": "jobfence",
		"app_id":  h.appID,
		"components": gin.H{
			"database":     dbStatus,
			"lock_store":   lockStatus,
			"lock_backend": h.lockBackend,
			"locks_held":   heldCount,
			"queue_mode":   queueMode,
		},
	})
}
