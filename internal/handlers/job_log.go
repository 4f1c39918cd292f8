package handlers

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/huangang/jobfence/internal/services"
	"github.com/huangang/jobfence/pkg/response"
)

type JobLogHandler struct {
	jobLogService *services.JobLogService
}

func NewJobLogHandler(jobLogService *services.JobLogService) *JobLogHandler {
	return &JobLogHandler{jobLogService: jobLogService}
}

func (h *JobLogHandler) List(c *gin.Context) {
	var req services.JobLogListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	resp, err := h.jobLogService.List(c.Request.Context(), &req)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, resp)
}

func (h *JobLogHandler) GetByID(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		response.BadRequest(c, "invalid id")
		return
	}

	entry, err := h.jobLogService.GetByID(c.Request.Context(), uint(id))
	if errors.Is(err, services.ErrJobLogNotFound) {
		response.NotFound(c, err.Error())
		return
	}
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, entry)
}
