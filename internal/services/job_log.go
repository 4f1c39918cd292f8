package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/huangang/jobfence/internal/models"
	"gorm.io/gorm"
)

var (
	ErrJobLogNotFound    = errors.New("job log not found")
	ErrJobLogFinalized   = errors.New("job log already has a terminal status")
	ErrNonTerminalStatus = errors.New("status update must be terminal")
)

// RunLedger records one entry per job run attempt.
type RunLedger interface {
	Create(ctx context.Context, entry *models.JobLog) (uint, error)
	UpdateStatus(ctx context.Context, id uint, status models.JobLogStatus, remark string) error
}

// JobLogService is the gorm-backed RunLedger, also serving the read API.
type JobLogService struct {
	db *gorm.DB
}

func NewJobLogService(db *gorm.DB) *JobLogService {
	return &JobLogService{db: db}
}

// Create inserts entry as Started and returns its id.
func (s *JobLogService) Create(ctx context.Context, entry *models.JobLog) (uint, error) {
	entry.ID = 0
	entry.Status = models.JobLogStarted
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return 0, fmt.Errorf("create job log: %w", err)
	}
	return entry.ID, nil
}

// UpdateStatus moves a Started entry to a terminal status. An entry is updated
// at most once.
func (s *JobLogService) UpdateStatus(ctx context.Context, id uint, status models.JobLogStatus, remark string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrNonTerminalStatus, status)
	}

	result := s.db.WithContext(ctx).
		Model(&models.JobLog{}).
		Where("id = ? AND status = ?", id, models.JobLogStarted).
		Updates(map[string]interface{}{
			"status": status,
			"remark": remark,
		})
	if result.Error != nil {
		return fmt.Errorf("update job log %d: %w", id, result.Error)
	}
	if result.RowsAffected > 0 {
		return nil
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&models.JobLog{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return fmt.Errorf("update job log %d: %w", id, err)
	}
	if count == 0 {
		return fmt.Errorf("%w: %d", ErrJobLogNotFound, id)
	}
	return fmt.Errorf("%w: %d", ErrJobLogFinalized, id)
}

type JobLogListRequest struct {
	Page      int    `form:"page" binding:"omitempty,min=1"`
	PageSize  int    `form:"page_size" binding:"omitempty,min=1,max=100"`
	Status    string `form:"status"`
	JobName   string `form:"job_name"`
	QueueName string `form:"queue_name"`
	AppID     string `form:"app_id"`
	StartDate string `form:"start_date"`
	EndDate   string `form:"end_date"`
}

type JobLogListResponse struct {
	Total    int64           `json:"total"`
	Page     int             `json:"page"`
	PageSize int             `json:"page_size"`
	Items    []models.JobLog `json:"items"`
}

func (s *JobLogService) List(ctx context.Context, req *JobLogListRequest) (*JobLogListResponse, error) {
	if req.Page == 0 {
		req.Page = 1
	}
	if req.PageSize == 0 {
		req.PageSize = 20
	}

	var logs []models.JobLog
	var total int64

	query := s.db.WithContext(ctx).Model(&models.JobLog{})

	if req.Status != "" {
		query = query.Where("status = ?", req.Status)
	}
	if req.JobName != "" {
		query = query.Where("job_name = ?", req.JobName)
	}
	if req.QueueName != "" {
		query = query.Where("queue_name = ?", req.QueueName)
	}
	if req.AppID != "" {
		query = query.Where("app_id = ?", req.AppID)
	}
	if req.StartDate != "" {
		query = query.Where("created_at >= ?", req.StartDate)
	}
	if req.EndDate != "" {
		query = query.Where("created_at <= ?", req.EndDate+" 23:59:59")
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, err
	}

	offset := (req.Page - 1) * req.PageSize
	if err := query.Offset(offset).Limit(req.PageSize).Order("id DESC").Find(&logs).Error; err != nil {
		return nil, err
	}

	return &JobLogListResponse{
		Total:    total,
		Page:     req.Page,
		PageSize: req.PageSize,
		Items:    logs,
	}, nil
}

func (s *JobLogService) GetByID(ctx context.Context, id uint) (*models.JobLog, error) {
	var entry models.JobLog
	err := s.db.WithContext(ctx).First(&entry, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrJobLogNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}
