package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/huangang/jobfence/internal/models"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
	"gorm.io/gorm"
)

// GormStore keeps lock records in the queue_locks table. The composite primary
// key on (queue_name, job_name) is what makes TryInsert atomic.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) TryInsert(ctx context.Context, rec Record) error {
	row := models.QueueLock{
		QueueName: rec.QueueName,
		JobName:   rec.JobName,
		CreatedAt: rec.CreatedAt,
	}
	return classifyGormError(s.db.WithContext(ctx).Create(&row).Error)
}

func (s *GormStore) Get(ctx context.Context, key Key) (*Record, error) {
	var row models.QueueLock
	err := s.db.WithContext(ctx).
		Where("queue_name = ? AND job_name = ?", key.QueueName, key.JobName).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, classifyGormError(err)
	}
	return &Record{QueueName: row.QueueName, JobName: row.JobName, CreatedAt: row.CreatedAt.UTC()}, nil
}

func (s *GormStore) Delete(ctx context.Context, key Key) (bool, error) {
	result := s.db.WithContext(ctx).
		Where("queue_name = ? AND job_name = ?", key.QueueName, key.JobName).
		Delete(&models.QueueLock{})
	if result.Error != nil {
		return false, classifyGormError(result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (s *GormStore) List(ctx context.Context) ([]Record, error) {
	var rows []models.QueueLock
	if err := s.db.WithContext(ctx).Order("created_at ASC").Find(&rows).Error; err != nil {
		return nil, classifyGormError(err)
	}

	recs := make([]Record, 0, len(rows))
	for _, row := range rows {
		recs = append(recs, Record{QueueName: row.QueueName, JobName: row.JobName, CreatedAt: row.CreatedAt.UTC()})
	}
	return recs, nil
}

// classifyGormError maps driver errors onto ErrAlreadyExists and ErrContended,
// keeping the original error in the chain.
func classifyGormError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: %w", ErrAlreadyExists, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("%w: %w", ErrAlreadyExists, err)
		case "40001", "40P01", "55P03":
			return fmt.Errorf("%w: %w", ErrContended, err)
		}
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case 1062:
			return fmt.Errorf("%w: %w", ErrAlreadyExists, err)
		case 1205, 1213:
			return fmt.Errorf("%w: %w", ErrContended, err)
		}
	}

	var sqErr sqlite3.Error
	if errors.As(err, &sqErr) {
		switch {
		case sqErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey, sqErr.ExtendedCode == sqlite3.ErrConstraintUnique:
			return fmt.Errorf("%w: %w", ErrAlreadyExists, err)
		case sqErr.Code == sqlite3.ErrBusy, sqErr.Code == sqlite3.ErrLocked:
			return fmt.Errorf("%w: %w", ErrContended, err)
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unique constraint failed"), strings.Contains(msg, "duplicate key"), strings.Contains(msg, "duplicate entry"):
		return fmt.Errorf("%w: %w", ErrAlreadyExists, err)
	case strings.Contains(msg, "database is locked"), strings.Contains(msg, "deadlock"):
		return fmt.Errorf("%w: %w", ErrContended, err)
	}
	return err
}
