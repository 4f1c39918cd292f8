package models

import "time"

// JobLogStatus is the lifecycle state of a single job run attempt.
type JobLogStatus string

const (
	JobLogStarted   JobLogStatus = "Started"
	JobLogCompleted JobLogStatus = "Completed"
	JobLogExited    JobLogStatus = "Exited"
)

// IsTerminal reports whether no further transition is allowed.
func (s JobLogStatus) IsTerminal() bool {
	return s == JobLogCompleted || s == JobLogExited
}

// JobLog is the audit entry for one run attempt. It is created as Started before
// lock acquisition and updated exactly once to a terminal status.
type JobLog struct {
	ID        uint         `gorm:"primaryKey" json:"id"`
	AppID     string       `gorm:"size:64;index;not null" json:"app_id"`
	QueueName string       `gorm:"size:100;index" json:"queue_name"`
	JobName   string       `gorm:"size:100;index;not null" json:"job_name"`
	Status    JobLogStatus `gorm:"size:20;index;not null;default:Started" json:"status"`
	Remark    string       `gorm:"type:text" json:"remark"`
	CreatedAt time.Time    `gorm:"index" json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

func (JobLog) TableName() string { return "job_logs" }
