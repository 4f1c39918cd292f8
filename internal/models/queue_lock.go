package models

import "time"

// QueueLock marks a (queue, job) slot as taken by some instance. The composite
// primary key makes a second insert for the same slot fail instead of overwrite.
// Rows are inserted and deleted, never updated. CreatedAt defaults to the
// insert time when left zero.
type QueueLock struct {
	QueueName string    `gorm:"primaryKey;size:100;not null" json:"queue_name"`
	JobName   string    `gorm:"primaryKey;size:100;not null" json:"job_name"`
	CreatedAt time.Time `gorm:"not null" json:"created_at"`
}

func (QueueLock) TableName() string { return "queue_locks" }
