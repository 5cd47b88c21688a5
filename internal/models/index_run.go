package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// IndexRunStatus is the outcome of an index build.
type IndexRunStatus string

const (
	IndexRunRunning   IndexRunStatus = "running"
	IndexRunSucceeded IndexRunStatus = "succeeded"
	IndexRunFailed    IndexRunStatus = "failed"
)

// IndexRun records one index build for a base scope
type IndexRun struct {
	ID           uuid.UUID      `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	Base         string         `gorm:"type:varchar(500);not null;index" json:"base"`
	Source       string         `gorm:"type:text" json:"source"`
	Status       IndexRunStatus `gorm:"type:varchar(20);not null;index" json:"status"`
	FilesSeen    int            `json:"files_seen"`
	Indexed      int            `json:"indexed"`
	Skipped      int            `json:"skipped"`
	Patients     int            `json:"patients"`
	ErrorMessage string         `gorm:"type:text" json:"error_message,omitempty"`
	Duration     int64          `json:"duration_ms"` // milliseconds
	CreatedAt    time.Time      `gorm:"index" json:"created_at"`
	FinishedAt   *time.Time     `json:"finished_at,omitempty"`
}

// TableName overrides the table name
func (IndexRun) TableName() string {
	return "index_runs"
}

// BeforeCreate hook
func (r *IndexRun) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}
