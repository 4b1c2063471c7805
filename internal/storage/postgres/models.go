package postgres

import (
	"time"
)

// JobModel maps to the "jobs" table.
type JobModel struct {
	ID            string   `gorm:"primaryKey;size:64"`
	Command       string   `gorm:"not null;index"`
	Argv          []string `gorm:"serializer:json;type:text"`
	Status        string   `gorm:"not null;index"`
	ExitCode      int
	FailureReason string
	Error         string
	ElapsedMS     int64
	Backend       string
	CreatedAt     time.Time `gorm:"index"`
	UpdatedAt     time.Time
	FinishedAt    *time.Time
}

func (JobModel) TableName() string { return "jobs" }
