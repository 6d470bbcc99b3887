package postgres

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JSONB is a json.RawMessage stored in a JSONB column.
type JSONB json.RawMessage

// LearningRecordModel maps to the "learning_records" table. One row per
// (domain, tool, target state).
type LearningRecordModel struct {
	Domain        string  `gorm:"primaryKey"`
	ToolID        string  `gorm:"primaryKey"`
	TargetState   string  `gorm:"primaryKey"`
	Invocations   int     `gorm:"not null;default:0"`
	Successes     int     `gorm:"not null;default:0"`
	Failures      int     `gorm:"not null;default:0"`
	Effectiveness float64 `gorm:"not null"`
	UpdatedAt     time.Time
}

func (LearningRecordModel) TableName() string { return "learning_records" }

// ReportModel maps to the "assessment_reports" table. Payload holds the
// complete FindingSet; the other columns are for listing.
type ReportModel struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	Status      string    `gorm:"not null;index"`
	AbortReason string
	Scope       JSONB   `gorm:"type:jsonb;not null;default:'[]'"`
	Objectives  JSONB   `gorm:"type:jsonb;not null;default:'[]'"`
	Findings    int     `gorm:"not null;default:0"`
	MaxPriority float64 `gorm:"not null;default:0"`
	Payload     JSONB   `gorm:"type:jsonb;not null"`
	StartedAt   time.Time
	FinishedAt  time.Time `gorm:"index"`
	CreatedAt   time.Time
}

func (ReportModel) TableName() string { return "assessment_reports" }

// ReportTargetModel maps to the "assessment_report_targets" table, indexing
// reports by every target they covered.
type ReportTargetModel struct {
	ReportID uuid.UUID `gorm:"type:uuid;primaryKey"`
	Target   string    `gorm:"primaryKey;index"`
}

func (ReportTargetModel) TableName() string { return "assessment_report_targets" }

// Models lists every model in migration order.
func Models() []any {
	return []any{
		&LearningRecordModel{},
		&ReportModel{},
		&ReportTargetModel{},
	}
}
