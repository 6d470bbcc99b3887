// Package storage defines the Store interface that abstracts persistence of
// learning records and assessment reports. Two backends are provided:
// SQLite (default, zero-config) and PostgreSQL.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/kaliagents/internal/domain"
	"github.com/jkaninda/kaliagents/internal/learning"
)

// ErrNotFound is returned when a requested report does not exist.
var ErrNotFound = errors.New("not found")

// Store is the persistence interface for kaliagents. Both backends
// implement it.
type Store interface {
	// Learning records. Save upserts by key.
	learning.Persister
	learning.Lister

	// Reports are keyed by assessment id; saving again replaces the report.
	SaveReport(ctx context.Context, fs *domain.FindingSet) error
	GetReport(ctx context.Context, id uuid.UUID) (*domain.FindingSet, error)
	// History returns the reports that covered target, newest first.
	History(ctx context.Context, target string, limit int) ([]ReportSummary, error)
	// Prune deletes reports finished before cutoff.
	Prune(ctx context.Context, cutoff time.Time) (int64, error)

	// Lifecycle.
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}

// ReportSummary is a history entry.
type ReportSummary struct {
	AssessmentID uuid.UUID            `json:"assessment_id"`
	Status       domain.SessionStatus `json:"status"`
	AbortReason  string               `json:"abort_reason,omitempty"`
	Scope        []string             `json:"scope"`
	Objectives   []string             `json:"objectives"`
	Findings     int                  `json:"findings"`
	MaxPriority  float64              `json:"max_priority"`
	StartedAt    time.Time            `json:"started_at"`
	FinishedAt   time.Time            `json:"finished_at"`
}

// DefaultHistoryLimit caps History when limit <= 0.
const DefaultHistoryLimit = 50

// DriverSQLite is the SQLite driver name.
const DriverSQLite = "sqlite"

// DriverPostgres is the PostgreSQL driver name.
const DriverPostgres = "postgres"
