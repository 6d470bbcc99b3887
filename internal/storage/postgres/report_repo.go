package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jkaninda/kaliagents/internal/domain"
	"github.com/jkaninda/kaliagents/internal/storage"
)

// ReportRepository stores finished assessment reports.
type ReportRepository struct {
	db *gorm.DB
}

// NewReportRepository creates a ReportRepository.
func NewReportRepository(db *gorm.DB) *ReportRepository {
	return &ReportRepository{db: db}
}

// SaveReport upserts the report and replaces its target index.
func (r *ReportRepository) SaveReport(ctx context.Context, fs *domain.FindingSet) error {
	model, err := toReportModel(fs)
	if err != nil {
		return err
	}
	targets := reportTargets(fs)
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"status", "abort_reason", "scope", "objectives", "findings",
				"max_priority", "payload", "started_at", "finished_at",
			}),
		}).Create(&model).Error; err != nil {
			return fmt.Errorf("saving report %s: %w", fs.AssessmentID, err)
		}
		if err := tx.Where("report_id = ?", fs.AssessmentID).Delete(&ReportTargetModel{}).Error; err != nil {
			return fmt.Errorf("clearing report targets: %w", err)
		}
		if len(targets) == 0 {
			return nil
		}
		if err := tx.Create(&targets).Error; err != nil {
			return fmt.Errorf("indexing report targets: %w", err)
		}
		return nil
	})
}

func (r *ReportRepository) GetReport(ctx context.Context, id uuid.UUID) (*domain.FindingSet, error) {
	var model ReportModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("report %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting report %s: %w", id, err)
	}
	return toReportDomain(&model)
}

// History returns summaries of the reports that covered target, newest
// first. An empty target lists every report.
func (r *ReportRepository) History(ctx context.Context, target string, limit int) ([]storage.ReportSummary, error) {
	if limit <= 0 {
		limit = storage.DefaultHistoryLimit
	}
	q := r.db.WithContext(ctx).
		Omit("payload").
		Order("finished_at DESC").
		Limit(limit)
	if target != "" {
		q = q.Where("id IN (?)", r.db.Model(&ReportTargetModel{}).Select("report_id").Where("target = ?", target))
	}
	var models []ReportModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing history for %q: %w", target, err)
	}
	out := make([]storage.ReportSummary, 0, len(models))
	for i := range models {
		out = append(out, toReportSummary(&models[i]))
	}
	return out, nil
}

// Prune deletes reports that finished before cutoff and returns how many
// were removed.
func (r *ReportRepository) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	var removed int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		old := tx.Model(&ReportModel{}).Select("id").Where("finished_at < ?", cutoff)
		if err := tx.Where("report_id IN (?)", old).Delete(&ReportTargetModel{}).Error; err != nil {
			return err
		}
		res := tx.Where("finished_at < ?", cutoff).Delete(&ReportModel{})
		removed = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return 0, fmt.Errorf("pruning reports: %w", err)
	}
	return removed, nil
}
