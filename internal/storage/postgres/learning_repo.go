package postgres

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jkaninda/kaliagents/internal/learning"
)

// LearningRepository implements learning.Persister and learning.Lister.
type LearningRepository struct {
	db *gorm.DB
}

// NewLearningRepository creates a LearningRepository.
func NewLearningRepository(db *gorm.DB) *LearningRepository {
	return &LearningRepository{db: db}
}

func (r *LearningRepository) Load(ctx context.Context, key learning.Key) (learning.Record, bool, error) {
	var model LearningRecordModel
	err := r.db.WithContext(ctx).
		Where("domain = ? AND tool_id = ? AND target_state = ?", key.Domain, key.ToolID, key.TargetState).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return learning.Record{}, false, nil
	}
	if err != nil {
		return learning.Record{}, false, fmt.Errorf("loading learning record %s: %w", key, err)
	}
	return toLearningDomain(&model), true, nil
}

func (r *LearningRepository) Save(ctx context.Context, key learning.Key, rec learning.Record) error {
	model := toLearningModel(key, rec)
	if err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "domain"}, {Name: "tool_id"}, {Name: "target_state"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"invocations", "successes", "failures", "effectiveness", "updated_at",
			}),
		}).
		Create(&model).Error; err != nil {
		return fmt.Errorf("saving learning record %s: %w", key, err)
	}
	return nil
}

func (r *LearningRepository) List(ctx context.Context) ([]learning.Record, error) {
	var models []LearningRecordModel
	if err := r.db.WithContext(ctx).
		Order("domain ASC, tool_id ASC, target_state ASC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing learning records: %w", err)
	}
	out := make([]learning.Record, 0, len(models))
	for i := range models {
		out = append(out, toLearningDomain(&models[i]))
	}
	return out, nil
}
