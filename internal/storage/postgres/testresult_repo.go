package postgres

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/jkaninda/fngate/internal/simulation"
)

const defaultHistoryLimit = 50

// TestResultRepository implements simulation.ResultStore with GORM.
type TestResultRepository struct {
	db *gorm.DB
}

// NewTestResultRepository creates a TestResultRepository.
func NewTestResultRepository(db *gorm.DB) *TestResultRepository {
	return &TestResultRepository{db: db}
}

// Append inserts one test run record.
func (r *TestResultRepository) Append(ctx context.Context, rec simulation.Record) error {
	model := toTestResultModel(rec)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("appending test result: %w", err)
	}
	return nil
}

// List returns records for function (all functions if empty), newest first.
func (r *TestResultRepository) List(ctx context.Context, function string, limit int) ([]simulation.Record, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	q := r.db.WithContext(ctx).Order("created_at DESC").Limit(limit)
	if function != "" {
		q = q.Where("function_name = ?", function)
	}
	var models []TestResultModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing test results: %w", err)
	}
	out := make([]simulation.Record, len(models))
	for i := range models {
		out[i] = toTestResultDomain(&models[i])
	}
	return out, nil
}
