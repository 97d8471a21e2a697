package postgres

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/jkaninda/fngate/internal/audit"
)

// AuditRepository implements audit.Store with GORM.
// Append-only: no Update or Delete methods exist on this type.
type AuditRepository struct {
	db *gorm.DB
}

// NewAuditRepository creates an AuditRepository.
func NewAuditRepository(db *gorm.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Append inserts a single audit event.
func (r *AuditRepository) Append(ctx context.Context, event audit.Event) error {
	model := toAuditModel(event)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("appending audit event: %w", err)
	}
	return nil
}

// Query returns matching audit events, newest first.
func (r *AuditRepository) Query(ctx context.Context, f audit.Filter) ([]audit.Event, error) {
	q := r.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(f.EffectiveLimit())

	if f.Function != "" {
		q = q.Where("function_name = ?", f.Function)
	}
	if f.Action != "" {
		q = q.Where("action = ?", f.Action)
	}
	if !f.Since.IsZero() {
		q = q.Where("created_at >= ?", f.Since.UTC())
	}

	var models []AuditEventModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("querying audit events: %w", err)
	}

	events := make([]audit.Event, len(models))
	for i := range models {
		events[i] = toAuditDomain(&models[i])
	}
	return events, nil
}
