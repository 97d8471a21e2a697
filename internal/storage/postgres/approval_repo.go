package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/jkaninda/fngate/internal/approval"
)

// ApprovalRepository implements approval.Store with GORM.
type ApprovalRepository struct {
	db *gorm.DB
}

// NewApprovalRepository creates an ApprovalRepository.
func NewApprovalRepository(db *gorm.DB) *ApprovalRepository {
	return &ApprovalRepository{db: db}
}

// Save inserts a new approval or updates an existing one. A resolved row
// can only be rewritten with its current status.
func (r *ApprovalRepository) Save(ctx context.Context, pa *approval.PendingApproval) error {
	err := r.save(ctx, pa)
	if isUniqueViolation(err) {
		// Lost an insert race for the same ID; the row exists now.
		return r.save(ctx, pa)
	}
	return err
}

func (r *ApprovalRepository) save(ctx context.Context, pa *approval.PendingApproval) error {
	model := toApprovalModel(pa)
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing ApprovalModel
		err := tx.First(&existing, "id = ?", pa.ID).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			if err := tx.Create(&model).Error; err != nil {
				return fmt.Errorf("creating approval: %w", err)
			}
			return nil
		case err != nil:
			return fmt.Errorf("loading approval: %w", err)
		}

		// Only one resolved status can ever stick, even under concurrent writers.
		res := tx.Model(&ApprovalModel{}).
			Where("id = ? AND (status = ? OR status = ?)", pa.ID, int16(approval.StatusPending), model.Status).
			Updates(map[string]any{
				"status":      model.Status,
				"resolved_by": model.ResolvedBy,
				"resolved_at": model.ResolvedAt,
			})
		if res.Error != nil {
			return fmt.Errorf("updating approval: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return approval.ErrAlreadyResolved
		}
		return nil
	})
}

// Get retrieves an approval by ID, marking it expired if past ExpiresAt.
func (r *ApprovalRepository) Get(ctx context.Context, id string) (*approval.PendingApproval, error) {
	var model ApprovalModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, approval.ErrNotFound
		}
		return nil, fmt.Errorf("getting approval: %w", err)
	}

	if model.Status == int16(approval.StatusPending) && time.Now().UTC().After(model.ExpiresAt) {
		r.db.WithContext(ctx).Model(&model).Update("status", int16(approval.StatusExpired))
		model.Status = int16(approval.StatusExpired)
	}

	return toApprovalDomain(&model), nil
}

// ListPending returns unexpired pending approvals, oldest first.
func (r *ApprovalRepository) ListPending(ctx context.Context) ([]*approval.PendingApproval, error) {
	var models []ApprovalModel
	if err := r.db.WithContext(ctx).
		Where("status = ? AND expires_at >= ?", int16(approval.StatusPending), time.Now().UTC()).
		Order("created_at ASC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing pending approvals: %w", err)
	}
	out := make([]*approval.PendingApproval, len(models))
	for i := range models {
		out[i] = toApprovalDomain(&models[i])
	}
	return out, nil
}

// ExpireOld bulk-updates status to expired for all pending rows past expires_at.
func (r *ApprovalRepository) ExpireOld(ctx context.Context) (int64, error) {
	res := r.db.WithContext(ctx).
		Model(&ApprovalModel{}).
		Where("status = ? AND expires_at < ?", int16(approval.StatusPending), time.Now().UTC()).
		Update("status", int16(approval.StatusExpired))
	return res.RowsAffected, res.Error
}

// DeleteResolved removes resolved/expired rows older than the given age.
func (r *ApprovalRepository) DeleteResolved(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res := r.db.WithContext(ctx).
		Where("status != ? AND created_at < ?", int16(approval.StatusPending), cutoff).
		Delete(&ApprovalModel{})
	return res.RowsAffected, res.Error
}
