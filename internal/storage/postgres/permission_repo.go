package postgres

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jkaninda/fngate/internal/permission"
)

// PermissionRepository implements permission.Store with GORM.
type PermissionRepository struct {
	db *gorm.DB
}

// NewPermissionRepository creates a PermissionRepository.
func NewPermissionRepository(db *gorm.DB) *PermissionRepository {
	return &PermissionRepository{db: db}
}

// LoadPermissions returns every stored entry. Rows with an unknown level
// are skipped rather than failing the whole load.
func (r *PermissionRepository) LoadPermissions(ctx context.Context) (map[string]permission.Level, error) {
	var models []PermissionModel
	if err := r.db.WithContext(ctx).Find(&models).Error; err != nil {
		return nil, fmt.Errorf("loading permissions: %w", err)
	}
	out := make(map[string]permission.Level, len(models))
	for _, m := range models {
		level, err := permission.ParseLevelStrict(m.Level)
		if err != nil {
			continue
		}
		out[m.FunctionName] = level
	}
	return out, nil
}

// SavePermission upserts the level for function.
func (r *PermissionRepository) SavePermission(ctx context.Context, function string, level permission.Level) error {
	model := PermissionModel{FunctionName: function, Level: level.String(), UpdatedAt: time.Now().UTC()}
	if err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "function_name"}},
		DoUpdates: clause.AssignmentColumns([]string{"level", "updated_at"}),
	}).Create(&model).Error; err != nil {
		return fmt.Errorf("saving permission: %w", err)
	}
	return nil
}

// DeletePermission removes the entry for function, if any.
func (r *PermissionRepository) DeletePermission(ctx context.Context, function string) error {
	if err := r.db.WithContext(ctx).Delete(&PermissionModel{}, "function_name = ?", function).Error; err != nil {
		return fmt.Errorf("deleting permission: %w", err)
	}
	return nil
}
