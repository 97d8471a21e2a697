package postgres

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// PermissionModel maps to the "permissions" table.
type PermissionModel struct {
	FunctionName string `gorm:"primaryKey"`
	Level        string `gorm:"not null"`
	UpdatedAt    time.Time
}

func (PermissionModel) TableName() string { return "permissions" }

// TestResultModel maps to the "test_results" table.
// Only metadata is kept; captured output stays in memory.
type TestResultModel struct {
	ID              string `gorm:"primaryKey"`
	FunctionName    string `gorm:"not null;index"`
	CodeHash        string `gorm:"not null"`
	Arguments       JSONB  `gorm:"type:jsonb;not null;default:'{}'"`
	Success         bool   `gorm:"not null"`
	Kind            string
	Error           string  `gorm:"type:text"`
	DurationSeconds float64 `gorm:"not null;default:0"`
	Backend         string
	CreatedAt       time.Time `gorm:"index"`
}

func (TestResultModel) TableName() string { return "test_results" }

// ApprovalModel maps to the "approvals" table.
type ApprovalModel struct {
	ID           string `gorm:"primaryKey"`
	FunctionName string `gorm:"not null"`
	Arguments    JSONB  `gorm:"type:jsonb;not null;default:'{}'"`
	Status       int16  `gorm:"not null;default:0;index"`
	ResolvedBy   string
	CreatedAt    time.Time
	ExpiresAt    time.Time `gorm:"index"`
	ResolvedAt   *time.Time
}

func (ApprovalModel) TableName() string { return "approvals" }

// AuditEventModel maps to the "audit_events" table.
// No UpdatedAt or DeletedAt: the audit log is append-only.
type AuditEventModel struct {
	ID              string `gorm:"primaryKey"`
	ExecutionID     string `gorm:"index"`
	Action          string `gorm:"not null;index"`
	FunctionName    string `gorm:"not null;index"`
	Level           string
	CodeHash        string
	Arguments       JSONB  `gorm:"type:jsonb;not null;default:'{}'"`
	Outcome         string `gorm:"not null"`
	Kind            string
	Reason          string `gorm:"type:text"`
	Backend         string
	DurationSeconds float64
	CreatedAt       time.Time `gorm:"index"`
}

func (AuditEventModel) TableName() string { return "audit_events" }

// JSONB is raw JSON stored in a jsonb column (TEXT on SQLite).
type JSONB json.RawMessage

// Value implements driver.Valuer.
func (j JSONB) Value() (driver.Value, error) {
	if len(j) == 0 {
		return "{}", nil
	}
	return string(j), nil
}

// Scan implements sql.Scanner.
func (j *JSONB) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*j = nil
	case []byte:
		*j = append((*j)[:0], v...)
	case string:
		*j = JSONB(v)
	default:
		return fmt.Errorf("scanning JSONB: unsupported type %T", src)
	}
	return nil
}

// models lists every table in migration order.
func models() []any {
	return []any{
		&PermissionModel{},
		&TestResultModel{},
		&ApprovalModel{},
		&AuditEventModel{},
	}
}
