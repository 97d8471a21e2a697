package postgres

import (
	"context"
	"sync"

	"gorm.io/gorm"

	"github.com/jkaninda/fngate/internal/approval"
	"github.com/jkaninda/fngate/internal/audit"
	"github.com/jkaninda/fngate/internal/permission"
	"github.com/jkaninda/fngate/internal/simulation"
	"github.com/jkaninda/fngate/internal/storage"
)

// Repositories lazily builds the GORM repositories over one *gorm.DB.
// It is shared by the PostgreSQL and SQLite stores.
type Repositories struct {
	db *gorm.DB

	mu          sync.Mutex
	permissions *PermissionRepository
	testResults *TestResultRepository
	audit       *AuditRepository
	approvals   *ApprovalRepository
}

// NewRepositories wraps db.
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{db: db}
}

func (r *Repositories) Permissions() permission.Store {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.permissions == nil {
		r.permissions = NewPermissionRepository(r.db)
	}
	return r.permissions
}

func (r *Repositories) TestResults() simulation.ResultStore {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.testResults == nil {
		r.testResults = NewTestResultRepository(r.db)
	}
	return r.testResults
}

func (r *Repositories) Audit() audit.Store {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.audit == nil {
		r.audit = NewAuditRepository(r.db)
	}
	return r.audit
}

func (r *Repositories) Approvals() approval.Store {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.approvals == nil {
		r.approvals = NewApprovalRepository(r.db)
	}
	return r.approvals
}

// Migrate creates or updates every table on db.
func Migrate(ctx context.Context, db *gorm.DB) error {
	return autoMigrate(db.WithContext(ctx))
}

// Store implements storage.Store backed by PostgreSQL.
type Store struct {
	*Repositories
	pgDB *DB
}

// NewStore wraps an existing DB as a Store.
func NewStore(pgDB *DB) *Store {
	return &Store{
		Repositories: NewRepositories(pgDB.GormDB()),
		pgDB:         pgDB,
	}
}

// Migrate is a no-op: Open already ran AutoMigrate.
func (s *Store) Migrate(_ context.Context) error { return nil }

func (s *Store) Ping(ctx context.Context) error { return s.pgDB.Ping(ctx) }

func (s *Store) Close() error { return s.pgDB.Close() }

// Driver returns "postgres".
func (s *Store) Driver() string { return storage.DriverPostgres }

var (
	_ storage.Store          = (*Store)(nil)
	_ permission.Store       = (*PermissionRepository)(nil)
	_ simulation.ResultStore = (*TestResultRepository)(nil)
	_ audit.Store            = (*AuditRepository)(nil)
	_ approval.Store         = (*ApprovalRepository)(nil)
)
