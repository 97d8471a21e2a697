//go:build integration

package postgres

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/fngate/internal/approval"
	"github.com/jkaninda/fngate/internal/audit"
	"github.com/jkaninda/fngate/internal/permission"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set, skipping integration test")
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	db, err := Open(Config{DSN: dsn}, logger)
	if err != nil {
		t.Fatalf("opening postgres: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestPermissions_Upsert(t *testing.T) {
	db := testDB(t)
	repo := NewPermissionRepository(db.GormDB())
	ctx := context.Background()
	name := "fn_" + uuid.NewString()[:8]
	t.Cleanup(func() { repo.DeletePermission(ctx, name) })

	if err := repo.SavePermission(ctx, name, permission.ReadOnly); err != nil {
		t.Fatal(err)
	}
	if err := repo.SavePermission(ctx, name, permission.Full); err != nil {
		t.Fatal(err)
	}
	got, err := repo.LoadPermissions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got[name] != permission.Full {
		t.Errorf("level = %v", got[name])
	}
}

// Concurrent approve and deny of one approval: only one status sticks.
func TestApproval_ConcurrentResolve(t *testing.T) {
	db := testDB(t)
	repo := NewApprovalRepository(db.GormDB())
	ctx := context.Background()
	now := time.Now().UTC()

	pa := &approval.PendingApproval{
		ID: uuid.NewString(), Function: "wipe", Status: approval.StatusPending,
		CreatedAt: now, ExpiresAt: now.Add(time.Minute),
	}
	if err := repo.Save(ctx, pa); err != nil {
		t.Fatal(err)
	}

	var approved, denied atomic.Int32
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := *pa
			c.Status = approval.StatusApproved
			if i%2 == 1 {
				c.Status = approval.StatusDenied
			}
			c.ResolvedAt = time.Now().UTC()
			if err := repo.Save(ctx, &c); err != nil {
				if !errors.Is(err, approval.ErrAlreadyResolved) {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if c.Status == approval.StatusApproved {
				approved.Add(1)
			} else {
				denied.Add(1)
			}
		}(i)
	}
	wg.Wait()

	got, err := repo.Get(ctx, pa.ID)
	if err != nil {
		t.Fatal(err)
	}
	if (approved.Load() > 0) == (denied.Load() > 0) {
		t.Fatalf("approved=%d denied=%d, want exactly one status to win", approved.Load(), denied.Load())
	}
	want := approval.StatusApproved
	if denied.Load() > 0 {
		want = approval.StatusDenied
	}
	if got.Status != want {
		t.Errorf("status = %v, want %v", got.Status, want)
	}
}

func TestAudit_AppendQuery(t *testing.T) {
	db := testDB(t)
	repo := NewAuditRepository(db.GormDB())
	ctx := context.Background()
	fn := "fn_" + uuid.NewString()[:8]

	for _, action := range []string{audit.ActionAuthorize, audit.ActionExecute} {
		if err := repo.Append(ctx, audit.Event{Action: action, Function: fn, Outcome: audit.OutcomeAllowed}); err != nil {
			t.Fatal(err)
		}
	}
	got, err := repo.Query(ctx, audit.Filter{Function: fn})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Errorf("got %d events", len(got))
	}
}
