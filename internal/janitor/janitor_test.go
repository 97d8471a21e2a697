package janitor

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jkaninda/fngate/internal/approval"
	"github.com/jkaninda/fngate/internal/ratelimit"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mkRunDir(t *testing.T, parent, name string, age time.Duration) string {
	t.Helper()
	dir := filepath.Join(parent, name)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "harness.py"), []byte("pass"), 0o600); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-age)
	if err := os.Chtimes(dir, old, old); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestSweep_RemovesOnlyStaleRunDirs(t *testing.T) {
	tmp := t.TempDir()
	stale := mkRunDir(t, tmp, "fngate-run-111", time.Hour)
	fresh := mkRunDir(t, tmp, "fngate-run-222", 0)
	other := mkRunDir(t, tmp, "unrelated", time.Hour)

	j := New(Config{TempDir: tmp, StaleAfter: 30 * time.Minute}, nil, nil, nil, testLogger())
	rep := j.Sweep(context.Background())

	if rep.RunDirsRemoved != 1 {
		t.Fatalf("removed = %d, want 1", rep.RunDirsRemoved)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("stale run dir should be removed")
	}
	for _, dir := range []string{fresh, other} {
		if _, err := os.Stat(dir); err != nil {
			t.Errorf("%s should be kept: %v", dir, err)
		}
	}
}

func TestSweep_KeepsRunDirsWithinLongestTimeout(t *testing.T) {
	tmp := t.TempDir()
	live := mkRunDir(t, tmp, "fngate-run-333", 45*time.Minute)
	stale := mkRunDir(t, tmp, "fngate-run-444", 2*time.Hour)

	j := New(Config{
		TempDir:       tmp,
		StaleAfter:    30 * time.Minute,
		MaxRunTimeout: func() time.Duration { return time.Hour },
	}, nil, nil, nil, testLogger())
	rep := j.Sweep(context.Background())

	if rep.RunDirsRemoved != 1 {
		t.Fatalf("removed = %d, want 1", rep.RunDirsRemoved)
	}
	if _, err := os.Stat(live); err != nil {
		t.Errorf("run dir of a call still within its timeout was removed: %v", err)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("stale run dir should be removed")
	}
}

func TestSweep_ExpiresApprovalsAndPrunesBuckets(t *testing.T) {
	ctx := context.Background()
	mgr := approval.NewManager(time.Millisecond, testLogger())
	if _, err := mgr.Create(ctx, "f", nil); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)

	limiter := ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: 10})
	_ = limiter.Allow("key")

	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	j := New(Config{TempDir: t.TempDir(), StaleAfter: -time.Second}, mgr, limiter, metrics, testLogger())

	rep := j.Sweep(ctx)
	if rep.ApprovalsExpired != 1 {
		t.Errorf("approvals expired = %d, want 1", rep.ApprovalsExpired)
	}
	if rep.BucketsPruned != 1 || limiter.Len() != 0 {
		t.Errorf("buckets pruned = %d, remaining %d", rep.BucketsPruned, limiter.Len())
	}
	if len(mgr.ListPending(ctx)) != 0 {
		t.Error("no approvals should remain pending")
	}
}

func TestStart_InvalidSchedule(t *testing.T) {
	j := New(Config{Schedule: "not a schedule"}, nil, nil, nil, testLogger())
	if _, err := j.Start(context.Background()); err == nil {
		t.Fatal("expected schedule parse error")
	}
}

func TestStart_Stop(t *testing.T) {
	j := New(Config{Schedule: "@every 1h", TempDir: t.TempDir()}, nil, nil, nil, testLogger())
	stop, err := j.Start(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	stop()
}

func TestNewMetrics_NilRegistry(t *testing.T) {
	if NewMetrics(nil) != nil {
		t.Error("expected nil metrics for nil registry")
	}
}
