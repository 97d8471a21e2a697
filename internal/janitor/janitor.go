// Package janitor periodically removes leftovers the request path cannot
// clean up itself: run directories orphaned by a crashed parent, expired
// approvals and idle rate-limit buckets.
package janitor

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jkaninda/fngate/internal/sandbox"
)

// ApprovalCleaner expires stale approvals. Satisfied by *approval.Manager.
type ApprovalCleaner interface {
	Cleanup(ctx context.Context) int
}

// Pruner drops idle per-key state. Satisfied by *ratelimit.Limiter.
type Pruner interface {
	Prune(idle time.Duration) int
}

// Config configures a Janitor.
type Config struct {
	Schedule   string        // Cron spec, e.g. "@every 5m".
	TempDir    string        // Parent of run directories. Default os.TempDir().
	StaleAfter time.Duration // Run directories older than this are removed.
	// MaxRunTimeout reports the longest timeout a live call may currently
	// run with. A run directory is never judged stale before that timeout
	// plus the kill grace has passed. Optional.
	MaxRunTimeout func() time.Duration
}

// Report summarizes one sweep.
type Report struct {
	RunDirsRemoved   int
	ApprovalsExpired int
	BucketsPruned    int
}

// Janitor runs Sweep on a cron schedule.
type Janitor struct {
	cfg       Config
	approvals ApprovalCleaner
	limiter   Pruner
	metrics   *Metrics
	logger    *slog.Logger

	mu   sync.Mutex // serializes sweeps
	cron *cron.Cron
}

// New creates a Janitor. approvals and limiter may be nil.
func New(cfg Config, approvals ApprovalCleaner, limiter Pruner, metrics *Metrics, logger *slog.Logger) *Janitor {
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 5m"
	}
	return &Janitor{
		cfg:       cfg,
		approvals: approvals,
		limiter:   limiter,
		metrics:   metrics,
		logger:    logger,
	}
}

// Start schedules the sweep and returns a stop function that waits for a
// running sweep to finish.
func (j *Janitor) Start(ctx context.Context) (func(), error) {
	c := cron.New()
	if _, err := c.AddFunc(j.cfg.Schedule, func() { j.Sweep(ctx) }); err != nil {
		return nil, err
	}
	j.cron = c
	c.Start()

	j.logger.InfoContext(ctx, "janitor started",
		slog.String("schedule", j.cfg.Schedule),
		slog.String("temp_dir", j.cfg.TempDir),
		slog.String("stale_after", j.cfg.StaleAfter.String()),
	)

	return func() {
		<-c.Stop().Done()
		j.logger.Info("janitor stopped")
	}, nil
}

// Sweep runs one cleanup pass.
func (j *Janitor) Sweep(ctx context.Context) Report {
	j.mu.Lock()
	defer j.mu.Unlock()

	start := time.Now()
	var rep Report
	rep.RunDirsRemoved = j.removeStaleRunDirs(ctx, start)
	if j.approvals != nil {
		rep.ApprovalsExpired = j.approvals.Cleanup(ctx)
	}
	if j.limiter != nil {
		rep.BucketsPruned = j.limiter.Prune(j.cfg.StaleAfter)
	}

	if j.metrics != nil {
		j.metrics.Sweeps.Inc()
		j.metrics.RunDirsRemoved.Add(float64(rep.RunDirsRemoved))
		j.metrics.ApprovalsExpired.Add(float64(rep.ApprovalsExpired))
		j.metrics.SweepDuration.Observe(time.Since(start).Seconds())
	}
	if rep != (Report{}) {
		j.logger.InfoContext(ctx, "janitor sweep",
			slog.Int("run_dirs_removed", rep.RunDirsRemoved),
			slog.Int("approvals_expired", rep.ApprovalsExpired),
			slog.Int("buckets_pruned", rep.BucketsPruned),
		)
	}
	return rep
}

func (j *Janitor) removeStaleRunDirs(ctx context.Context, now time.Time) int {
	matches, err := filepath.Glob(filepath.Join(j.cfg.TempDir, sandbox.RunDirPattern))
	if err != nil {
		j.logger.ErrorContext(ctx, "listing run directories", slog.String("error", err.Error()))
		return 0
	}

	cutoff := now.Add(-j.runDirStaleAfter())
	removed := 0
	for _, dir := range matches {
		info, err := os.Lstat(dir)
		if err != nil || !info.IsDir() || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			j.logger.WarnContext(ctx, "removing stale run directory",
				slog.String("dir", dir),
				slog.String("error", err.Error()),
			)
			continue
		}
		removed++
	}
	return removed
}

// runDirStaleAfter is StaleAfter raised to cover the longest live run.
func (j *Janitor) runDirStaleAfter() time.Duration {
	if j.cfg.MaxRunTimeout == nil {
		return j.cfg.StaleAfter
	}
	return max(j.cfg.StaleAfter, sandbox.MaxRunLifetime(j.cfg.MaxRunTimeout()))
}
