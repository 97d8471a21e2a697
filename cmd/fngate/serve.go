package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/fngate/internal/approval"
	"github.com/jkaninda/fngate/internal/config"
	"github.com/jkaninda/fngate/internal/gateway"
	"github.com/jkaninda/fngate/internal/gateway/httpapi"
	"github.com/jkaninda/fngate/internal/gateway/ws"
	"github.com/jkaninda/fngate/internal/janitor"
	"github.com/jkaninda/fngate/internal/notification"
	"github.com/jkaninda/fngate/internal/ratelimit"
)

const shutdownGrace = 10 * time.Second

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API, the operator WebSocket and the janitor",
	RunE:  runServe,
}

func init() {
	// Register on both root and serve so that `fngate --addr :9090` and
	// `fngate serve --addr :9090` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides http.listen_addr)")
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sc, err := initShared(ctx, cfg, logger, modePending)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	if err := sc.watchPermissions(ctx); err != nil {
		return err
	}

	limiter := sc.newLimiter()
	stopJanitor, err := sc.startJanitor(ctx, limiter)
	if err != nil {
		return err
	}
	defer stopJanitor()

	gw, errCh := sc.startHTTP(ctx, limiter)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http api: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Error("http api shutdown", slog.String("error", err.Error()))
	}
	logger.Info("fngate stopped")
	return nil
}

// watchPermissions hot-reloads executor.permissions_file until ctx ends.
func (sc *SharedComponents) watchPermissions(ctx context.Context) error {
	path := sc.Config.Executor.PermissionsFile
	if path == "" {
		return nil
	}
	if err := config.WatchPermissionsFile(ctx, path, sc.Executor.ApplyPermissions, sc.Logger); err != nil {
		return fmt.Errorf("watching permissions file: %w", err)
	}
	sc.Logger.Info("watching permissions file", slog.String("path", path))
	return nil
}

// httpConfig returns the http section with serve's address override applied.
func (sc *SharedComponents) httpConfig() *config.HTTPConfig {
	h := &config.HTTPConfig{}
	if sc.Config.HTTP != nil {
		*h = *sc.Config.HTTP
	}
	if serveAddr != "" {
		h.ListenAddr = serveAddr
	}
	return h
}

// newLimiter builds the per-key limiter for execute, test and command calls.
func (sc *SharedComponents) newLimiter() *ratelimit.Limiter {
	h := sc.httpConfig()
	return ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerMinute: h.RateLimit.RequestsPerMinute,
		BurstSize:         h.RateLimit.BurstSize,
	})
}

// startHTTP builds the HTTP gateway, mounts the operator WebSocket in
// pending approval mode, and runs it in the background. The returned
// channel yields Start's result.
func (sc *SharedComponents) startHTTP(ctx context.Context, limiter *ratelimit.Limiter) (gateway.Gateway, <-chan error) {
	h := sc.httpConfig()

	gwCfg := httpapi.Config{
		ListenAddr:     h.Addr(),
		EnableDocs:     h.EnableDocs,
		APIKeys:        h.APIKeys,
		MaxRequestSize: h.MaxRequestSizeBytes,
		HealthChecker:  sc.Obs.Health,
		Metrics:        sc.Obs.Metrics,
		Tracer:         sc.tracer(),
	}
	if sc.Obs.Metrics != nil {
		gwCfg.MetricsRegistry = sc.Obs.Metrics.Registry
		if o := sc.Config.Observability; o != nil && o.Metrics != nil {
			gwCfg.MetricsPath = o.Metrics.Path
		}
	}

	api := httpapi.NewGateway(gwCfg, sc.Executor, sc.Harness, limiter, sc.Logger).
		WithAudit(sc.Trail)

	if sc.Approvals != nil {
		operators := ws.NewServer(sc.Approvals, ws.Options{Tokens: h.APIKeys}, sc.Logger)
		notifiers := approval.Notifiers{operators}
		if d := sc.newDispatcher(); d != nil {
			notifiers = append(notifiers, d)
		}
		sc.Approvals.SetNotifier(notifiers)
		api.WithApprovals(sc.Approvals).WithHandler(h.WSPath(), operators.Handler())
		sc.Logger.Info("operator websocket enabled", slog.String("path", h.WSPath()))
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- api.Start(ctx)
	}()
	return api, errCh
}

// startJanitor schedules periodic sweeps of stale run directories,
// expired approvals and idle rate-limit buckets.
func (sc *SharedComponents) startJanitor(ctx context.Context, limiter *ratelimit.Limiter) (func(), error) {
	jc := sc.Config.Janitor
	if jc != nil && !jc.Enabled {
		return func() {}, nil
	}

	var reg *prometheus.Registry
	if sc.Obs.Metrics != nil {
		reg = sc.Obs.Metrics.Registry
	}

	var approvals janitor.ApprovalCleaner
	if sc.Approvals != nil {
		approvals = sc.Approvals
	}
	var pruner janitor.Pruner
	if limiter != nil {
		pruner = limiter
	}
	// Dry runs can be given a longer timeout at runtime than production calls.
	maxRunTimeout := func() time.Duration {
		return max(sc.Launcher.Config().Timeout, sc.Harness.Timeout())
	}
	j := janitor.New(janitor.Config{
		Schedule:      jc.CronSchedule(),
		TempDir:       sc.Config.Sandbox.TempDir,
		StaleAfter:    jc.StaleAfter(),
		MaxRunTimeout: maxRunTimeout,
	}, approvals, pruner, janitor.NewMetrics(reg), sc.Logger)

	stop, err := j.Start(ctx)
	if err != nil {
		return nil, fmt.Errorf("starting janitor: %w", err)
	}
	return stop, nil
}

func (sc *SharedComponents) tracer() trace.Tracer {
	if sc.Obs.Tracer == nil {
		return nil
	}
	return sc.Obs.Tracer.Tracer()
}

// newDispatcher builds the approval notification channels, or returns nil
// when none are configured.
func (sc *SharedComponents) newDispatcher() *notification.Dispatcher {
	channels := sc.Config.Approval.Notify
	if len(channels) == 0 {
		return nil
	}
	chs := make([]notification.Channel, 0, len(channels))
	for _, c := range channels {
		chs = append(chs, notification.Channel{Name: c.Name, Type: c.Type, Config: c.Config})
	}

	d := notification.NewDispatcher(chs, sc.Audit, sc.Logger)
	d.RegisterSender(notification.NewSlackSender(sc.Logger))
	d.RegisterSender(notification.NewTelegramSender(sc.Logger))
	d.RegisterSender(notification.NewWebhookSender(sc.Config.Approval.AllowPrivateWebhooks, sc.Logger))
	sc.addCleanup(d.Wait)
	sc.Logger.Info("approval notifications enabled", slog.Int("channels", len(chs)))
	return d
}
