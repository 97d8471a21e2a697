// Package httpapi exposes the fngate operations over HTTP.
//
// Security:
//   - API key authentication on /v1 routes (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - Per-key rate limiting of execute, test and command calls
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/fngate/internal/approval"
	"github.com/jkaninda/fngate/internal/audit"
	"github.com/jkaninda/fngate/internal/observability"
	"github.com/jkaninda/fngate/internal/permission"
	"github.com/jkaninda/fngate/internal/ratelimit"
	"github.com/jkaninda/fngate/internal/sandbox"
	"github.com/jkaninda/fngate/internal/simulation"
	"github.com/jkaninda/okapi"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	APIKeys        []string // Empty = no authentication.
	MaxRequestSize int64    // Maximum request body in bytes. 0 = 1 MB default.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Executor is the permission-gated execution surface.
type Executor interface {
	Execute(ctx context.Context, name, code string, args map[string]any) *sandbox.ExecutionResult
	ExecuteCommand(ctx context.Context, command string, args map[string]any) *sandbox.ExecutionResult
	SetPermission(ctx context.Context, function string, level permission.Level) error
	GetPermission(function string) permission.Level
	DefaultPermission() permission.Level
	Permissions() map[string]permission.Level
}

// Tester is the dry-run surface.
type Tester interface {
	Test(ctx context.Context, code, name string, args map[string]any) *sandbox.ExecutionResult
	Result(name string) (*sandbox.ExecutionResult, bool)
	History(ctx context.Context, function string, limit int) ([]simulation.Record, error)
}

// Approvals is the pending-approval surface.
type Approvals interface {
	Approve(ctx context.Context, id, approverID string) error
	Deny(ctx context.Context, id, denierID string) error
	Get(ctx context.Context, id string) (*approval.PendingApproval, error)
	ListPending(ctx context.Context) []*approval.PendingApproval
}

// AuditQuerier reads the audit trail.
type AuditQuerier interface {
	Query(ctx context.Context, f audit.Filter) ([]audit.Event, error)
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config    Config
	executor  Executor
	tester    Tester
	approvals Approvals    // nil = approval endpoints disabled.
	audit     AuditQuerier // nil = audit endpoint disabled.
	limiter   *ratelimit.Limiter
	logger    *slog.Logger
	server    *http.Server

	// Extra handlers mounted on the HTTP mux (e.g., the operator WebSocket).
	extraRoutes []extraRoute

	okapi *okapi.Okapi
	group *okapi.Group
}

// extraRoute stores an additional handler to be mounted on the HTTP mux.
type extraRoute struct {
	pattern string
	handler http.Handler
}

// NewGateway creates an HTTP API gateway.
func NewGateway(cfg Config, ex Executor, tester Tester, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	if cfg.MaxRequestSize <= 0 {
		cfg.MaxRequestSize = defaultMaxRequestSize
	}
	return &Gateway{
		config:   cfg,
		executor: ex,
		tester:   tester,
		limiter:  rl,
		logger:   logger,
		okapi:    okapi.New(okapi.WithMaxMultipartMemory(cfg.MaxRequestSize)),
	}
}

// WithApprovals enables the approval endpoints.
func (g *Gateway) WithApprovals(a Approvals) *Gateway {
	g.approvals = a
	return g
}

// WithAudit enables the audit query endpoint.
func (g *Gateway) WithAudit(q AuditQuerier) *Gateway {
	g.audit = q
	return g
}

// WithHandler mounts an additional GET handler on the HTTP mux at the given pattern.
func (g *Gateway) WithHandler(pattern string, handler http.Handler) *Gateway {
	g.extraRoutes = append(g.extraRoutes, extraRoute{pattern: pattern, handler: handler})
	return g
}

// WithOpenAPIDocs enables the OpenAPI documentation endpoint.
func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "fngate",
			Version: "v0.1.0",
		},
	)
	return g
}

// Start launches the HTTP server and blocks until it exits.
func (g *Gateway) Start(ctx context.Context) error {
	maxBody := g.config.MaxRequestSize
	g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, maxBody)
			}
			next.ServeHTTP(w, r)
		})
	})
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	g.group = g.okapi.Group("/v1", g.authenticate)
	g.registerRoutes()

	for _, er := range g.extraRoutes {
		g.okapi.HandleStd("GET", er.pattern, er.handler.ServeHTTP)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))
	err := g.okapi.StartServer(g.server)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

func (g *Gateway) registerRoutes() {
	g.group.Post("/execute", g.handleExecute,
		okapi.DocSummary("Execute a function under its permission level"),
		okapi.DocTags("Execution"),
		okapi.DocRequestBody(ExecuteRequest{}),
		okapi.DocResponse(sandbox.ExecutionResult{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.group.Post("/execute/stream", g.handleExecuteStream,
		okapi.DocSummary("Execute a function and stream the result via SSE"),
		okapi.DocTags("Execution"),
		okapi.DocRequestBody(ExecuteRequest{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)
	g.group.Post("/commands", g.handleCommand,
		okapi.DocSummary("Run a shell command template (full permission + confirmation)"),
		okapi.DocTags("Execution"),
		okapi.DocRequestBody(CommandRequest{}),
		okapi.DocResponse(sandbox.ExecutionResult{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.group.Post("/test", g.handleTest,
		okapi.DocSummary("Dry-run a function without permission checks"),
		okapi.DocTags("Testing"),
		okapi.DocRequestBody(ExecuteRequest{}),
		okapi.DocResponse(sandbox.ExecutionResult{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.group.Get("/results/{function}", g.handleLastResult,
		okapi.DocSummary("Last test result for a function"),
		okapi.DocTags("Testing"),
		okapi.DocPathParam("function", "string", "Function name"),
		okapi.DocResponse(sandbox.ExecutionResult{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/results/{function}/history", g.handleHistory,
		okapi.DocSummary("Persisted test runs for a function, newest first"),
		okapi.DocTags("Testing"),
		okapi.DocPathParam("function", "string", "Function name"),
		okapi.DocResponse([]simulation.Record{}),
	)
	g.group.Post("/validate", g.handleValidate,
		okapi.DocSummary("Validate a value against an output schema"),
		okapi.DocTags("Testing"),
		okapi.DocRequestBody(ValidateRequest{}),
		okapi.DocResponse(ValidateResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)
	g.group.Post("/simulate", g.handleSimulate,
		okapi.DocSummary("Build the call envelope a model would send"),
		okapi.DocTags("Testing"),
		okapi.DocRequestBody(SimulateRequest{}),
		okapi.DocResponse(map[string]any{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)

	g.group.Get("/permissions", g.handlePermissionList,
		okapi.DocSummary("Default level and explicit per-function levels"),
		okapi.DocTags("Permissions"),
		okapi.DocResponse(PermissionListResponse{}),
	)
	g.group.Get("/permissions/{function}", g.handlePermissionGet,
		okapi.DocSummary("Effective permission level of a function"),
		okapi.DocTags("Permissions"),
		okapi.DocPathParam("function", "string", "Function name"),
		okapi.DocResponse(PermissionResponse{}),
	)
	g.group.Put("/permissions/{function}", g.handlePermissionSet,
		okapi.DocSummary("Set the permission level of a function"),
		okapi.DocTags("Permissions"),
		okapi.DocPathParam("function", "string", "Function name"),
		okapi.DocRequestBody(PermissionRequest{}),
		okapi.DocResponse(PermissionResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)

	if g.approvals != nil {
		g.group.Get("/approvals", g.handleApprovalList,
			okapi.DocSummary("List pending approvals"),
			okapi.DocTags("Approvals"),
			okapi.DocResponse([]approval.PendingApproval{}),
		)
		g.group.Get("/approvals/{id}", g.handleApprovalGet,
			okapi.DocSummary("Get an approval by ID"),
			okapi.DocTags("Approvals"),
			okapi.DocPathParam("id", "string", "Approval ID (UUID)"),
			okapi.DocResponse(approval.PendingApproval{}),
			okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		)
		g.group.Post("/approvals/{id}/approve", g.handleApprove,
			okapi.DocSummary("Approve a pending call"),
			okapi.DocTags("Approvals"),
			okapi.DocPathParam("id", "string", "Approval ID (UUID)"),
			okapi.DocResponse(ApproveResponse{}),
			okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
			okapi.DocResponse(http.StatusConflict, ErrorBody{}),
			okapi.DocResponse(http.StatusGone, ErrorBody{}),
		)
		g.group.Post("/approvals/{id}/deny", g.handleDeny,
			okapi.DocSummary("Deny a pending call"),
			okapi.DocTags("Approvals"),
			okapi.DocPathParam("id", "string", "Approval ID (UUID)"),
			okapi.DocResponse(ApproveResponse{}),
			okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
			okapi.DocResponse(http.StatusConflict, ErrorBody{}),
			okapi.DocResponse(http.StatusGone, ErrorBody{}),
		)
	}

	if g.audit != nil {
		g.group.Get("/audit", g.handleAudit,
			okapi.DocSummary("Query the audit trail, newest first"),
			okapi.DocTags("Audit"),
			okapi.DocResponse([]audit.Event{}),
		)
	}
}

// --- Authentication ---

// authenticate validates the bearer API key and stores the caller ID.
// With no keys configured every caller is "anonymous".
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		if len(g.config.APIKeys) == 0 {
			c.Set("callerID", "anonymous")
			return next(c)
		}

		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		apiKey := strings.TrimPrefix(authHeader, "Bearer ")

		callerID := ""
		for i, key := range g.config.APIKeys {
			if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
				callerID = "api-key-" + strconv.Itoa(i+1)
			}
		}
		if callerID == "" {
			return c.AbortUnauthorized("invalid API key")
		}
		c.Set("callerID", callerID)
		return next(c)
	}
}

// --- Helpers ---

func (g *Gateway) allow(c *okapi.Context) error {
	if g.limiter == nil {
		return nil
	}
	if err := g.limiter.Allow(c.GetString("callerID")); err != nil {
		return c.AbortTooManyRequests("rate limit exceeded")
	}
	return nil
}

// approvalError maps approval errors to appropriate HTTP responses.
func approvalError(c *okapi.Context, err error) error {
	switch {
	case errors.Is(err, approval.ErrNotFound):
		return c.JSON(http.StatusNotFound, okapi.M{"error": "approval not found"})
	case errors.Is(err, approval.ErrExpired):
		return c.JSON(http.StatusGone, okapi.M{"error": "approval expired"})
	case errors.Is(err, approval.ErrAlreadyResolved):
		return c.JSON(http.StatusConflict, okapi.M{"error": "approval already resolved"})
	default:
		return c.AbortInternalServerError("approval error")
	}
}

// queryLimit parses the optional limit query parameter.
func queryLimit(c *okapi.Context) (int, error) {
	raw := c.Query("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("limit must be a non-negative integer")
	}
	return n, nil
}
