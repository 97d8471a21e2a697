package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/jkaninda/fngate/internal/audit"
	"github.com/jkaninda/fngate/internal/permission"
	"github.com/jkaninda/fngate/internal/schema"
	"github.com/jkaninda/fngate/internal/simulation"
	"github.com/jkaninda/okapi"
)

// ExecuteRequest is the JSON body for POST /v1/execute and /v1/test.
type ExecuteRequest struct {
	Function  string         `json:"function"`
	Code      string         `json:"code"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// CommandRequest is the JSON body for POST /v1/commands.
type CommandRequest struct {
	Command   string         `json:"command"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ValidateRequest is the JSON body for POST /v1/validate.
type ValidateRequest struct {
	Value  any            `json:"value"`
	Schema map[string]any `json:"schema"`
}

// ValidateResponse mirrors schema.ValidationResult.
type ValidateResponse = schema.ValidationResult

// SimulateRequest is the JSON body for POST /v1/simulate.
type SimulateRequest struct {
	ToolSchema map[string]any `json:"tool_schema"`
	Arguments  map[string]any `json:"arguments,omitempty"`
}

// PermissionRequest is the JSON body for PUT /v1/permissions/{function}.
type PermissionRequest struct {
	Level string `json:"level"`
}

// PermissionResponse is one function's effective level.
type PermissionResponse struct {
	Function string           `json:"function"`
	Level    permission.Level `json:"level"`
}

// PermissionListResponse is the JSON response for GET /v1/permissions.
type PermissionListResponse struct {
	Default     permission.Level            `json:"default"`
	Permissions map[string]permission.Level `json:"permissions"`
}

// ApproveResponse is the JSON response after an approval decision.
type ApproveResponse struct {
	ApprovalID string `json:"approval_id"`
	Status     string `json:"status"`
}

// HealthResponse is the JSON response for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// --- Execution ---

// runContext detaches a run from the client connection. A started run ends
// by finishing, timing out or dying, never because the caller went away.
func runContext(c *okapi.Context) context.Context {
	return context.WithoutCancel(c.Context())
}

func (g *Gateway) handleExecute(c *okapi.Context) error {
	if err := g.allow(c); err != nil {
		return err
	}
	var req ExecuteRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body", err)
	}
	if req.Function == "" || req.Code == "" {
		return c.AbortBadRequest("function and code are required")
	}

	g.logger.Info("http execute",
		slog.String("caller_id", c.GetString("callerID")),
		slog.String("function", req.Function),
	)
	return c.OK(g.executor.Execute(runContext(c), req.Function, req.Code, req.Arguments))
}

func (g *Gateway) handleCommand(c *okapi.Context) error {
	if err := g.allow(c); err != nil {
		return err
	}
	var req CommandRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body", err)
	}
	if req.Command == "" {
		return c.AbortBadRequest("command is required")
	}

	g.logger.Info("http command", slog.String("caller_id", c.GetString("callerID")))
	return c.OK(g.executor.ExecuteCommand(runContext(c), req.Command, req.Arguments))
}

// --- Testing ---

func (g *Gateway) handleTest(c *okapi.Context) error {
	if err := g.allow(c); err != nil {
		return err
	}
	var req ExecuteRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body", err)
	}
	if req.Function == "" || req.Code == "" {
		return c.AbortBadRequest("function and code are required")
	}
	return c.OK(g.tester.Test(runContext(c), req.Code, req.Function, req.Arguments))
}

func (g *Gateway) handleLastResult(c *okapi.Context) error {
	res, ok := g.tester.Result(c.Param("function"))
	if !ok {
		return c.JSON(http.StatusNotFound, okapi.M{"error": "no test result for function"})
	}
	return c.OK(res)
}

func (g *Gateway) handleHistory(c *okapi.Context) error {
	limit, err := queryLimit(c)
	if err != nil {
		return c.AbortBadRequest(err.Error())
	}
	recs, err := g.tester.History(c.Context(), c.Param("function"), limit)
	if err != nil {
		g.logger.Error("listing test history", slog.String("error", err.Error()))
		return c.AbortInternalServerError("listing test history failed")
	}
	if recs == nil {
		recs = []simulation.Record{}
	}
	return c.OK(recs)
}

func (g *Gateway) handleValidate(c *okapi.Context) error {
	var req ValidateRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body", err)
	}
	return c.OK(schema.Validate(req.Value, req.Schema))
}

func (g *Gateway) handleSimulate(c *okapi.Context) error {
	var req SimulateRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body", err)
	}
	return c.OK(simulation.SimulateCall(req.ToolSchema, req.Arguments))
}

// --- Permissions ---

func (g *Gateway) handlePermissionList(c *okapi.Context) error {
	return c.OK(PermissionListResponse{
		Default:     g.executor.DefaultPermission(),
		Permissions: g.executor.Permissions(),
	})
}

func (g *Gateway) handlePermissionGet(c *okapi.Context) error {
	fn := c.Param("function")
	return c.OK(PermissionResponse{Function: fn, Level: g.executor.GetPermission(fn)})
}

func (g *Gateway) handlePermissionSet(c *okapi.Context) error {
	var req PermissionRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body", err)
	}
	level, err := permission.ParseLevelStrict(req.Level)
	if err != nil {
		return c.AbortBadRequest(err.Error())
	}

	fn := c.Param("function")
	if err := g.executor.SetPermission(c.Context(), fn, level); err != nil {
		// The in-memory table is already updated; only persistence failed.
		g.logger.Error("persisting permission",
			slog.String("function", fn),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("persisting permission failed")
	}
	g.logger.Info("permission set",
		slog.String("caller_id", c.GetString("callerID")),
		slog.String("function", fn),
		slog.String("level", level.String()),
	)
	return c.OK(PermissionResponse{Function: fn, Level: level})
}

// --- Approvals ---

func (g *Gateway) handleApprovalList(c *okapi.Context) error {
	return c.OK(g.approvals.ListPending(c.Context()))
}

func (g *Gateway) handleApprovalGet(c *okapi.Context) error {
	pa, err := g.approvals.Get(c.Context(), c.Param("id"))
	if err != nil {
		return approvalError(c, err)
	}
	return c.OK(pa)
}

func (g *Gateway) handleApprove(c *okapi.Context) error {
	id := c.Param("id")
	if err := g.approvals.Approve(c.Context(), id, c.GetString("callerID")); err != nil {
		return approvalError(c, err)
	}
	return c.OK(ApproveResponse{ApprovalID: id, Status: "approved"})
}

func (g *Gateway) handleDeny(c *okapi.Context) error {
	id := c.Param("id")
	if err := g.approvals.Deny(c.Context(), id, c.GetString("callerID")); err != nil {
		return approvalError(c, err)
	}
	return c.OK(ApproveResponse{ApprovalID: id, Status: "denied"})
}

// --- Audit ---

func (g *Gateway) handleAudit(c *okapi.Context) error {
	limit, err := queryLimit(c)
	if err != nil {
		return c.AbortBadRequest(err.Error())
	}
	f := audit.Filter{
		Function: c.Query("function"),
		Action:   c.Query("action"),
		Limit:    limit,
	}
	if since := c.Query("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return c.AbortBadRequest("since must be an RFC 3339 timestamp")
		}
		f.Since = t
	}

	events, err := g.audit.Query(c.Context(), f)
	if err != nil {
		g.logger.Error("querying audit trail", slog.String("error", err.Error()))
		return c.AbortInternalServerError("querying audit trail failed")
	}
	if events == nil {
		events = []audit.Event{}
	}
	return c.OK(events)
}

// --- Health ---

// handleLiveness is the Kubernetes liveness probe
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}
