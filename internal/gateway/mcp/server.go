// Package mcp serves fngate's operations as MCP tools over stdio so that
// an agent can ask for functions to be executed, dry-run or validated.
// Permission changes are not exposed, and dry runs, which skip the
// permission policy, are only offered when enabled with WithTester.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/fngate/internal/permission"
	"github.com/jkaninda/fngate/internal/sandbox"
	"github.com/jkaninda/fngate/internal/schema"
	"github.com/jkaninda/fngate/internal/simulation"
)

// Executor is the permission-gated execution surface.
type Executor interface {
	Execute(ctx context.Context, name, code string, args map[string]any) *sandbox.ExecutionResult
	GetPermission(function string) permission.Level
}

// Tester is the dry-run surface.
type Tester interface {
	Test(ctx context.Context, code, name string, args map[string]any) *sandbox.ExecutionResult
}

// Server wraps an MCP server exposing fngate tools.
type Server struct {
	mcp      *server.MCPServer
	executor Executor
	tester   Tester
	logger   *slog.Logger
}

// NewServer creates the MCP server and registers its gated tools.
func NewServer(ex Executor, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		mcp:      server.NewMCPServer("fngate", version, server.WithToolCapabilities(false)),
		executor: ex,
		logger:   logger,
	}

	s.mcp.AddTool(mcp.NewTool("execute_function",
		mcp.WithDescription("Execute a Python function in the sandbox under its permission level. "+
			"The function named by 'function' must be defined in 'code'."),
		mcp.WithString("function", mcp.Required(), mcp.Description("Function name")),
		mcp.WithString("code", mcp.Required(), mcp.Description("Python source defining the function")),
		mcp.WithObject("arguments", mcp.Description("Keyword arguments")),
	), s.handleExecute)

	s.mcp.AddTool(mcp.NewTool("validate_output",
		mcp.WithDescription("Validate a JSON value against a shallow output schema."),
		mcp.WithString("value_json", mcp.Required(), mcp.Description("JSON-encoded value")),
		mcp.WithObject("schema", mcp.Required(), mcp.Description("Output schema")),
	), s.handleValidate)

	s.mcp.AddTool(mcp.NewTool("get_permission",
		mcp.WithDescription("Report the effective permission level of a function."),
		mcp.WithString("function", mcp.Required(), mcp.Description("Function name")),
	), s.handleGetPermission)

	s.mcp.AddTool(mcp.NewTool("simulate_call",
		mcp.WithDescription("Build the call envelope a model would send for a tool. Nothing is executed."),
		mcp.WithObject("tool_schema", mcp.Required(), mcp.Description("Tool declaration")),
		mcp.WithObject("arguments", mcp.Description("Call arguments")),
	), s.handleSimulate)

	return s
}

// WithTester registers test_function, which runs code through tester with
// no permission check. Only enable it for trusted agents.
func (s *Server) WithTester(tester Tester) *Server {
	s.tester = tester
	s.mcp.AddTool(mcp.NewTool("test_function",
		mcp.WithDescription("Dry-run a Python function in the sandbox without permission checks."),
		mcp.WithString("function", mcp.Required(), mcp.Description("Function name")),
		mcp.WithString("code", mcp.Required(), mcp.Description("Python source defining the function")),
		mcp.WithObject("arguments", mcp.Description("Keyword arguments")),
	), s.handleTest)
	return s
}

// MCPServer returns the underlying server, e.g. for in-process clients.
func (s *Server) MCPServer() *server.MCPServer { return s.mcp }

// ServeStdio serves MCP over the given streams until ctx ends or in closes.
func (s *Server) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	s.logger.Info("mcp server listening on stdio")
	return server.NewStdioServer(s.mcp).Listen(ctx, in, out)
}

func (s *Server) handleExecute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	fn, code, args, err := callArgs(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	s.logger.InfoContext(ctx, "mcp execute", slog.String("function", fn))
	return executionResult(s.executor.Execute(ctx, fn, code, args))
}

func (s *Server) handleTest(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	fn, code, args, err := callArgs(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return executionResult(s.tester.Test(ctx, code, fn, args))
}

func (s *Server) handleValidate(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := req.RequireString("value_json")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("value_json is not valid JSON: %v", err)), nil
	}
	sch, _ := req.GetArguments()["schema"].(map[string]any)
	return jsonResult(schema.Validate(value, sch), false)
}

func (s *Server) handleGetPermission(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	fn, err := req.RequireString("function")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(s.executor.GetPermission(fn).String()), nil
}

func (s *Server) handleSimulate(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	all := req.GetArguments()
	toolSchema, _ := all["tool_schema"].(map[string]any)
	args, _ := all["arguments"].(map[string]any)
	return jsonResult(simulation.SimulateCall(toolSchema, args), false)
}

func callArgs(req mcp.CallToolRequest) (fn, code string, args map[string]any, err error) {
	if fn, err = req.RequireString("function"); err != nil {
		return "", "", nil, err
	}
	if code, err = req.RequireString("code"); err != nil {
		return "", "", nil, err
	}
	args, _ = req.GetArguments()["arguments"].(map[string]any)
	return fn, code, args, nil
}

// executionResult encodes res as JSON text. Failed runs are tool errors
// with the full result attached so the model sees kind and stderr.
func executionResult(res *sandbox.ExecutionResult) (*mcp.CallToolResult, error) {
	return jsonResult(res, !res.Success)
}

func jsonResult(v any, isError bool) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encoding result: %v", err)), nil
	}
	out := mcp.NewToolResultText(string(data))
	out.IsError = isError
	return out, nil
}
