package mcp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jkaninda/fngate/internal/permission"
	"github.com/jkaninda/fngate/internal/sandbox"
)

type fakeExecutor struct {
	levels map[string]permission.Level
	calls  int
}

func (f *fakeExecutor) Execute(_ context.Context, name, _ string, args map[string]any) *sandbox.ExecutionResult {
	f.calls++
	if f.levels[name] == permission.None {
		return &sandbox.ExecutionResult{FunctionName: name, Kind: sandbox.KindPermissionDenied, Error: "execution not allowed: function has no permission"}
	}
	return &sandbox.ExecutionResult{FunctionName: name, Success: true, Result: args["x"]}
}

func (f *fakeExecutor) GetPermission(name string) permission.Level { return f.levels[name] }

type fakeTester struct{ name string }

func (f *fakeTester) Test(_ context.Context, _, name string, _ map[string]any) *sandbox.ExecutionResult {
	f.name = name
	return &sandbox.ExecutionResult{FunctionName: name, Success: true, Result: "tested"}
}

func newClient(t *testing.T, ex Executor, tester Tester) *mcpclient.Client {
	t.Helper()
	s := NewServer(ex, "test", slog.New(slog.NewTextHandler(io.Discard, nil)))
	if tester != nil {
		s.WithTester(tester)
	}

	c, err := mcpclient.NewInProcessClient(s.MCPServer())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })

	ctx := context.Background()
	if err := c.Start(ctx); err != nil {
		t.Fatal(err)
	}
	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "fngate-test", Version: "0.0.1"}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		t.Fatal(err)
	}
	return c
}

func call(t *testing.T, c *mcpclient.Client, name string, args map[string]any) (*mcp.CallToolResult, string) {
	t.Helper()
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	res, err := c.CallTool(context.Background(), req)
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	if len(res.Content) == 0 {
		t.Fatalf("%s returned no content", name)
	}
	tc, ok := mcp.AsTextContent(res.Content[0])
	if !ok {
		t.Fatalf("%s returned non-text content", name)
	}
	return res, tc.Text
}

func TestListTools_DryRunNotOfferedByDefault(t *testing.T) {
	c := newClient(t, &fakeExecutor{}, nil)
	resp, err := c.ListTools(context.Background(), mcp.ListToolsRequest{})
	if err != nil {
		t.Fatal(err)
	}
	for _, tool := range resp.Tools {
		if tool.Name == "test_function" || tool.Name == "set_permission" {
			t.Errorf("tool %q must not be exposed by default", tool.Name)
		}
	}
	if len(resp.Tools) != 4 {
		t.Errorf("tools = %d, want 4", len(resp.Tools))
	}
}

func TestListTools(t *testing.T) {
	c := newClient(t, &fakeExecutor{}, &fakeTester{})
	resp, err := c.ListTools(context.Background(), mcp.ListToolsRequest{})
	if err != nil {
		t.Fatal(err)
	}
	names := map[string]bool{}
	for _, tool := range resp.Tools {
		names[tool.Name] = true
	}
	for _, want := range []string{"execute_function", "test_function", "validate_output", "get_permission", "simulate_call"} {
		if !names[want] {
			t.Errorf("tool %q not registered", want)
		}
	}
	if names["set_permission"] {
		t.Error("permission changes must not be exposed")
	}
}

func TestExecuteFunction(t *testing.T) {
	ex := &fakeExecutor{levels: map[string]permission.Level{"ok": permission.Limited}}
	c := newClient(t, ex, &fakeTester{})

	res, text := call(t, c, "execute_function", map[string]any{
		"function": "ok", "code": "def ok(x):\n    return x\n", "arguments": map[string]any{"x": 3},
	})
	if res.IsError {
		t.Fatalf("unexpected tool error: %s", text)
	}
	var out sandbox.ExecutionResult
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		t.Fatal(err)
	}
	if !out.Success || out.Result != float64(3) {
		t.Fatalf("result = %+v", out)
	}

	res, text = call(t, c, "execute_function", map[string]any{"function": "blocked", "code": "x"})
	if !res.IsError {
		t.Fatal("denied execution should be a tool error")
	}
	_ = json.Unmarshal([]byte(text), &out)
	if out.Kind != sandbox.KindPermissionDenied {
		t.Fatalf("kind = %q", out.Kind)
	}
}

func TestExecuteFunction_MissingCode(t *testing.T) {
	ex := &fakeExecutor{}
	c := newClient(t, ex, &fakeTester{})
	res, _ := call(t, c, "execute_function", map[string]any{"function": "f"})
	if !res.IsError || ex.calls != 0 {
		t.Fatalf("isError=%v calls=%d", res.IsError, ex.calls)
	}
}

func TestTestFunction(t *testing.T) {
	tester := &fakeTester{}
	c := newClient(t, &fakeExecutor{}, tester)
	res, _ := call(t, c, "test_function", map[string]any{"function": "f", "code": "def f():\n    pass\n"})
	if res.IsError || tester.name != "f" {
		t.Fatalf("isError=%v name=%q", res.IsError, tester.name)
	}
}

func TestValidateOutput(t *testing.T) {
	c := newClient(t, &fakeExecutor{}, &fakeTester{})
	_, text := call(t, c, "validate_output", map[string]any{
		"value_json": `{"a": 1}`,
		"schema":     map[string]any{"type": "object", "required": []any{"a", "b"}},
	})
	var vr struct {
		Valid  bool     `json:"valid"`
		Errors []string `json:"errors"`
	}
	if err := json.Unmarshal([]byte(text), &vr); err != nil {
		t.Fatal(err)
	}
	if vr.Valid || len(vr.Errors) != 1 {
		t.Fatalf("validation = %+v", vr)
	}

	res, _ := call(t, c, "validate_output", map[string]any{"value_json": "{", "schema": map[string]any{}})
	if !res.IsError {
		t.Fatal("invalid JSON should be a tool error")
	}
}

func TestGetPermissionAndSimulate(t *testing.T) {
	ex := &fakeExecutor{levels: map[string]permission.Level{"deploy": permission.Full}}
	c := newClient(t, ex, &fakeTester{})

	if _, text := call(t, c, "get_permission", map[string]any{"function": "deploy"}); text != "full" {
		t.Fatalf("level = %q, want full", text)
	}

	_, text := call(t, c, "simulate_call", map[string]any{
		"tool_schema": map[string]any{"name": "lookup"},
		"arguments":   map[string]any{"q": "x"},
	})
	var env map[string]any
	if err := json.Unmarshal([]byte(text), &env); err != nil {
		t.Fatal(err)
	}
	if _, ok := env["candidates"]; !ok {
		t.Fatalf("envelope = %s", text)
	}
}
