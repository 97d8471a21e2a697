package executor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jkaninda/fngate/internal/approval"
	"github.com/jkaninda/fngate/internal/audit"
	"github.com/jkaninda/fngate/internal/permission"
	"github.com/jkaninda/fngate/internal/sandbox"
)

type spyLauncher struct {
	mu       sync.Mutex
	runs     []sandbox.Request
	commands []string
}

func (s *spyLauncher) Run(_ context.Context, req sandbox.Request) *sandbox.ExecutionResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, req)
	return &sandbox.ExecutionResult{Success: true, Result: map[string]any{"ok": true}, Backend: sandbox.BackendPlain}
}

func (s *spyLauncher) RunShell(_ context.Context, command string, _ time.Duration) *sandbox.ExecutionResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, command)
	return &sandbox.ExecutionResult{Success: true, Result: "done\n", Backend: sandbox.BackendPlain}
}

func (s *spyLauncher) spawned() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runs) + len(s.commands)
}

type countingConfirmer struct {
	answer bool
	calls  int
	last   string
	args   map[string]any
}

func (c *countingConfirmer) Confirm(_ context.Context, function string, args map[string]any) bool {
	c.calls++
	c.last = function
	c.args = args
	return c.answer
}

type memPermStore struct {
	saved map[string]permission.Level
	err   error
}

func (m *memPermStore) LoadPermissions(context.Context) (map[string]permission.Level, error) {
	return m.saved, m.err
}

func (m *memPermStore) SavePermission(_ context.Context, fn string, l permission.Level) error {
	if m.err != nil {
		return m.err
	}
	if m.saved == nil {
		m.saved = map[string]permission.Level{}
	}
	m.saved[fn] = l
	return nil
}

func (m *memPermStore) DeletePermission(_ context.Context, fn string) error {
	delete(m.saved, fn)
	return m.err
}

func newExecutor(def permission.Level) (*Executor, *spyLauncher) {
	spy := &spyLauncher{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(spy, Config{DefaultPermission: def}, logger), spy
}

const cleanCode = "def get_status():\n    return {'ok': True}\n"

func TestExecute_NoneNeverSpawns(t *testing.T) {
	e, spy := newExecutor(permission.None)
	res := e.Execute(context.Background(), "get_status", cleanCode, nil)
	if res.Success || res.Kind != sandbox.KindPermissionDenied {
		t.Fatalf("got %+v", res)
	}
	if res.Error != "execution not allowed: no permission granted" {
		t.Errorf("error = %q", res.Error)
	}
	if spy.spawned() != 0 {
		t.Error("launcher was invoked for denied call")
	}
	if res.ID == "" {
		t.Error("expected execution id on denial")
	}
}

func TestExecute_ReadOnly(t *testing.T) {
	e, spy := newExecutor(permission.ReadOnly)

	res := e.Execute(context.Background(), "get_status", cleanCode, nil)
	if !res.Success {
		t.Fatalf("clean read-only call failed: %+v", res)
	}

	res = e.Execute(context.Background(), "get_status", "import os\ndef get_status():\n    os.remove('x')\n", nil)
	if res.Success || !strings.Contains(res.Error, "potentially unsafe operation") {
		t.Fatalf("got %+v", res)
	}

	res = e.Execute(context.Background(), "delete_file", "def delete_file():\n    pass\n", nil)
	if res.Success || !strings.Contains(res.Error, "does not appear to be read-only") {
		t.Fatalf("got %+v", res)
	}
	if spy.spawned() != 1 {
		t.Errorf("spawned %d, want 1", spy.spawned())
	}
}

func TestExecute_FullWithoutConfirmerDenies(t *testing.T) {
	e, spy := newExecutor(permission.Full)
	res := e.Execute(context.Background(), "get_status", cleanCode, nil)
	if res.Success || res.Kind != sandbox.KindPermissionDenied {
		t.Fatalf("got %+v", res)
	}
	if spy.spawned() != 0 {
		t.Error("launcher was invoked without confirmation")
	}
}

func TestExecute_FullConfirmedOnce(t *testing.T) {
	e, spy := newExecutor(permission.Full)
	c := &countingConfirmer{answer: true}
	e.SetConfirmer(c)

	res := e.Execute(context.Background(), "wipe", "def wipe(): pass", map[string]any{"x": 1})
	if !res.Success {
		t.Fatalf("got %+v", res)
	}
	if c.calls != 1 || c.last != "wipe" || c.args["x"] != 1 {
		t.Errorf("confirmer calls=%d last=%q args=%v", c.calls, c.last, c.args)
	}
	if spy.spawned() != 1 || res.FunctionName != "wipe" {
		t.Errorf("spawned=%d name=%q", spy.spawned(), res.FunctionName)
	}
}

func TestExecute_FullConfirmationDenied(t *testing.T) {
	e, spy := newExecutor(permission.Full)
	e.SetConfirmer(approval.Func(func(context.Context, string, map[string]any) bool { return false }))

	res := e.Execute(context.Background(), "wipe", "def wipe(): pass", nil)
	if res.Kind != sandbox.KindConfirmationDenied {
		t.Fatalf("kind = %q", res.Kind)
	}
	if res.Error != "execution not allowed: user denied permission for function 'wipe'" {
		t.Errorf("error = %q", res.Error)
	}
	if spy.spawned() != 0 {
		t.Error("launcher invoked after denial")
	}
}

func TestExecute_LimitedSkipsConfirmation(t *testing.T) {
	e, _ := newExecutor(permission.None)
	c := &countingConfirmer{answer: false}
	e.SetConfirmer(c)
	if err := e.SetPermission(context.Background(), "compute", permission.Limited); err != nil {
		t.Fatal(err)
	}
	res := e.Execute(context.Background(), "compute", "import subprocess\ndef compute(): pass", nil)
	if !res.Success {
		t.Fatalf("got %+v", res)
	}
	if c.calls != 0 {
		t.Error("limited should not ask for confirmation")
	}
}

func TestExecute_Audited(t *testing.T) {
	e, _ := newExecutor(permission.Full)
	mem := audit.NewMemory()
	e.SetAuditLogger(mem)
	e.SetConfirmer(&countingConfirmer{answer: true})

	res := e.Execute(context.Background(), "wipe", "def wipe(): pass", nil)
	events, err := mem.Query(context.Background(), audit.Filter{Function: "wipe"})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	for _, ev := range events {
		if ev.ExecutionID != res.ID {
			t.Errorf("event %s has execution id %q, want %q", ev.Action, ev.ExecutionID, res.ID)
		}
	}
	// Newest first.
	if events[0].Action != audit.ActionExecute || events[0].CodeHash == "" {
		t.Errorf("last event = %+v", events[0])
	}
}

func TestExecuteCommand(t *testing.T) {
	t.Run("requires full default", func(t *testing.T) {
		e, spy := newExecutor(permission.Limited)
		e.SetConfirmer(&countingConfirmer{answer: true})
		res := e.ExecuteCommand(context.Background(), "ls", nil)
		if res.Error != "command execution requires full permission level" || spy.spawned() != 0 {
			t.Fatalf("got %+v", res)
		}
	})

	t.Run("per-function full does not count", func(t *testing.T) {
		e, spy := newExecutor(permission.None)
		e.SetConfirmer(&countingConfirmer{answer: true})
		_ = e.SetPermission(context.Background(), CommandFunction, permission.Full)
		res := e.ExecuteCommand(context.Background(), "ls", nil)
		if res.Success || spy.spawned() != 0 {
			t.Fatalf("got %+v", res)
		}
	})

	t.Run("requires confirmer", func(t *testing.T) {
		e, spy := newExecutor(permission.Full)
		res := e.ExecuteCommand(context.Background(), "ls", nil)
		if res.Error != "command execution requires user confirmation callback" || spy.spawned() != 0 {
			t.Fatalf("got %+v", res)
		}
	})

	t.Run("denied", func(t *testing.T) {
		e, spy := newExecutor(permission.Full)
		c := &countingConfirmer{answer: false}
		e.SetConfirmer(c)
		res := e.ExecuteCommand(context.Background(), "rm {path}", map[string]any{"path": "/tmp/x"})
		if res.Error != "command execution denied by user" || res.Kind != sandbox.KindConfirmationDenied {
			t.Fatalf("got %+v", res)
		}
		if c.last != CommandFunction || c.args["command"] != "rm {path}" {
			t.Errorf("confirmer saw %q %v", c.last, c.args)
		}
		if spy.spawned() != 0 {
			t.Error("shell invoked after denial")
		}
	})

	t.Run("confirmed substitutes", func(t *testing.T) {
		e, spy := newExecutor(permission.Full)
		e.SetConfirmer(&countingConfirmer{answer: true})
		res := e.ExecuteCommand(context.Background(), "echo {a} {b}", map[string]any{"a": 1, "b": "two"})
		if !res.Success || res.FunctionName != CommandFunction {
			t.Fatalf("got %+v", res)
		}
		if len(spy.commands) != 1 || spy.commands[0] != "echo 1 two" {
			t.Errorf("commands = %v", spy.commands)
		}
	})
}

func TestSubstituteArgs(t *testing.T) {
	got := SubstituteArgs("{a}-{a}-{missing}-{n}", map[string]any{"a": "x", "n": 2.5})
	if got != "x-x-{missing}-2.5" {
		t.Errorf("got %q", got)
	}
}

func TestPermissions_WriteThrough(t *testing.T) {
	e, _ := newExecutor(permission.None)
	store := &memPermStore{}
	e.SetPermissionStore(store)

	if err := e.SetPermission(context.Background(), "f", permission.ReadOnly); err != nil {
		t.Fatal(err)
	}
	if store.saved["f"] != permission.ReadOnly {
		t.Errorf("store = %v", store.saved)
	}
	if e.GetPermission("f") != permission.ReadOnly || e.GetPermission("g") != permission.None {
		t.Error("resolve mismatch")
	}

	store.err = errors.New("disk full")
	if err := e.SetPermission(context.Background(), "h", permission.Full); err == nil {
		t.Error("expected write-through error")
	}
	if e.GetPermission("h") != permission.Full {
		t.Error("memory table should be updated even when persisting fails")
	}
}

func TestLoadPermissions(t *testing.T) {
	e, _ := newExecutor(permission.None)
	e.SetPermissionStore(&memPermStore{saved: map[string]permission.Level{"a": permission.Limited}})
	if err := e.LoadPermissions(context.Background()); err != nil {
		t.Fatal(err)
	}
	if e.GetPermission("a") != permission.Limited {
		t.Error("stored permission not loaded")
	}
	if _, ok := e.Permissions()["a"]; !ok {
		t.Error("snapshot missing entry")
	}

	e.SetPermissionStore(&memPermStore{err: errors.New("boom")})
	if err := e.LoadPermissions(context.Background()); err == nil {
		t.Error("expected load error")
	}
}
