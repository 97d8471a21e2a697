package sandbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/jkaninda/fngate/internal/protocol"
)

// skipIfNoPython skips the test if python3 is not on PATH.
func skipIfNoPython(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available, skipping integration test")
	}
}

func newTestLauncher(t *testing.T, timeout time.Duration) *Launcher {
	t.Helper()
	skipIfNoPython(t)
	return NewLauncher(Config{
		Timeout:   timeout,
		Isolation: IsolationNone,
		TempDir:   t.TempDir(),
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func runDirCount(t *testing.T, dir string) int {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("reading temp dir: %v", err)
	}
	return len(entries)
}

// --- Launcher (plain subprocess) ---

func TestLauncher_RoundTrip(t *testing.T) {
	l := newTestLauncher(t, 10*time.Second)
	res := l.Run(context.Background(), Request{
		FunctionName: "get_value",
		Code:         "def get_value():\n    return {'x': 1}\n",
	})
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if !reflect.DeepEqual(res.Result, map[string]any{"x": float64(1)}) {
		t.Errorf("result = %#v, want {x: 1}", res.Result)
	}
	if res.Kind != KindNone {
		t.Errorf("kind = %q, want empty", res.Kind)
	}
	if res.Backend != BackendPlain {
		t.Errorf("backend = %s, want plain", res.Backend)
	}
	if res.FunctionName != "get_value" {
		t.Errorf("function name = %q", res.FunctionName)
	}
}

func TestLauncher_ArgumentsAreOneToken(t *testing.T) {
	l := newTestLauncher(t, 10*time.Second)
	res := l.Run(context.Background(), Request{
		FunctionName: "echo",
		Code:         "def echo(text, n):\n    return text * n\n",
		Arguments:    map[string]any{"text": "a b; $(rm -rf /) ", "n": 2},
	})
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.Result != "a b; $(rm -rf /) a b; $(rm -rf /) " {
		t.Errorf("result = %q", res.Result)
	}
}

func TestLauncher_DiagnosticStdout(t *testing.T) {
	l := newTestLauncher(t, 10*time.Second)
	res := l.Run(context.Background(), Request{
		FunctionName: "noisy",
		Code:         "def noisy():\n    print('{\"success\": false}')\n    print('partial', end='')\n    return 42\n",
	})
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.Result != float64(42) {
		t.Errorf("result = %v, want 42", res.Result)
	}
	if !strings.Contains(res.Stdout, "partial") {
		t.Errorf("diagnostic stdout lost: %q", res.Stdout)
	}
}

func TestLauncher_FunctionError(t *testing.T) {
	l := newTestLauncher(t, 10*time.Second)
	res := l.Run(context.Background(), Request{
		FunctionName: "fail",
		Code:         "def fail():\n    raise ValueError('bad input')\n",
	})
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.Kind != KindFunctionError {
		t.Errorf("kind = %q, want function_error", res.Kind)
	}
	if res.Error != "bad input" {
		t.Errorf("error = %q", res.Error)
	}
	if !strings.Contains(res.Traceback, "ValueError") {
		t.Errorf("traceback = %q", res.Traceback)
	}
}

func TestLauncher_MissingFunction(t *testing.T) {
	l := newTestLauncher(t, 10*time.Second)
	res := l.Run(context.Background(), Request{
		FunctionName: "missing",
		Code:         "def present():\n    return 1\n",
	})
	if res.Kind != KindFunctionError || !strings.Contains(res.Error, "not found") {
		t.Errorf("got %+v", res)
	}
}

func TestLauncher_NonZeroExit(t *testing.T) {
	l := newTestLauncher(t, 10*time.Second)
	res := l.Run(context.Background(), Request{
		FunctionName: "quit",
		Code:         "import sys\ndef quit():\n    sys.stderr.write('bye')\n    sys.exit(3)\n",
	})
	if res.Kind != KindNonZeroExit {
		t.Fatalf("kind = %q, want nonzero_exit (%+v)", res.Kind, res)
	}
	if res.Error != "process exited with code 3" {
		t.Errorf("error = %q", res.Error)
	}
	if !strings.Contains(res.Stderr, "bye") {
		t.Errorf("stderr = %q", res.Stderr)
	}
}

func TestLauncher_ProtocolError(t *testing.T) {
	l := newTestLauncher(t, 10*time.Second)
	res := l.Run(context.Background(), Request{
		FunctionName: "bail",
		Code:         "import os\ndef bail():\n    print('not json', flush=True)\n    os._exit(0)\n",
	})
	if res.Kind != KindProtocolError {
		t.Fatalf("kind = %q, want protocol_error (%+v)", res.Kind, res)
	}
	if res.Error != "failed to parse function output" {
		t.Errorf("error = %q", res.Error)
	}
	if !strings.Contains(res.Stdout, "not json") {
		t.Errorf("stdout should be preserved, got %q", res.Stdout)
	}
}

func TestLauncher_UnserializableResult(t *testing.T) {
	l := newTestLauncher(t, 10*time.Second)
	res := l.Run(context.Background(), Request{
		FunctionName: "get_set",
		Code:         "def get_set():\n    return {1, 2}\n",
	})
	if res.Kind != KindFunctionError || !strings.Contains(res.Error, "not JSON serializable") {
		t.Errorf("got %+v", res)
	}
}

func TestLauncher_TimeoutKillsGroup(t *testing.T) {
	l := newTestLauncher(t, 500*time.Millisecond)
	pidFile := filepath.Join(t.TempDir(), "child.pid")

	code := "import subprocess, time\n" +
		"def hang(pid_file):\n" +
		"    child = subprocess.Popen(['sleep', '30'])\n" +
		"    with open(pid_file, 'w') as fh:\n" +
		"        fh.write(str(child.pid))\n" +
		"    time.sleep(30)\n"

	start := time.Now()
	res := l.Run(context.Background(), Request{
		FunctionName: "hang",
		Code:         code,
		Arguments:    map[string]any{"pid_file": pidFile},
	})
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Fatalf("Run took %s, timeout not enforced", elapsed)
	}
	if res.Kind != KindTimeout {
		t.Fatalf("kind = %q, want timeout (%+v)", res.Kind, res)
	}
	if res.Error != "execution timed out after 0.5 seconds" {
		t.Errorf("error = %q", res.Error)
	}
	if res.ExecutionTimeSeconds != 0.5 {
		t.Errorf("execution time = %v, want 0.5", res.ExecutionTimeSeconds)
	}

	data, err := os.ReadFile(pidFile)
	if err != nil {
		t.Skipf("child pid not recorded: %v", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		t.Fatalf("bad pid %q", data)
	}
	deadline := time.Now().Add(3 * time.Second)
	for {
		if err := unix.Kill(pid, 0); errors.Is(err, unix.ESRCH) || processIsZombie(pid) {
			return
		}
		if time.Now().After(deadline) {
			_ = unix.Kill(pid, unix.SIGKILL)
			t.Fatalf("grandchild %d still alive after timeout", pid)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// processIsZombie reports whether pid has exited but not yet been reaped.
func processIsZombie(pid int) bool {
	data, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return false
	}
	// Format: pid (comm) state ...
	stat := string(data)
	idx := strings.LastIndexByte(stat, ')')
	return idx >= 0 && idx+2 < len(stat) && stat[idx+2] == 'Z'
}

func TestLauncher_CallerCancelIsTimeoutKind(t *testing.T) {
	l := newTestLauncher(t, 10*time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	res := l.Run(ctx, Request{
		FunctionName: "hang",
		Code:         "import time\ndef hang():\n    time.sleep(30)\n",
	})
	if res.Kind != KindTimeout {
		t.Errorf("kind = %q, want timeout", res.Kind)
	}
}

func TestLauncher_RunDirRemovedOnEveryPath(t *testing.T) {
	l := newTestLauncher(t, 500*time.Millisecond)
	dir := l.Config().TempDir

	cases := []Request{
		{FunctionName: "ok", Code: "def ok():\n    return 1\n"},
		{FunctionName: "err", Code: "def err():\n    raise RuntimeError('x')\n"},
		{FunctionName: "exit", Code: "import sys\ndef exit():\n    sys.exit(1)\n"},
		{FunctionName: "hang", Code: "import time\ndef hang():\n    time.sleep(30)\n"},
		{FunctionName: "bad name!", Code: ""},
	}
	for _, req := range cases {
		l.Run(context.Background(), req)
		if n := runDirCount(t, dir); n != 0 {
			t.Fatalf("after %q: %d entries left in temp dir", req.FunctionName, n)
		}
	}
}

func TestLauncher_InvalidName(t *testing.T) {
	l := newTestLauncher(t, time.Second)
	res := l.Run(context.Background(), Request{FunctionName: "x; import os", Code: ""})
	if res.Kind != KindSpawnFailure {
		t.Errorf("kind = %q, want spawn_failure", res.Kind)
	}
	if res.ExecutionTimeSeconds != 0 {
		t.Errorf("execution time = %v, want 0", res.ExecutionTimeSeconds)
	}
}

func TestLauncher_MissingInterpreter(t *testing.T) {
	l := NewLauncher(Config{
		Isolation:   IsolationNone,
		Interpreter: "fngate-no-such-python",
		TempDir:     t.TempDir(),
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	res := l.Run(context.Background(), Request{FunctionName: "f", Code: "def f():\n    return 1\n"})
	if res.Kind != KindSpawnFailure || !strings.Contains(res.Error, "not found") {
		t.Errorf("got %+v", res)
	}
}

func TestLauncher_TestModeCapturesOutput(t *testing.T) {
	l := newTestLauncher(t, 10*time.Second)
	res := l.Run(context.Background(), Request{
		FunctionName: "chatty",
		Code:         "import sys\ndef chatty(n):\n    print('hello', n)\n    print('warn', file=sys.stderr)\n    return n + 1\n",
		Arguments:    map[string]any{"n": 1},
		Mode:         protocol.ModeTest,
	})
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.Stdout != "hello 1\n" {
		t.Errorf("stdout = %q", res.Stdout)
	}
	if res.Stderr != "warn\n" {
		t.Errorf("stderr = %q", res.Stderr)
	}
	if res.Result != float64(2) {
		t.Errorf("result = %v", res.Result)
	}
}

// --- Shell ---

func TestRunShell(t *testing.T) {
	l := NewLauncher(Config{}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	res := l.RunShell(context.Background(), "echo hello", 5*time.Second)
	if !res.Success || res.Result != "hello\n" {
		t.Errorf("echo: %+v", res)
	}

	res = l.RunShell(context.Background(), "exit 4", 5*time.Second)
	if res.Kind != KindNonZeroExit || res.Error != "command exited with code 4" {
		t.Errorf("exit: %+v", res)
	}

	res = l.RunShell(context.Background(), "sleep 10", 200*time.Millisecond)
	if res.Kind != KindTimeout {
		t.Errorf("sleep: %+v", res)
	}
}

// --- Backend selection ---

func TestProber_Select(t *testing.T) {
	full := Capabilities{
		BwrapPath: "/usr/bin/bwrap", UserNamespacesEnabled: true,
		FirejailPath: "/usr/bin/firejail", DockerPath: "/usr/bin/docker", DockerReachable: true,
	}
	withImage := ContainerConfig{Image: "python:3.12-slim"}

	tests := []struct {
		name      string
		caps      Capabilities
		isolation Isolation
		container ContainerConfig
		want      Backend
		wantErr   bool
	}{
		{"auto prefers container with image", full, IsolationAuto, withImage, BackendContainer, false},
		{"auto without image uses bwrap", full, IsolationAuto, ContainerConfig{}, BackendBwrap, false},
		{"auto bwrap without userns", Capabilities{BwrapPath: "/usr/bin/bwrap", FirejailPath: "/usr/bin/firejail"}, IsolationAuto, ContainerConfig{}, BackendFirejail, false},
		{"auto nothing installed", Capabilities{}, IsolationAuto, withImage, BackendPlain, false},
		{"namespace requires a jail", Capabilities{}, IsolationNamespace, ContainerConfig{}, "", true},
		{"namespace firejail", Capabilities{FirejailPath: "/usr/bin/firejail"}, IsolationNamespace, ContainerConfig{}, BackendFirejail, false},
		{"container needs image", full, IsolationContainer, ContainerConfig{}, "", true},
		{"container needs daemon", Capabilities{DockerPath: "/usr/bin/docker"}, IsolationContainer, withImage, "", true},
		{"none skips probing", full, IsolationNone, withImage, BackendPlain, false},
		{"disabled skips probing", full, IsolationDisabled, withImage, BackendPlain, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := staticProber(tt.caps).Select(context.Background(), tt.isolation, tt.container)
			if tt.wantErr {
				if !errors.Is(err, ErrBackendUnavailable) {
					t.Fatalf("err = %v, want ErrBackendUnavailable", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("backend = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestProber_CachesWithinTTL(t *testing.T) {
	calls := 0
	p := &Prober{ttl: time.Hour, probing: func(context.Context) Capabilities {
		calls++
		return Capabilities{}
	}}
	p.Capabilities(context.Background())
	p.Capabilities(context.Background())
	if calls != 1 {
		t.Errorf("probe ran %d times, want 1", calls)
	}
}

func TestLauncher_NamespaceUnavailableIsSpawnFailure(t *testing.T) {
	l := NewLauncher(Config{Isolation: IsolationNamespace, TempDir: t.TempDir()},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	l.SetProber(staticProber(Capabilities{}))
	res := l.Run(context.Background(), Request{FunctionName: "f", Code: "def f():\n    return 1\n"})
	if res.Kind != KindSpawnFailure {
		t.Errorf("kind = %q, want spawn_failure", res.Kind)
	}
}

func TestBwrapArgs(t *testing.T) {
	inv := invocation{
		RunDir:      "/tmp/fngate-run-1",
		Script:      "/tmp/fngate-run-1/harness.py",
		ArgsJSON:    `{}`,
		Interpreter: "/usr/bin/python3",
		Env:         map[string]string{"HOME": "/tmp/fngate-run-1", "PATH": "/usr/bin:/bin"},
	}
	args := bwrapArgs(inv)
	for _, want := range []string{"--unshare-all", "--die-with-parent", "--clearenv", "/usr", "/lib64", "/etc/alternatives"} {
		if !slices.Contains(args, want) {
			t.Errorf("bwrap args missing %q", want)
		}
	}
	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "--ro-bind /tmp/fngate-run-1 /tmp/fngate-run-1") {
		t.Error("run dir must be bound read-only")
	}
	if !strings.Contains(joined, "--setenv HOME /tmp") {
		t.Error("HOME should point at the writable tmpfs")
	}
	if !strings.HasSuffix(joined, "-- /usr/bin/python3 /tmp/fngate-run-1/harness.py {}") {
		t.Errorf("command tail wrong: %s", joined)
	}
}

func TestInterpreterPrefix(t *testing.T) {
	if got := interpreterPrefix("python3"); got != "" {
		t.Errorf("relative path prefix = %q", got)
	}
	if got := interpreterPrefix("/opt/fngate-test-env/bin/python3"); got != "/opt/fngate-test-env" {
		t.Errorf("prefix = %q", got)
	}
}

// --- Result interpretation ---

func TestInterpret(t *testing.T) {
	timeout := 2 * time.Second
	tests := []struct {
		name string
		out  processOutcome
		kind ErrorKind
		err  string
	}{
		{"start failure", processOutcome{StartErr: errors.New("exec format error")}, KindSpawnFailure, "starting process: exec format error"},
		{"timeout", processOutcome{TimedOut: true}, KindTimeout, "execution timed out after 2 seconds"},
		{"signal", processOutcome{ExitCode: 137}, KindNonZeroExit, "process exited with code 137"},
		{"garbage", processOutcome{Stdout: "oops"}, KindProtocolError, "failed to parse function output"},
		{"function error", processOutcome{Stdout: `{"success": false, "error": "boom"}`}, KindFunctionError, "boom"},
		{"success", processOutcome{Stdout: `{"success": true, "result": 1}`}, KindNone, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := interpret(protocol.ModeExecute, tt.out, timeout)
			if res.Kind != tt.kind {
				t.Errorf("kind = %q, want %q", res.Kind, tt.kind)
			}
			if res.Error != tt.err {
				t.Errorf("error = %q, want %q", res.Error, tt.err)
			}
			if res.Success != (tt.kind == KindNone) {
				t.Errorf("success = %v", res.Success)
			}
		})
	}
}

func TestInterpret_TimeoutReportsCeiling(t *testing.T) {
	res := interpret(protocol.ModeExecute, processOutcome{TimedOut: true, Duration: 3 * time.Second}, 2*time.Second)
	if res.ExecutionTimeSeconds != 2 {
		t.Errorf("execution time = %v, want timeout ceiling 2", res.ExecutionTimeSeconds)
	}
}

func TestHeadTailBuffer(t *testing.T) {
	b := newHeadTailBuffer(4, 6)
	n, err := b.Write([]byte("hello world"))
	if err != nil || n != 11 {
		t.Fatalf("Write = %d, %v; want full length accepted", n, err)
	}
	for _, chunk := range []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j", "k", "l", "m", "!\n"} {
		if _, err := b.Write([]byte(chunk)); err != nil {
			t.Fatal(err)
		}
	}
	if !b.Truncated() {
		t.Fatal("expected truncation")
	}
	want := "hell\n[... 16 bytes omitted ...]\njklm!\n"
	if got := b.String(); got != want {
		t.Errorf("String = %q, want %q", got, want)
	}

	small := newHeadTailBuffer(4, 6)
	_, _ = small.Write([]byte("abc"))
	_, _ = small.Write([]byte("defgh"))
	if small.Truncated() || small.String() != "abcdefgh" {
		t.Errorf("untruncated String = %q", small.String())
	}
}

func TestLauncher_LargeDiagnosticOutputKeepsResult(t *testing.T) {
	l := newTestLauncher(t, 30*time.Second)
	res := l.Run(context.Background(), Request{
		FunctionName: "flood",
		Code:         "def flood():\n    print('x' * (2 * 1024 * 1024))\n    return {'x': 1}\n",
	})
	if !res.Success {
		t.Fatalf("expected success, got kind=%q error=%q", res.Kind, res.Error)
	}
	if !reflect.DeepEqual(res.Result, map[string]any{"x": float64(1)}) {
		t.Errorf("result = %#v", res.Result)
	}
	if !strings.Contains(res.Stdout, "bytes omitted") {
		t.Error("expected truncation marker in diagnostic stdout")
	}
}

func TestLauncher_TestModeClipsCapturedOutput(t *testing.T) {
	l := newTestLauncher(t, 30*time.Second)
	res := l.Run(context.Background(), Request{
		FunctionName: "flood",
		Code:         "def flood():\n    print('y' * (2 * 1024 * 1024))\n    return 7\n",
		Mode:         protocol.ModeTest,
	})
	if !res.Success {
		t.Fatalf("expected success, got kind=%q error=%q", res.Kind, res.Error)
	}
	if res.Result != float64(7) {
		t.Errorf("result = %v", res.Result)
	}
	if len(res.Stdout) > 128*1024 || !strings.Contains(res.Stdout, "characters omitted") {
		t.Errorf("captured stdout not clipped: %d bytes", len(res.Stdout))
	}
}

func TestLauncher_BackgroundProcessKilledOnReturn(t *testing.T) {
	l := newTestLauncher(t, 30*time.Second)
	pidFile := filepath.Join(t.TempDir(), "bg.pid")

	code := "import subprocess, sys\n" +
		"def spawn(pid_file):\n" +
		"    child = subprocess.Popen([sys.executable, '-c', 'import time; time.sleep(300)'])\n" +
		"    with open(pid_file, 'w') as fh:\n" +
		"        fh.write(str(child.pid))\n" +
		"    return {'x': 1}\n"

	start := time.Now()
	res := l.Run(context.Background(), Request{
		FunctionName: "spawn",
		Code:         code,
		Arguments:    map[string]any{"pid_file": pidFile},
	})
	if !res.Success {
		t.Fatalf("expected success, got kind=%q error=%q", res.Kind, res.Error)
	}
	if elapsed := time.Since(start); elapsed > waitDelay {
		t.Errorf("Run took %s, waited on the background process", elapsed)
	}

	data, err := os.ReadFile(pidFile)
	if err != nil {
		t.Fatalf("background pid not recorded: %v", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		t.Fatalf("bad pid %q", data)
	}
	deadline := time.Now().Add(3 * time.Second)
	for {
		if err := unix.Kill(pid, 0); errors.Is(err, unix.ESRCH) || processIsZombie(pid) {
			return
		}
		if time.Now().After(deadline) {
			_ = unix.Kill(pid, unix.SIGKILL)
			t.Fatalf("background process %d survived the call", pid)
		}
		time.Sleep(50 * time.Millisecond)
	}
}
