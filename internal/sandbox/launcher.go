package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/jkaninda/fngate/internal/protocol"
)

// RunDirPattern is the os.MkdirTemp pattern of per-call run directories.
const RunDirPattern = "fngate-run-*"

// Launcher runs function calls in child processes.
//
// Guarantees per call:
//   - a fresh run directory, removed on every exit path
//   - the child in its own process group, killed as a group on timeout
//   - no inherited environment
//   - ulimit CPU and memory limits, or docker limits for containers
//   - stdout and stderr capped at 1 MiB each
type Launcher struct {
	cfg    Config
	prober *Prober
	logger *slog.Logger
}

// NewLauncher creates a launcher, filling unset config fields with defaults.
func NewLauncher(cfg Config, logger *slog.Logger) *Launcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Isolation == "" {
		cfg.Isolation = IsolationAuto
	}
	if cfg.Interpreter == "" {
		cfg.Interpreter = defaultInterpreter
	}
	if cfg.Limits.MaxCPUSeconds <= 0 {
		cfg.Limits.MaxCPUSeconds = defaultCPUSeconds
	}
	if cfg.Limits.MaxMemoryMB <= 0 {
		cfg.Limits.MaxMemoryMB = defaultMemoryMB
	}
	if cfg.Container.Interpreter == "" {
		cfg.Container.Interpreter = defaultContainerInterpreter
	}
	if cfg.Container.CPUCores <= 0 {
		cfg.Container.CPUCores = defaultContainerCPUCores
	}
	if cfg.Container.PIDsLimit <= 0 {
		cfg.Container.PIDsLimit = defaultContainerPIDsLimit
	}
	return &Launcher{
		cfg:    cfg,
		prober: NewProber(0),
		logger: logger,
	}
}

// SetProber replaces the backend prober.
func (l *Launcher) SetProber(p *Prober) { l.prober = p }

// Prober returns the backend prober.
func (l *Launcher) Prober() *Prober { return l.prober }

// Config returns the effective configuration.
func (l *Launcher) Config() Config { return l.cfg }

// Run executes one function call. It never returns nil and never panics on
// child misbehavior; setup failures become spawn_failure results.
func (l *Launcher) Run(ctx context.Context, req Request) *ExecutionResult {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = l.cfg.Timeout
	}

	res := l.run(ctx, req, timeout)
	res.FunctionName = req.FunctionName
	return res
}

func (l *Launcher) run(ctx context.Context, req Request, timeout time.Duration) *ExecutionResult {
	script, err := protocol.BuildScript(req.Mode, req.FunctionName, req.Code)
	if err != nil {
		return Failure(KindSpawnFailure, fmt.Sprintf("preparing sandbox: %v", err))
	}
	argsJSON, err := protocol.EncodeArguments(req.Arguments)
	if err != nil {
		return Failure(KindSpawnFailure, fmt.Sprintf("preparing sandbox: %v", err))
	}

	backend, err := l.prober.Select(ctx, l.cfg.Isolation, l.cfg.Container)
	if err != nil {
		return Failure(KindSpawnFailure, fmt.Sprintf("preparing sandbox: %v", err))
	}

	interpreter := l.cfg.Container.Interpreter
	if backend != BackendContainer {
		interpreter, err = exec.LookPath(l.cfg.Interpreter)
		if err != nil {
			return backendFailure(backend, fmt.Sprintf("interpreter %q not found: %v", l.cfg.Interpreter, err))
		}
	}

	runDir, err := os.MkdirTemp(l.cfg.TempDir, RunDirPattern)
	if err != nil {
		return backendFailure(backend, fmt.Sprintf("creating run directory: %v", err))
	}
	defer func() {
		if rmErr := os.RemoveAll(runDir); rmErr != nil {
			l.logger.Warn("failed to remove run directory",
				slog.String("dir", runDir),
				slog.String("error", rmErr.Error()),
			)
		}
	}()

	scriptPath := filepath.Join(runDir, protocol.ScriptName)
	scriptMode := os.FileMode(0o600)
	if backend == BackendContainer {
		// The container runs as nobody and must be able to read the script.
		scriptMode = 0o644
		if err := os.Chmod(runDir, 0o755); err != nil {
			return backendFailure(backend, fmt.Sprintf("preparing run directory: %v", err))
		}
	}
	if err := os.WriteFile(scriptPath, []byte(script), scriptMode); err != nil {
		return backendFailure(backend, fmt.Sprintf("writing harness: %v", err))
	}

	inv := invocation{
		RunDir:      runDir,
		Script:      scriptPath,
		ArgsJSON:    argsJSON,
		Interpreter: interpreter,
		Env:         baseEnv(runDir),
		Limits:      l.cfg.Limits,
	}
	spec, cleanup := l.buildSpec(backend, inv)
	if cleanup != nil {
		defer cleanup()
	}

	if l.cfg.Isolation == IsolationDisabled {
		l.logger.WarnContext(ctx, "sandbox isolation disabled", slog.String("function", req.FunctionName))
	}
	l.logger.InfoContext(ctx, "sandbox executing",
		slog.String("function", req.FunctionName),
		slog.String("backend", string(backend)),
		slog.String("dir", runDir),
		slog.Int("memory_limit_mb", inv.Limits.MaxMemoryMB),
		slog.Int("cpu_limit_sec", inv.Limits.MaxCPUSeconds),
		slog.Duration("timeout", timeout),
	)

	out := runProcess(ctx, spec, timeout)
	res := interpret(req.Mode, out, timeout)
	res.Backend = backend

	level := slog.LevelInfo
	if !res.Success {
		level = slog.LevelWarn
	}
	l.logger.Log(ctx, level, "sandbox execution completed",
		slog.String("function", req.FunctionName),
		slog.String("backend", string(backend)),
		slog.Bool("success", res.Success),
		slog.String("kind", string(res.Kind)),
		slog.Int("exit_code", out.ExitCode),
		slog.Duration("duration", out.Duration),
		slog.Int("stdout_bytes", len(out.Stdout)),
		slog.Int("stderr_bytes", len(out.Stderr)),
	)
	return res
}

// buildSpec turns an invocation into a command line for backend. The
// returned cleanup, if any, runs after the child has exited.
func (l *Launcher) buildSpec(backend Backend, inv invocation) (execSpec, func()) {
	switch backend {
	case BackendContainer:
		dockerPath := l.prober.Capabilities(context.Background()).DockerPath
		if dockerPath == "" {
			dockerPath = "docker"
		}
		name := containerName()
		spec := execSpec{
			Program: dockerPath,
			Args:    containerArgs(name, inv, l.cfg.Container),
			Env:     dockerClientEnv(),
		}
		return spec, func() { forceRemoveContainer(dockerPath, name, l.logger) }
	case BackendBwrap:
		caps := l.prober.Capabilities(context.Background())
		spec := ulimitWrap(inv.Limits, caps.BwrapPath, bwrapArgs(inv)...)
		spec.Dir = inv.RunDir
		spec.Env = envList(inv.Env)
		return spec, nil
	case BackendFirejail:
		caps := l.prober.Capabilities(context.Background())
		spec := ulimitWrap(inv.Limits, caps.FirejailPath, firejailArgs(inv)...)
		spec.Dir = inv.RunDir
		spec.Env = envList(inv.Env)
		return spec, nil
	default:
		spec := ulimitWrap(inv.Limits, inv.Interpreter, inv.Script, inv.ArgsJSON)
		spec.Dir = inv.RunDir
		spec.Env = envList(inv.Env)
		return spec, nil
	}
}

// interpret converts a process outcome into a result.
func interpret(mode protocol.Mode, out processOutcome, timeout time.Duration) *ExecutionResult {
	switch {
	case out.StartErr != nil:
		return Failure(KindSpawnFailure, fmt.Sprintf("starting process: %v", out.StartErr))
	case out.TimedOut:
		return &ExecutionResult{
			Kind:                 KindTimeout,
			Error:                TimeoutMessage(timeout),
			Stdout:               out.Stdout,
			Stderr:               out.Stderr,
			ExecutionTimeSeconds: timeout.Seconds(),
		}
	case out.WaitErr != nil:
		return &ExecutionResult{
			Kind:                 KindSpawnFailure,
			Error:                fmt.Sprintf("waiting for process: %v", out.WaitErr),
			Stdout:               out.Stdout,
			Stderr:               out.Stderr,
			ExecutionTimeSeconds: out.Duration.Seconds(),
		}
	case out.ExitCode != 0:
		return &ExecutionResult{
			Kind:                 KindNonZeroExit,
			Error:                fmt.Sprintf("process exited with code %d", out.ExitCode),
			Stdout:               out.Stdout,
			Stderr:               out.Stderr,
			ExecutionTimeSeconds: out.Duration.Seconds(),
		}
	}

	payload, diagnostic, err := protocol.ParseOutput(out.Stdout)
	if err != nil {
		return &ExecutionResult{
			Kind:                 KindProtocolError,
			Error:                "failed to parse function output",
			Stdout:               out.Stdout,
			Stderr:               out.Stderr,
			ExecutionTimeSeconds: out.Duration.Seconds(),
		}
	}

	res := &ExecutionResult{
		Success:              payload.Success,
		Stdout:               diagnostic,
		Stderr:               out.Stderr,
		ExecutionTimeSeconds: out.Duration.Seconds(),
	}
	if mode == protocol.ModeTest {
		if payload.Stdout != nil {
			res.Stdout = joinOutput(diagnostic, *payload.Stdout)
		}
		if payload.Stderr != nil {
			res.Stderr = joinOutput(out.Stderr, *payload.Stderr)
		}
		if payload.ExecutionTime != nil {
			res.ExecutionTimeSeconds = *payload.ExecutionTime
		}
	}
	if payload.Success {
		res.Result = payload.Result
		return res
	}
	res.Kind = KindFunctionError
	res.Error = payload.Error
	if res.Error == "" {
		res.Error = "function failed without an error message"
	}
	res.Traceback = payload.Traceback
	return res
}

// TimeoutMessage is the error text of timeout results.
func TimeoutMessage(timeout time.Duration) string {
	return "execution timed out after " + formatSeconds(timeout) + " seconds"
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}

func joinOutput(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	}
	return a + "\n" + b
}

func backendFailure(backend Backend, msg string) *ExecutionResult {
	res := Failure(KindSpawnFailure, msg)
	res.Backend = backend
	return res
}
