package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"
)

// DefaultShellTimeout bounds RunShell when no timeout is given.
const DefaultShellTimeout = 30 * time.Second

// RunShell runs command through /bin/sh -c on the host, without isolation.
// This is the one path that interprets a shell string. Callers must have
// authorized and confirmed it; the launcher does not.
func (l *Launcher) RunShell(ctx context.Context, command string, timeout time.Duration) *ExecutionResult {
	if timeout <= 0 {
		timeout = DefaultShellTimeout
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	env := baseEnv(home)
	env["TMPDIR"] = os.TempDir()

	spec := ulimitWrap(l.cfg.Limits, "/bin/sh", "-c", command)
	spec.Env = envList(env)

	l.logger.WarnContext(ctx, "executing shell command", slog.String("command", command), slog.Duration("timeout", timeout))
	out := runProcess(ctx, spec, timeout)

	res := &ExecutionResult{
		FunctionName:         "execute_command",
		Stdout:               out.Stdout,
		Stderr:               out.Stderr,
		ExecutionTimeSeconds: out.Duration.Seconds(),
		Backend:              BackendPlain,
	}
	switch {
	case out.StartErr != nil:
		res.Kind = KindSpawnFailure
		res.Error = fmt.Sprintf("starting command: %v", out.StartErr)
		res.ExecutionTimeSeconds = 0
	case out.TimedOut:
		res.Kind = KindTimeout
		res.Error = TimeoutMessage(timeout)
		res.ExecutionTimeSeconds = timeout.Seconds()
	case out.WaitErr != nil:
		res.Kind = KindSpawnFailure
		res.Error = fmt.Sprintf("waiting for command: %v", out.WaitErr)
	case out.ExitCode != 0:
		res.Kind = KindNonZeroExit
		res.Error = fmt.Sprintf("command exited with code %d", out.ExitCode)
	default:
		res.Success = true
		res.Result = out.Stdout
	}
	l.logger.InfoContext(ctx, "shell command completed",
		slog.Bool("success", res.Success),
		slog.String("kind", string(res.Kind)),
		slog.Int("exit_code", out.ExitCode),
		slog.Duration("duration", out.Duration),
	)
	return res
}
