package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

const (
	// Each stream keeps its first outputHeadBytes and its last
	// outputTailBytes. The result line is the last line of stdout, so the
	// tail is the part that must survive.
	outputHeadBytes = 64 << 10 // 64 KiB
	outputTailBytes = 1 << 20  // 1 MiB

	defaultTimeout     = 10 * time.Second
	defaultCPUSeconds  = 60
	defaultMemoryMB    = 512
	defaultInterpreter = "python3"

	// waitDelay bounds how long output is drained after the child exits,
	// and how long a canceled child gets before a hard kill.
	waitDelay = 2 * time.Second
)

// execSpec is a fully built child command line.
type execSpec struct {
	Program string
	Args    []string
	Dir     string
	Env     []string
}

// processOutcome is what happened to one child.
type processOutcome struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
	TimedOut bool
	// StartErr is set when the child never started.
	StartErr error
	// WaitErr is set for failures other than a nonzero exit.
	WaitErr error
}

// runProcess spawns spec in its own process group and blocks until it exits
// or the timeout fires. On timeout or cancellation the whole group is killed.
// Whatever the outcome, processes the child left behind in its group are
// killed once it exits.
func runProcess(ctx context.Context, spec execSpec, timeout time.Duration) processOutcome {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, spec.Program, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return killGroup(cmd.Process.Pid)
	}
	cmd.WaitDelay = waitDelay

	var out processOutcome
	stdout, err := newStreamCapture()
	if err != nil {
		out.StartErr = err
		return out
	}
	defer stdout.close()
	stderr, err := newStreamCapture()
	if err != nil {
		out.StartErr = err
		return out
	}
	defer stderr.close()

	// The child gets the write ends directly, so Wait returns as soon as it
	// exits even if a background process still holds the pipe.
	cmd.Stdout = stdout.w
	cmd.Stderr = stderr.w

	start := time.Now()
	if err := cmd.Start(); err != nil {
		out.StartErr = err
		return out
	}
	stdout.startDrain()
	stderr.startDrain()

	waitErr := cmd.Wait()
	out.Duration = time.Since(start)
	_ = killGroup(cmd.Process.Pid)

	drainCtx, drainCancel := context.WithTimeout(context.Background(), waitDelay)
	stdout.finish(drainCtx)
	stderr.finish(drainCtx)
	drainCancel()
	out.Stdout = stdout.buf.String()
	out.Stderr = stderr.buf.String()

	if ctx.Err() != nil {
		out.TimedOut = true
		return out
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			out.ExitCode = exitCode(exitErr)
		} else if !errors.Is(waitErr, exec.ErrWaitDelay) || !cmd.ProcessState.Success() {
			out.WaitErr = waitErr
		}
	}
	return out
}

// streamCapture is one output pipe of a child and the goroutine copying it
// into a bounded buffer.
type streamCapture struct {
	r, w *os.File
	buf  *headTailBuffer
	done chan struct{}
}

func newStreamCapture() (*streamCapture, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating output pipe: %w", err)
	}
	return &streamCapture{
		r:    r,
		w:    w,
		buf:  newHeadTailBuffer(outputHeadBytes, outputTailBytes),
		done: make(chan struct{}),
	}, nil
}

// startDrain closes the parent's write end, which the child now holds, and
// starts copying.
func (s *streamCapture) startDrain() {
	_ = s.w.Close()
	s.w = nil
	go func() {
		defer close(s.done)
		_, _ = io.Copy(s.buf, s.r)
	}()
}

// finish waits for the copy to reach EOF, or for ctx to end when some
// process outside the group still holds the write end.
func (s *streamCapture) finish(ctx context.Context) {
	select {
	case <-s.done:
	case <-ctx.Done():
		_ = s.r.Close()
		<-s.done
	}
}

func (s *streamCapture) close() {
	if s.w != nil {
		_ = s.w.Close()
	}
	_ = s.r.Close()
}

// MaxRunLifetime is how long a run directory can stay in use by a call with
// the given timeout: the run, the kill grace and the output drain.
func MaxRunLifetime(timeout time.Duration) time.Duration {
	return timeout + 2*waitDelay
}

// killGroup sends SIGKILL to the process group led by pid.
func killGroup(pid int) error {
	err := unix.Kill(-pid, unix.SIGKILL)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

// exitCode maps a signal death to the shell convention 128+signo.
func exitCode(exitErr *exec.ExitError) int {
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return exitErr.ExitCode()
}

// ulimitWrap runs program under ulimit through /bin/sh. The program and its
// arguments are passed as positional parameters and never interpolated into
// the shell string.
func ulimitWrap(limits ResourceLimits, program string, args ...string) execSpec {
	script := fmt.Sprintf(
		"ulimit -v %d 2>/dev/null; ulimit -t %d 2>/dev/null; exec \"$@\"",
		limits.MaxMemoryMB*1024, limits.MaxCPUSeconds,
	)
	argv := make([]string, 0, 4+len(args))
	argv = append(argv, "-c", script, "_", program)
	argv = append(argv, args...)
	return execSpec{Program: "/bin/sh", Args: argv}
}

// baseEnv is the minimal environment given to children. The parent's
// environment is never inherited, so credentials do not leak.
func baseEnv(home string) map[string]string {
	return map[string]string{
		"PATH":                    "/usr/local/bin:/usr/bin:/bin",
		"HOME":                    home,
		"TMPDIR":                  home,
		"LANG":                    "C.UTF-8",
		"TERM":                    "dumb",
		"PYTHONDONTWRITEBYTECODE": "1",
		"PYTHONIOENCODING":        "utf-8",
	}
}

func envList(env map[string]string) []string {
	list := make([]string, 0, len(env))
	for k, v := range env {
		list = append(list, k+"="+v)
	}
	return list
}

// dockerClientEnv is the subset of the parent environment the docker CLI
// needs to reach its daemon.
func dockerClientEnv() []string {
	env := []string{"PATH=" + os.Getenv("PATH")}
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, "DOCKER_") || strings.HasPrefix(kv, "HOME=") || strings.HasPrefix(kv, "XDG_RUNTIME_DIR=") {
			env = append(env, kv)
		}
	}
	return env
}

// headTailBuffer keeps the first head bytes and the last tail bytes written
// to it. Writes never fail, so the child never blocks on a full pipe.
type headTailBuffer struct {
	head    []byte
	tail    []byte
	headMax int
	tailMax int
	total   int64
}

func newHeadTailBuffer(headMax, tailMax int) *headTailBuffer {
	return &headTailBuffer{headMax: headMax, tailMax: tailMax}
}

func (b *headTailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	b.total += int64(n)
	if room := b.headMax - len(b.head); room > 0 {
		k := min(room, len(p))
		b.head = append(b.head, p[:k]...)
		p = p[k:]
	}
	if len(p) >= b.tailMax {
		b.tail = append(b.tail[:0], p[len(p)-b.tailMax:]...)
		return n, nil
	}
	b.tail = append(b.tail, p...)
	// Compact lazily so a stream of small writes stays linear.
	if len(b.tail) > 2*b.tailMax {
		b.tail = append(b.tail[:0], b.tail[len(b.tail)-b.tailMax:]...)
	}
	return n, nil
}

// Truncated reports whether any bytes were dropped.
func (b *headTailBuffer) Truncated() bool {
	return b.total > int64(len(b.head)+min(len(b.tail), b.tailMax))
}

// String returns the kept bytes. When the middle was dropped a marker line
// stands in for it.
func (b *headTailBuffer) String() string {
	tail := b.tail
	if len(tail) > b.tailMax {
		tail = tail[len(tail)-b.tailMax:]
	}
	if !b.Truncated() {
		return string(b.head) + string(tail)
	}
	dropped := b.total - int64(len(b.head)+len(tail))
	return fmt.Sprintf("%s\n[... %d bytes omitted ...]\n%s", b.head, dropped, tail)
}
