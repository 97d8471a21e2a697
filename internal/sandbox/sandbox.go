// Package sandbox runs untrusted functions in isolated child processes.
// Nothing here executes function code in-process; every call gets its own
// child, its own run directory and its own wall-clock budget.
package sandbox

import (
	"context"
	"time"

	"github.com/jkaninda/fngate/internal/protocol"
)

// Runner executes a single function call and always returns a result.
type Runner interface {
	Run(ctx context.Context, req Request) *ExecutionResult
}

// Isolation selects how hard the launcher tries to contain the child.
type Isolation string

const (
	// IsolationAuto probes container, bubblewrap, firejail, then falls back
	// to a plain subprocess.
	IsolationAuto Isolation = "auto"
	// IsolationNamespace requires bubblewrap or firejail.
	IsolationNamespace Isolation = "namespace"
	// IsolationContainer requires docker and a configured image.
	IsolationContainer Isolation = "container"
	// IsolationNone runs a plain subprocess without probing.
	IsolationNone Isolation = "none"
	// IsolationDisabled is IsolationNone, kept as a separate value so that
	// logs show isolation was switched off on purpose.
	IsolationDisabled Isolation = "disabled"
)

// Valid reports whether i is a known isolation mode.
func (i Isolation) Valid() bool {
	switch i {
	case IsolationAuto, IsolationNamespace, IsolationContainer, IsolationNone, IsolationDisabled:
		return true
	}
	return false
}

// Backend names the isolation mechanism that actually ran a call.
type Backend string

const (
	BackendContainer Backend = "container"
	BackendBwrap     Backend = "bwrap"
	BackendFirejail  Backend = "firejail"
	BackendPlain     Backend = "plain"
)

// ErrorKind discriminates failed results.
type ErrorKind string

const (
	KindNone               ErrorKind = ""
	KindPermissionDenied   ErrorKind = "permission_denied"
	KindConfirmationDenied ErrorKind = "confirmation_denied"
	KindSpawnFailure       ErrorKind = "spawn_failure"
	KindTimeout            ErrorKind = "timeout"
	KindNonZeroExit        ErrorKind = "nonzero_exit"
	KindProtocolError      ErrorKind = "protocol_error"
	KindFunctionError      ErrorKind = "function_error"
)

// ResourceLimits constrains the child process.
type ResourceLimits struct {
	MaxCPUSeconds int `json:"max_cpu_seconds" yaml:"max_cpu_seconds"` // ulimit -t.
	MaxMemoryMB   int `json:"max_memory_mb" yaml:"max_memory_mb"`     // ulimit -v, or --memory for containers.
}

// ContainerConfig configures the docker backend.
type ContainerConfig struct {
	Image       string  `json:"image" yaml:"image"`
	Interpreter string  `json:"interpreter" yaml:"interpreter"` // Path inside the image. Default "python3".
	CPUCores    float64 `json:"cpu_cores" yaml:"cpu_cores"`
	PIDsLimit   int     `json:"pids_limit" yaml:"pids_limit"`
}

// Config configures the launcher.
type Config struct {
	Timeout     time.Duration
	Isolation   Isolation
	Interpreter string // Host interpreter. Default "python3" from PATH.
	TempDir     string // Parent of per-call run directories. Default os.TempDir().
	Limits      ResourceLimits
	Container   ContainerConfig
}

// Request is one function call.
type Request struct {
	FunctionName string
	Code         string
	Arguments    map[string]any
	Mode         protocol.Mode
	// Timeout overrides Config.Timeout when non-zero.
	Timeout time.Duration
}

// ExecutionResult is the outcome of a call. Failures are values: Kind is
// empty on success and names the failure otherwise.
type ExecutionResult struct {
	ID                   string    `json:"id,omitempty"`
	FunctionName         string    `json:"function_name,omitempty"`
	Success              bool      `json:"success"`
	Result               any       `json:"result"`
	Error                string    `json:"error,omitempty"`
	Kind                 ErrorKind `json:"kind,omitempty"`
	Traceback            string    `json:"traceback,omitempty"`
	Stdout               string    `json:"stdout"`
	Stderr               string    `json:"stderr"`
	ExecutionTimeSeconds float64   `json:"execution_time_seconds"`
	Backend              Backend   `json:"backend,omitempty"`
}

// Failure builds a result for a call that did not produce output.
func Failure(kind ErrorKind, msg string) *ExecutionResult {
	return &ExecutionResult{Kind: kind, Error: msg}
}
