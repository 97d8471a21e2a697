package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// ErrBackendUnavailable is returned when the requested isolation cannot be
// provided on this host.
var ErrBackendUnavailable = errors.New("isolation backend unavailable")

const defaultProbeTTL = time.Minute

// Capabilities describes what isolation tools were found on the host.
type Capabilities struct {
	BwrapPath             string `json:"bwrap_path,omitempty"`
	FirejailPath          string `json:"firejail_path,omitempty"`
	DockerPath            string `json:"docker_path,omitempty"`
	DockerReachable       bool   `json:"docker_reachable"`
	UserNamespacesEnabled bool   `json:"user_namespaces_enabled"`
}

// Prober selects a backend per call. Probe results are cached for a short
// TTL; selection itself is repeated on every call.
type Prober struct {
	ttl time.Duration

	mu      sync.Mutex
	caps    Capabilities
	probed  time.Time
	probing func(ctx context.Context) Capabilities
}

// NewProber creates a prober that inspects the host. A zero ttl uses one minute;
// a negative ttl disables caching.
func NewProber(ttl time.Duration) *Prober {
	if ttl == 0 {
		ttl = defaultProbeTTL
	}
	return &Prober{ttl: ttl, probing: DetectCapabilities}
}

// staticProber always reports caps. Used in tests.
func staticProber(caps Capabilities) *Prober {
	return &Prober{ttl: -1, probing: func(context.Context) Capabilities { return caps }}
}

// Capabilities returns the (possibly cached) host capabilities.
func (p *Prober) Capabilities(ctx context.Context) Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ttl > 0 && !p.probed.IsZero() && time.Since(p.probed) < p.ttl {
		return p.caps
	}
	p.caps = p.probing(ctx)
	p.probed = time.Now()
	return p.caps
}

// Select picks the backend for one call.
func (p *Prober) Select(ctx context.Context, isolation Isolation, container ContainerConfig) (Backend, error) {
	switch isolation {
	case IsolationNone, IsolationDisabled:
		return BackendPlain, nil
	}

	caps := p.Capabilities(ctx)
	bwrapUsable := caps.BwrapPath != "" && caps.UserNamespacesEnabled

	switch isolation {
	case IsolationContainer:
		if container.Image == "" {
			return "", fmt.Errorf("%w: no container image configured", ErrBackendUnavailable)
		}
		if !caps.DockerReachable {
			return "", fmt.Errorf("%w: docker daemon not reachable", ErrBackendUnavailable)
		}
		return BackendContainer, nil
	case IsolationNamespace:
		if bwrapUsable {
			return BackendBwrap, nil
		}
		if caps.FirejailPath != "" {
			return BackendFirejail, nil
		}
		return "", fmt.Errorf("%w: neither bubblewrap nor firejail usable", ErrBackendUnavailable)
	default:
		if container.Image != "" && caps.DockerReachable {
			return BackendContainer, nil
		}
		if bwrapUsable {
			return BackendBwrap, nil
		}
		if caps.FirejailPath != "" {
			return BackendFirejail, nil
		}
		return BackendPlain, nil
	}
}

// DetectCapabilities checks which isolation tools are installed and usable.
func DetectCapabilities(ctx context.Context) Capabilities {
	var caps Capabilities

	if path, err := findExecutable("bwrap", "/usr/bin/bwrap", "/usr/local/bin/bwrap", "/bin/bwrap"); err == nil {
		caps.BwrapPath = path
		caps.UserNamespacesEnabled = checkUserNamespaces(ctx, path)
	}
	if path, err := findExecutable("firejail", "/usr/bin/firejail", "/usr/local/bin/firejail"); err == nil {
		caps.FirejailPath = path
	}
	if path, err := exec.LookPath("docker"); err == nil {
		caps.DockerPath = path
		probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		caps.DockerReachable = exec.CommandContext(probeCtx, path, "info", "--format", "{{.ServerVersion}}").Run() == nil
	}
	return caps
}

// findExecutable checks well-known locations first, then PATH.
func findExecutable(name string, candidates ...string) (string, error) {
	for _, path := range candidates {
		if unix.Access(path, unix.X_OK) == nil {
			return path, nil
		}
	}
	return exec.LookPath(name)
}

// checkUserNamespaces tests whether unprivileged user namespaces work.
func checkUserNamespaces(ctx context.Context, bwrapPath string) bool {
	if data, err := os.ReadFile("/proc/sys/kernel/unprivileged_userns_clone"); err == nil {
		if strings.TrimSpace(string(data)) == "0" {
			return false
		}
	}
	if data, err := os.ReadFile("/proc/sys/user/max_user_namespaces"); err == nil {
		if strings.TrimSpace(string(data)) == "0" {
			return false
		}
	}
	probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return exec.CommandContext(probeCtx, bwrapPath,
		"--unshare-user",
		"--ro-bind", "/", "/",
		"--", "true",
	).Run() == nil
}
