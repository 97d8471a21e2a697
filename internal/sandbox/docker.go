package sandbox

import (
	"bytes"
	"context"
	"log/slog"
	"os/exec"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
)

const (
	defaultContainerPIDsLimit   = 64
	defaultContainerCPUCores    = 1.0
	defaultContainerInterpreter = "python3"

	// containerRunDir is where the host run directory is mounted.
	containerRunDir = "/fngate"
)

// containerArgs builds the docker run argument list.
//
// The container is ephemeral (--rm), has no network, drops every
// capability, runs as nobody on a read-only root filesystem and sees the
// run directory read-only.
func containerArgs(name string, inv invocation, cfg ContainerConfig) []string {
	memoryFlag := strconv.Itoa(inv.Limits.MaxMemoryMB) + "m"
	cpuFlag := strconv.FormatFloat(cfg.CPUCores, 'f', 2, 64)
	pidsFlag := strconv.Itoa(cfg.PIDsLimit)

	args := []string{
		"run", "--rm", "-i",
		"--name", name,

		"--network=none",
		"--cap-drop=ALL",
		"--security-opt=no-new-privileges",
		"--read-only",
		"--user=65534:65534",

		"--memory=" + memoryFlag,
		"--memory-swap=" + memoryFlag,
		"--cpus=" + cpuFlag,
		"--pids-limit=" + pidsFlag,
		"--ulimit", "cpu=" + strconv.Itoa(inv.Limits.MaxCPUSeconds),

		"--tmpfs", "/tmp:rw,noexec,nosuid,size=64m",
		"--volume", inv.RunDir + ":" + containerRunDir + ":ro",
		"--workdir", containerRunDir,
	}

	keys := make([]string, 0, len(inv.Env))
	for k := range inv.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := inv.Env[k]
		if k == "HOME" || k == "TMPDIR" {
			v = "/tmp"
		}
		args = append(args, "--env", k+"="+v)
	}

	script := path.Join(containerRunDir, filepath.Base(inv.Script))
	args = append(args, cfg.Image, cfg.Interpreter, script, inv.ArgsJSON)
	return args
}

// containerName returns a unique name: fngate-sbx-<uuid>.
func containerName() string {
	return "fngate-sbx-" + uuid.NewString()
}

// forceRemoveContainer removes a container by name in case --rm did not
// fire (OOM kill, daemon restart, cancel race). Errors are logged only.
func forceRemoveContainer(dockerPath, name string, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, dockerPath, "rm", "-f", name).CombinedOutput()
	if err != nil && !bytes.Contains(out, []byte("No such container")) {
		logger.Warn("docker rm -f failed",
			slog.String("container", name),
			slog.String("error", err.Error()),
			slog.String("output", string(out)),
		)
	}
}
