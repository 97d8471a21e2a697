package sandbox

import (
	"path/filepath"
	"sort"
	"strings"
)

// systemMounts is the read-only view of the host needed to start an
// interpreter. Missing paths are skipped (--ro-bind-try).
var systemMounts = []string{"/usr", "/lib", "/lib64", "/bin", "/etc/alternatives"}

// invocation is everything a backend needs to build its command line.
type invocation struct {
	RunDir      string
	Script      string // Absolute host path of the harness.
	ArgsJSON    string
	Interpreter string // Resolved host interpreter.
	Env         map[string]string
	Limits      ResourceLimits
}

// bwrapArgs builds the bubblewrap argument list. All namespaces are
// unshared, so the child has no network. The run directory is bound
// read-only at the same path so the script path is unchanged inside.
func bwrapArgs(inv invocation) []string {
	args := []string{
		"--unshare-all",
		"--die-with-parent",
		"--new-session",
	}
	for _, m := range systemMounts {
		args = append(args, "--ro-bind-try", m, m)
	}
	if prefix := interpreterPrefix(inv.Interpreter); prefix != "" {
		args = append(args, "--ro-bind-try", prefix, prefix)
	}
	args = append(args,
		"--proc", "/proc",
		"--dev", "/dev",
		"--tmpfs", "/tmp",
		"--ro-bind", inv.RunDir, inv.RunDir,
		"--chdir", inv.RunDir,
		"--clearenv",
	)

	// Sorted for deterministic command lines.
	keys := make([]string, 0, len(inv.Env))
	for k := range inv.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := inv.Env[k]
		// HOME and TMPDIR point at the writable tmpfs; the run dir is read-only.
		if k == "HOME" || k == "TMPDIR" {
			v = "/tmp"
		}
		args = append(args, "--setenv", k, v)
	}

	args = append(args, "--", inv.Interpreter, inv.Script, inv.ArgsJSON)
	return args
}

// firejailArgs builds the firejail argument list: private home, no
// network, all capabilities dropped.
func firejailArgs(inv invocation) []string {
	return []string{
		"--quiet",
		"--private",
		"--net=none",
		"--caps.drop=all",
		"--nonewprivs",
		"--noroot",
		"--disable-mnt",
		"--read-only=" + inv.RunDir,
		"--",
		inv.Interpreter, inv.Script, inv.ArgsJSON,
	}
}

// interpreterPrefix returns the install prefix of interpreters living
// outside the standard system mounts, e.g. /opt/conda for
// /opt/conda/bin/python3. It returns "" when no extra mount is needed.
func interpreterPrefix(interpreter string) string {
	if !filepath.IsAbs(interpreter) {
		return ""
	}
	resolved, err := filepath.EvalSymlinks(interpreter)
	if err != nil {
		resolved = interpreter
	}
	for _, m := range systemMounts {
		if resolved == m || strings.HasPrefix(resolved, m+"/") {
			return ""
		}
	}
	prefix := filepath.Dir(filepath.Dir(resolved))
	if prefix == "/" || prefix == "." {
		return ""
	}
	return prefix
}
