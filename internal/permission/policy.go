package permission

import (
	"fmt"
	"strings"
)

// UnsafePatterns is the denylist scanned for read_only functions.
//
// This is a substring scan of the source text, not static analysis. Code
// such as getattr(__builtins__, "ev"+"al") passes it. It filters obvious
// side effects and is not a security boundary; the sandbox is.
var UnsafePatterns = []string{
	"open(",
	".write(",
	"subprocess",
	"os.system",
	"eval(",
	"exec(",
	"import os",
	"import subprocess",
	"import shutil",
	"__import__",
}

// Decision is the outcome of Authorize.
type Decision struct {
	Allow bool
	Level Level
	// NeedsConfirmation is set for full-level functions; Allow is then
	// provisional until the confirmation collaborator agrees.
	NeedsConfirmation bool
	Reason            string
}

// Policy evaluates per-level rules against a Table. It has no side effects.
type Policy struct {
	table *Table
}

// NewPolicy creates a policy over the given table.
func NewPolicy(table *Table) *Policy {
	return &Policy{table: table}
}

// Table returns the underlying permission table.
func (p *Policy) Table() *Table { return p.table }

// Resolve returns the effective level of a function.
func (p *Policy) Resolve(name string) Level {
	return p.table.Resolve(name)
}

// Authorize decides whether name with the given source may reach the sandbox.
func (p *Policy) Authorize(name, code string) Decision {
	level := p.table.Resolve(name)
	d := Decision{Level: level}

	switch level {
	case None:
		d.Reason = "no permission granted"
	case ReadOnly:
		if !looksReadOnly(name) {
			d.Reason = fmt.Sprintf("function %q does not appear to be read-only", name)
			return d
		}
		if pattern, found := ScanUnsafe(code); found {
			d.Reason = fmt.Sprintf("function code contains potentially unsafe operation: %s", pattern)
			return d
		}
		d.Allow = true
		d.Reason = "read-only checks passed"
	case Limited:
		d.Allow = true
		d.Reason = "limited permission, sandbox enforced"
	case Full:
		d.Allow = true
		d.NeedsConfirmation = true
		d.Reason = "full permission, confirmation required"
	default:
		d.Reason = fmt.Sprintf("unknown permission level %d", int(level))
	}
	return d
}

// ScanUnsafe returns the first denylisted pattern found in code.
func ScanUnsafe(code string) (string, bool) {
	for _, pattern := range UnsafePatterns {
		if strings.Contains(code, pattern) {
			return pattern, true
		}
	}
	return "", false
}

// looksReadOnly is the read-intent naming heuristic. Case-sensitive and
// deliberately loose: "target_budget" matches because it contains "get".
func looksReadOnly(name string) bool {
	return strings.HasPrefix(name, "read_") ||
		strings.HasPrefix(name, "get_") ||
		strings.Contains(name, "read") ||
		strings.Contains(name, "get")
}
