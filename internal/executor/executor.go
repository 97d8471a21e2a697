// Package executor is the production entry point for untrusted functions.
//
// Every call flows policy -> confirmation (full level only) -> launcher.
// Denials and failures are returned as results, never as errors, so the
// caller cannot be crashed by anything the function does.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/fngate/internal/approval"
	"github.com/jkaninda/fngate/internal/audit"
	"github.com/jkaninda/fngate/internal/permission"
	"github.com/jkaninda/fngate/internal/protocol"
	"github.com/jkaninda/fngate/internal/sandbox"
)

// CommandFunction is the name the confirmer sees for shell commands.
const CommandFunction = "execute_command"

// ShellRunner runs a confirmed shell command.
type ShellRunner interface {
	RunShell(ctx context.Context, command string, timeout time.Duration) *sandbox.ExecutionResult
}

// Config configures an Executor.
type Config struct {
	DefaultPermission permission.Level
	Permissions       map[string]permission.Level
	ShellTimeout      time.Duration
}

// Executor owns the permission table and gates every call through it.
type Executor struct {
	table        *permission.Table
	policy       *permission.Policy
	runner       sandbox.Runner
	shell        ShellRunner
	confirmer    approval.Confirmer
	audit        audit.Logger
	store        permission.Store
	shellTimeout time.Duration
	logger       *slog.Logger
}

// New creates an executor. If runner also implements ShellRunner it is used
// for ExecuteCommand.
func New(runner sandbox.Runner, cfg Config, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	table := permission.NewTable(cfg.DefaultPermission)
	table.Merge(cfg.Permissions)

	e := &Executor{
		table:        table,
		policy:       permission.NewPolicy(table),
		runner:       runner,
		shellTimeout: cfg.ShellTimeout,
		logger:       logger,
	}
	if sr, ok := runner.(ShellRunner); ok {
		e.shell = sr
	}
	if e.shellTimeout <= 0 {
		e.shellTimeout = sandbox.DefaultShellTimeout
	}
	logger.Debug("executor initialized", slog.String("default_permission", cfg.DefaultPermission.String()))
	return e
}

// SetConfirmer registers the confirmation collaborator. Without one,
// full-level functions and shell commands never run.
func (e *Executor) SetConfirmer(c approval.Confirmer) { e.confirmer = c }

// SetShellRunner overrides the runner used by ExecuteCommand.
func (e *Executor) SetShellRunner(s ShellRunner) { e.shell = s }

// SetAuditLogger registers the audit sink.
func (e *Executor) SetAuditLogger(l audit.Logger) { e.audit = l }

// SetPermissionStore enables write-through persistence of SetPermission.
func (e *Executor) SetPermissionStore(s permission.Store) { e.store = s }

// Table returns the owned permission table.
func (e *Executor) Table() *permission.Table { return e.table }

// Execute runs function name from code with args, if policy and confirmation allow.
func (e *Executor) Execute(ctx context.Context, name, code string, args map[string]any) *sandbox.ExecutionResult {
	id := uuid.NewString()
	hash := protocol.Fingerprint(code)
	logger := e.logger.With(slog.String("function", name), slog.String("execution_id", id))

	decision := e.policy.Authorize(name, code)
	e.record(ctx, audit.Event{
		ExecutionID: id,
		Action:      audit.ActionAuthorize,
		Function:    name,
		Level:       decision.Level.String(),
		CodeHash:    hash,
		Arguments:   args,
		Outcome:     outcome(decision.Allow),
		Reason:      decision.Reason,
	})
	if !decision.Allow {
		logger.WarnContext(ctx, "execution denied", slog.String("level", decision.Level.String()), slog.String("reason", decision.Reason))
		return e.denied(id, name, sandbox.KindPermissionDenied, "execution not allowed: "+decision.Reason)
	}

	if decision.NeedsConfirmation {
		if e.confirmer == nil {
			msg := "execution not allowed: full permission requires a confirmation callback"
			logger.WarnContext(ctx, "execution denied", slog.String("reason", msg))
			e.record(ctx, audit.Event{ExecutionID: id, Action: audit.ActionConfirm, Function: name, Level: decision.Level.String(), Outcome: audit.OutcomeDenied, Reason: "no confirmer registered"})
			return e.denied(id, name, sandbox.KindPermissionDenied, msg)
		}
		ok := e.confirmer.Confirm(ctx, name, args)
		e.record(ctx, audit.Event{ExecutionID: id, Action: audit.ActionConfirm, Function: name, Level: decision.Level.String(), Arguments: args, Outcome: outcome(ok)})
		if !ok {
			logger.InfoContext(ctx, "execution denied by user")
			return e.denied(id, name, sandbox.KindConfirmationDenied,
				fmt.Sprintf("execution not allowed: user denied permission for function '%s'", name))
		}
	}

	res := e.runner.Run(ctx, sandbox.Request{
		FunctionName: name,
		Code:         code,
		Arguments:    args,
		Mode:         protocol.ModeExecute,
	})
	res.ID = id
	res.FunctionName = name

	e.record(ctx, audit.Event{
		ExecutionID:     id,
		Action:          audit.ActionExecute,
		Function:        name,
		Level:           decision.Level.String(),
		CodeHash:        hash,
		Outcome:         resultOutcome(res),
		Kind:            string(res.Kind),
		Reason:          res.Error,
		Backend:         string(res.Backend),
		DurationSeconds: res.ExecutionTimeSeconds,
	})
	logger.InfoContext(ctx, "execution finished",
		slog.Bool("success", res.Success),
		slog.String("kind", string(res.Kind)),
		slog.Float64("seconds", res.ExecutionTimeSeconds),
	)
	return res
}

// ExecuteCommand runs a shell command with {key} placeholders replaced by
// args. It requires the default permission to be full and an explicit
// confirmation, regardless of any per-function entries.
func (e *Executor) ExecuteCommand(ctx context.Context, command string, args map[string]any) *sandbox.ExecutionResult {
	id := uuid.NewString()
	logger := e.logger.With(slog.String("execution_id", id))
	def := e.table.Default()

	if def != permission.Full {
		logger.WarnContext(ctx, "command execution denied", slog.String("reason", "requires full permission level"))
		e.record(ctx, audit.Event{ExecutionID: id, Action: audit.ActionCommand, Function: CommandFunction, Level: def.String(), Outcome: audit.OutcomeDenied, Reason: "default permission is not full"})
		return e.denied(id, CommandFunction, sandbox.KindPermissionDenied, "command execution requires full permission level")
	}
	if e.confirmer == nil {
		logger.WarnContext(ctx, "command execution denied", slog.String("reason", "no confirmation callback"))
		e.record(ctx, audit.Event{ExecutionID: id, Action: audit.ActionCommand, Function: CommandFunction, Level: def.String(), Outcome: audit.OutcomeDenied, Reason: "no confirmer registered"})
		return e.denied(id, CommandFunction, sandbox.KindPermissionDenied, "command execution requires user confirmation callback")
	}

	ok := e.confirmer.Confirm(ctx, CommandFunction, map[string]any{"command": command, "arguments": args})
	e.record(ctx, audit.Event{ExecutionID: id, Action: audit.ActionConfirm, Function: CommandFunction, Level: def.String(), Arguments: map[string]any{"command": command, "arguments": args}, Outcome: outcome(ok)})
	if !ok {
		logger.InfoContext(ctx, "command execution denied by user")
		return e.denied(id, CommandFunction, sandbox.KindConfirmationDenied, "command execution denied by user")
	}
	if e.shell == nil {
		return e.denied(id, CommandFunction, sandbox.KindSpawnFailure, "no shell runner configured")
	}

	rendered := SubstituteArgs(command, args)
	res := e.shell.RunShell(ctx, rendered, e.shellTimeout)
	res.ID = id
	res.FunctionName = CommandFunction

	e.record(ctx, audit.Event{
		ExecutionID:     id,
		Action:          audit.ActionCommand,
		Function:        CommandFunction,
		Level:           def.String(),
		CodeHash:        protocol.Fingerprint(rendered),
		Outcome:         resultOutcome(res),
		Kind:            string(res.Kind),
		Reason:          res.Error,
		Backend:         string(res.Backend),
		DurationSeconds: res.ExecutionTimeSeconds,
	})
	return res
}

// SubstituteArgs replaces each {key} in command with the value of args[key].
// Keys are applied in sorted order. Values are not quoted.
func SubstituteArgs(command string, args map[string]any) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		command = strings.ReplaceAll(command, "{"+k+"}", fmt.Sprint(args[k]))
	}
	return command
}

// SetPermission records level for function. The in-memory table is always
// updated; the returned error reports a failed write-through.
func (e *Executor) SetPermission(ctx context.Context, function string, level permission.Level) error {
	e.table.Set(function, level)
	e.logger.DebugContext(ctx, "permission set", slog.String("function", function), slog.String("level", level.String()))
	e.record(ctx, audit.Event{Action: audit.ActionPermission, Function: function, Level: level.String(), Outcome: audit.OutcomeRecorded})
	if e.store == nil {
		return nil
	}
	if err := e.store.SavePermission(ctx, function, level); err != nil {
		return fmt.Errorf("persisting permission for %s: %w", function, err)
	}
	return nil
}

// GetPermission returns the effective level of function.
func (e *Executor) GetPermission(function string) permission.Level {
	return e.table.Resolve(function)
}

// DefaultPermission returns the fallback level.
func (e *Executor) DefaultPermission() permission.Level { return e.table.Default() }

// Permissions returns a copy of the explicit entries.
func (e *Executor) Permissions() map[string]permission.Level { return e.table.Snapshot() }

// LoadPermissions merges the stored table into memory.
func (e *Executor) LoadPermissions(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	stored, err := e.store.LoadPermissions(ctx)
	if err != nil {
		return fmt.Errorf("loading permissions: %w", err)
	}
	e.table.Merge(stored)
	e.logger.InfoContext(ctx, "permissions loaded", slog.Int("count", len(stored)))
	return nil
}

// ApplyPermissions merges entries into the table without persisting them.
// Used for config and watched permission files.
func (e *Executor) ApplyPermissions(entries map[string]permission.Level) {
	e.table.Merge(entries)
}

func (e *Executor) denied(id, name string, kind sandbox.ErrorKind, msg string) *sandbox.ExecutionResult {
	res := sandbox.Failure(kind, msg)
	res.ID = id
	res.FunctionName = name
	return res
}

func (e *Executor) record(ctx context.Context, ev audit.Event) {
	if e.audit == nil {
		return
	}
	if err := e.audit.Log(ctx, ev); err != nil {
		e.logger.WarnContext(ctx, "audit write failed", slog.String("action", ev.Action), slog.String("error", err.Error()))
	}
}

func outcome(allowed bool) string {
	if allowed {
		return audit.OutcomeAllowed
	}
	return audit.OutcomeDenied
}

func resultOutcome(res *sandbox.ExecutionResult) string {
	if res.Success {
		return audit.OutcomeSuccess
	}
	return audit.OutcomeFailure
}

// SetDefaultPermission changes the fallback level.
func (e *Executor) SetDefaultPermission(level permission.Level) { e.table.SetDefault(level) }
