// Package audit records every authorization decision, confirmation and
// execution outcome as an append-only event stream.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Actions.
const (
	ActionAuthorize  = "authorize"
	ActionConfirm    = "confirm"
	ActionExecute    = "execute"
	ActionCommand    = "execute_command"
	ActionTest       = "test"
	ActionPermission = "set_permission"
	ActionNotify     = "notify"
)

// Outcomes.
const (
	OutcomeAllowed  = "allowed"
	OutcomeDenied   = "denied"
	OutcomeSuccess  = "success"
	OutcomeFailure  = "failure"
	OutcomeRecorded = "recorded"
)

const defaultQueryLimit = 100

// Event is one audit record.
type Event struct {
	ID              string         `json:"id"`
	Timestamp       time.Time      `json:"timestamp"`
	ExecutionID     string         `json:"execution_id,omitempty"`
	Action          string         `json:"action"`
	Function        string         `json:"function"`
	Level           string         `json:"level,omitempty"`
	CodeHash        string         `json:"code_hash,omitempty"`
	Arguments       map[string]any `json:"arguments,omitempty"`
	Outcome         string         `json:"outcome"`
	Kind            string         `json:"kind,omitempty"`
	Reason          string         `json:"reason,omitempty"`
	Backend         string         `json:"backend,omitempty"`
	DurationSeconds float64        `json:"duration_seconds,omitempty"`
}

// Filter narrows Query results. Zero values match everything.
type Filter struct {
	Function string
	Action   string
	Since    time.Time
	Limit    int
}

// Store persists events. Implementations are append-only.
type Store interface {
	Append(ctx context.Context, event Event) error
	Query(ctx context.Context, filter Filter) ([]Event, error)
}

// Logger is the sink the executor writes to.
type Logger interface {
	Log(ctx context.Context, event Event) error
	Close() error
}

// stamp fills ID and Timestamp when unset.
func stamp(e *Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
}

// FileLogger writes events as JSON lines to an append-only file.
// Safe for concurrent use.
type FileLogger struct {
	mu     sync.Mutex
	file   *os.File
	logger *slog.Logger
}

// NewFileLogger opens (or creates) path in append mode with 0600 permissions.
func NewFileLogger(path string, logger *slog.Logger) (*FileLogger, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening audit log %s: %w", path, err)
	}
	return &FileLogger{file: f, logger: logger}, nil
}

// Log appends one line. Marshaling happens outside the lock.
func (a *FileLogger) Log(ctx context.Context, event Event) error {
	stamp(&event)
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling audit event: %w", err)
	}
	data = append(data, '\n')

	a.mu.Lock()
	_, writeErr := a.file.Write(data)
	a.mu.Unlock()

	if writeErr != nil {
		return fmt.Errorf("writing audit event: %w", writeErr)
	}
	a.logger.DebugContext(ctx, "audit event logged",
		slog.String("action", event.Action),
		slog.String("function", event.Function),
		slog.String("outcome", event.Outcome),
	)
	return nil
}

// Close closes the underlying file.
func (a *FileLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.file.Close()
}

// StoreLogger adapts a Store to Logger.
type StoreLogger struct {
	store  Store
	logger *slog.Logger
}

// NewStoreLogger creates a store-backed logger.
func NewStoreLogger(store Store, logger *slog.Logger) *StoreLogger {
	return &StoreLogger{store: store, logger: logger}
}

// Log appends an event to the store.
func (a *StoreLogger) Log(ctx context.Context, event Event) error {
	stamp(&event)
	if err := a.store.Append(ctx, event); err != nil {
		a.logger.ErrorContext(ctx, "failed to log audit event",
			slog.String("action", event.Action),
			slog.String("error", err.Error()),
		)
		return err
	}
	return nil
}

// Close is a no-op; the store's connection is owned by the storage layer.
func (a *StoreLogger) Close() error { return nil }

// Multi fans one event out to several loggers and joins their errors.
type Multi []Logger

func (m Multi) Log(ctx context.Context, event Event) error {
	stamp(&event)
	var errs []error
	for _, l := range m {
		if err := l.Log(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, l := range m {
		if err := l.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Memory keeps events in a slice. It implements both Logger and Store and
// is used when no persistent store is configured.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

// NewMemory creates an empty in-memory audit trail.
func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Log(ctx context.Context, event Event) error { return m.Append(ctx, event) }

func (m *Memory) Append(_ context.Context, event Event) error {
	stamp(&event)
	m.mu.Lock()
	m.events = append(m.events, event)
	m.mu.Unlock()
	return nil
}

// Query returns matching events, newest first.
func (m *Memory) Query(_ context.Context, f Filter) ([]Event, error) {
	limit := f.EffectiveLimit()
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for i := len(m.events) - 1; i >= 0 && len(out) < limit; i-- {
		e := m.events[i]
		if f.Function != "" && e.Function != f.Function {
			continue
		}
		if f.Action != "" && e.Action != f.Action {
			continue
		}
		if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }

// EffectiveLimit returns Limit, or the default when unset.
func (f Filter) EffectiveLimit() int {
	if f.Limit <= 0 {
		return defaultQueryLimit
	}
	return f.Limit
}
