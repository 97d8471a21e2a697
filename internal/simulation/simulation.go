// Package simulation is the pre-production dry run: it executes a function
// against sample arguments through the same launcher as production, with
// output captured inside the child, and never consults the permission policy.
package simulation

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/fngate/internal/protocol"
	"github.com/jkaninda/fngate/internal/sandbox"
)

// DefaultTimeout is the per-test wall-clock budget.
const DefaultTimeout = 5 * time.Second

// Record is one persisted test run.
type Record struct {
	ID              string            `json:"id"`
	FunctionName    string            `json:"function_name"`
	CodeHash        string            `json:"code_hash"`
	Arguments       map[string]any    `json:"arguments,omitempty"`
	Success         bool              `json:"success"`
	Kind            sandbox.ErrorKind `json:"kind,omitempty"`
	Error           string            `json:"error,omitempty"`
	DurationSeconds float64           `json:"duration_seconds"`
	Backend         sandbox.Backend   `json:"backend,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
}

// ResultStore keeps test history beyond the in-memory last result.
type ResultStore interface {
	Append(ctx context.Context, rec Record) error
	List(ctx context.Context, function string, limit int) ([]Record, error)
}

// Harness runs dry runs and remembers the last result per function.
type Harness struct {
	runner sandbox.Runner
	logger *slog.Logger

	mu      sync.RWMutex
	timeout time.Duration
	results map[string]*sandbox.ExecutionResult
	history ResultStore
}

// New creates a harness over runner. A zero timeout uses DefaultTimeout and
// a nil logger uses slog.Default.
func New(runner sandbox.Runner, timeout time.Duration, logger *slog.Logger) *Harness {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Harness{
		runner:  runner,
		logger:  logger,
		timeout: timeout,
		results: make(map[string]*sandbox.ExecutionResult),
	}
}

// SetHistory enables persistent test history.
func (h *Harness) SetHistory(store ResultStore) {
	h.mu.Lock()
	h.history = store
	h.mu.Unlock()
}

// Test runs code's function name with args and stores the result.
func (h *Harness) Test(ctx context.Context, code, name string, args map[string]any) *sandbox.ExecutionResult {
	h.mu.RLock()
	timeout, history := h.timeout, h.history
	h.mu.RUnlock()

	h.logger.DebugContext(ctx, "testing function", slog.String("function", name), slog.Duration("timeout", timeout))

	res := h.runner.Run(ctx, sandbox.Request{
		FunctionName: name,
		Code:         code,
		Arguments:    args,
		Mode:         protocol.ModeTest,
		Timeout:      timeout,
	})
	if res.ID == "" {
		res.ID = uuid.NewString()
	}
	res.FunctionName = name

	stored := *res
	h.mu.Lock()
	h.results[name] = &stored
	h.mu.Unlock()

	if history != nil {
		rec := Record{
			ID:              res.ID,
			FunctionName:    name,
			CodeHash:        protocol.Fingerprint(code),
			Arguments:       maps.Clone(args),
			Success:         res.Success,
			Kind:            res.Kind,
			Error:           res.Error,
			DurationSeconds: res.ExecutionTimeSeconds,
			Backend:         res.Backend,
			CreatedAt:       time.Now().UTC(),
		}
		if err := history.Append(ctx, rec); err != nil {
			h.logger.WarnContext(ctx, "recording test result",
				slog.String("function", name),
				slog.String("error", err.Error()),
			)
		}
	}

	h.logger.InfoContext(ctx, "function test completed",
		slog.String("function", name),
		slog.Bool("success", res.Success),
		slog.String("kind", string(res.Kind)),
	)
	return res
}

// Result returns the most recent test result for name.
func (h *Harness) Result(name string) (*sandbox.ExecutionResult, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	res, ok := h.results[name]
	if !ok {
		return nil, false
	}
	c := *res
	return &c, true
}

// ClearResults drops all stored last results. Persistent history is kept.
func (h *Harness) ClearResults() {
	h.mu.Lock()
	h.results = make(map[string]*sandbox.ExecutionResult)
	h.mu.Unlock()
	h.logger.Debug("cleared all test results")
}

// SetTimeout changes the per-test budget for subsequent runs.
func (h *Harness) SetTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultTimeout
	}
	h.mu.Lock()
	h.timeout = d
	h.mu.Unlock()
}

// Timeout returns the per-test budget.
func (h *Harness) Timeout() time.Duration {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.timeout
}

// History lists persisted runs for function, newest first.
func (h *Harness) History(ctx context.Context, function string, limit int) ([]Record, error) {
	h.mu.RLock()
	history := h.history
	h.mu.RUnlock()
	if history == nil {
		return nil, nil
	}
	recs, err := history.List(ctx, function, limit)
	if err != nil {
		return nil, fmt.Errorf("listing test history: %w", err)
	}
	return recs, nil
}

// SimulateCall builds the envelope a model would send when asking for this
// function with these arguments. Nothing is executed.
//
// The function name is read from toolSchema["function"]["name"], falling
// back to toolSchema["name"] and then "unknown_function".
func SimulateCall(toolSchema map[string]any, args map[string]any) map[string]any {
	name := "unknown_function"
	if fn, ok := toolSchema["function"].(map[string]any); ok {
		if n, ok := fn["name"].(string); ok && n != "" {
			name = n
		}
	} else if n, ok := toolSchema["name"].(string); ok && n != "" {
		name = n
	}
	if args == nil {
		args = map[string]any{}
	}

	return map[string]any{
		"candidates": []any{
			map[string]any{
				"content": map[string]any{
					"parts": []any{
						map[string]any{
							"text": fmt.Sprintf("I'll help you with that using the %s function.", name),
						},
					},
					"role": "model",
				},
				"finishReason": "STOP",
				"functionCall": map[string]any{
					"name": name,
					"args": args,
				},
			},
		},
	}
}
