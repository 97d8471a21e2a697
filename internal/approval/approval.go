// Package approval implements the confirmation collaborators that gate
// full-level functions and shell commands: plain callbacks, an interactive
// terminal prompt, and a pending-approval manager for headless servers.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound        = errors.New("approval not found")
	ErrExpired         = errors.New("approval expired")
	ErrAlreadyResolved = errors.New("approval already resolved")
)

// Status represents the state of an approval request.
type Status int

const (
	StatusPending Status = iota
	StatusApproved
	StatusDenied
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusApproved:
		return "approved"
	case StatusDenied:
		return "denied"
	case StatusExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(text []byte) error {
	for _, st := range []Status{StatusPending, StatusApproved, StatusDenied, StatusExpired} {
		if string(text) == st.String() {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown approval status %q", text)
}

// PendingApproval is a confirmation request awaiting an operator.
type PendingApproval struct {
	ID         string         `json:"id"`
	Function   string         `json:"function"`
	Arguments  map[string]any `json:"arguments"`
	Status     Status         `json:"status"`
	ResolvedBy string         `json:"resolved_by,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	ExpiresAt  time.Time      `json:"expires_at"`
	ResolvedAt time.Time      `json:"resolved_at,omitzero"`
}

func (pa *PendingApproval) clone() *PendingApproval {
	c := *pa
	c.Arguments = maps.Clone(pa.Arguments)
	return &c
}

type entry struct {
	pa   *PendingApproval
	done chan struct{} // Closed once the approval leaves StatusPending.
}

// Manager holds pending approvals in memory and, when a Store is set,
// writes every state change through to it. Safe for concurrent use.
//
// Manager is itself a Confirmer: Confirm creates an approval, notifies
// operators and blocks until it is resolved, expires or ctx ends.
// Anything but an explicit approval counts as a denial.
type Manager struct {
	mu       sync.Mutex
	entries  map[string]*entry
	ttl      time.Duration
	store    Store
	notifier Notifier
	logger   *slog.Logger
}

// NewManager creates an approval manager with the given TTL.
func NewManager(ttl time.Duration, logger *slog.Logger) *Manager {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Manager{
		entries: make(map[string]*entry),
		ttl:     ttl,
		logger:  logger,
	}
}

// SetStore enables write-through persistence.
func (m *Manager) SetStore(s Store) { m.store = s }

// SetNotifier registers the component told about new approvals.
func (m *Manager) SetNotifier(n Notifier) { m.notifier = n }

// TTL returns how long approvals stay pending.
func (m *Manager) TTL() time.Duration { return m.ttl }

// Create stores a new pending approval and notifies operators.
func (m *Manager) Create(ctx context.Context, function string, args map[string]any) (*PendingApproval, error) {
	now := time.Now().UTC()
	pa := &PendingApproval{
		ID:        uuid.NewString(),
		Function:  function,
		Arguments: maps.Clone(args),
		Status:    StatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(m.ttl),
	}

	m.mu.Lock()
	m.entries[pa.ID] = &entry{pa: pa, done: make(chan struct{})}
	m.mu.Unlock()

	m.persist(ctx, pa.clone())
	m.logger.InfoContext(ctx, "approval created",
		slog.String("approval_id", pa.ID),
		slog.String("function", function),
		slog.Time("expires_at", pa.ExpiresAt),
	)
	if m.notifier != nil {
		m.notifier.NotifyApproval(ctx, pa.clone())
	}
	return pa.clone(), nil
}

// Approve marks a pending approval as approved.
func (m *Manager) Approve(ctx context.Context, id, approverID string) error {
	return m.resolve(ctx, id, approverID, StatusApproved)
}

// Deny marks a pending approval as denied.
func (m *Manager) Deny(ctx context.Context, id, denierID string) error {
	return m.resolve(ctx, id, denierID, StatusDenied)
}

func (m *Manager) resolve(ctx context.Context, id, resolverID string, status Status) error {
	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if e.pa.Status == StatusPending && time.Now().UTC().After(e.pa.ExpiresAt) {
		m.finish(e, StatusExpired, "")
		snapshot := e.pa.clone()
		m.mu.Unlock()
		m.persist(ctx, snapshot)
		return ErrExpired
	}
	if e.pa.Status != StatusPending {
		m.mu.Unlock()
		if e.pa.Status == StatusExpired {
			return ErrExpired
		}
		return ErrAlreadyResolved
	}
	m.finish(e, status, resolverID)
	snapshot := e.pa.clone()
	m.mu.Unlock()

	m.persist(ctx, snapshot)
	m.logger.InfoContext(ctx, "approval resolved",
		slog.String("approval_id", id),
		slog.String("resolver", resolverID),
		slog.String("status", status.String()),
		slog.String("function", snapshot.Function),
	)
	return nil
}

// finish transitions e out of pending. Callers hold m.mu.
func (m *Manager) finish(e *entry, status Status, resolver string) {
	e.pa.Status = status
	e.pa.ResolvedBy = resolver
	e.pa.ResolvedAt = time.Now().UTC()
	close(e.done)
}

// Get retrieves an approval by ID, marking it expired if past its TTL.
func (m *Manager) Get(ctx context.Context, id string) (*PendingApproval, error) {
	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok {
		m.mu.Unlock()
		if m.store != nil {
			return m.store.Get(ctx, id)
		}
		return nil, ErrNotFound
	}
	expired := false
	if e.pa.Status == StatusPending && time.Now().UTC().After(e.pa.ExpiresAt) {
		m.finish(e, StatusExpired, "")
		expired = true
	}
	snapshot := e.pa.clone()
	m.mu.Unlock()

	if expired {
		m.persist(ctx, snapshot)
	}
	return snapshot, nil
}

// ListPending returns approvals awaiting a decision, oldest first.
func (m *Manager) ListPending(_ context.Context) []*PendingApproval {
	now := time.Now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*PendingApproval
	for _, e := range m.entries {
		if e.pa.Status == StatusPending && !now.After(e.pa.ExpiresAt) {
			out = append(out, e.pa.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Await blocks until the approval is resolved, expires or ctx ends, and
// returns its final status. Expiry and cancellation both yield
// StatusExpired.
func (m *Manager) Await(ctx context.Context, id string) (Status, error) {
	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok {
		m.mu.Unlock()
		return StatusExpired, ErrNotFound
	}
	done, deadline := e.done, e.pa.ExpiresAt
	m.mu.Unlock()

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		m.expire(ctx, id)
	case <-ctx.Done():
		m.expire(context.WithoutCancel(ctx), id)
	}

	m.mu.Lock()
	status := e.pa.Status
	m.mu.Unlock()
	return status, nil
}

func (m *Manager) expire(ctx context.Context, id string) {
	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok || e.pa.Status != StatusPending {
		m.mu.Unlock()
		return
	}
	m.finish(e, StatusExpired, "")
	snapshot := e.pa.clone()
	m.mu.Unlock()
	m.persist(ctx, snapshot)
	m.logger.WarnContext(ctx, "approval expired",
		slog.String("approval_id", id),
		slog.String("function", snapshot.Function),
	)
}

// Confirm implements Confirmer.
func (m *Manager) Confirm(ctx context.Context, function string, args map[string]any) bool {
	pa, err := m.Create(ctx, function, args)
	if err != nil {
		m.logger.ErrorContext(ctx, "creating approval", slog.String("error", err.Error()))
		return false
	}
	status, err := m.Await(ctx, pa.ID)
	return err == nil && status == StatusApproved
}

// Cleanup expires stale approvals and drops resolved ones older than 2x TTL.
// It returns the number of approvals expired by this call.
func (m *Manager) Cleanup(ctx context.Context) int {
	now := time.Now().UTC()
	var expired []*PendingApproval

	m.mu.Lock()
	for id, e := range m.entries {
		if e.pa.Status == StatusPending && now.After(e.pa.ExpiresAt) {
			m.finish(e, StatusExpired, "")
			expired = append(expired, e.pa.clone())
		}
		if e.pa.Status != StatusPending && now.After(e.pa.ExpiresAt.Add(m.ttl)) {
			delete(m.entries, id)
		}
	}
	m.mu.Unlock()

	for _, pa := range expired {
		m.persist(ctx, pa)
	}
	if m.store != nil {
		if _, err := m.store.ExpireOld(ctx); err != nil {
			m.logger.ErrorContext(ctx, "expiring stored approvals", slog.String("error", err.Error()))
		}
		if _, err := m.store.DeleteResolved(ctx, 2*m.ttl); err != nil {
			m.logger.ErrorContext(ctx, "deleting resolved approvals", slog.String("error", err.Error()))
		}
	}
	return len(expired)
}

func (m *Manager) persist(ctx context.Context, pa *PendingApproval) {
	if m.store == nil {
		return
	}
	if err := m.store.Save(ctx, pa); err != nil {
		m.logger.ErrorContext(ctx, "persisting approval",
			slog.String("approval_id", pa.ID),
			slog.String("error", err.Error()),
		)
	}
}
