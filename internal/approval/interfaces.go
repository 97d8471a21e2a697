package approval

import (
	"context"
	"time"
)

// Confirmer is the synchronous confirmation collaborator. It is called
// exactly once per full-level execution or shell command and returns true
// only if the call may proceed.
type Confirmer interface {
	Confirm(ctx context.Context, function string, args map[string]any) bool
}

// Func adapts a plain function to Confirmer.
type Func func(ctx context.Context, function string, args map[string]any) bool

// Confirm calls f.
func (f Func) Confirm(ctx context.Context, function string, args map[string]any) bool {
	return f(ctx, function, args)
}

// Store persists approval records. Implementations must enforce the state
// machine: Pending -> Approved | Denied | Expired, after which the status
// is immutable.
type Store interface {
	// Save inserts or updates a record.
	Save(ctx context.Context, pa *PendingApproval) error
	// Get retrieves a record by ID.
	Get(ctx context.Context, id string) (*PendingApproval, error)
	// ListPending returns records still awaiting a decision.
	ListPending(ctx context.Context) ([]*PendingApproval, error)
	// ExpireOld marks pending rows past expires_at as expired.
	ExpireOld(ctx context.Context) (int64, error)
	// DeleteResolved removes non-pending rows created before now-olderThan.
	DeleteResolved(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Notifier is told about new approvals, e.g. to push them to operators.
type Notifier interface {
	NotifyApproval(ctx context.Context, pa *PendingApproval)
}

// Notifiers fans one approval out to several notifiers in order.
type Notifiers []Notifier

// NotifyApproval implements Notifier.
func (ns Notifiers) NotifyApproval(ctx context.Context, pa *PendingApproval) {
	for _, n := range ns {
		n.NotifyApproval(ctx, pa)
	}
}
