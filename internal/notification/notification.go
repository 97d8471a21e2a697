// Package notification tells operators about pending approvals through
// configured channels (Slack, Telegram, Webhook).
//
// Every delivery attempt is recorded in the audit trail. Deliveries run in
// the background so a slow channel never delays the confirmation itself.
package notification

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jkaninda/fngate/internal/approval"
	"github.com/jkaninda/fngate/internal/audit"
)

const sendTimeout = 15 * time.Second

// Sender is the interface for a single notification channel backend.
type Sender interface {
	// Type returns the channel type identifier ("slack", "telegram", "webhook").
	Type() string
	// Send delivers a message to the target specified by the channel config.
	Send(ctx context.Context, ch Channel, msg *Message) error
}

// Channel is one configured delivery target.
type Channel struct {
	Name   string
	Type   string
	Config map[string]string // Type-specific keys: url, channel_id, chat_id, bot_token.
}

// Message is the payload to be sent through a notification channel.
type Message struct {
	Subject  string            // Short title; chat channels render it bold.
	Body     string            // Plain text body.
	Metadata map[string]string // approval_id, function, expires_at.
}

// Dispatcher routes messages to the Sender registered for each channel's
// type. It implements approval.Notifier.
type Dispatcher struct {
	channels []Channel
	senders  map[string]Sender
	audit    audit.Logger
	logger   *slog.Logger

	mu sync.RWMutex
	wg sync.WaitGroup
}

var _ approval.Notifier = (*Dispatcher)(nil)

// NewDispatcher creates a dispatcher for channels. auditLog may be nil.
func NewDispatcher(channels []Channel, auditLog audit.Logger, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		channels: channels,
		senders:  make(map[string]Sender),
		audit:    auditLog,
		logger:   logger,
	}
}

// RegisterSender adds a channel backend. Call at startup.
func (d *Dispatcher) RegisterSender(s Sender) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.senders[s.Type()] = s
}

// Notify sends msg to every channel and returns per-channel errors keyed
// by channel name (nil = delivered).
func (d *Dispatcher) Notify(ctx context.Context, function string, msg *Message) map[string]error {
	results := make(map[string]error, len(d.channels))
	for _, ch := range d.channels {
		d.mu.RLock()
		sender, ok := d.senders[ch.Type]
		d.mu.RUnlock()

		var err error
		if !ok {
			err = fmt.Errorf("no sender registered for channel type %q", ch.Type)
		} else {
			sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
			err = sender.Send(sendCtx, ch, msg)
			cancel()
		}
		results[ch.Name] = err
		d.record(ctx, function, ch, err)

		if err != nil {
			d.logger.WarnContext(ctx, "notification send failed",
				slog.String("channel", ch.Name),
				slog.String("type", ch.Type),
				slog.String("error", err.Error()),
			)
			continue
		}
		d.logger.InfoContext(ctx, "notification sent",
			slog.String("channel", ch.Name),
			slog.String("type", ch.Type),
		)
	}
	return results
}

// NotifyApproval implements approval.Notifier. Delivery happens in the
// background; Wait blocks until in-flight deliveries finish.
func (d *Dispatcher) NotifyApproval(ctx context.Context, pa *approval.PendingApproval) {
	if len(d.channels) == 0 {
		return
	}
	msg := ApprovalMessage(pa)
	bg := context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.Notify(bg, pa.Function, msg)
	}()
}

// Wait blocks until background deliveries started by NotifyApproval end.
func (d *Dispatcher) Wait() { d.wg.Wait() }

// ApprovalMessage renders a pending approval for humans.
func ApprovalMessage(pa *approval.PendingApproval) *Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Function %s needs approval to run at full permission.\n", pa.Function)
	if len(pa.Arguments) > 0 {
		keys := make([]string, 0, len(pa.Arguments))
		for k := range pa.Arguments {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("Arguments:\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "  %s = %v\n", k, pa.Arguments[k])
		}
	}
	fmt.Fprintf(&b, "Approval ID: %s\nExpires at: %s", pa.ID, pa.ExpiresAt.Format(time.RFC3339))

	return &Message{
		Subject: "fngate approval required: " + pa.Function,
		Body:    b.String(),
		Metadata: map[string]string{
			"approval_id": pa.ID,
			"function":    pa.Function,
			"expires_at":  pa.ExpiresAt.Format(time.RFC3339),
		},
	}
}

func (d *Dispatcher) record(ctx context.Context, function string, ch Channel, err error) {
	if d.audit == nil {
		return
	}
	ev := audit.Event{
		Action:   audit.ActionNotify,
		Function: function,
		Outcome:  audit.OutcomeSuccess,
		Backend:  ch.Type + ":" + ch.Name,
	}
	if err != nil {
		ev.Outcome = audit.OutcomeFailure
		ev.Reason = err.Error()
	}
	if logErr := d.audit.Log(ctx, ev); logErr != nil {
		d.logger.WarnContext(ctx, "audit write failed", slog.String("error", logErr.Error()))
	}
}
