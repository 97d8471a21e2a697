// Package ws implements the WebSocket channel for human operators.
// Operators connect, receive every new pending approval as it is created and
// answer with approve or deny decisions.
package ws

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/jkaninda/fngate/internal/approval"
)

// Subprotocol is negotiated on upgrade.
const Subprotocol = "fngate-operator-v1"

const (
	defaultHeartbeat = 30 * time.Second
	registerTimeout  = 10 * time.Second
	writeTimeout     = 5 * time.Second
)

// Resolver is the approval surface operators act on. Satisfied by
// *approval.Manager.
type Resolver interface {
	Approve(ctx context.Context, id, approverID string) error
	Deny(ctx context.Context, id, denierID string) error
	ListPending(ctx context.Context) []*approval.PendingApproval
}

// Options configures a Server.
type Options struct {
	Tokens            []string      // Accepted bearer tokens. Empty = no auth.
	HeartbeatInterval time.Duration // Default 30s.
}

type operator struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex // serializes writes
}

// Server manages operator connections and implements approval.Notifier.
type Server struct {
	resolver Resolver
	opts     Options
	logger   *slog.Logger

	mu        sync.RWMutex
	operators map[string]*operator
}

// NewServer creates an operator WebSocket server.
func NewServer(resolver Resolver, opts Options, logger *slog.Logger) *Server {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeat
	}
	return &Server{
		resolver:  resolver,
		opts:      opts,
		logger:    logger,
		operators: make(map[string]*operator),
	}
}

// Handler returns an http.Handler that upgrades connections to WebSocket.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleUpgrade)
}

// OperatorCount returns the number of registered operators.
func (s *Server) OperatorCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.operators)
}

// NotifyApproval pushes a new approval to every connected operator.
func (s *Server) NotifyApproval(ctx context.Context, pa *approval.PendingApproval) {
	env, err := NewEnvelope(MsgApprovalRequest, toRequest(pa))
	if err != nil {
		return
	}

	s.mu.RLock()
	ops := make([]*operator, 0, len(s.operators))
	for _, op := range s.operators {
		ops = append(ops, op)
	}
	s.mu.RUnlock()

	if len(ops) == 0 {
		s.logger.WarnContext(ctx, "no operators connected for approval",
			slog.String("approval_id", pa.ID),
			slog.String("function", pa.Function),
		)
		return
	}
	for _, op := range ops {
		if err := s.send(context.WithoutCancel(ctx), op, env); err != nil {
			s.logger.Warn("pushing approval to operator",
				slog.String("operator_id", op.id),
				slog.String("approval_id", pa.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		s.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	s.handleConnection(r.Context(), conn)
}

func (s *Server) authorized(r *http.Request) bool {
	if len(s.opts.Tokens) == 0 {
		return true
	}
	token := r.URL.Query().Get("token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	for _, t := range s.opts.Tokens {
		if subtle.ConstantTimeCompare([]byte(token), []byte(t)) == 1 {
			return true
		}
	}
	return false
}

func (s *Server) handleConnection(ctx context.Context, conn *websocket.Conn) {
	op, err := s.waitForRegistration(ctx, conn)
	if err != nil {
		s.logger.Warn("operator registration failed", slog.String("error", err.Error()))
		conn.Close(websocket.StatusPolicyViolation, "registration required")
		return
	}
	defer func() {
		s.mu.Lock()
		if s.operators[op.id] == op {
			delete(s.operators, op.id)
		}
		s.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "connection closed")
	}()

	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	go s.heartbeatLoop(hbCtx, op)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				s.logger.Info("operator disconnected", slog.String("operator_id", op.id))
			} else {
				s.logger.Warn("operator connection error",
					slog.String("operator_id", op.id),
					slog.String("error", err.Error()),
				)
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.sendError(ctx, op, "invalid_message", err.Error())
			continue
		}
		s.handleMessage(ctx, op, &env)
	}
}

func (s *Server) waitForRegistration(ctx context.Context, conn *websocket.Conn) (*operator, error) {
	regCtx, cancel := context.WithTimeout(ctx, registerTimeout)
	defer cancel()

	_, data, err := conn.Read(regCtx)
	if err != nil {
		return nil, fmt.Errorf("reading registration: %w", err)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parsing registration: %w", err)
	}
	if env.Type != MsgOperatorRegister {
		return nil, fmt.Errorf("expected %s, got %s", MsgOperatorRegister, env.Type)
	}

	var reg RegisterPayload
	if err := env.Decode(&reg); err != nil {
		return nil, fmt.Errorf("parsing registration payload: %w", err)
	}
	if reg.OperatorID == "" {
		return nil, errors.New("operator_id is required")
	}

	op := &operator{id: reg.OperatorID, conn: conn}
	s.mu.Lock()
	s.operators[op.id] = op
	s.mu.Unlock()

	pending := []ApprovalRequestPayload{}
	for _, pa := range s.resolver.ListPending(ctx) {
		pending = append(pending, toRequest(pa))
	}
	resp, _ := NewEnvelope(MsgRegistered, RegisteredPayload{
		Message: fmt.Sprintf("registered as %s", op.id),
		Pending: pending,
	})
	resp.OperatorID = op.id
	if err := s.send(ctx, op, resp); err != nil {
		return nil, fmt.Errorf("confirming registration: %w", err)
	}

	s.logger.Info("operator registered",
		slog.String("operator_id", op.id),
		slog.String("name", reg.Name),
		slog.Int("pending", len(pending)),
	)
	return op, nil
}

func (s *Server) handleMessage(ctx context.Context, op *operator, env *Envelope) {
	switch env.Type {
	case MsgPong:

	case MsgApprovalDecision:
		var d ApprovalDecisionPayload
		if err := env.Decode(&d); err != nil || d.ApprovalID == "" {
			s.sendError(ctx, op, "invalid_decision", "approval_id is required")
			return
		}
		s.decide(ctx, op, d)

	default:
		s.logger.Warn("unknown message type from operator",
			slog.String("operator_id", op.id),
			slog.String("type", string(env.Type)),
		)
		s.sendError(ctx, op, "unknown_type", fmt.Sprintf("unknown message type %q", env.Type))
	}
}

func (s *Server) decide(ctx context.Context, op *operator, d ApprovalDecisionPayload) {
	var err error
	status := ""
	switch d.Decision {
	case "approve":
		err = s.resolver.Approve(ctx, d.ApprovalID, op.id)
		status = approval.StatusApproved.String()
	case "deny":
		err = s.resolver.Deny(ctx, d.ApprovalID, op.id)
		status = approval.StatusDenied.String()
	default:
		s.sendError(ctx, op, "invalid_decision", `decision must be "approve" or "deny"`)
		return
	}

	result := ApprovalResultPayload{ApprovalID: d.ApprovalID, Status: status}
	if err != nil {
		result.Status = ""
		result.Error = err.Error()
	}
	env, _ := NewEnvelope(MsgApprovalResult, result)
	_ = s.send(ctx, op, env)
}

func (s *Server) heartbeatLoop(ctx context.Context, op *operator) {
	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			env, _ := NewEnvelope(MsgPing, nil)
			if err := s.send(ctx, op, env); err != nil {
				s.logger.Debug("heartbeat ping failed",
					slog.String("operator_id", op.id),
					slog.String("error", err.Error()),
				)
				return
			}
		}
	}
}

func (s *Server) sendError(ctx context.Context, op *operator, code, msg string) {
	env, _ := NewEnvelope(MsgError, ErrorPayload{Code: code, Message: msg})
	_ = s.send(ctx, op, env)
}

func (s *Server) send(ctx context.Context, op *operator, env *Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	op.mu.Lock()
	defer op.mu.Unlock()
	return op.conn.Write(ctx, websocket.MessageText, data)
}

func toRequest(pa *approval.PendingApproval) ApprovalRequestPayload {
	return ApprovalRequestPayload{
		ApprovalID: pa.ID,
		Function:   pa.Function,
		Arguments:  pa.Arguments,
		ExpiresAt:  pa.ExpiresAt,
	}
}

var _ approval.Notifier = (*Server)(nil)
