package ws

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MessageType identifies the kind of message on the operator channel.
type MessageType string

const (
	// Operator → Gateway
	MsgOperatorRegister MessageType = "operator.register"
	MsgApprovalDecision MessageType = "approval.decision"
	MsgPong             MessageType = "operator.pong"

	// Gateway → Operator
	MsgRegistered      MessageType = "gateway.registered"
	MsgApprovalRequest MessageType = "approval.request"
	MsgApprovalResult  MessageType = "approval.result"
	MsgPing            MessageType = "gateway.ping"

	// Bidirectional
	MsgError MessageType = "error"
)

// Envelope wraps every message sent between the gateway and an operator.
type Envelope struct {
	Type       MessageType     `json:"type"`
	ID         string          `json:"id"` // Message ID for correlation and deduplication.
	OperatorID string          `json:"operator_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// NewEnvelope creates an Envelope with a fresh ID and current timestamp.
func NewEnvelope(msgType MessageType, payload any) (*Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	return &Envelope{
		Type:      msgType,
		ID:        uuid.New().String(),
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Decode unmarshals the Payload into the given target.
func (e *Envelope) Decode(target any) error {
	return json.Unmarshal(e.Payload, target)
}

// RegisterPayload is sent with MsgOperatorRegister as the first message.
type RegisterPayload struct {
	OperatorID string `json:"operator_id"`
	Name       string `json:"name,omitempty"`
}

// RegisteredPayload confirms registration and carries the approvals that
// were already pending when the operator connected.
type RegisteredPayload struct {
	Message string                   `json:"message"`
	Pending []ApprovalRequestPayload `json:"pending"`
}

// ApprovalRequestPayload asks operators to approve or deny a call.
type ApprovalRequestPayload struct {
	ApprovalID string         `json:"approval_id"`
	Function   string         `json:"function"`
	Arguments  map[string]any `json:"arguments,omitempty"`
	ExpiresAt  time.Time      `json:"expires_at"`
}

// ApprovalDecisionPayload is an operator's answer.
type ApprovalDecisionPayload struct {
	ApprovalID string `json:"approval_id"`
	Decision   string `json:"decision"` // "approve" or "deny"
}

// ApprovalResultPayload acknowledges a decision.
type ApprovalResultPayload struct {
	ApprovalID string `json:"approval_id"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
}

// ErrorPayload is sent with MsgError for protocol-level errors.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
