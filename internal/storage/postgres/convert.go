package postgres

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/fngate/internal/approval"
	"github.com/jkaninda/fngate/internal/audit"
	"github.com/jkaninda/fngate/internal/sandbox"
	"github.com/jkaninda/fngate/internal/simulation"
)

func encodeArgs(args map[string]any) JSONB {
	b, err := json.Marshal(args)
	if err != nil || args == nil {
		return JSONB("{}")
	}
	return JSONB(b)
}

func decodeArgs(j JSONB) map[string]any {
	if len(j) == 0 {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(j, &out); err != nil || len(out) == 0 {
		return nil
	}
	return out
}

// --- Audit ---

func toAuditModel(e audit.Event) AuditEventModel {
	id := e.ID
	if id == "" {
		id = uuid.NewString()
	}
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return AuditEventModel{
		ID:              id,
		ExecutionID:     e.ExecutionID,
		Action:          e.Action,
		FunctionName:    e.Function,
		Level:           e.Level,
		CodeHash:        e.CodeHash,
		Arguments:       encodeArgs(e.Arguments),
		Outcome:         e.Outcome,
		Kind:            e.Kind,
		Reason:          e.Reason,
		Backend:         e.Backend,
		DurationSeconds: e.DurationSeconds,
		CreatedAt:       ts,
	}
}

func toAuditDomain(m *AuditEventModel) audit.Event {
	return audit.Event{
		ID:              m.ID,
		Timestamp:       m.CreatedAt,
		ExecutionID:     m.ExecutionID,
		Action:          m.Action,
		Function:        m.FunctionName,
		Level:           m.Level,
		CodeHash:        m.CodeHash,
		Arguments:       decodeArgs(m.Arguments),
		Outcome:         m.Outcome,
		Kind:            m.Kind,
		Reason:          m.Reason,
		Backend:         m.Backend,
		DurationSeconds: m.DurationSeconds,
	}
}

// --- Approval ---

func toApprovalModel(pa *approval.PendingApproval) ApprovalModel {
	m := ApprovalModel{
		ID:           pa.ID,
		FunctionName: pa.Function,
		Arguments:    encodeArgs(pa.Arguments),
		Status:       int16(pa.Status),
		ResolvedBy:   pa.ResolvedBy,
		CreatedAt:    pa.CreatedAt,
		ExpiresAt:    pa.ExpiresAt,
	}
	if !pa.ResolvedAt.IsZero() {
		t := pa.ResolvedAt
		m.ResolvedAt = &t
	}
	return m
}

func toApprovalDomain(m *ApprovalModel) *approval.PendingApproval {
	pa := &approval.PendingApproval{
		ID:         m.ID,
		Function:   m.FunctionName,
		Arguments:  decodeArgs(m.Arguments),
		Status:     approval.Status(m.Status),
		ResolvedBy: m.ResolvedBy,
		CreatedAt:  m.CreatedAt,
		ExpiresAt:  m.ExpiresAt,
	}
	if m.ResolvedAt != nil {
		pa.ResolvedAt = *m.ResolvedAt
	}
	return pa
}

// --- Test result ---

func toTestResultModel(r simulation.Record) TestResultModel {
	id := r.ID
	if id == "" {
		id = uuid.NewString()
	}
	created := r.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	return TestResultModel{
		ID:              id,
		FunctionName:    r.FunctionName,
		CodeHash:        r.CodeHash,
		Arguments:       encodeArgs(r.Arguments),
		Success:         r.Success,
		Kind:            string(r.Kind),
		Error:           r.Error,
		DurationSeconds: r.DurationSeconds,
		Backend:         string(r.Backend),
		CreatedAt:       created,
	}
}

func toTestResultDomain(m *TestResultModel) simulation.Record {
	return simulation.Record{
		ID:              m.ID,
		FunctionName:    m.FunctionName,
		CodeHash:        m.CodeHash,
		Arguments:       decodeArgs(m.Arguments),
		Success:         m.Success,
		Kind:            sandbox.ErrorKind(m.Kind),
		Error:           m.Error,
		DurationSeconds: m.DurationSeconds,
		Backend:         sandbox.Backend(m.Backend),
		CreatedAt:       m.CreatedAt,
	}
}
