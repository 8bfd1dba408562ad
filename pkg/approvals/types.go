// Package approvals exposes the approval workflow over HTTP: request
// payloads, the Postgres record store, and the notification outbox
// dispatcher. All state transitions go through the workflow Engine;
// nothing in this package mutates records directly.
package approvals

import (
	"time"

	"github.com/clearspend/approvals/pkg/workflow"
)

// ──────────────────────────────────────────────────────────────────────────────
// API payloads
// ──────────────────────────────────────────────────────────────────────────────

type CreateApprovalInput struct {
	ExpenseReportID string `json:"expense_report_id"`
	ChainTemplateID string `json:"chain_template_id"`
}

type DecisionInput struct {
	Decision workflow.Decision `json:"decision"`
	Comment  string            `json:"comment,omitempty"`
}

type BatchInput struct {
	Decision   workflow.Decision `json:"decision"`
	Comment    string            `json:"comment,omitempty"`
	RequestIDs []string          `json:"request_ids"`
}

// BatchItemResult is one entry of the 207 multi-status batch response,
// in the same order as the input request IDs.
type BatchItemResult struct {
	RequestID string                    `json:"request_id"`
	OK        bool                      `json:"ok"`
	Record    *workflow.ApprovalRequest `json:"record,omitempty"`
	Error     *BatchItemError           `json:"error,omitempty"`
}

type BatchItemError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type BatchResponse struct {
	Results []BatchItemResult `json:"results"`
}

type CreateTemplateInput struct {
	Name  string             `json:"name"`
	Steps []workflow.StepDef `json:"steps"`
}

type CreateDelegationInput struct {
	ApproverID  string    `json:"approver_id"`
	DelegateID  string    `json:"delegate_id"`
	ActiveFrom  time.Time `json:"active_from"`
	ActiveUntil time.Time `json:"active_until"`
	// CreatedBy is filled in from the acting principal, never the body.
	CreatedBy string `json:"-"`
}

// ──────────────────────────────────────────────────────────────────────────────
// Notification outbox rows
// ──────────────────────────────────────────────────────────────────────────────

// Notification is one durable notify-intent awaiting delivery. The
// approval transition it came from has already committed; delivery is
// best-effort with bounded retries.
type Notification struct {
	ID              string                `json:"id"`
	RequestID       string                `json:"request_id"`
	ExpenseReportID string                `json:"expense_report_id"`
	RecipientID     string                `json:"recipient_id"`
	Kind            workflow.TemplateKind `json:"kind"`
	Channel         string                `json:"channel"` // "email" or "webhook"
	StepIndex       int                   `json:"step_index"`
	Comment         string                `json:"comment,omitempty"`
	Attempts        int                   `json:"attempts"`
	Status          string                `json:"status"`
	NextAttemptAt   time.Time             `json:"next_attempt_at"`
	CreatedAt       time.Time             `json:"created_at"`
}
