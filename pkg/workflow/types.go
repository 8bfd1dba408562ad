// Package workflow implements the approval state machine for expense
// reports: chain resolution, single-decision transitions, delegation
// lookup, and batch application. It performs no I/O of its own beyond
// the Store, Directory, and delegation RuleSource interfaces it defines.
package workflow

import "time"

// ──────────────────────────────────────────────────────────────────────────────
// Statuses and decisions
// ──────────────────────────────────────────────────────────────────────────────

// OverallStatus is the persisted, derived status of an ApprovalRequest.
// It is always recomputed together with step mutations (see recompute).
type OverallStatus string

const (
	StatusPending       OverallStatus = "pending"
	StatusApproved      OverallStatus = "approved"
	StatusRejected      OverallStatus = "rejected"
	StatusInfoRequested OverallStatus = "info_requested"
)

// Terminal reports whether no further decisions are possible.
func (s OverallStatus) Terminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// StepStatus is the per-step decision state.
type StepStatus string

const (
	// StepAwaiting marks steps after the current one: not yet activated,
	// never decided. Exactly one step is pending at a time (or none, in
	// a terminal state).
	StepAwaiting      StepStatus = "awaiting"
	StepPending       StepStatus = "pending"
	StepApproved      StepStatus = "approved"
	StepRejected      StepStatus = "rejected"
	StepInfoRequested StepStatus = "info_requested"
	// StepDelegated marks a step approved by an active delegate rather
	// than the assigned approver. It counts as approved for chain
	// advancement; the delegate is recorded in DecidedBy.
	StepDelegated StepStatus = "delegated"
)

// Decision is one approver action on the current step.
type Decision string

const (
	DecisionApprove     Decision = "approve"
	DecisionReject      Decision = "reject"
	DecisionRequestInfo Decision = "request_info"
)

// Valid reports whether d is one of the three known decisions.
func (d Decision) Valid() bool {
	return d == DecisionApprove || d == DecisionReject || d == DecisionRequestInfo
}

// ──────────────────────────────────────────────────────────────────────────────
// Chain templates
// ──────────────────────────────────────────────────────────────────────────────

// StepDef is one position in a chain template. Exactly one of Role or
// ApproverID must be set: role-derived steps are resolved to a concrete
// user only when the step becomes current, fixed steps never are.
type StepDef struct {
	Role       string `json:"role,omitempty"`
	ApproverID string `json:"approver_id,omitempty"`
}

// Fixed reports whether the step names a concrete approver.
func (d StepDef) Fixed() bool { return d.ApproverID != "" }

// ChainTemplate is the ordered sequence of approval levels for a
// category of expense report. Immutable once referenced by an in-flight
// request; the request snapshots the resolved steps at creation.
type ChainTemplate struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Steps     []StepDef `json:"steps"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ──────────────────────────────────────────────────────────────────────────────
// Approval requests
// ──────────────────────────────────────────────────────────────────────────────

// StepState is the live state of one chain position on a request.
type StepState struct {
	Index int `json:"index"`
	// Role is retained from the template for lazily resolved steps;
	// empty for fixed-approver steps.
	Role       string     `json:"role,omitempty"`
	ApproverID string     `json:"approver_id,omitempty"`
	Status     StepStatus `json:"status"`
	DecidedBy  string     `json:"decided_by,omitempty"`
	DecidedAt  *time.Time `json:"decided_at,omitempty"`
	Comment    string     `json:"comment,omitempty"`
}

// HistoryEntry is one append-only record of a transition.
type HistoryEntry struct {
	At      time.Time     `json:"at"`
	ActorID string        `json:"actor_id"`
	Action  string        `json:"action"`
	From    OverallStatus `json:"from"`
	To      OverallStatus `json:"to"`
	Comment string        `json:"comment,omitempty"`
}

// ApprovalRequest tracks one expense report through its approval chain.
// Mutated only through Engine transitions; the Store's version check
// linearizes concurrent writers.
type ApprovalRequest struct {
	ID               string         `json:"id"`
	ExpenseReportID  string         `json:"expense_report_id"`
	ChainTemplateID  string         `json:"chain_template_id"`
	SubmitterID      string         `json:"submitter_id"`
	Steps            []StepState    `json:"steps"`
	CurrentStepIndex int            `json:"current_step_index"`
	OverallStatus    OverallStatus  `json:"overall_status"`
	History          []HistoryEntry `json:"history"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// CurrentStep returns the step awaiting action, or nil when the chain
// has run to completion.
func (r *ApprovalRequest) CurrentStep() *StepState {
	if r.CurrentStepIndex < 0 || r.CurrentStepIndex >= len(r.Steps) {
		return nil
	}
	return &r.Steps[r.CurrentStepIndex]
}

// ──────────────────────────────────────────────────────────────────────────────
// Delegation
// ──────────────────────────────────────────────────────────────────────────────

// DelegationRule authorizes delegateID to act for approverID inside the
// [ActiveFrom, ActiveUntil) window. Administered outside the Engine;
// the Engine only reads.
type DelegationRule struct {
	ID          string    `json:"id"`
	ApproverID  string    `json:"approver_id"`
	DelegateID  string    `json:"delegate_id"`
	ActiveFrom  time.Time `json:"active_from"`
	ActiveUntil time.Time `json:"active_until"`
	CreatedBy   string    `json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`
}

// Covers reports whether the rule window contains at.
func (d DelegationRule) Covers(at time.Time) bool {
	return !at.Before(d.ActiveFrom) && at.Before(d.ActiveUntil)
}

// ──────────────────────────────────────────────────────────────────────────────
// Notification intents
// ──────────────────────────────────────────────────────────────────────────────

// TemplateKind names the notification template to render.
type TemplateKind string

const (
	NotifyApprovalRequested TemplateKind = "approval_requested"
	NotifyApproved          TemplateKind = "approved"
	NotifyRejected          TemplateKind = "rejected"
	NotifyInfoRequested     TemplateKind = "info_requested"
)

// NotifyIntent describes a notification the caller must dispatch after
// a successful transition. The Engine never sends anything itself; a
// failed delivery must not affect the committed approval record.
type NotifyIntent struct {
	RecipientID     string       `json:"recipient_id"`
	Kind            TemplateKind `json:"kind"`
	RequestID       string       `json:"request_id"`
	ExpenseReportID string       `json:"expense_report_id"`
	StepIndex       int          `json:"step_index"`
	Comment         string       `json:"comment,omitempty"`
}
