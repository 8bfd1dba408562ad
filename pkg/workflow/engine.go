package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ──────────────────────────────────────────────────────────────────────────────
// Collaborator interfaces
// ──────────────────────────────────────────────────────────────────────────────

// Store is the system of record for approval requests. Save must apply
// the write only when the stored version still equals expectedVersion,
// returning ErrVersionConflict otherwise; that conditional write is the
// sole arbiter for concurrent decisions on one record.
type Store interface {
	Create(ctx context.Context, req *ApprovalRequest) error
	// Load returns the record and the version to pass back to Save.
	Load(ctx context.Context, id string) (*ApprovalRequest, int64, error)
	Save(ctx context.Context, req *ApprovalRequest, expectedVersion int64) error
	// PendingForApprover lists non-terminal requests whose current step
	// is assigned to approverID.
	PendingForApprover(ctx context.Context, approverID string, limit, offset int) ([]*ApprovalRequest, error)
}

// TemplateSource loads chain templates by ID.
type TemplateSource interface {
	Template(ctx context.Context, id string) (*ChainTemplate, error)
}

// Directory resolves a role to the users currently holding it. Role
// steps are resolved only when they become current, so a reassignment
// mid-chain takes effect for later steps.
type Directory interface {
	UsersWithRole(ctx context.Context, role string) ([]string, error)
}

// ──────────────────────────────────────────────────────────────────────────────
// Engine
// ──────────────────────────────────────────────────────────────────────────────

// Engine applies single legal transitions to approval requests and
// reports the notifications each transition calls for. It holds no
// state between calls; the Store is the single source of truth.
type Engine struct {
	store       Store
	templates   TemplateSource
	directory   Directory
	delegations *Resolver
	now         func() time.Time
}

// NewEngine creates an Engine over its collaborators.
func NewEngine(store Store, templates TemplateSource, directory Directory, delegations *Resolver) *Engine {
	return &Engine{
		store:       store,
		templates:   templates,
		directory:   directory,
		delegations: delegations,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// CreateRequest resolves the chain template into concrete steps and
// persists a new pending request. The first step's approver is resolved
// immediately; later role steps stay unresolved until they become
// current. Returns the record and the notify-intent for the first
// approver.
func (e *Engine) CreateRequest(ctx context.Context, expenseReportID, templateID, submitterID string) (*ApprovalRequest, []NotifyIntent, error) {
	if expenseReportID == "" || templateID == "" || submitterID == "" {
		return nil, nil, fmt.Errorf("workflow.CreateRequest: expense report, template, and submitter are required")
	}

	tpl, err := e.templates.Template(ctx, templateID)
	if err != nil {
		if err == ErrNotFound {
			return nil, nil, &InvalidChainError{TemplateID: templateID, Reason: "template does not exist"}
		}
		return nil, nil, fmt.Errorf("workflow.CreateRequest load template: %w", err)
	}
	if len(tpl.Steps) == 0 {
		return nil, nil, &InvalidChainError{TemplateID: templateID, Reason: "template has zero steps"}
	}

	steps := make([]StepState, len(tpl.Steps))
	for i, def := range tpl.Steps {
		if (def.Role == "") == (def.ApproverID == "") {
			return nil, nil, &InvalidChainError{
				TemplateID: templateID,
				Reason:     fmt.Sprintf("step %d must name exactly one of role or approver", i),
			}
		}
		steps[i] = StepState{
			Index:      i,
			Role:       def.Role,
			ApproverID: def.ApproverID,
			Status:     StepAwaiting,
		}
	}

	// Activate the first step now. An unresolvable first role means the
	// chain can never start, which is a template fault, not a transient
	// one.
	first := &steps[0]
	if first.ApproverID == "" {
		approver, err := e.resolveRole(ctx, first.Role)
		if err != nil {
			return nil, nil, err
		}
		if approver == "" {
			return nil, nil, &InvalidChainError{
				TemplateID: templateID,
				Reason:     fmt.Sprintf("no user currently holds role %q for the first step", first.Role),
			}
		}
		first.ApproverID = approver
	}
	first.Status = StepPending

	now := e.now()
	req := &ApprovalRequest{
		ID:               uuid.NewString(),
		ExpenseReportID:  expenseReportID,
		ChainTemplateID:  templateID,
		SubmitterID:      submitterID,
		Steps:            steps,
		CurrentStepIndex: 0,
		History: []HistoryEntry{{
			At:      now,
			ActorID: submitterID,
			Action:  "submitted",
			From:    StatusPending,
			To:      StatusPending,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	recompute(req)

	if err := e.store.Create(ctx, req); err != nil {
		return nil, nil, fmt.Errorf("workflow.CreateRequest persist: %w", err)
	}

	intents := []NotifyIntent{{
		RecipientID:     first.ApproverID,
		Kind:            NotifyApprovalRequested,
		RequestID:       req.ID,
		ExpenseReportID: req.ExpenseReportID,
		StepIndex:       0,
	}}
	return req, intents, nil
}

// Decide applies one actor decision to the current step of a request.
// The write is conditional on the version read here, so of two racing
// decisions exactly one succeeds and the other sees StaleStateError.
func (e *Engine) Decide(ctx context.Context, requestID, actorID string, decision Decision, comment string) (*ApprovalRequest, []NotifyIntent, error) {
	if !decision.Valid() {
		return nil, nil, fmt.Errorf("workflow.Decide: unknown decision %q", decision)
	}
	if actorID == "" {
		return nil, nil, fmt.Errorf("workflow.Decide: actor is required")
	}

	req, version, err := e.store.Load(ctx, requestID)
	if err != nil {
		return nil, nil, err
	}

	step := req.CurrentStep()
	if step == nil || step.Status != StepPending {
		return nil, nil, &StaleStateError{
			RequestID:       requestID,
			ExpectedVersion: version,
			Reason:          fmt.Sprintf("no step awaiting decision (overall status %s)", req.OverallStatus),
		}
	}

	now := e.now()
	viaDelegate := actorID != step.ApproverID
	if viaDelegate {
		acting, err := e.delegations.ResolveActingApprover(ctx, step.ApproverID, now)
		if err != nil {
			return nil, nil, err
		}
		if acting != actorID {
			return nil, nil, ErrNotAuthorized
		}
	}

	// Resolve the next step's approver before mutating anything, so an
	// unresolvable role leaves the record untouched.
	nextApprover := ""
	if decision == DecisionApprove && req.CurrentStepIndex+1 < len(req.Steps) {
		next := req.Steps[req.CurrentStepIndex+1]
		nextApprover = next.ApproverID
		if nextApprover == "" {
			nextApprover, err = e.resolveRole(ctx, next.Role)
			if err != nil {
				return nil, nil, err
			}
			if nextApprover == "" {
				return nil, nil, fmt.Errorf("workflow.Decide: no user currently holds role %q for step %d", next.Role, next.Index)
			}
		}
	}

	intents := applyDecision(req, actorID, viaDelegate, decision, comment, nextApprover, now)

	if err := e.store.Save(ctx, req, version); err != nil {
		if err == ErrVersionConflict {
			return nil, nil, &StaleStateError{
				RequestID:       requestID,
				ExpectedVersion: version,
				Reason:          "a concurrent decision was applied first",
			}
		}
		return nil, nil, fmt.Errorf("workflow.Decide persist: %w", err)
	}
	return req, intents, nil
}

// ResumeAfterInfo returns an info-requested record to pending on the
// same step once the submitter has supplied clarification. Only the
// submitter may resume.
func (e *Engine) ResumeAfterInfo(ctx context.Context, requestID, actorID string) (*ApprovalRequest, []NotifyIntent, error) {
	req, version, err := e.store.Load(ctx, requestID)
	if err != nil {
		return nil, nil, err
	}
	if req.OverallStatus != StatusInfoRequested {
		return nil, nil, &StaleStateError{
			RequestID:       requestID,
			ExpectedVersion: version,
			Reason:          fmt.Sprintf("not awaiting information (overall status %s)", req.OverallStatus),
		}
	}
	if actorID != req.SubmitterID {
		return nil, nil, ErrNotAuthorized
	}

	now := e.now()
	step := req.CurrentStep()
	from := req.OverallStatus
	step.Status = StepPending
	step.DecidedBy = ""
	step.DecidedAt = nil
	step.Comment = ""
	recompute(req)
	req.History = append(req.History, HistoryEntry{
		At:      now,
		ActorID: actorID,
		Action:  "resumed",
		From:    from,
		To:      req.OverallStatus,
	})
	req.UpdatedAt = now

	if err := e.store.Save(ctx, req, version); err != nil {
		if err == ErrVersionConflict {
			return nil, nil, &StaleStateError{
				RequestID:       requestID,
				ExpectedVersion: version,
				Reason:          "a concurrent transition was applied first",
			}
		}
		return nil, nil, fmt.Errorf("workflow.ResumeAfterInfo persist: %w", err)
	}

	intents := []NotifyIntent{{
		RecipientID:     step.ApproverID,
		Kind:            NotifyApprovalRequested,
		RequestID:       req.ID,
		ExpenseReportID: req.ExpenseReportID,
		StepIndex:       step.Index,
	}}
	return req, intents, nil
}

func (e *Engine) resolveRole(ctx context.Context, role string) (string, error) {
	users, err := e.directory.UsersWithRole(ctx, role)
	if err != nil {
		return "", fmt.Errorf("workflow: resolve role %q: %w", role, err)
	}
	if len(users) == 0 {
		return "", nil
	}
	return users[0], nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Pure transition core
// ──────────────────────────────────────────────────────────────────────────────

// applyDecision mutates req in place and returns the notify-intents the
// transition calls for. It does no I/O: the next step's approver, when
// needed, has already been resolved by the caller.
func applyDecision(req *ApprovalRequest, actorID string, viaDelegate bool, decision Decision, comment, nextApproverID string, now time.Time) []NotifyIntent {
	step := req.CurrentStep()
	from := req.OverallStatus
	step.DecidedBy = actorID
	step.DecidedAt = &now
	step.Comment = comment

	var intents []NotifyIntent
	switch decision {
	case DecisionApprove:
		if viaDelegate {
			step.Status = StepDelegated
		} else {
			step.Status = StepApproved
		}
		req.CurrentStepIndex++
		if next := req.CurrentStep(); next != nil {
			if next.ApproverID == "" {
				next.ApproverID = nextApproverID
			}
			next.Status = StepPending
			intents = append(intents, NotifyIntent{
				RecipientID:     next.ApproverID,
				Kind:            NotifyApprovalRequested,
				RequestID:       req.ID,
				ExpenseReportID: req.ExpenseReportID,
				StepIndex:       next.Index,
			})
		} else {
			intents = append(intents, NotifyIntent{
				RecipientID:     req.SubmitterID,
				Kind:            NotifyApproved,
				RequestID:       req.ID,
				ExpenseReportID: req.ExpenseReportID,
				StepIndex:       step.Index,
				Comment:         comment,
			})
		}

	case DecisionReject:
		// Rejection short-circuits every remaining step.
		step.Status = StepRejected
		intents = append(intents, NotifyIntent{
			RecipientID:     req.SubmitterID,
			Kind:            NotifyRejected,
			RequestID:       req.ID,
			ExpenseReportID: req.ExpenseReportID,
			StepIndex:       step.Index,
			Comment:         comment,
		})

	case DecisionRequestInfo:
		step.Status = StepInfoRequested
		intents = append(intents, NotifyIntent{
			RecipientID:     req.SubmitterID,
			Kind:            NotifyInfoRequested,
			RequestID:       req.ID,
			ExpenseReportID: req.ExpenseReportID,
			StepIndex:       step.Index,
			Comment:         comment,
		})
	}

	recompute(req)
	req.History = append(req.History, HistoryEntry{
		At:      now,
		ActorID: actorID,
		Action:  string(decision),
		From:    from,
		To:      req.OverallStatus,
		Comment: comment,
	})
	req.UpdatedAt = now
	return intents
}

// recompute derives OverallStatus from the steps and the current index.
// It is the only place the derived field is written, so the persisted
// value can never diverge from the source of truth.
func recompute(req *ApprovalRequest) {
	for i := range req.Steps {
		if req.Steps[i].Status == StepRejected {
			req.OverallStatus = StatusRejected
			return
		}
	}
	cur := req.CurrentStep()
	switch {
	case cur == nil:
		req.OverallStatus = StatusApproved
	case cur.Status == StepInfoRequested:
		req.OverallStatus = StatusInfoRequested
	default:
		req.OverallStatus = StatusPending
	}
}
