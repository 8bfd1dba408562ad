package approvals

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clearspend/approvals/pkg/workflow"
)

// Store persists approval requests, chain templates, delegation rules,
// and the notification outbox in Postgres.
//
// Approval request documents are stored as a JSONB column alongside a
// version counter; Save performs a conditional update against the
// expected version so concurrent writers lose cleanly instead of
// clobbering each other.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new approvals store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// ──────────────────────────────────────────────────────────────────────────────
// Approval Requests (workflow.Store)
// ──────────────────────────────────────────────────────────────────────────────

// Create inserts a new approval request at version 1.
func (s *Store) Create(ctx context.Context, req *workflow.ApprovalRequest) error {
	doc, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("approvals.Create marshal: %w", err)
	}

	currentApprover := ""
	if cur := req.CurrentStep(); cur != nil {
		currentApprover = cur.ApproverID
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO approval_requests (
			id, expense_report_id, chain_template_id, submitter_id,
			overall_status, current_step_index, current_approver_id,
			doc, version, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,1,$9,$10)`,
		req.ID, req.ExpenseReportID, req.ChainTemplateID, req.SubmitterID,
		req.OverallStatus, req.CurrentStepIndex, currentApprover,
		doc, req.CreatedAt, req.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("approvals.Create insert: %w", err)
	}
	return nil
}

// Load fetches a request document and its current version.
func (s *Store) Load(ctx context.Context, id string) (*workflow.ApprovalRequest, int64, error) {
	var doc []byte
	var version int64
	err := s.pool.QueryRow(ctx, `
		SELECT doc, version FROM approval_requests WHERE id = $1`, id,
	).Scan(&doc, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, 0, workflow.ErrNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("approvals.Load: %w", err)
	}

	req := &workflow.ApprovalRequest{}
	if err := json.Unmarshal(doc, req); err != nil {
		return nil, 0, fmt.Errorf("approvals.Load unmarshal %s: %w", id, err)
	}
	return req, version, nil
}

// Save writes the request document only if the stored version still
// matches expectedVersion, bumping the version on success. A lost race
// returns workflow.ErrVersionConflict; a vanished row returns
// workflow.ErrNotFound.
func (s *Store) Save(ctx context.Context, req *workflow.ApprovalRequest, expectedVersion int64) error {
	doc, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("approvals.Save marshal: %w", err)
	}

	currentApprover := ""
	if cur := req.CurrentStep(); cur != nil {
		currentApprover = cur.ApproverID
	}

	res, err := s.pool.Exec(ctx, `
		UPDATE approval_requests
		SET overall_status = $3, current_step_index = $4, current_approver_id = $5,
		    doc = $6, version = version + 1, updated_at = $7
		WHERE id = $1 AND version = $2`,
		req.ID, expectedVersion,
		req.OverallStatus, req.CurrentStepIndex, currentApprover,
		doc, req.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("approvals.Save update: %w", err)
	}
	if res.RowsAffected() == 0 {
		// Distinguish a stale version from a missing row.
		var exists bool
		err := s.pool.QueryRow(ctx, `
			SELECT EXISTS(SELECT 1 FROM approval_requests WHERE id = $1)`, req.ID,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("approvals.Save recheck: %w", err)
		}
		if !exists {
			return workflow.ErrNotFound
		}
		return workflow.ErrVersionConflict
	}
	return nil
}

const defaultPendingLimit = 200

// PendingForApprover returns open requests currently waiting on the
// given approver, newest first (paginated).
func (s *Store) PendingForApprover(ctx context.Context, approverID string, limit, offset int) ([]*workflow.ApprovalRequest, error) {
	if limit <= 0 || limit > defaultPendingLimit {
		limit = defaultPendingLimit
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.pool.Query(ctx, `
		SELECT doc FROM approval_requests
		WHERE current_approver_id = $1 AND overall_status = 'pending'
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`, approverID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("approvals.PendingForApprover: %w", err)
	}
	defer rows.Close()

	reqs := make([]*workflow.ApprovalRequest, 0)
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("approvals.PendingForApprover scan: %w", err)
		}
		req := &workflow.ApprovalRequest{}
		if err := json.Unmarshal(doc, req); err != nil {
			return nil, fmt.Errorf("approvals.PendingForApprover unmarshal: %w", err)
		}
		reqs = append(reqs, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("approvals.PendingForApprover iteration: %w", err)
	}
	return reqs, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Chain Templates (workflow.TemplateSource)
// ──────────────────────────────────────────────────────────────────────────────

// Template fetches a chain template by ID. Missing templates return
// workflow.ErrNotFound; the engine turns that into an invalid-chain
// error at creation time.
func (s *Store) Template(ctx context.Context, id string) (*workflow.ChainTemplate, error) {
	var tpl workflow.ChainTemplate
	var steps []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, steps, created_at, updated_at FROM chain_templates WHERE id = $1`, id,
	).Scan(&tpl.ID, &tpl.Name, &steps, &tpl.CreatedAt, &tpl.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, workflow.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("approvals.Template: %w", err)
	}
	if err := json.Unmarshal(steps, &tpl.Steps); err != nil {
		return nil, fmt.Errorf("approvals.Template unmarshal steps %s: %w", id, err)
	}
	return &tpl, nil
}

// CreateTemplate inserts a new chain template.
func (s *Store) CreateTemplate(ctx context.Context, in CreateTemplateInput) (*workflow.ChainTemplate, error) {
	if in.Name == "" {
		return nil, fmt.Errorf("approvals.CreateTemplate: name is required")
	}
	steps, err := json.Marshal(in.Steps)
	if err != nil {
		return nil, fmt.Errorf("approvals.CreateTemplate marshal steps: %w", err)
	}

	now := time.Now().UTC()
	tpl := &workflow.ChainTemplate{
		ID:        uuid.NewString(),
		Name:      in.Name,
		Steps:     in.Steps,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO chain_templates (id, name, steps, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5)`,
		tpl.ID, tpl.Name, steps, tpl.CreatedAt, tpl.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("approvals.CreateTemplate insert: %w", err)
	}
	return tpl, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Delegation Rules (workflow.RuleSource)
// ──────────────────────────────────────────────────────────────────────────────

// RulesForApprover returns every delegation rule naming the approver.
// Window filtering happens in the resolver so it can evaluate against
// the decision timestamp rather than database time.
func (s *Store) RulesForApprover(ctx context.Context, approverID string) ([]workflow.DelegationRule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, approver_id, delegate_id, active_from, active_until
		FROM delegation_rules
		WHERE approver_id = $1
		ORDER BY active_from`, approverID)
	if err != nil {
		return nil, fmt.Errorf("approvals.RulesForApprover: %w", err)
	}
	defer rows.Close()

	rules := make([]workflow.DelegationRule, 0)
	for rows.Next() {
		var r workflow.DelegationRule
		if err := rows.Scan(&r.ID, &r.ApproverID, &r.DelegateID, &r.ActiveFrom, &r.ActiveUntil); err != nil {
			return nil, fmt.Errorf("approvals.RulesForApprover scan: %w", err)
		}
		rules = append(rules, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("approvals.RulesForApprover iteration: %w", err)
	}
	return rules, nil
}

// CreateDelegationRule inserts a new delegation window.
func (s *Store) CreateDelegationRule(ctx context.Context, in CreateDelegationInput) (*workflow.DelegationRule, error) {
	if in.ApproverID == "" || in.DelegateID == "" {
		return nil, fmt.Errorf("approvals.CreateDelegationRule: approver_id and delegate_id are required")
	}
	if !in.ActiveUntil.After(in.ActiveFrom) {
		return nil, fmt.Errorf("approvals.CreateDelegationRule: active_until must be after active_from")
	}

	rule := &workflow.DelegationRule{
		ID:          uuid.NewString(),
		ApproverID:  in.ApproverID,
		DelegateID:  in.DelegateID,
		ActiveFrom:  in.ActiveFrom.UTC(),
		ActiveUntil: in.ActiveUntil.UTC(),
		CreatedBy:   in.CreatedBy,
		CreatedAt:   time.Now().UTC(),
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO delegation_rules (id, approver_id, delegate_id, active_from, active_until, created_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		rule.ID, rule.ApproverID, rule.DelegateID, rule.ActiveFrom, rule.ActiveUntil, rule.CreatedBy, rule.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("approvals.CreateDelegationRule insert: %w", err)
	}
	return rule, nil
}

// DeleteDelegationRule removes a delegation rule.
func (s *Store) DeleteDelegationRule(ctx context.Context, id string) error {
	res, err := s.pool.Exec(ctx, `DELETE FROM delegation_rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("approvals.DeleteDelegationRule: %w", err)
	}
	if res.RowsAffected() == 0 {
		return workflow.ErrNotFound
	}
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Notification Outbox
// ──────────────────────────────────────────────────────────────────────────────

// EnqueueNotifications records the notify-intents of a committed
// transition for later delivery on the given channel. The transition
// itself has already been saved; enqueue failures are the caller's to
// log, never to roll back.
func (s *Store) EnqueueNotifications(ctx context.Context, channel string, intents []workflow.NotifyIntent) error {
	if len(intents) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("approvals.EnqueueNotifications begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	for _, in := range intents {
		_, err = tx.Exec(ctx, `
			INSERT INTO approval_notification_outbox (
				id, request_id, expense_report_id, recipient_id, kind, channel,
				step_index, comment, status, attempt_count, next_attempt_at,
				created_at, updated_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,'pending',0,NOW(),NOW(),NOW())`,
			uuid.NewString(), in.RequestID, in.ExpenseReportID, in.RecipientID,
			in.Kind, channel, in.StepIndex, in.Comment,
		)
		if err != nil {
			return fmt.Errorf("approvals.EnqueueNotifications insert: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("approvals.EnqueueNotifications commit: %w", err)
	}
	return nil
}

// ClaimDueNotifications claims pending due rows for delivery using
// row-level locking so concurrent dispatchers cannot deliver the same
// ID twice. The claim itself bumps attempt_count.
func (s *Store) ClaimDueNotifications(ctx context.Context, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		WITH due AS (
			SELECT id
			FROM approval_notification_outbox
			WHERE status = 'pending'
			  AND next_attempt_at <= NOW()
			ORDER BY created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT $1
		)
		UPDATE approval_notification_outbox o
		SET status = 'processing',
		    attempt_count = o.attempt_count + 1,
		    updated_at = NOW()
		FROM due
		WHERE o.id = due.id
		RETURNING o.id, o.request_id, o.expense_report_id, o.recipient_id,
		          o.kind, o.channel, o.step_index, o.comment,
		          o.attempt_count, o.status, o.next_attempt_at, o.created_at`, limit)
	if err != nil {
		return nil, fmt.Errorf("approvals.ClaimDueNotifications: %w", err)
	}
	defer rows.Close()

	out := make([]Notification, 0)
	for rows.Next() {
		var n Notification
		if err := rows.Scan(
			&n.ID, &n.RequestID, &n.ExpenseReportID, &n.RecipientID,
			&n.Kind, &n.Channel, &n.StepIndex, &n.Comment,
			&n.Attempts, &n.Status, &n.NextAttemptAt, &n.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("approvals.ClaimDueNotifications scan: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("approvals.ClaimDueNotifications iteration: %w", err)
	}
	return out, nil
}

// MarkNotificationSent records a successful delivery.
func (s *Store) MarkNotificationSent(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE approval_notification_outbox
		SET status = 'sent', sent_at = NOW(), updated_at = NOW()
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("approvals.MarkNotificationSent: %w", err)
	}
	return nil
}

// MarkNotificationRetry reschedules a failed delivery attempt.
func (s *Store) MarkNotificationRetry(ctx context.Context, id string, attempt int, next time.Time, lastErr string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE approval_notification_outbox
		SET status = 'pending', attempt_count = $2, last_error = $3,
		    next_attempt_at = $4, updated_at = NOW()
		WHERE id = $1`,
		id, attempt, lastErr, next)
	if err != nil {
		return fmt.Errorf("approvals.MarkNotificationRetry: %w", err)
	}
	return nil
}

// MarkNotificationFailed gives up on a delivery permanently.
func (s *Store) MarkNotificationFailed(ctx context.Context, id string, lastErr string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE approval_notification_outbox
		SET status = 'failed', last_error = $2, updated_at = NOW()
		WHERE id = $1`, id, lastErr)
	if err != nil {
		return fmt.Errorf("approvals.MarkNotificationFailed: %w", err)
	}
	return nil
}
