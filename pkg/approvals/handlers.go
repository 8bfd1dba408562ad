package approvals

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"github.com/clearspend/approvals/pkg/audit"
	"github.com/clearspend/approvals/pkg/auth"
	"github.com/clearspend/approvals/pkg/types"
	"github.com/clearspend/approvals/pkg/workflow"
)

const (
	maxBodyBytes    = 1 << 20 // 1 MB
	maxBatchSize    = 100
	maxRateLimiters = 10000
)

// Handlers groups the HTTP handlers for the approvals service. Every
// state change goes through the engine; after a transition commits the
// handlers enqueue notify-intents and append an audit event, and
// failures there are logged, never surfaced to the caller.
type Handlers struct {
	engine  handlersEngine
	batch   handlersBatch
	store   handlersStore
	auditor handlersAudit

	notifyChannel string
	opTimeout     time.Duration

	rateLimiters map[string]*rate.Limiter
	rlOrder      []string
	rlMu         sync.Mutex
	perActorRate int
}

type handlersEngine interface {
	CreateRequest(ctx context.Context, expenseReportID, templateID, submitterID string) (*workflow.ApprovalRequest, []workflow.NotifyIntent, error)
	Decide(ctx context.Context, requestID, actorID string, decision workflow.Decision, comment string) (*workflow.ApprovalRequest, []workflow.NotifyIntent, error)
	ResumeAfterInfo(ctx context.Context, requestID, actorID string) (*workflow.ApprovalRequest, []workflow.NotifyIntent, error)
}

type handlersBatch interface {
	ApplyBatch(ctx context.Context, actorID string, decision workflow.Decision, comment string, requestIDs []string) []workflow.BatchResult
}

type handlersStore interface {
	Load(ctx context.Context, id string) (*workflow.ApprovalRequest, int64, error)
	PendingForApprover(ctx context.Context, approverID string, limit, offset int) ([]*workflow.ApprovalRequest, error)
	EnqueueNotifications(ctx context.Context, channel string, intents []workflow.NotifyIntent) error
	Template(ctx context.Context, id string) (*workflow.ChainTemplate, error)
	CreateTemplate(ctx context.Context, in CreateTemplateInput) (*workflow.ChainTemplate, error)
	CreateDelegationRule(ctx context.Context, in CreateDelegationInput) (*workflow.DelegationRule, error)
	DeleteDelegationRule(ctx context.Context, id string) error
}

type handlersAudit interface {
	Record(ctx context.Context, ev *audit.Event) error
	EventsForRequest(ctx context.Context, requestID string) ([]audit.Event, error)
}

// NewHandlers creates handlers over the engine, batch coordinator, and
// store. opTimeout bounds each state-changing operation; perActorRate
// is decisions per second per acting principal.
func NewHandlers(engine handlersEngine, batch handlersBatch, store handlersStore, auditor handlersAudit, notifyChannel string, opTimeout time.Duration, perActorRate int) *Handlers {
	if opTimeout <= 0 {
		opTimeout = 10 * time.Second
	}
	if perActorRate <= 0 {
		perActorRate = 20
	}
	return &Handlers{
		engine:        engine,
		batch:         batch,
		store:         store,
		auditor:       auditor,
		notifyChannel: notifyChannel,
		opTimeout:     opTimeout,
		rateLimiters:  make(map[string]*rate.Limiter),
		perActorRate:  perActorRate,
	}
}

// RegisterRoutes mounts the approval routes on r.
func (h *Handlers) RegisterRoutes(r chi.Router) {
	r.Post("/v1/approvals", h.CreateApproval)
	r.Get("/v1/approvals/pending", h.ListPending)
	r.Post("/v1/approvals/batch", h.BatchDecide)
	r.Get("/v1/approvals/{id}", h.GetApproval)
	r.Get("/v1/approvals/{id}/history", h.GetHistory)
	r.Get("/v1/approvals/{id}/audit", h.GetAuditTrail)
	r.Post("/v1/approvals/{id}/decision", h.Decide)
	r.Post("/v1/approvals/{id}/resume", h.Resume)
	r.Post("/v1/delegations", h.CreateDelegation)
	r.Delete("/v1/delegations/{id}", h.DeleteDelegation)
	r.Post("/v1/chain-templates", h.CreateTemplate)
	r.Get("/v1/chain-templates/{id}", h.GetTemplate)
}

// CreateApproval handles POST /v1/approvals
func (h *Handlers) CreateApproval(w http.ResponseWriter, r *http.Request) {
	principal := auth.PrincipalFromContext(r.Context())
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var in CreateApprovalInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		types.ErrBadRequest("invalid JSON body").WriteJSON(w)
		return
	}
	if in.ExpenseReportID == "" || in.ChainTemplateID == "" {
		types.ErrBadRequest("expense_report_id and chain_template_id are required").WriteJSON(w)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.opTimeout)
	defer cancel()
	req, intents, err := h.engine.CreateRequest(ctx, in.ExpenseReportID, in.ChainTemplateID, principal.ID)
	if err != nil {
		h.writeEngineError(w, err, "create approval")
		return
	}
	h.afterTransition(r.Context(), req, intents)

	writeJSON(w, http.StatusCreated, req)
}

// GetApproval handles GET /v1/approvals/{id}
func (h *Handlers) GetApproval(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	req, _, err := h.store.Load(r.Context(), id)
	if errors.Is(err, workflow.ErrNotFound) {
		types.ErrNotFound("approval request not found").WriteJSON(w)
		return
	}
	if err != nil {
		slog.Error("load approval failed", "request_id", id, "error", err)
		types.ErrInternal("failed to retrieve approval request").WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// GetHistory handles GET /v1/approvals/{id}/history
func (h *Handlers) GetHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	req, _, err := h.store.Load(r.Context(), id)
	if errors.Is(err, workflow.ErrNotFound) {
		types.ErrNotFound("approval request not found").WriteJSON(w)
		return
	}
	if err != nil {
		slog.Error("load approval failed", "request_id", id, "error", err)
		types.ErrInternal("failed to retrieve approval request").WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusOK, req.History)
}

// GetAuditTrail handles GET /v1/approvals/{id}/audit
func (h *Handlers) GetAuditTrail(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	events, err := h.auditor.EventsForRequest(r.Context(), id)
	if err != nil {
		slog.Error("load audit trail failed", "request_id", id, "error", err)
		types.ErrInternal("failed to retrieve audit trail").WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// Decide handles POST /v1/approvals/{id}/decision
func (h *Handlers) Decide(w http.ResponseWriter, r *http.Request) {
	principal := auth.PrincipalFromContext(r.Context())
	if !h.allowRate(principal.ID) {
		types.ErrRateLimited().WriteJSON(w)
		return
	}

	id := chi.URLParam(r, "id")
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var in DecisionInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		types.ErrBadRequest("invalid JSON body").WriteJSON(w)
		return
	}
	if !in.Decision.Valid() {
		types.ErrBadRequest("decision must be approve, reject, or request_info").WriteJSON(w)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.opTimeout)
	defer cancel()
	req, intents, err := h.engine.Decide(ctx, id, principal.ID, in.Decision, in.Comment)
	if err != nil {
		h.writeEngineError(w, err, "decide")
		return
	}
	h.afterTransition(r.Context(), req, intents)

	writeJSON(w, http.StatusOK, req)
}

// Resume handles POST /v1/approvals/{id}/resume
func (h *Handlers) Resume(w http.ResponseWriter, r *http.Request) {
	principal := auth.PrincipalFromContext(r.Context())
	id := chi.URLParam(r, "id")

	ctx, cancel := context.WithTimeout(r.Context(), h.opTimeout)
	defer cancel()
	req, intents, err := h.engine.ResumeAfterInfo(ctx, id, principal.ID)
	if err != nil {
		h.writeEngineError(w, err, "resume")
		return
	}
	h.afterTransition(r.Context(), req, intents)

	writeJSON(w, http.StatusOK, req)
}

// BatchDecide handles POST /v1/approvals/batch
func (h *Handlers) BatchDecide(w http.ResponseWriter, r *http.Request) {
	principal := auth.PrincipalFromContext(r.Context())
	if !h.allowRate(principal.ID) {
		types.ErrRateLimited().WriteJSON(w)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var in BatchInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		types.ErrBadRequest("invalid JSON body").WriteJSON(w)
		return
	}
	if !in.Decision.Valid() {
		types.ErrBadRequest("decision must be approve, reject, or request_info").WriteJSON(w)
		return
	}
	if len(in.RequestIDs) == 0 {
		types.ErrBadRequest("request_ids must not be empty").WriteJSON(w)
		return
	}
	if len(in.RequestIDs) > maxBatchSize {
		types.ErrBadRequest("request_ids exceeds the batch limit of "+strconv.Itoa(maxBatchSize)).WriteJSON(w)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.opTimeout)
	defer cancel()
	results := h.batch.ApplyBatch(ctx, principal.ID, in.Decision, in.Comment, in.RequestIDs)

	resp := BatchResponse{Results: make([]BatchItemResult, len(results))}
	for i, res := range results {
		item := BatchItemResult{RequestID: res.RequestID}
		if res.Err != nil {
			apiErr := engineAPIError(res.Err, "batch decide")
			item.Error = &BatchItemError{Code: apiErr.Code, Message: apiErr.Message}
		} else {
			item.OK = true
			item.Record = res.Request
			h.afterTransition(r.Context(), res.Request, res.Intents)
		}
		resp.Results[i] = item
	}

	writeJSON(w, http.StatusMultiStatus, resp)
}

// ListPending handles GET /v1/approvals/pending
func (h *Handlers) ListPending(w http.ResponseWriter, r *http.Request) {
	principal := auth.PrincipalFromContext(r.Context())
	approverID := r.URL.Query().Get("approver_id")
	if approverID == "" {
		approverID = principal.ID
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	reqs, err := h.store.PendingForApprover(r.Context(), approverID, limit, offset)
	if err != nil {
		slog.Error("list pending failed", "approver_id", approverID, "error", err)
		types.ErrInternal("failed to list pending approvals").WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"approvals": reqs})
}

// CreateDelegation handles POST /v1/delegations
func (h *Handlers) CreateDelegation(w http.ResponseWriter, r *http.Request) {
	principal := auth.PrincipalFromContext(r.Context())
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var in CreateDelegationInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		types.ErrBadRequest("invalid JSON body").WriteJSON(w)
		return
	}
	in.CreatedBy = principal.ID

	rule, err := h.store.CreateDelegationRule(r.Context(), in)
	if err != nil {
		slog.Error("create delegation failed", "error", err)
		types.ErrBadRequest(err.Error()).WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

// DeleteDelegation handles DELETE /v1/delegations/{id}
func (h *Handlers) DeleteDelegation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := h.store.DeleteDelegationRule(r.Context(), id)
	if errors.Is(err, workflow.ErrNotFound) {
		types.ErrNotFound("delegation rule not found").WriteJSON(w)
		return
	}
	if err != nil {
		slog.Error("delete delegation failed", "rule_id", id, "error", err)
		types.ErrInternal("failed to delete delegation rule").WriteJSON(w)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CreateTemplate handles POST /v1/chain-templates
func (h *Handlers) CreateTemplate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var in CreateTemplateInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		types.ErrBadRequest("invalid JSON body").WriteJSON(w)
		return
	}

	tpl, err := h.store.CreateTemplate(r.Context(), in)
	if err != nil {
		slog.Error("create template failed", "error", err)
		types.ErrBadRequest(err.Error()).WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusCreated, tpl)
}

// GetTemplate handles GET /v1/chain-templates/{id}
func (h *Handlers) GetTemplate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	tpl, err := h.store.Template(r.Context(), id)
	if errors.Is(err, workflow.ErrNotFound) {
		types.ErrNotFound("chain template not found").WriteJSON(w)
		return
	}
	if err != nil {
		slog.Error("load template failed", "template_id", id, "error", err)
		types.ErrInternal("failed to retrieve chain template").WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusOK, tpl)
}

// ──────────────────────────────────────────────────────────────────────────────
// Post-transition side effects
// ──────────────────────────────────────────────────────────────────────────────

// afterTransition enqueues notify-intents and appends an audit event
// for a committed transition. The record write has already succeeded,
// so failures here are logged and swallowed.
func (h *Handlers) afterTransition(ctx context.Context, req *workflow.ApprovalRequest, intents []workflow.NotifyIntent) {
	if err := h.store.EnqueueNotifications(ctx, h.notifyChannel, intents); err != nil {
		slog.Error("notification enqueue failed", "request_id", req.ID, "error", err)
	}

	if len(req.History) == 0 {
		return
	}
	last := req.History[len(req.History)-1]
	ev := &audit.Event{
		RequestID:       req.ID,
		ExpenseReportID: req.ExpenseReportID,
		ActorID:         last.ActorID,
		Action:          last.Action,
		FromStatus:      string(last.From),
		ToStatus:        string(last.To),
		StepIndex:       req.CurrentStepIndex,
		Comment:         last.Comment,
		At:              last.At,
	}
	if err := h.auditor.Record(ctx, ev); err != nil {
		slog.Error("audit record failed", "request_id", req.ID, "error", err)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Error mapping
// ──────────────────────────────────────────────────────────────────────────────

// engineAPIError maps engine errors onto the API error envelope.
func engineAPIError(err error, op string) *types.APIError {
	var invalidChain *workflow.InvalidChainError
	var stale *workflow.StaleStateError
	var ambiguous *workflow.AmbiguousDelegationError
	switch {
	case errors.As(err, &invalidChain):
		return types.ErrBadRequest(err.Error())
	case errors.Is(err, workflow.ErrNotAuthorized):
		return types.ErrForbidden("actor is not authorized to act on this request")
	case errors.As(err, &stale):
		return types.ErrConflict(err.Error())
	case errors.As(err, &ambiguous):
		return types.ErrInternal(err.Error())
	case errors.Is(err, workflow.ErrNotFound):
		return types.ErrNotFound("approval request not found")
	case errors.Is(err, context.DeadlineExceeded):
		return types.ErrOutcomeUnknown("operation timed out; the decision may or may not have been applied")
	default:
		slog.Error(op+" failed", "error", err)
		return types.ErrInternal("operation failed")
	}
}

func (h *Handlers) writeEngineError(w http.ResponseWriter, err error, op string) {
	engineAPIError(err, op).WriteJSON(w)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("response encode failed", "error", err)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Rate limiting (bounded map with eviction)
// ──────────────────────────────────────────────────────────────────────────────

func (h *Handlers) allowRate(actorID string) bool {
	h.rlMu.Lock()
	defer h.rlMu.Unlock()

	lim, ok := h.rateLimiters[actorID]
	if ok {
		// Move to end of LRU order.
		for i, k := range h.rlOrder {
			if k == actorID {
				h.rlOrder = append(h.rlOrder[:i], h.rlOrder[i+1:]...)
				break
			}
		}
		h.rlOrder = append(h.rlOrder, actorID)
		return lim.Allow()
	}

	if len(h.rateLimiters) >= maxRateLimiters {
		oldest := h.rlOrder[0]
		h.rlOrder = h.rlOrder[1:]
		delete(h.rateLimiters, oldest)
	}

	lim = rate.NewLimiter(rate.Limit(h.perActorRate), h.perActorRate*2)
	h.rateLimiters[actorID] = lim
	h.rlOrder = append(h.rlOrder, actorID)
	return lim.Allow()
}
