package approvals

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/clearspend/approvals/pkg/audit"
	"github.com/clearspend/approvals/pkg/auth"
	"github.com/clearspend/approvals/pkg/workflow"
)

// ──────────────────────────────────────────────────────────────────────────────
// Fakes
// ──────────────────────────────────────────────────────────────────────────────

type fakeEngine struct {
	createFn func(ctx context.Context, expenseReportID, templateID, submitterID string) (*workflow.ApprovalRequest, []workflow.NotifyIntent, error)
	decideFn func(ctx context.Context, requestID, actorID string, decision workflow.Decision, comment string) (*workflow.ApprovalRequest, []workflow.NotifyIntent, error)
	resumeFn func(ctx context.Context, requestID, actorID string) (*workflow.ApprovalRequest, []workflow.NotifyIntent, error)
}

func (f *fakeEngine) CreateRequest(ctx context.Context, expenseReportID, templateID, submitterID string) (*workflow.ApprovalRequest, []workflow.NotifyIntent, error) {
	return f.createFn(ctx, expenseReportID, templateID, submitterID)
}

func (f *fakeEngine) Decide(ctx context.Context, requestID, actorID string, decision workflow.Decision, comment string) (*workflow.ApprovalRequest, []workflow.NotifyIntent, error) {
	return f.decideFn(ctx, requestID, actorID, decision, comment)
}

func (f *fakeEngine) ResumeAfterInfo(ctx context.Context, requestID, actorID string) (*workflow.ApprovalRequest, []workflow.NotifyIntent, error) {
	return f.resumeFn(ctx, requestID, actorID)
}

type fakeBatch struct {
	results []workflow.BatchResult
}

func (f *fakeBatch) ApplyBatch(_ context.Context, _ string, _ workflow.Decision, _ string, requestIDs []string) []workflow.BatchResult {
	return f.results
}

type fakeFacadeStore struct {
	loadReq    *workflow.ApprovalRequest
	loadErr    error
	pending    []*workflow.ApprovalRequest
	pendingFor string
	enqueued   [][]workflow.NotifyIntent
	enqueueErr error
}

func (f *fakeFacadeStore) Load(_ context.Context, id string) (*workflow.ApprovalRequest, int64, error) {
	if f.loadErr != nil {
		return nil, 0, f.loadErr
	}
	return f.loadReq, 1, nil
}

func (f *fakeFacadeStore) PendingForApprover(_ context.Context, approverID string, _, _ int) ([]*workflow.ApprovalRequest, error) {
	f.pendingFor = approverID
	return f.pending, nil
}

func (f *fakeFacadeStore) EnqueueNotifications(_ context.Context, _ string, intents []workflow.NotifyIntent) error {
	f.enqueued = append(f.enqueued, intents)
	return f.enqueueErr
}

func (f *fakeFacadeStore) Template(_ context.Context, id string) (*workflow.ChainTemplate, error) {
	return nil, workflow.ErrNotFound
}

func (f *fakeFacadeStore) CreateTemplate(_ context.Context, in CreateTemplateInput) (*workflow.ChainTemplate, error) {
	return &workflow.ChainTemplate{ID: "tpl-1", Name: in.Name, Steps: in.Steps}, nil
}

func (f *fakeFacadeStore) CreateDelegationRule(_ context.Context, in CreateDelegationInput) (*workflow.DelegationRule, error) {
	return &workflow.DelegationRule{ID: "rule-1", ApproverID: in.ApproverID, DelegateID: in.DelegateID}, nil
}

func (f *fakeFacadeStore) DeleteDelegationRule(_ context.Context, id string) error {
	if id == "missing" {
		return workflow.ErrNotFound
	}
	return nil
}

type fakeAuditor struct {
	events []*audit.Event
}

func (f *fakeAuditor) Record(_ context.Context, ev *audit.Event) error {
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeAuditor) EventsForRequest(context.Context, string) ([]audit.Event, error) {
	out := make([]audit.Event, 0, len(f.events))
	for _, ev := range f.events {
		out = append(out, *ev)
	}
	return out, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Harness
// ──────────────────────────────────────────────────────────────────────────────

func sampleRecord() *workflow.ApprovalRequest {
	now := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	return &workflow.ApprovalRequest{
		ID:              "req-1",
		ExpenseReportID: "exp-100",
		ChainTemplateID: "tpl-1",
		SubmitterID:     "sam",
		Steps: []workflow.StepState{
			{Index: 0, Role: "manager", ApproverID: "maria", Status: workflow.StepPending},
		},
		OverallStatus: workflow.StatusPending,
		History: []workflow.HistoryEntry{
			{At: now, ActorID: "sam", Action: "submitted", From: workflow.StatusPending, To: workflow.StatusPending},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func newTestServer(t *testing.T, eng *fakeEngine, batch *fakeBatch, store *fakeFacadeStore, auditor *fakeAuditor, perActorRate int) *httptest.Server {
	t.Helper()
	h := NewHandlers(eng, batch, store, auditor, "email", time.Second, perActorRate)
	r := chi.NewRouter()
	r.Use(auth.ServiceAuth(auth.NewTokenStore("web:tok")))
	h.RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func doRequest(t *testing.T, srv *httptest.Server, method, path, principalID string, body any) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, srv.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Service-Token", "tok")
	if principalID != "" {
		req.Header.Set("X-Principal-Id", principalID)
		req.Header.Set("X-Principal-Role", "employee")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	raw, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, raw
}

func errCode(t *testing.T, raw []byte) string {
	t.Helper()
	var body struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		t.Fatalf("unmarshal error body %s: %v", raw, err)
	}
	return body.Code
}

// ──────────────────────────────────────────────────────────────────────────────
// Tests
// ──────────────────────────────────────────────────────────────────────────────

func TestCreateApprovalEnqueuesAndAudits(t *testing.T) {
	rec := sampleRecord()
	intents := []workflow.NotifyIntent{{RecipientID: "maria", Kind: workflow.NotifyApprovalRequested, RequestID: "req-1"}}
	eng := &fakeEngine{
		createFn: func(_ context.Context, expenseReportID, templateID, submitterID string) (*workflow.ApprovalRequest, []workflow.NotifyIntent, error) {
			if expenseReportID != "exp-100" || templateID != "tpl-1" || submitterID != "sam" {
				t.Fatalf("unexpected args: %s %s %s", expenseReportID, templateID, submitterID)
			}
			return rec, intents, nil
		},
	}
	store := &fakeFacadeStore{}
	auditor := &fakeAuditor{}
	srv := newTestServer(t, eng, &fakeBatch{}, store, auditor, 100)

	resp, raw := doRequest(t, srv, http.MethodPost, "/v1/approvals", "sam",
		CreateApprovalInput{ExpenseReportID: "exp-100", ChainTemplateID: "tpl-1"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, body %s", resp.StatusCode, raw)
	}

	var got workflow.ApprovalRequest
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal record: %v", err)
	}
	if got.ID != "req-1" {
		t.Fatalf("unexpected record id %s", got.ID)
	}
	if len(store.enqueued) != 1 || store.enqueued[0][0].RecipientID != "maria" {
		t.Fatalf("expected first-approver intent enqueued, got %+v", store.enqueued)
	}
	if len(auditor.events) != 1 || auditor.events[0].Action != "submitted" {
		t.Fatalf("expected submitted audit event, got %+v", auditor.events)
	}
}

func TestCreateApprovalValidation(t *testing.T) {
	eng := &fakeEngine{
		createFn: func(context.Context, string, string, string) (*workflow.ApprovalRequest, []workflow.NotifyIntent, error) {
			return nil, nil, &workflow.InvalidChainError{TemplateID: "tpl-bad", Reason: "template has no steps"}
		},
	}
	srv := newTestServer(t, eng, &fakeBatch{}, &fakeFacadeStore{}, &fakeAuditor{}, 100)

	resp, _ := doRequest(t, srv, http.MethodPost, "/v1/approvals", "sam", CreateApprovalInput{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing fields: status = %d", resp.StatusCode)
	}

	resp, raw := doRequest(t, srv, http.MethodPost, "/v1/approvals", "sam",
		CreateApprovalInput{ExpenseReportID: "exp-100", ChainTemplateID: "tpl-bad"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid chain: status = %d", resp.StatusCode)
	}
	if errCode(t, raw) != "BAD_REQUEST" {
		t.Fatalf("invalid chain: code = %s", errCode(t, raw))
	}
}

func TestDecideErrorMapping(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"not authorized", workflow.ErrNotAuthorized, http.StatusForbidden, "FORBIDDEN"},
		{"stale state", &workflow.StaleStateError{RequestID: "req-1", Reason: "already decided"}, http.StatusConflict, "CONFLICT"},
		{"not found", workflow.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
		{"timeout", context.DeadlineExceeded, http.StatusGatewayTimeout, "OUTCOME_UNKNOWN"},
		{"ambiguous delegation", &workflow.AmbiguousDelegationError{ApproverID: "maria", RuleIDs: []string{"a", "b"}}, http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			eng := &fakeEngine{
				decideFn: func(context.Context, string, string, workflow.Decision, string) (*workflow.ApprovalRequest, []workflow.NotifyIntent, error) {
					return nil, nil, tc.err
				},
			}
			srv := newTestServer(t, eng, &fakeBatch{}, &fakeFacadeStore{}, &fakeAuditor{}, 100)
			resp, raw := doRequest(t, srv, http.MethodPost, "/v1/approvals/req-1/decision", "maria",
				DecisionInput{Decision: workflow.DecisionApprove})
			if resp.StatusCode != tc.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", resp.StatusCode, tc.wantStatus, raw)
			}
			if got := errCode(t, raw); got != tc.wantCode {
				t.Fatalf("code = %s, want %s", got, tc.wantCode)
			}
		})
	}
}

func TestDecideRejectsUnknownDecision(t *testing.T) {
	srv := newTestServer(t, &fakeEngine{}, &fakeBatch{}, &fakeFacadeStore{}, &fakeAuditor{}, 100)
	resp, _ := doRequest(t, srv, http.MethodPost, "/v1/approvals/req-1/decision", "maria",
		DecisionInput{Decision: workflow.Decision("escalate")})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestDecideSucceedsDespiteEnqueueFailure(t *testing.T) {
	rec := sampleRecord()
	rec.History = append(rec.History, workflow.HistoryEntry{
		ActorID: "maria", Action: "approved",
		From: workflow.StatusPending, To: workflow.StatusApproved,
	})
	eng := &fakeEngine{
		decideFn: func(context.Context, string, string, workflow.Decision, string) (*workflow.ApprovalRequest, []workflow.NotifyIntent, error) {
			return rec, []workflow.NotifyIntent{{RecipientID: "sam", Kind: workflow.NotifyApproved}}, nil
		},
	}
	store := &fakeFacadeStore{enqueueErr: context.DeadlineExceeded}
	srv := newTestServer(t, eng, &fakeBatch{}, store, &fakeAuditor{}, 100)

	resp, raw := doRequest(t, srv, http.MethodPost, "/v1/approvals/req-1/decision", "maria",
		DecisionInput{Decision: workflow.DecisionApprove})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, raw)
	}
}

func TestBatchReturns207WithPerItemResults(t *testing.T) {
	ok1 := sampleRecord()
	ok2 := sampleRecord()
	ok2.ID = "req-3"
	batch := &fakeBatch{results: []workflow.BatchResult{
		{RequestID: "req-1", Request: ok1},
		{RequestID: "req-2", Err: workflow.ErrNotAuthorized},
		{RequestID: "req-3", Request: ok2},
	}}
	srv := newTestServer(t, &fakeEngine{}, batch, &fakeFacadeStore{}, &fakeAuditor{}, 100)

	resp, raw := doRequest(t, srv, http.MethodPost, "/v1/approvals/batch", "maria",
		BatchInput{Decision: workflow.DecisionApprove, RequestIDs: []string{"req-1", "req-2", "req-3"}})
	if resp.StatusCode != http.StatusMultiStatus {
		t.Fatalf("status = %d, body %s", resp.StatusCode, raw)
	}

	var out BatchResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if len(out.Results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(out.Results))
	}
	for i, wantID := range []string{"req-1", "req-2", "req-3"} {
		if out.Results[i].RequestID != wantID {
			t.Fatalf("result %d out of order: %s", i, out.Results[i].RequestID)
		}
	}
	if !out.Results[0].OK || !out.Results[2].OK {
		t.Fatalf("expected items 0 and 2 to succeed: %+v", out.Results)
	}
	if out.Results[1].OK || out.Results[1].Error == nil || out.Results[1].Error.Code != "FORBIDDEN" {
		t.Fatalf("expected item 1 forbidden, got %+v", out.Results[1])
	}
}

func TestBatchRejectsEmptyAndOversized(t *testing.T) {
	srv := newTestServer(t, &fakeEngine{}, &fakeBatch{}, &fakeFacadeStore{}, &fakeAuditor{}, 100)

	resp, _ := doRequest(t, srv, http.MethodPost, "/v1/approvals/batch", "maria",
		BatchInput{Decision: workflow.DecisionApprove})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty: status = %d", resp.StatusCode)
	}

	ids := make([]string, maxBatchSize+1)
	for i := range ids {
		ids[i] = "req"
	}
	resp, _ = doRequest(t, srv, http.MethodPost, "/v1/approvals/batch", "maria",
		BatchInput{Decision: workflow.DecisionApprove, RequestIDs: ids})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("oversized: status = %d", resp.StatusCode)
	}
}

func TestGetApprovalNotFound(t *testing.T) {
	store := &fakeFacadeStore{loadErr: workflow.ErrNotFound}
	srv := newTestServer(t, &fakeEngine{}, &fakeBatch{}, store, &fakeAuditor{}, 100)

	resp, _ := doRequest(t, srv, http.MethodGet, "/v1/approvals/nope", "sam", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestListPendingDefaultsToPrincipal(t *testing.T) {
	store := &fakeFacadeStore{pending: []*workflow.ApprovalRequest{sampleRecord()}}
	srv := newTestServer(t, &fakeEngine{}, &fakeBatch{}, store, &fakeAuditor{}, 100)

	resp, raw := doRequest(t, srv, http.MethodGet, "/v1/approvals/pending", "maria", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, raw)
	}
	if store.pendingFor != "maria" {
		t.Fatalf("expected principal as approver, got %q", store.pendingFor)
	}
}

func TestAuthRejectsMissingTokenAndPrincipal(t *testing.T) {
	srv := newTestServer(t, &fakeEngine{}, &fakeBatch{}, &fakeFacadeStore{}, &fakeAuditor{}, 100)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v1/approvals/pending", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d", resp.StatusCode)
	}

	resp2, _ := doRequest(t, srv, http.MethodGet, "/v1/approvals/pending", "", nil)
	if resp2.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no principal: status = %d", resp2.StatusCode)
	}
}

func TestDecideRateLimited(t *testing.T) {
	rec := sampleRecord()
	eng := &fakeEngine{
		decideFn: func(context.Context, string, string, workflow.Decision, string) (*workflow.ApprovalRequest, []workflow.NotifyIntent, error) {
			return rec, nil, nil
		},
	}
	srv := newTestServer(t, eng, &fakeBatch{}, &fakeFacadeStore{}, &fakeAuditor{}, 1)

	var limited bool
	for i := 0; i < 5; i++ {
		resp, _ := doRequest(t, srv, http.MethodPost, "/v1/approvals/req-1/decision", "maria",
			DecisionInput{Decision: workflow.DecisionApprove})
		if resp.StatusCode == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	if !limited {
		t.Fatalf("expected a 429 within the burst window")
	}
}

func TestDelegationAdminEndpoints(t *testing.T) {
	srv := newTestServer(t, &fakeEngine{}, &fakeBatch{}, &fakeFacadeStore{}, &fakeAuditor{}, 100)

	resp, raw := doRequest(t, srv, http.MethodPost, "/v1/delegations", "maria", CreateDelegationInput{
		ApproverID:  "maria",
		DelegateID:  "dana",
		ActiveFrom:  time.Now().UTC(),
		ActiveUntil: time.Now().UTC().Add(48 * time.Hour),
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: status = %d, body %s", resp.StatusCode, raw)
	}

	resp, _ = doRequest(t, srv, http.MethodDelete, "/v1/delegations/rule-1", "maria", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete: status = %d", resp.StatusCode)
	}

	resp, _ = doRequest(t, srv, http.MethodDelete, "/v1/delegations/missing", "maria", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("delete missing: status = %d", resp.StatusCode)
	}
}
