// Package client is a Go client for the approvals API, intended for
// upstream services (expense web app, HR portal) acting on behalf of
// an authenticated user.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/clearspend/approvals/pkg/approvals"
	"github.com/clearspend/approvals/pkg/types"
	"github.com/clearspend/approvals/pkg/workflow"
)

type Client struct {
	baseURL      string
	serviceToken string
	httpClient   *http.Client
}

func New(baseURL, serviceToken string) *Client {
	return &Client{
		baseURL:      baseURL,
		serviceToken: serviceToken,
		httpClient:   &http.Client{Timeout: 15 * time.Second},
	}
}

// Principal identifies the user a call is made on behalf of.
type Principal struct {
	ID   string
	Role string
}

// Create submits an expense report for approval.
func (c *Client) Create(ctx context.Context, p Principal, in approvals.CreateApprovalInput) (*workflow.ApprovalRequest, error) {
	var out workflow.ApprovalRequest
	if err := c.doJSON(ctx, p, http.MethodPost, "/v1/approvals", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Get fetches one approval request.
func (c *Client) Get(ctx context.Context, p Principal, requestID string) (*workflow.ApprovalRequest, error) {
	var out workflow.ApprovalRequest
	if err := c.doJSON(ctx, p, http.MethodGet, "/v1/approvals/"+url.PathEscape(requestID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Decide applies a decision to one request.
func (c *Client) Decide(ctx context.Context, p Principal, requestID string, in approvals.DecisionInput) (*workflow.ApprovalRequest, error) {
	var out workflow.ApprovalRequest
	if err := c.doJSON(ctx, p, http.MethodPost, "/v1/approvals/"+url.PathEscape(requestID)+"/decision", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Resume restarts a request paused for more information. Only the
// submitter may call this.
func (c *Client) Resume(ctx context.Context, p Principal, requestID string) (*workflow.ApprovalRequest, error) {
	var out workflow.ApprovalRequest
	if err := c.doJSON(ctx, p, http.MethodPost, "/v1/approvals/"+url.PathEscape(requestID)+"/resume", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Batch applies one decision across many requests. The per-item
// results come back even when some items fail.
func (c *Client) Batch(ctx context.Context, p Principal, in approvals.BatchInput) (*approvals.BatchResponse, error) {
	var out approvals.BatchResponse
	if err := c.doJSON(ctx, p, http.MethodPost, "/v1/approvals/batch", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Pending lists requests waiting on the given approver.
func (c *Client) Pending(ctx context.Context, p Principal, approverID string, limit, offset int) ([]*workflow.ApprovalRequest, error) {
	path := fmt.Sprintf("/v1/approvals/pending?approver_id=%s&limit=%d&offset=%d",
		url.QueryEscape(approverID), limit, offset)
	var out struct {
		Approvals []*workflow.ApprovalRequest `json:"approvals"`
	}
	if err := c.doJSON(ctx, p, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Approvals, nil
}

func (c *Client) doJSON(ctx context.Context, p Principal, method, path string, in, out any) error {
	var body *bytes.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Service-Token", c.serviceToken)
	req.Header.Set("X-Principal-Id", p.ID)
	req.Header.Set("X-Principal-Role", p.Role)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr types.APIError
		if decodeErr := json.NewDecoder(resp.Body).Decode(&apiErr); decodeErr == nil && apiErr.Message != "" {
			return fmt.Errorf("api error %s: %s", apiErr.Code, apiErr.Message)
		}
		return fmt.Errorf("http status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
