// Package directory provides an HTTP client for the employee directory
// service, used to resolve approver roles to concrete user IDs.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Client calls the directory service over HTTP.
type Client struct {
	baseURL       string
	internalToken string
	httpClient    *http.Client
}

// NewClient creates a new directory client.
func NewClient(baseURL, internalToken string) *Client {
	return &Client{
		baseURL:       baseURL,
		internalToken: internalToken,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

type roleUsersResponse struct {
	Users []string `json:"users"`
}

// UsersWithRole returns the user IDs currently holding the given role.
// An unknown role returns an empty slice, not an error; the workflow
// engine decides what an empty resolution means for the chain.
func (c *Client) UsersWithRole(ctx context.Context, role string) ([]string, error) {
	u := c.baseURL + "/v1/roles/" + url.PathEscape(role) + "/users"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("directory new request: %w", err)
	}
	if c.internalToken != "" {
		req.Header.Set("X-Internal-Token", c.internalToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("directory request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		io.Copy(io.Discard, resp.Body) //nolint:errcheck
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("directory returned %d: %s", resp.StatusCode, string(b))
	}

	var out roleUsersResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("directory decode response: %w", err)
	}
	return out.Users, nil
}
