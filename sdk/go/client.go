package pinklemonadesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Pink Lemonade HTTP API client.
type Client struct {
	BaseURL     string
	OrgID       string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, orgID string) *Client {
	return &Client{
		BaseURL: baseURL,
		OrgID:   orgID,
		Timeout: 10 * time.Second,
	}
}

// Grant represents the API grant model (partial).
type Grant struct {
	ID               string  `json:"id"`
	OrgID            string  `json:"org_id"`
	Title            string  `json:"title"`
	Funder           string  `json:"funder"`
	ApplicationStage string  `json:"application_stage"`
	Status           string  `json:"status"`
	PriorityLevel    string  `json:"priority_level"`
	AmountMin        int64   `json:"amount_min_cents"`
	AmountMax        int64   `json:"amount_max_cents"`
	Deadline         *string `json:"deadline,omitempty"`
	SubmittedAt      *string `json:"submitted_at,omitempty"`
	AwardAmount      *int64  `json:"award_amount_cents,omitempty"`
}

// MoveResult reports an applied stage transition.
type MoveResult struct {
	Grant       Grant    `json:"grant"`
	From        string   `json:"from"`
	To          string   `json:"to"`
	Forced      bool     `json:"forced"`
	AutoActions []string `json:"auto_actions,omitempty"`
}

// BatchMoveResult summarizes a batch move.
type BatchMoveResult struct {
	Moved  []string `json:"moved"`
	Failed []struct {
		GrantID string `json:"grant_id"`
		Reason  string `json:"reason"`
	} `json:"failed"`
}

// ChecklistItem is one task on a stage checklist.
type ChecklistItem struct {
	Key       string `json:"key"`
	Task      string `json:"task"`
	Stage     string `json:"stage"`
	Priority  string `json:"priority"`
	Completed bool   `json:"completed"`
}

// ChecklistStatus is the checklist for a grant's current stage.
type ChecklistStatus struct {
	GrantID        string          `json:"grant_id"`
	Stage          string          `json:"stage"`
	Items          []ChecklistItem `json:"items"`
	CompletedCount int             `json:"completed_count"`
	CompletionRate float64         `json:"completion_rate"`
	ReadyToAdvance bool            `json:"ready_to_advance"`
}

// Pipeline is the aggregate view of an org's grants (partial).
type Pipeline struct {
	OrgID  string `json:"org_id"`
	Stages []struct {
		Stage          string `json:"stage"`
		Name           string `json:"name"`
		Count          int    `json:"count"`
		PotentialCents int64  `json:"potential_cents"`
	} `json:"stages"`
	Metrics struct {
		TotalGrants    int     `json:"total_grants"`
		InProgress     int     `json:"in_progress"`
		Awarded        int     `json:"awarded"`
		Declined       int     `json:"declined"`
		SuccessRate    float64 `json:"success_rate"`
		PotentialCents int64   `json:"potential_cents"`
		AwardedCents   int64   `json:"awarded_cents"`
		NextDeadline   *string `json:"next_deadline,omitempty"`
	} `json:"metrics"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	OrgID      string         `json:"org_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedGrants wraps grant listings with cursors.
type PaginatedGrants struct {
	Items      []Grant `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// CreateGrant creates a grant in the discovery stage.
func (c *Client) CreateGrant(ctx context.Context, title, funder string) (Grant, error) {
	body := map[string]any{
		"org_id": c.OrgID,
		"title":  title,
		"funder": funder,
	}
	var resp Grant
	err := c.do(ctx, http.MethodPost, "v0/grants", body, &resp)
	return resp, err
}

// GetGrant fetches a grant by id.
func (c *Client) GetGrant(ctx context.Context, id string) (Grant, error) {
	var resp Grant
	endpoint := fmt.Sprintf("v0/grants/%s", url.PathEscape(id))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Grants returns recent grants.
func (c *Client) Grants(ctx context.Context, limit int) ([]Grant, error) {
	page, err := c.GrantsPage(ctx, limit, "")
	return page.Items, err
}

// GrantsPage returns a paginated grant listing.
func (c *Client) GrantsPage(ctx context.Context, limit int, cursor string) (PaginatedGrants, error) {
	endpoint := fmt.Sprintf("v0/grants?org_id=%s", url.QueryEscape(c.OrgID))
	if limit > 0 {
		endpoint = fmt.Sprintf("%s&limit=%d", endpoint, limit)
	}
	if cursor != "" {
		endpoint = fmt.Sprintf("%s&cursor=%s", endpoint, url.QueryEscape(cursor))
	}
	var resp PaginatedGrants
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// MoveGrant moves a grant to a target stage.
func (c *Client) MoveGrant(ctx context.Context, id, stage, notes string, force bool) (MoveResult, error) {
	body := map[string]any{
		"stage": stage,
		"notes": notes,
	}
	endpoint := fmt.Sprintf("v0/grants/%s/move", url.PathEscape(id))
	if force {
		endpoint += "?force=true"
	}
	var resp MoveResult
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// BatchMove moves several grants to a target stage, best-effort.
func (c *Client) BatchMove(ctx context.Context, grantIDs []string, stage, notes string, force bool) (BatchMoveResult, error) {
	body := map[string]any{
		"grant_ids": grantIDs,
		"stage":     stage,
		"notes":     notes,
	}
	endpoint := "v0/grants/batch-move"
	if force {
		endpoint += "?force=true"
	}
	var resp BatchMoveResult
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Checklist returns the checklist for a grant's current stage.
func (c *Client) Checklist(ctx context.Context, grantID string) (ChecklistStatus, error) {
	var resp ChecklistStatus
	endpoint := fmt.Sprintf("v0/grants/%s/checklist", url.PathEscape(grantID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// SetChecklistItem marks a checklist item complete or incomplete.
func (c *Client) SetChecklistItem(ctx context.Context, grantID, itemKey string, completed bool) (ChecklistStatus, error) {
	body := map[string]any{"completed": completed}
	endpoint := fmt.Sprintf("v0/grants/%s/checklist/%s", url.PathEscape(grantID), url.PathEscape(itemKey))
	var resp ChecklistStatus
	err := c.do(ctx, http.MethodPatch, endpoint, body, &resp)
	return resp, err
}

// Pipeline returns the org's pipeline status.
func (c *Client) Pipeline(ctx context.Context) (Pipeline, error) {
	var resp Pipeline
	err := c.do(ctx, http.MethodGet, c.orgPath("pipeline"), nil, &resp)
	return resp, err
}

// Events returns recent events for the org.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := c.orgPath("events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) orgPath(p string) string {
	org := url.PathEscape(c.OrgID)
	return fmt.Sprintf("v0/orgs/%s/%s", org, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
