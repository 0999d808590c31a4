package siteworksdk

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

// Client is a minimal Sitework HTTP API client.
type Client struct {
	BaseURL     string
	ProjectID   string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

// Project represents the API project model.
type Project struct {
	ID          string `json:"id"`
	CompanyID   string `json:"company_id"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	Priority    string `json:"priority,omitempty"`
	Description string `json:"description,omitempty"`
}

// ProjectStatus is the status summary for a project.
type ProjectStatus struct {
	ProjectID     string         `json:"project_id"`
	Status        string         `json:"status"`
	TaskCounts    map[string]int `json:"task_counts"`
	OpenPunchlist int            `json:"open_punchlist"`
}

// ScheduleTask represents the API schedule task model (partial).
type ScheduleTask struct {
	ID         string  `json:"id"`
	ProjectID  string  `json:"project_id"`
	Title      string  `json:"title"`
	Status     string  `json:"status"`
	AssigneeID *string `json:"assignee_id,omitempty"`
	StartDate  *string `json:"start_date,omitempty"`
	EndDate    *string `json:"end_date,omitempty"`
}

// PunchlistItem represents a defect list entry.
type PunchlistItem struct {
	ID               string `json:"id"`
	ProjectID        string `json:"project_id"`
	Title            string `json:"title"`
	Status           string `json:"status"`
	BlocksCompletion bool   `json:"blocks_completion"`
}

// ValidationResult is the dry-run verdict for a status change.
type ValidationResult struct {
	Blockers []string `json:"blockers"`
	Warnings []string `json:"warnings"`
}

// CanProceed reports whether the change would be accepted.
func (v ValidationResult) CanProceed() bool {
	return len(v.Blockers) == 0
}

// TaskChange records one cascaded task update.
type TaskChange struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Status string `json:"status"`
}

// TaskSkip records a task left untouched by a cascade.
type TaskSkip struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Reason string `json:"reason"`
}

// StatusChangeResult is the outcome of an applied status change.
type StatusChangeResult struct {
	Project      Project      `json:"project"`
	UpdatedCount int          `json:"updated_count"`
	SkippedCount int          `json:"skipped_count"`
	UpdatedTasks []TaskChange `json:"updated_tasks"`
	SkippedTasks []TaskSkip   `json:"skipped_tasks"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// WhoAmI describes the caller's roles and permissions on a project.
type WhoAmI struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedTasks wraps task list responses with cursors.
type PaginatedTasks struct {
	Items      []ScheduleTask `json:"items"`
	NextCursor string         `json:"next_cursor"`
}

// PaginatedEvents wraps event list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// Status returns the project status summary.
func (c *Client) Status(ctx context.Context) (ProjectStatus, error) {
	var resp ProjectStatus
	err := c.do(ctx, http.MethodGet, c.projectPath("status"), nil, &resp)
	return resp, err
}

// ValidateStatusChange dry-runs a project status change.
func (c *Client) ValidateStatusChange(ctx context.Context, newStatus string) (ValidationResult, error) {
	body := map[string]any{"new_status": newStatus}
	var resp ValidationResult
	err := c.do(ctx, http.MethodPost, c.projectPath("validate-status-change"), body, &resp)
	return resp, err
}

// ChangeStatus applies a project status change with cascade. currentStatus
// guards against concurrent modification; a stale value yields a 409.
func (c *Client) ChangeStatus(ctx context.Context, status, currentStatus, notes string) (StatusChangeResult, error) {
	body := map[string]any{
		"status":         status,
		"current_status": currentStatus,
	}
	if notes != "" {
		body["notes"] = notes
	}
	var resp StatusChangeResult
	err := c.do(ctx, http.MethodPost, c.projectPath("status"), body, &resp)
	return resp, err
}

// CreateTask creates a schedule task.
func (c *Client) CreateTask(ctx context.Context, title string) (ScheduleTask, error) {
	body := map[string]any{"title": title}
	var resp ScheduleTask
	err := c.do(ctx, http.MethodPost, c.projectPath("tasks"), body, &resp)
	return resp, err
}

// Tasks returns schedule tasks.
func (c *Client) Tasks(ctx context.Context, limit int) ([]ScheduleTask, error) {
	page, err := c.TasksPage(ctx, limit, "")
	return page.Items, err
}

// TasksPage returns a paginated task listing.
func (c *Client) TasksPage(ctx context.Context, limit int, cursor string) (PaginatedTasks, error) {
	endpoint := c.paged(c.projectPath("tasks"), limit, cursor)
	var resp PaginatedTasks
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// AddPunchlistItem adds a punchlist item.
func (c *Client) AddPunchlistItem(ctx context.Context, title string, blocksCompletion bool) (PunchlistItem, error) {
	body := map[string]any{
		"title":             title,
		"blocks_completion": blocksCompletion,
	}
	var resp PunchlistItem
	err := c.do(ctx, http.MethodPost, c.projectPath("punchlist"), body, &resp)
	return resp, err
}

// ResolvePunchlistItem marks an item resolved.
func (c *Client) ResolvePunchlistItem(ctx context.Context, id string) (PunchlistItem, error) {
	var resp PunchlistItem
	endpoint := c.projectPath(fmt.Sprintf("punchlist/%s/resolve", url.PathEscape(id)))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := c.paged(c.projectPath("events"), limit, cursor)
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Permissions returns the caller's roles and permissions on the project.
func (c *Client) Permissions(ctx context.Context) (WhoAmI, error) {
	var resp WhoAmI
	err := c.do(ctx, http.MethodGet, c.projectPath("me/permissions"), nil, &resp)
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
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(raw)}
		var wire struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(raw, &wire) == nil {
			apiErr.Code = wire.Error.Code
			apiErr.Message = wire.Error.Message
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	// Responses arrive wrapped in a {success, data} envelope.
	var env struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return err
	}
	if len(env.Data) > 0 {
		return json.Unmarshal(env.Data, out)
	}
	return json.Unmarshal(raw, out)
}

func (c *Client) paged(endpoint string, limit int, cursor string) string {
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	return endpoint
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return fmt.Sprintf("v0/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
