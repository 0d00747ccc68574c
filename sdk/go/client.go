// Package dutylinesdk is a minimal client for the Dutyline HTTP API.
package dutylinesdk

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

// Client talks to a Dutyline server. BearerToken is required for everything
// except the health check.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, bearerToken string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BearerToken: bearerToken,
		Timeout:     10 * time.Second,
	}
}

// Task mirrors the API task model.
type Task struct {
	ID                 string     `json:"id"`
	Title              string     `json:"title"`
	Description        string     `json:"description,omitempty"`
	Type               string     `json:"type"`
	Status             string     `json:"status"`
	NotificationLevel  string     `json:"notification_level"`
	PointsValue        int        `json:"points_value"`
	AssignedTo         *string    `json:"assigned_to,omitempty"`
	DueAt              *time.Time `json:"due_at,omitempty"`
	UnlockAt           *time.Time `json:"unlock_at,omitempty"`
	ScheduleID         *string    `json:"schedule_id,omitempty"`
	ProofKey           *string    `json:"proof_key,omitempty"`
	ExecutionLimitDays *int       `json:"execution_limit_days,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
}

// Schedule mirrors the API recurrence template model.
type Schedule struct {
	ID                 string     `json:"id"`
	Title              string     `json:"title"`
	Description        string     `json:"description,omitempty"`
	RecurrenceRule     string     `json:"recurrence_rule"`
	LeadTimeHours      int        `json:"lead_time_hours"`
	Active             bool       `json:"active"`
	TaskType           string     `json:"task_type"`
	PointsValue        int        `json:"points_value"`
	AssignedTo         *string    `json:"assigned_to,omitempty"`
	ExecutionLimitDays *int       `json:"execution_limit_days,omitempty"`
	LastGeneratedAt    *time.Time `json:"last_generated_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// PointEntry is one row of a member's ledger.
type PointEntry struct {
	ID        int64     `json:"id"`
	MemberID  string    `json:"member_id"`
	Amount    int       `json:"amount"`
	Reason    string    `json:"reason"`
	Category  string    `json:"category"`
	TaskID    *string   `json:"task_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Balance is a member's running total with recent entries.
type Balance struct {
	MemberID string       `json:"member_id"`
	Balance  int          `json:"balance"`
	Entries  []PointEntry `json:"entries"`
}

// Event is an audit log entry.
type Event struct {
	ID       int64  `json:"id"`
	TS       string `json:"ts"`
	Type     string `json:"type"`
	EntityID string `json:"entity_id,omitempty"`
	ActorID  string `json:"actor_id,omitempty"`
	Payload  string `json:"payload_json"`
}

// JobReport summarizes one pipeline job run.
type JobReport struct {
	Job       string   `json:"job"`
	Processed int      `json:"processed"`
	Errors    []string `json:"errors,omitempty"`
}

// CreateTaskParams are the optional fields of CreateTask.
type CreateTaskParams struct {
	Description        string     `json:"description,omitempty"`
	PointsValue        int        `json:"points_value,omitempty"`
	AssignedTo         string     `json:"assigned_to,omitempty"`
	DueAt              *time.Time `json:"due_at,omitempty"`
	UnlockAt           *time.Time `json:"unlock_at,omitempty"`
	ExecutionLimitDays *int       `json:"execution_limit_days,omitempty"`
}

// CreateScheduleParams are the optional fields of CreateSchedule.
type CreateScheduleParams struct {
	Description        string `json:"description,omitempty"`
	LeadTimeHours      int    `json:"lead_time_hours,omitempty"`
	TaskType           string `json:"task_type,omitempty"`
	PointsValue        int    `json:"points_value,omitempty"`
	AssignedTo         string `json:"assigned_to,omitempty"`
	ExecutionLimitDays *int   `json:"execution_limit_days,omitempty"`
}

// TaskListParams filter ListTasks.
type TaskListParams struct {
	Status     string
	Type       string
	AssignedTo string
	ScheduleID string
	Limit      int
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateTask creates a task. Requires an admin token.
func (c *Client) CreateTask(ctx context.Context, title, taskType string, params CreateTaskParams) (Task, error) {
	body := map[string]any{
		"title":                title,
		"type":                 taskType,
		"description":          params.Description,
		"points_value":         params.PointsValue,
		"assigned_to":          params.AssignedTo,
		"due_at":               params.DueAt,
		"unlock_at":            params.UnlockAt,
		"execution_limit_days": params.ExecutionLimitDays,
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, "v0/tasks", body, &resp)
	return resp, err
}

// ListTasks returns tasks matching the filters.
func (c *Client) ListTasks(ctx context.Context, params TaskListParams) ([]Task, error) {
	q := url.Values{}
	if params.Status != "" {
		q.Set("status", params.Status)
	}
	if params.Type != "" {
		q.Set("type", params.Type)
	}
	if params.AssignedTo != "" {
		q.Set("assigned_to", params.AssignedTo)
	}
	if params.ScheduleID != "" {
		q.Set("schedule_id", params.ScheduleID)
	}
	if params.Limit > 0 {
		q.Set("limit", fmt.Sprint(params.Limit))
	}
	endpoint := "v0/tasks"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []Task `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// GetTask fetches a task by id.
func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, c.taskPath(id, ""), nil, &resp)
	return resp, err
}

// DeleteTask removes a task. Requires an admin token.
func (c *Client) DeleteTask(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, c.taskPath(id, ""), nil, nil)
}

// Claim assigns the open task to the token's subject.
func (c *Client) Claim(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, c.taskPath(id, "claim"), nil, &resp)
	return resp, err
}

// Unclaim releases the caller's claim on a task.
func (c *Client) Unclaim(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, c.taskPath(id, "unclaim"), nil, &resp)
	return resp, err
}

// SubmitProof attaches evidence to a claimed task.
func (c *Client) SubmitProof(ctx context.Context, id, proofKey string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, c.taskPath(id, "submit"), map[string]any{"proof_key": proofKey}, &resp)
	return resp, err
}

// Approve completes a pending task. Requires an admin token.
func (c *Client) Approve(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, c.taskPath(id, "approve"), nil, &resp)
	return resp, err
}

// Reject reopens a pending task. Requires an admin token.
func (c *Client) Reject(ctx context.Context, id, reason string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, c.taskPath(id, "reject"), map[string]any{"reason": reason}, &resp)
	return resp, err
}

// Reassign hands the task to another member, or clears the assignee when
// assignee is nil. Requires an admin token.
func (c *Client) Reassign(ctx context.Context, id string, assignee *string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, c.taskPath(id, "reassign"), map[string]any{"assigned_to": assignee}, &resp)
	return resp, err
}

// ProofURL returns a presigned download link for a task's proof object.
// Requires an admin token.
func (c *Client) ProofURL(ctx context.Context, id string) (string, error) {
	var resp struct {
		URL string `json:"url"`
	}
	err := c.do(ctx, http.MethodGet, c.taskPath(id, "proof-url"), nil, &resp)
	return resp.URL, err
}

// CreateSchedule creates a recurrence template. Requires an admin token.
func (c *Client) CreateSchedule(ctx context.Context, title, rule string, params CreateScheduleParams) (Schedule, error) {
	body := map[string]any{
		"title":                title,
		"recurrence_rule":      rule,
		"description":          params.Description,
		"lead_time_hours":      params.LeadTimeHours,
		"task_type":            params.TaskType,
		"points_value":         params.PointsValue,
		"assigned_to":          params.AssignedTo,
		"execution_limit_days": params.ExecutionLimitDays,
	}
	var resp Schedule
	err := c.do(ctx, http.MethodPost, "v0/schedules", body, &resp)
	return resp, err
}

// ListSchedules returns schedules, optionally only active ones.
func (c *Client) ListSchedules(ctx context.Context, activeOnly bool) ([]Schedule, error) {
	endpoint := "v0/schedules"
	if activeOnly {
		endpoint += "?active=true"
	}
	var resp struct {
		Items []Schedule `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// GetSchedule fetches a schedule by id.
func (c *Client) GetSchedule(ctx context.Context, id string) (Schedule, error) {
	var resp Schedule
	err := c.do(ctx, http.MethodGet, "v0/schedules/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// SetScheduleActive activates or deactivates a schedule. Requires an admin
// token.
func (c *Client) SetScheduleActive(ctx context.Context, id string, active bool) (Schedule, error) {
	action := "deactivate"
	if active {
		action = "activate"
	}
	var resp Schedule
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/schedules/%s/%s", url.PathEscape(id), action), nil, &resp)
	return resp, err
}

// MemberBalance returns a member's points balance and recent entries.
func (c *Client) MemberBalance(ctx context.Context, memberID string, limit int) (Balance, error) {
	endpoint := "v0/ledger/" + url.PathEscape(memberID)
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp Balance
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent audit events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp struct {
		Items []Event `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// Tick runs the escalation pipeline once. Requires an admin token.
func (c *Client) Tick(ctx context.Context) ([]JobReport, error) {
	var resp struct {
		Reports []JobReport `json:"reports"`
	}
	err := c.do(ctx, http.MethodPost, "v0/tick", nil, &resp)
	return resp.Reports, err
}

func (c *Client) taskPath(id, action string) string {
	p := "v0/tasks/" + url.PathEscape(id)
	if action != "" {
		p += "/" + action
	}
	return p
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
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
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

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
