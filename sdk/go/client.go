package ticketflowsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Ticketflow HTTP API client.
type Client struct {
	BaseURL     string
	ProjectID   string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no token is set. Servers only
	// honor it when started with --allow-actor-header.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

// Ticket represents the API ticket model (partial).
type Ticket struct {
	ID          string   `json:"id"`
	ProjectID   string   `json:"project_id"`
	Title       string   `json:"title"`
	StatusID    int64    `json:"status_id"`
	OwnerID     string   `json:"owner_id"`
	AssigneeIDs []string `json:"assignee_ids"`
	Version     int64    `json:"version"`
	CreatedAt   string   `json:"created_at"`
	UpdatedAt   string   `json:"updated_at"`
}

type Status struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Color       string `json:"color"`
	IsCompleted bool   `json:"is_completed"`
	SortOrder   int    `json:"sort_order"`
}

// Targets lists the statuses a ticket may move to.
type Targets struct {
	ProjectID    string   `json:"project_id"`
	From         *int64   `json:"from,omitempty"`
	Unrestricted bool     `json:"unrestricted"`
	Statuses     []Status `json:"statuses"`
}

// HistoryEntry is one recorded status change.
type HistoryEntry struct {
	ID           int64   `json:"id"`
	TicketID     string  `json:"ticket_id"`
	ActorID      string  `json:"actor_id"`
	FromStatusID *int64  `json:"from_status_id,omitempty"`
	ToStatusID   int64   `json:"to_status_id"`
	Note         *string `json:"note,omitempty"`
	CreatedAt    string  `json:"created_at"`
}

// APIError wraps non-2xx responses. Code and Message are filled when the
// body is the server's error envelope.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsWorkflowViolation reports whether err is a status change refused by the
// project workflow.
func IsWorkflowViolation(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == "workflow_violation"
}

// CreateTicketInput holds the fields of a new ticket.
type CreateTicketInput struct {
	Title       string   `json:"title"`
	Content     string   `json:"content,omitempty"`
	StatusID    int64    `json:"status_id"`
	AssigneeIDs []string `json:"assignee_ids,omitempty"`
}

// CreateTicket creates a ticket.
func (c *Client) CreateTicket(ctx context.Context, in CreateTicketInput) (Ticket, error) {
	var resp Ticket
	err := c.do(ctx, http.MethodPost, c.projectPath("tickets"), in, &resp)
	return resp, err
}

// ChangeStatus moves a ticket. note may be empty.
func (c *Client) ChangeStatus(ctx context.Context, ticketID string, statusID int64, note string) (Ticket, error) {
	body := map[string]any{"status_id": statusID}
	if note != "" {
		body["note"] = note
	}
	var resp Ticket
	endpoint := c.projectPath(fmt.Sprintf("tickets/%s/status", url.PathEscape(ticketID)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// AllowedTargets lists statuses reachable from from, or allowed on creation
// when from is nil.
func (c *Client) AllowedTargets(ctx context.Context, from *int64) (Targets, error) {
	endpoint := c.projectPath("workflow/targets")
	if from != nil {
		endpoint += "?from=" + strconv.FormatInt(*from, 10)
	}
	var resp Targets
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// History returns a ticket's status changes, newest first.
func (c *Client) History(ctx context.Context, ticketID string) ([]HistoryEntry, error) {
	var resp []HistoryEntry
	endpoint := c.projectPath(fmt.Sprintf("tickets/%s/history", url.PathEscape(ticketID)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var reader io.Reader
	if body != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
		reader = &buf
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code, apiErr.Message = envelope.Error.Code, envelope.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return fmt.Sprintf("v0/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
