package workgatesdk

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

// Client is a minimal Workgate HTTP API client.
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

// Entity represents the API entity model (partial).
type Entity struct {
	ID           string            `json:"id"`
	ProjectID    string            `json:"project_id"`
	ParentID     *string           `json:"parent_id,omitempty"`
	Type         string            `json:"type"`
	Kind         string            `json:"kind,omitempty"`
	Title        string            `json:"title"`
	Description  string            `json:"description,omitempty"`
	Status       string            `json:"status"`
	Phase        *string           `json:"phase,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Dependencies []string          `json:"dependencies,omitempty"`
}

// Violation is one pipeline finding.
type Violation struct {
	Source      string `json:"source"`
	Enforcement string `json:"enforcement_level"`
	Message     string `json:"message"`
	Hint        string `json:"hint,omitempty"`
}

// TransitionResult is the outcome envelope returned by transition calls.
// Rejections arrive here with a 200 status, not as an HTTP error.
type TransitionResult struct {
	Outcome    string `json:"outcome"`
	Entity     Entity `json:"entity,omitempty"`
	Validation struct {
		Valid      bool        `json:"valid"`
		Violations []Violation `json:"violations,omitempty"`
	} `json:"validation"`
	Message       string `json:"message,omitempty"`
	AuditDegraded bool   `json:"audit_degraded,omitempty"`
}

// Event represents an audit log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id"`
	EntityID   string `json:"entity_id"`
	EntityKind string `json:"entity_kind"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// Blocker represents an open or resolved impediment.
type Blocker struct {
	ID       string `json:"id"`
	EntityID string `json:"entity_id"`
	Summary  string `json:"summary"`
	Resolved bool   `json:"resolved"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateEntity creates a work item or task.
func (c *Client) CreateEntity(ctx context.Context, entityType, title string, opts map[string]any) (Entity, error) {
	body := map[string]any{
		"type":  entityType,
		"title": title,
	}
	for k, v := range opts {
		body[k] = v
	}
	var resp Entity
	err := c.do(ctx, http.MethodPost, c.projectPath("entities"), body, &resp)
	return resp, err
}

// GetEntity fetches an entity by id.
func (c *Client) GetEntity(ctx context.Context, id string) (Entity, error) {
	var resp Entity
	err := c.do(ctx, http.MethodGet, "v0/entities/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// TransitionStatus requests a status change and returns the outcome.
func (c *Client) TransitionStatus(ctx context.Context, entityID, target, reason string) (TransitionResult, error) {
	return c.transition(ctx, entityID, map[string]any{"target_status": target, "reason": reason}, false)
}

// TransitionPhase requests a phase change and returns the outcome.
func (c *Client) TransitionPhase(ctx context.Context, entityID, target, reason string) (TransitionResult, error) {
	return c.transition(ctx, entityID, map[string]any{"target_phase": target, "reason": reason}, false)
}

// ValidateStatus dry-runs a status change without committing.
func (c *Client) ValidateStatus(ctx context.Context, entityID, target string) (TransitionResult, error) {
	return c.transition(ctx, entityID, map[string]any{"target_status": target}, true)
}

// ValidatePhase dry-runs a phase change without committing.
func (c *Client) ValidatePhase(ctx context.Context, entityID, target string) (TransitionResult, error) {
	return c.transition(ctx, entityID, map[string]any{"target_phase": target}, true)
}

func (c *Client) transition(ctx context.Context, entityID string, body map[string]any, validateOnly bool) (TransitionResult, error) {
	endpoint := "v0/entities/" + url.PathEscape(entityID) + "/transition"
	if validateOnly {
		endpoint += "/validate"
	}
	var resp TransitionResult
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// OpenBlocker records an impediment against an entity.
func (c *Client) OpenBlocker(ctx context.Context, entityID, summary string) (Blocker, error) {
	var resp Blocker
	endpoint := "v0/entities/" + url.PathEscape(entityID) + "/blockers"
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"summary": summary}, &resp)
	return resp, err
}

// ResolveBlocker resolves a blocker by id.
func (c *Client) ResolveBlocker(ctx context.Context, blockerID string) (Blocker, error) {
	var resp Blocker
	endpoint := "v0/blockers/" + url.PathEscape(blockerID) + "/resolve"
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent audit events, newest first.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := c.projectPath("events")
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

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return fmt.Sprintf("v0/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
