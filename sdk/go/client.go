package fedhostsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal fedhost HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/api",
		Timeout:  10 * time.Second,
	}
}

// Strategy is the tagged integration strategy of an app.
type Strategy struct {
	Type      string `json:"type"`
	RemoteURL string `json:"remoteUrl,omitempty"`
	Scope     string `json:"scope,omitempty"`
	Module    string `json:"module,omitempty"`
	TagName   string `json:"tagName,omitempty"`
	ScriptURL string `json:"scriptUrl,omitempty"`
}

// App represents the API app descriptor.
type App struct {
	ID                  string     `json:"id"`
	Name                string     `json:"name"`
	URL                 string     `json:"url"`
	IconURL             string     `json:"iconUrl,omitempty"`
	Description         string     `json:"description,omitempty"`
	IsActive            bool       `json:"isActive"`
	IntegrationStrategy Strategy   `json:"integrationStrategy"`
	IsHealthy           *bool      `json:"isHealthy,omitempty"`
	LastChecked         *time.Time `json:"lastChecked,omitempty"`
	LastHeartbeatAt     *time.Time `json:"lastHeartbeatAt,omitempty"`
	CreatedAt           time.Time  `json:"createdAt"`
	UpdatedAt           time.Time  `json:"updatedAt"`
}

// AppInput is the body of create and register calls.
type AppInput struct {
	Name                string    `json:"name"`
	URL                 string    `json:"url"`
	IconURL             string    `json:"iconUrl,omitempty"`
	Description         string    `json:"description,omitempty"`
	IntegrationStrategy *Strategy `json:"integrationStrategy,omitempty"`
}

// AppPatch holds optional replacements for UpdateApp.
type AppPatch struct {
	Name                *string   `json:"name,omitempty"`
	URL                 *string   `json:"url,omitempty"`
	IconURL             *string   `json:"iconUrl,omitempty"`
	Description         *string   `json:"description,omitempty"`
	IntegrationStrategy *Strategy `json:"integrationStrategy,omitempty"`
}

// AppHealth is one probe result.
type AppHealth struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	URL         string    `json:"url"`
	IsHealthy   bool      `json:"isHealthy"`
	LastChecked time.Time `json:"lastChecked"`
}

// Heartbeat is the recorded liveness of an app.
type Heartbeat struct {
	AppID           string         `json:"appId"`
	Status          string         `json:"status"`
	IsHealthy       bool           `json:"isHealthy"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	LastHeartbeatAt *time.Time     `json:"lastHeartbeatAt,omitempty"`
}

// Event represents an audit log entry.
type Event struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts"`
	Type    string         `json:"type"`
	AppID   string         `json:"appId"`
	ActorID string         `json:"actorId"`
	Payload map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"nextCursor"`
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

// ListApps lists active apps; healthyOnly drops unhealthy ones.
func (c *Client) ListApps(ctx context.Context, healthyOnly bool) ([]App, error) {
	endpoint := "apps"
	if healthyOnly {
		endpoint += "?healthyOnly=true"
	}
	var resp []App
	_, err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Health probes every active app.
func (c *Client) Health(ctx context.Context) ([]AppHealth, error) {
	var resp []AppHealth
	_, err := c.do(ctx, http.MethodGet, "apps/health", nil, &resp)
	return resp, err
}

// GetApp fetches an app by id.
func (c *Client) GetApp(ctx context.Context, id string) (App, error) {
	var resp App
	_, err := c.do(ctx, http.MethodGet, "apps/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// CreateApp creates an app; a taken name is an error.
func (c *Client) CreateApp(ctx context.Context, in AppInput) (App, error) {
	var resp App
	_, err := c.do(ctx, http.MethodPost, "apps", in, &resp)
	return resp, err
}

// RegisterApp self-registers; created is false when the name already existed.
func (c *Client) RegisterApp(ctx context.Context, in AppInput) (app App, created bool, err error) {
	code, err := c.do(ctx, http.MethodPost, "apps/register", in, &app)
	return app, code == http.StatusCreated, err
}

// UpdateApp replaces the given fields.
func (c *Client) UpdateApp(ctx context.Context, id string, patch AppPatch) (App, error) {
	var resp App
	_, err := c.do(ctx, http.MethodPut, "apps/"+url.PathEscape(id), patch, &resp)
	return resp, err
}

// SetActive sets isActive, or toggles it when active is nil.
func (c *Client) SetActive(ctx context.Context, id string, active *bool) (App, error) {
	body := map[string]any{}
	if active != nil {
		body["isActive"] = *active
	}
	var resp App
	_, err := c.do(ctx, http.MethodPut, "apps/"+url.PathEscape(id)+"/activate", body, &resp)
	return resp, err
}

// DeleteApp deregisters an app.
func (c *Client) DeleteApp(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodDelete, "apps/"+url.PathEscape(id), nil, nil)
	return err
}

// Heartbeat reports liveness for an app.
func (c *Client) Heartbeat(ctx context.Context, id, status string, metadata map[string]any) (Heartbeat, error) {
	body := map[string]any{"appId": id}
	if status != "" {
		body["status"] = status
	}
	if metadata != nil {
		body["metadata"] = metadata
	}
	var resp Heartbeat
	_, err := c.do(ctx, http.MethodPost, "apps/"+url.PathEscape(id)+"/heartbeat", body, &resp)
	return resp, err
}

// Events lists audit events, newest first.
func (c *Client) Events(ctx context.Context, limit int, cursor, eventType, appID string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if eventType != "" {
		q.Set("type", eventType)
	}
	if appID != "" {
		q.Set("appId", appID)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	_, err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) (int, error) {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.apiBase() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return 0, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code, apiErr.Message = env.Error.Code, env.Error.Message
		}
		return resp.StatusCode, apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return resp.StatusCode, json.NewDecoder(resp.Body).Decode(out)
	}
	return resp.StatusCode, nil
}

func (c *Client) apiBase() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
