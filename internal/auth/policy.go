package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const (
	ActionCreate     = "app.create"
	ActionUpdate     = "app.update"
	ActionActivate   = "app.activate"
	ActionDelete     = "app.delete"
	ActionReadEvents = "events.read"
)

// Decider answers authorization questions. Fine-grained policy belongs to an
// external decision service; the host only asks.
type Decider interface {
	Allow(ctx context.Context, p Principal, action, resource string) (bool, error)
}

// Open allows everything.
type Open struct{}

func (Open) Allow(context.Context, Principal, string, string) (bool, error) { return true, nil }

// Authenticated allows any non-anonymous principal.
type Authenticated struct{}

func (Authenticated) Allow(_ context.Context, p Principal, _, _ string) (bool, error) {
	return !p.Anonymous(), nil
}

// HTTPDecider asks a remote policy-decision point.
type HTTPDecider struct {
	URL    string
	Client *http.Client
}

func NewHTTPDecider(url string, timeout time.Duration) HTTPDecider {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return HTTPDecider{URL: url, Client: &http.Client{Timeout: timeout}}
}

type decisionRequest struct {
	Subject  string   `json:"subject"`
	Roles    []string `json:"roles,omitempty"`
	Action   string   `json:"action"`
	Resource string   `json:"resource,omitempty"`
}

type decisionResponse struct {
	Allow bool `json:"allow"`
}

func (d HTTPDecider) Allow(ctx context.Context, p Principal, action, resource string) (bool, error) {
	body, err := json.Marshal(decisionRequest{Subject: p.Subject, Roles: p.Roles, Action: action, Resource: resource})
	if err != nil {
		return false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	res, err := client.Do(req)
	if err != nil {
		return false, fmt.Errorf("policy decision: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return false, fmt.Errorf("policy decision: status %d", res.StatusCode)
	}
	var out decisionResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("policy decision: %w", err)
	}
	return out.Allow, nil
}

// Require returns ForbiddenError when the decider denies.
func Require(ctx context.Context, d Decider, action, resource string) error {
	if d == nil {
		return nil
	}
	ok, err := d.Allow(ctx, FromContext(ctx), action, resource)
	if err != nil {
		return err
	}
	if !ok {
		return ForbiddenError{Action: action, Resource: resource}
	}
	return nil
}
