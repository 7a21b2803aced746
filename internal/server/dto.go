package server

import (
	"encoding/json"
	"time"

	"fedhost/internal/domain"
	"fedhost/internal/engine"
	"fedhost/internal/health"
	"fedhost/internal/liveness"
)

// Request payloads. Every field is optional at the schema level so the
// registry's own validation produces the error message.

type AppRequest struct {
	Name                string               `json:"name,omitempty" example:"Task Manager"`
	URL                 string               `json:"url,omitempty" example:"http://localhost:4001"`
	IconURL             string               `json:"iconUrl,omitempty"`
	Description         string               `json:"description,omitempty"`
	IntegrationStrategy *domain.StrategySpec `json:"integrationStrategy,omitempty"`
}

func (r AppRequest) input() engine.AppInput {
	return engine.AppInput{
		Name:        r.Name,
		URL:         r.URL,
		IconURL:     r.IconURL,
		Description: r.Description,
		Strategy:    r.IntegrationStrategy,
	}
}

type UpdateAppRequest struct {
	Name                *string              `json:"name,omitempty"`
	URL                 *string              `json:"url,omitempty"`
	IconURL             *string              `json:"iconUrl,omitempty"`
	Description         *string              `json:"description,omitempty"`
	IntegrationStrategy *domain.StrategySpec `json:"integrationStrategy,omitempty"`
}

type ActivateRequest struct {
	IsActive *bool `json:"isActive,omitempty"`
}

type HeartbeatRequest struct {
	AppID    string         `json:"appId,omitempty"`
	Status   string         `json:"status,omitempty" example:"online"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Response payloads

type AppResponse struct {
	ID                  string              `json:"id"`
	Name                string              `json:"name"`
	URL                 string              `json:"url"`
	IconURL             string              `json:"iconUrl,omitempty"`
	Description         string              `json:"description,omitempty"`
	IsActive            bool                `json:"isActive"`
	IntegrationStrategy domain.StrategySpec `json:"integrationStrategy"`
	IsHealthy           *bool               `json:"isHealthy,omitempty"`
	LastChecked         *time.Time          `json:"lastChecked,omitempty"`
	LastHeartbeatAt     *time.Time          `json:"lastHeartbeatAt,omitempty"`
	CreatedAt           time.Time           `json:"createdAt"`
	UpdatedAt           time.Time           `json:"updatedAt"`
}

func appResponse(a domain.App) AppResponse {
	resp := AppResponse{
		ID:              a.ID,
		Name:            a.Name,
		URL:             a.URL,
		IconURL:         a.IconURL,
		Description:     a.Description,
		IsActive:        a.IsActive,
		LastHeartbeatAt: a.LastHeartbeatAt,
		CreatedAt:       a.CreatedAt,
		UpdatedAt:       a.UpdatedAt,
	}
	if a.Strategy != nil {
		resp.IntegrationStrategy = domain.SpecOf(a.Strategy)
	}
	return resp
}

func appStatusResponse(s engine.AppStatus, withHealth bool) AppResponse {
	resp := appResponse(s.App)
	if withHealth {
		healthy := s.Healthy
		checked := s.LastChecked
		resp.IsHealthy = &healthy
		resp.LastChecked = &checked
	}
	return resp
}

type HealthResponse struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	URL         string    `json:"url"`
	IsHealthy   bool      `json:"isHealthy"`
	LastChecked time.Time `json:"lastChecked"`
}

func healthResponse(r health.Result) HealthResponse {
	return HealthResponse{ID: r.AppID, Name: r.Name, URL: r.URL, IsHealthy: r.Healthy, LastChecked: r.CheckedAt}
}

type HeartbeatResponse struct {
	AppID           string         `json:"appId"`
	Status          string         `json:"status"`
	IsHealthy       bool           `json:"isHealthy"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	LastHeartbeatAt *time.Time     `json:"lastHeartbeatAt,omitempty"`
}

func heartbeatResponse(s liveness.State) HeartbeatResponse {
	resp := HeartbeatResponse{AppID: s.AppID, Status: s.Status, Metadata: s.Metadata, LastHeartbeatAt: s.LastHeartbeatAt}
	if s.Healthy != nil {
		resp.IsHealthy = *s.Healthy
	}
	return resp
}

type EventResponse struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts" format:"date-time"`
	Type    string         `json:"type"`
	AppID   string         `json:"appId,omitempty"`
	ActorID string         `json:"actorId"`
	Payload map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"nextCursor,omitempty"`
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{ID: e.ID, TS: e.TS, Type: e.Type, AppID: e.AppID, ActorID: e.ActorID, Payload: decodeJSONMap(e.Payload)}
}

func decodeJSONMap(raw string) map[string]any {
	out := map[string]any{}
	if raw == "" {
		return out
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]any{"raw": raw}
	}
	return out
}
