// Package liveness keeps the last known heartbeat and probe state per app.
// The memory store serves a single host instance; the Redis store lets
// several instances share the same view.
package liveness

import (
	"context"
	"time"
)

// State is last-write-wins: concurrent heartbeats for one app simply overwrite.
type State struct {
	AppID           string         `json:"appId"`
	Status          string         `json:"status,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	LastHeartbeatAt *time.Time     `json:"lastHeartbeatAt,omitempty"`
	Healthy         *bool          `json:"healthy,omitempty"`
	LastCheckedAt   *time.Time     `json:"lastCheckedAt,omitempty"`
}

type Store interface {
	Get(ctx context.Context, appID string) (State, bool, error)
	Put(ctx context.Context, s State) error
	Delete(ctx context.Context, appID string) error
}
