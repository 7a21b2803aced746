// Package events keeps the registry audit log.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"fedhost/internal/domain"
)

const (
	AppCreated     = "app.created"
	AppRegistered  = "app.registered"
	AppUpdated     = "app.updated"
	AppActivated   = "app.activated"
	AppDeactivated = "app.deactivated"
	AppDeleted     = "app.deleted"
)

// Types lists every event type the registry writes.
var Types = []string{AppCreated, AppRegistered, AppUpdated, AppActivated, AppDeactivated, AppDeleted}

func Known(evtType string) bool {
	return slices.Contains(Types, evtType)
}

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type Writer struct {
	DB  Execer
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one row. An empty actor is recorded as anonymous.
func (w Writer) Append(ctx context.Context, evtType, appID, actorID string, payload EventPayload) error {
	if !Known(evtType) {
		return fmt.Errorf("unknown event type %q", evtType)
	}
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if payload == nil {
		payload = EventPayload{}
	}
	if actorID == "" {
		actorID = "anonymous"
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	var app any
	if appID != "" {
		app = appID
	}
	_, err = w.DB.ExecContext(ctx, `INSERT INTO events(ts,type,app_id,actor_id,payload_json) VALUES (?,?,?,?,?)`,
		now().UTC().Format(time.RFC3339), evtType, app, actorID, string(data))
	return err
}

// Record appends evtType for a, carrying its name and, when set, its
// strategy kind.
func (w Writer) Record(ctx context.Context, evtType string, a domain.App, actorID string) error {
	payload := EventPayload{"name": a.Name}
	if a.Strategy != nil {
		payload["strategy"] = a.Strategy.Kind()
	}
	return w.Append(ctx, evtType, a.ID, actorID, payload)
}
