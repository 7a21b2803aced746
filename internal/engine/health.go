package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"fedhost/internal/domain"
	"fedhost/internal/health"
	"fedhost/internal/liveness"
	"fedhost/internal/repo"
	"fedhost/internal/status"
)

// AppStatus is an active app annotated with a fresh probe outcome.
type AppStatus struct {
	App         domain.App
	Healthy     bool
	LastChecked time.Time
}

// ListApps probes every active app. With healthyOnly the unhealthy ones
// are dropped.
func (e Engine) ListApps(ctx context.Context, healthyOnly bool) ([]AppStatus, error) {
	apps, err := e.Store.ListApps(ctx, repo.AppFilters{ActiveOnly: true})
	if err != nil {
		return nil, err
	}
	results := e.probe(ctx, apps)
	out := make([]AppStatus, 0, len(apps))
	for i, a := range apps {
		r := results[i]
		if healthyOnly && !r.Healthy {
			continue
		}
		out = append(out, AppStatus{App: a, Healthy: r.Healthy, LastChecked: r.CheckedAt})
	}
	return out, nil
}

// Health runs one probe cycle over the active apps.
func (e Engine) Health(ctx context.Context) ([]health.Result, error) {
	apps, err := e.Store.ListApps(ctx, repo.AppFilters{ActiveOnly: true})
	if err != nil {
		return nil, err
	}
	return e.probe(ctx, apps), nil
}

func (e Engine) probe(ctx context.Context, apps []domain.App) []health.Result {
	if len(apps) == 0 {
		return nil
	}
	results := e.Prober.ProbeAll(ctx, apps)
	if ctx.Err() != nil {
		return results
	}
	for i, r := range results {
		e.observe(ctx, apps[i], r)
	}
	return results
}

// observe records a probe result and announces it when it flips the
// previously known state. A first observation is recorded silently.
func (e Engine) observe(ctx context.Context, a domain.App, r health.Result) {
	if e.Liveness == nil {
		return
	}
	prev, ok, err := e.Liveness.Get(ctx, a.ID)
	if err != nil {
		e.logger().Warn("engine: liveness read failed", "app", a.Name, "error", err)
		return
	}
	st := prev
	st.AppID = a.ID
	healthy := r.Healthy
	checked := r.CheckedAt
	st.Healthy = &healthy
	st.LastCheckedAt = &checked
	if err := e.Liveness.Put(ctx, st); err != nil {
		e.logger().Warn("engine: liveness write failed", "app", a.Name, "error", err)
	}
	if !ok || prev.Healthy == nil || *prev.Healthy == healthy {
		return
	}
	statusText := "offline"
	if healthy {
		statusText = "online"
	}
	e.logger().Info("app health changed", "app", a.Name, "healthy", healthy)
	e.publishStatus(ctx, status.StatusChanged{
		AppID:     a.ID,
		AppName:   a.Name,
		Status:    statusText,
		IsHealthy: healthy,
		Timestamp: checked,
		Metadata:  map[string]any{"source": "probe"},
	})
}

// HeartbeatInput is what a running app reports about itself.
type HeartbeatInput struct {
	Status   string
	Metadata map[string]any
}

// UnhealthyStatuses are self-reported states that count as not healthy.
var UnhealthyStatuses = []string{"unhealthy", "error", "down"}

func heartbeatHealthy(s string) bool {
	for _, bad := range UnhealthyStatuses {
		if strings.EqualFold(s, bad) {
			return false
		}
	}
	return true
}

// Heartbeat records a liveness ping from an active app and broadcasts it.
// Unknown and inactive apps are rejected and nothing is published.
func (e Engine) Heartbeat(ctx context.Context, id string, in HeartbeatInput) (liveness.State, error) {
	a, err := e.Store.GetApp(ctx, id)
	if err != nil {
		return liveness.State{}, err
	}
	if !a.IsActive {
		return liveness.State{}, fmt.Errorf("%w: %s", ErrInactive, a.Name)
	}
	statusText := strings.TrimSpace(in.Status)
	if statusText == "" {
		statusText = "online"
	}
	now := e.now().UTC()
	if err := e.Store.TouchHeartbeat(ctx, id, now); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return liveness.State{}, err
		}
		return liveness.State{}, fmt.Errorf("touch heartbeat: %w", err)
	}
	healthy := heartbeatHealthy(statusText)
	st := liveness.State{AppID: id}
	if e.Liveness != nil {
		if prev, ok, err := e.Liveness.Get(ctx, id); err == nil && ok {
			st = prev
		}
	}
	st.Status = statusText
	st.Metadata = in.Metadata
	st.LastHeartbeatAt = &now
	st.Healthy = &healthy
	if e.Liveness != nil {
		if err := e.Liveness.Put(ctx, st); err != nil {
			e.logger().Warn("engine: liveness write failed", "app", a.Name, "error", err)
		}
	}
	e.publishStatus(ctx, status.StatusChanged{
		AppID:     a.ID,
		AppName:   a.Name,
		Status:    statusText,
		IsHealthy: healthy,
		Timestamp: now,
		Metadata:  in.Metadata,
	})
	return st, nil
}

func (e Engine) publishStatus(ctx context.Context, ev status.StatusChanged) {
	if e.Hub == nil {
		return
	}
	if err := e.Hub.StatusChanged(ctx, ev); err != nil {
		e.logger().Warn("engine: publish app-status-changed failed", "app", ev.AppName, "error", err)
	}
}

// Monitor probes active apps every interval until ctx is done, so observers
// learn about transitions without anyone listing apps.
func (e Engine) Monitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.Health(ctx); err != nil && ctx.Err() == nil {
				e.logger().Warn("engine: probe cycle failed", "error", err)
			}
		}
	}
}
