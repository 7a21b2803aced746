package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"fedhost/internal/config"
	"fedhost/internal/logging"
	"fedhost/internal/status"
)

const (
	defaultWebhookTimeout = 5 * time.Second
	defaultWebhookQueue   = 256
)

// Without an explicit filter a hook receives the host-originated events.
var defaultWebhookEvents = []string{status.EventAppStatusChanged, status.EventAppRegistered}

type webhookDispatcher struct {
	webhooks []config.WebhookConfig
	filters  []eventFilter
	client   *http.Client
	queue    chan status.Message
	logger   *slog.Logger
}

// StartWebhookDispatcher forwards hub events to the configured hooks until
// ctx is done. Delivery is best effort: a full queue drops events.
func StartWebhookDispatcher(ctx context.Context, hub *status.Hub, hooks []config.WebhookConfig, logger *slog.Logger) {
	var enabled []config.WebhookConfig
	for _, hook := range hooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		enabled = append(enabled, hook)
	}
	if len(enabled) == 0 || hub == nil {
		return
	}
	d := &webhookDispatcher{
		webhooks: enabled,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		queue:    make(chan status.Message, defaultWebhookQueue),
		logger:   logging.OrDefault(logger),
	}
	for _, hook := range enabled {
		d.filters = append(d.filters, newEventFilter(hook.Events))
	}
	cancel := hub.Subscribe(d.enqueue)
	go func() {
		defer cancel()
		d.run(ctx)
	}()
}

func (d *webhookDispatcher) enqueue(m status.Message) {
	select {
	case d.queue <- m:
	default:
		d.logger.Warn("webhook: queue full, dropping event", "event", m.Event)
	}
}

func (d *webhookDispatcher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-d.queue:
			d.dispatchAll(ctx, m)
		}
	}
}

func (d *webhookDispatcher) dispatchAll(ctx context.Context, m status.Message) {
	for i, hook := range d.webhooks {
		if !d.filters[i].match(m.Event) {
			continue
		}
		if err := d.postEvent(ctx, hook, m); err != nil {
			d.logger.Warn("webhook: delivery failed", "url", hook.URL, "event", m.Event, "error", err)
		}
	}
}

type webhookEvent struct {
	ID        string          `json:"id"`
	Event     string          `json:"event"`
	To        string          `json:"to,omitempty"`
	From      string          `json:"from,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

func (d *webhookDispatcher) postEvent(ctx context.Context, hook config.WebhookConfig, m status.Message) error {
	delivery := uuid.NewString()
	data, err := json.Marshal(webhookEvent{
		ID:        delivery,
		Event:     m.Event,
		To:        m.To,
		From:      m.From,
		Timestamp: m.Timestamp,
		Data:      m.Data,
	})
	if err != nil {
		return err
	}
	timeout := defaultWebhookTimeout
	if t := hook.Timeout.AsDuration(); t > 0 {
		timeout = t
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Fedhost-Event", m.Event)
	req.Header.Set("X-Fedhost-Delivery", delivery)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Fedhost-Secret", hook.Secret)
	}
	res, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

type eventFilter struct {
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		for _, evt := range defaultWebhookEvents {
			set[evt] = struct{}{}
		}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if _, ok := f.set["*"]; ok {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
