package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"fedhost/internal/config"
	"fedhost/internal/status"
)

func jwtClaims(ttl time.Duration) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl))}
}

func TestWebhookReceivesStatusEvents(t *testing.T) {
	got := make(chan webhookEvent, 4)
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Fedhost-Secret") != "s" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var evt webhookEvent
		_ = json.NewDecoder(r.Body).Decode(&evt)
		got <- evt
	}))
	defer sink.Close()

	hub := status.NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	StartWebhookDispatcher(ctx, hub, []config.WebhookConfig{{URL: sink.URL, Secret: "s"}}, nil)

	hub.Publish(ctx, status.Message{Event: status.EventAppMessage})
	if err := hub.StatusChanged(ctx, status.StatusChanged{AppID: "a1", AppName: "A", Status: "online", IsHealthy: true}); err != nil {
		t.Fatal(err)
	}

	select {
	case evt := <-got:
		if evt.Event != status.EventAppStatusChanged {
			t.Fatalf("default filter should skip relayed messages, got %s", evt.Event)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("webhook not delivered")
	}
}

func TestEventFilter(t *testing.T) {
	f := newEventFilter(nil)
	if !f.match(status.EventAppRegistered) || f.match(status.EventPlatformEvent) {
		t.Fatalf("default filter wrong")
	}
	if !newEventFilter([]string{"*"}).match("anything") {
		t.Fatalf("wildcard should match")
	}
	if newEventFilter([]string{status.EventAppRegistered}).match(status.EventAppStatusChanged) {
		t.Fatalf("explicit filter leaked")
	}
}
