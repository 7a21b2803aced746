package status

import (
	"encoding/json"
	"time"

	"fedhost/internal/domain"
)

const (
	EventAppStatusChanged = "app-status-changed"
	EventAppRegistered    = "app-registered"
	EventAppMessage       = "app-message"
	EventPlatformEvent    = "platform-event"
	EventError            = "error"

	// HostRoom is joined by observers that are the container itself rather
	// than a federated app.
	HostRoom = "host"
)

// Message is the envelope carried on the channel. An empty To broadcasts.
type Message struct {
	Event     string          `json:"event"`
	To        string          `json:"to,omitempty"`
	From      string          `json:"from,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

func (m Message) Targeted() bool { return m.To != "" }

type StatusChanged struct {
	AppID     string         `json:"appId"`
	AppName   string         `json:"appName"`
	Status    string         `json:"status"`
	IsHealthy bool           `json:"isHealthy"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type Registered struct {
	App       domain.App `json:"app"`
	Created   bool       `json:"created"`
	Timestamp time.Time  `json:"timestamp"`
}

func newMessage(event, to string, payload any, ts time.Time) (Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{Event: event, To: to, Data: data, Timestamp: ts.UTC()}, nil
}
