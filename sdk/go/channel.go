package fedhostsdk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Message is one status channel envelope.
type Message struct {
	Event     string          `json:"event"`
	To        string          `json:"to,omitempty"`
	From      string          `json:"from,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// StatusChanged is the data of an app-status-changed message.
type StatusChanged struct {
	AppID     string         `json:"appId"`
	AppName   string         `json:"appName"`
	Status    string         `json:"status"`
	IsHealthy bool           `json:"isHealthy"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Channel is a connection to the status channel.
type Channel struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

// Dial joins the room for appID; an empty appID joins the host room.
func (c *Client) Dial(ctx context.Context, appID string) (*Channel, error) {
	u, err := url.Parse(c.apiBase() + "/status")
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	q := u.Query()
	if appID != "" {
		q.Set("appId", appID)
	}
	u.RawQuery = q.Encode()
	header := http.Header{}
	if c.BearerToken != "" {
		header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, err
	}
	return &Channel{conn: conn}, nil
}

// Send relays a message. Only app-message and platform-event are accepted
// by the host; anything else comes back as an error event.
func (ch *Channel) Send(event, to string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	ch.wmu.Lock()
	defer ch.wmu.Unlock()
	return ch.conn.WriteJSON(Message{Event: event, To: strings.TrimSpace(to), Data: raw, Timestamp: time.Now().UTC()})
}

// Receive blocks for the next message.
func (ch *Channel) Receive() (Message, error) {
	var m Message
	err := ch.conn.ReadJSON(&m)
	return m, err
}

func (ch *Channel) Close() error {
	ch.wmu.Lock()
	_ = ch.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	ch.wmu.Unlock()
	return ch.conn.Close()
}

// Watch calls fn for every message until ctx is done or the connection
// drops.
func (c *Client) Watch(ctx context.Context, appID string, fn func(Message)) error {
	ch, err := c.Dial(ctx, appID)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		ch.Close()
	}()
	for {
		m, err := ch.Receive()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		fn(m)
	}
}
