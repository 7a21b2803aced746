package status

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 5 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10
)

// wsPeer adapts a websocket connection to Peer. Outbound messages go
// through a bounded queue drained by writeLoop.
type wsPeer struct {
	id   string
	room string
	conn *websocket.Conn
	send chan Message

	closeOnce sync.Once
	done      chan struct{}
}

func newWSPeer(conn *websocket.Conn, room string, buffer int) *wsPeer {
	if buffer <= 0 {
		buffer = 64
	}
	return &wsPeer{
		id:   uuid.NewString(),
		room: room,
		conn: conn,
		send: make(chan Message, buffer),
		done: make(chan struct{}),
	}
}

func (p *wsPeer) ID() string   { return p.id }
func (p *wsPeer) Room() string { return p.room }

func (p *wsPeer) Send(m Message) bool {
	select {
	case <-p.done:
		return true
	default:
	}
	select {
	case p.send <- m:
		return true
	default:
		return false
	}
}

func (p *wsPeer) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
		_ = p.conn.Close()
	})
}

func (p *wsPeer) writeLoop(logger *slog.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer p.Close()
	for {
		select {
		case <-p.done:
			_ = p.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case m := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteJSON(m); err != nil {
				logger.Debug("status: write failed", "peer", p.id, "error", err)
				return
			}
		case <-ticker.C:
			if err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				logger.Debug("status: ping failed", "peer", p.id, "error", err)
				return
			}
		}
	}
}

// readLoop relays client messages until the connection drops. Rejected
// messages produce an error event back to the sender only.
func (p *wsPeer) readLoop(ctx context.Context, hub *Hub) {
	defer p.Close()
	p.conn.SetReadLimit(maxMessageSize)
	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				hub.logger.Debug("status: connection closed", "peer", p.id, "error", err)
			}
			return
		}
		var m Message
		if err := json.Unmarshal(data, &m); err != nil {
			p.reject(hub, errors.New("malformed message"))
			continue
		}
		if err := hub.Relay(ctx, p, m); err != nil {
			p.reject(hub, err)
		}
	}
}

func (p *wsPeer) reject(hub *Hub, err error) {
	m, mErr := newMessage(EventError, p.room, map[string]string{"message": err.Error()}, hub.now())
	if mErr != nil {
		return
	}
	p.Send(m)
}
