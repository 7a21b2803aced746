// Package status fans app health and registration events out to connected
// observers. Each observer joins one room named after its app id; targeted
// messages reach that room only, broadcasts reach everyone but the sender.
package status

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"fedhost/internal/logging"
)

// Peer is one connected observer.
type Peer interface {
	ID() string
	Room() string
	// Send queues m without blocking; false means the peer cannot keep up.
	Send(m Message) bool
	Close()
}

// Backplane carries messages between host instances.
type Backplane interface {
	Publish(ctx context.Context, env Envelope) error
	// Subscribe blocks, calling fn for each envelope until ctx is done.
	Subscribe(ctx context.Context, fn func(Envelope)) error
}

// Envelope is a Message plus routing data that must survive the backplane.
type Envelope struct {
	Origin  string  `json:"origin"`
	Sender  string  `json:"sender,omitempty"`
	Message Message `json:"message"`
}

type Hub struct {
	mu        sync.RWMutex
	rooms     map[string]map[string]Peer
	peers     map[string]Peer
	listeners map[int]func(Message)
	nextID    int

	backplane Backplane
	instance  string
	logger    *slog.Logger
	now       func() time.Time
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		rooms:     map[string]map[string]Peer{},
		peers:     map[string]Peer{},
		listeners: map[int]func(Message){},
		instance:  uuid.NewString(),
		logger:    logging.OrDefault(logger),
		now:       time.Now,
	}
}

// UseBackplane must be called before Run.
func (h *Hub) UseBackplane(b Backplane) {
	h.backplane = b
}

// Run consumes the backplane until ctx is done. Without a backplane it
// just waits.
func (h *Hub) Run(ctx context.Context) error {
	if h.backplane == nil {
		<-ctx.Done()
		return nil
	}
	return h.backplane.Subscribe(ctx, func(env Envelope) {
		if env.Origin == h.instance {
			return
		}
		h.deliver(env.Message, env.Sender)
	})
}

func (h *Hub) Join(p Peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room := h.rooms[p.Room()]
	if room == nil {
		room = map[string]Peer{}
		h.rooms[p.Room()] = room
	}
	room[p.ID()] = p
	h.peers[p.ID()] = p
	h.logger.Debug("status: peer joined", "peer", p.ID(), "room", p.Room())
}

func (h *Hub) Leave(p Peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if room, ok := h.rooms[p.Room()]; ok {
		delete(room, p.ID())
		if len(room) == 0 {
			delete(h.rooms, p.Room())
		}
	}
	delete(h.peers, p.ID())
}

// Connected reports how many peers are joined to room ("" counts all).
func (h *Hub) Connected(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if room == "" {
		return len(h.peers)
	}
	return len(h.rooms[room])
}

// Subscribe registers an in-process listener that sees every message.
func (h *Hub) Subscribe(fn func(Message)) (cancel func()) {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.listeners[id] = fn
	h.mu.Unlock()
	return func() {
		h.mu.Lock()
		delete(h.listeners, id)
		h.mu.Unlock()
	}
}

// Publish sends a host-originated message.
func (h *Hub) Publish(ctx context.Context, m Message) {
	h.publish(ctx, m, "")
}

// Relay forwards a message received from a peer. Only pass-through event
// types are accepted; the sender never receives its own broadcast.
func (h *Hub) Relay(ctx context.Context, from Peer, m Message) error {
	switch m.Event {
	case EventAppMessage, EventPlatformEvent:
	default:
		return fmt.Errorf("event %q cannot be sent by clients", m.Event)
	}
	m.From = from.Room()
	h.publish(ctx, m, from.ID())
	return nil
}

// StatusChanged broadcasts an app-status-changed event.
func (h *Hub) StatusChanged(ctx context.Context, ev StatusChanged) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = h.now().UTC()
	}
	m, err := newMessage(EventAppStatusChanged, "", ev, ev.Timestamp)
	if err != nil {
		return err
	}
	h.Publish(ctx, m)
	return nil
}

// Registered broadcasts an app-registered event.
func (h *Hub) Registered(ctx context.Context, ev Registered) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = h.now().UTC()
	}
	m, err := newMessage(EventAppRegistered, "", ev, ev.Timestamp)
	if err != nil {
		return err
	}
	h.Publish(ctx, m)
	return nil
}

func (h *Hub) publish(ctx context.Context, m Message, sender string) {
	if m.Timestamp.IsZero() {
		m.Timestamp = h.now().UTC()
	}
	h.deliver(m, sender)
	if h.backplane != nil {
		if err := h.backplane.Publish(ctx, Envelope{Origin: h.instance, Sender: sender, Message: m}); err != nil {
			h.logger.Warn("status: backplane publish failed", "event", m.Event, "error", err)
		}
	}
}

func (h *Hub) deliver(m Message, sender string) {
	h.mu.RLock()
	var targets []Peer
	if m.Targeted() {
		for _, p := range h.rooms[m.To] {
			targets = append(targets, p)
		}
	} else {
		for id, p := range h.peers {
			if id == sender {
				continue
			}
			targets = append(targets, p)
		}
	}
	listeners := make([]func(Message), 0, len(h.listeners))
	for _, fn := range h.listeners {
		listeners = append(listeners, fn)
	}
	h.mu.RUnlock()

	for _, p := range targets {
		if !p.Send(m) {
			h.logger.Warn("status: dropping slow peer", "peer", p.ID(), "room", p.Room())
			h.Leave(p)
			p.Close()
		}
	}
	for _, fn := range listeners {
		fn(m)
	}
}
