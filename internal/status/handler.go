package status

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"fedhost/internal/auth"
)

// Handler upgrades observers onto the channel. A missing token connects
// anonymously; a token that fails verification is refused with 401.
type Handler struct {
	Hub        *Hub
	Verifier   auth.Verifier
	SendBuffer int
	Upgrader   websocket.Upgrader
}

func NewHandler(hub *Hub, verifier auth.Verifier, sendBuffer int) *Handler {
	return &Handler{
		Hub:        hub,
		Verifier:   verifier,
		SendBuffer: sendBuffer,
		Upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	principal, err := h.identify(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	room := strings.TrimSpace(r.URL.Query().Get("appId"))
	if room == "" {
		room = HostRoom
	}

	conn, err := h.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Hub.logger.Warn("status: upgrade failed", "error", err)
		return
	}
	peer := newWSPeer(conn, room, h.SendBuffer)
	h.Hub.Join(peer)
	h.Hub.logger.Info("status: observer connected", "room", room, "subject", principal.Subject)

	ctx := auth.WithPrincipal(r.Context(), principal)
	go peer.writeLoop(h.Hub.logger)
	peer.readLoop(ctx, h.Hub)
	h.Hub.Leave(peer)
	h.Hub.logger.Info("status: observer disconnected", "room", room)
}

func (h *Handler) identify(r *http.Request) (auth.Principal, error) {
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		if t, ok := auth.BearerToken(r.Header.Get("Authorization")); ok {
			token = t
		}
	}
	if token == "" {
		return auth.Principal{}, nil
	}
	if !h.Verifier.Enabled() {
		return auth.Principal{}, errors.New("identity tokens are not accepted by this host")
	}
	return h.Verifier.Verify(token)
}
