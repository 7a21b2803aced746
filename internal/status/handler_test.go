package status

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fedhost/internal/auth"
)

func dial(t *testing.T, srv *httptest.Server, query string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/status" + query
	return websocket.DefaultDialer.Dial(u, nil)
}

func TestHandlerRelaysBetweenObservers(t *testing.T) {
	hub := NewHub(nil)
	srv := httptest.NewServer(NewHandler(hub, auth.Verifier{}, 8))
	defer srv.Close()

	host, _, err := dial(t, srv, "")
	require.NoError(t, err)
	defer host.Close()
	app, _, err := dial(t, srv, "?appId=app-a")
	require.NoError(t, err)
	defer app.Close()
	require.Eventually(t, func() bool { return hub.Connected("") == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, host.WriteJSON(Message{Event: EventAppMessage, To: "app-a", Data: []byte(`{"hello":"world"}`)}))

	_ = app.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got Message
	require.NoError(t, app.ReadJSON(&got))
	assert.Equal(t, EventAppMessage, got.Event)
	assert.Equal(t, HostRoom, got.From)
	assert.JSONEq(t, `{"hello":"world"}`, string(got.Data))
}

func TestHandlerReportsRejectedEventToSender(t *testing.T) {
	hub := NewHub(nil)
	srv := httptest.NewServer(NewHandler(hub, auth.Verifier{}, 8))
	defer srv.Close()

	c, _, err := dial(t, srv, "?appId=app-a")
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.WriteJSON(Message{Event: EventAppRegistered}))
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got Message
	require.NoError(t, c.ReadJSON(&got))
	assert.Equal(t, EventError, got.Event)
}

func TestHandlerTokens(t *testing.T) {
	v := auth.Verifier{Secret: "s3cret"}
	hub := NewHub(nil)
	srv := httptest.NewServer(NewHandler(hub, v, 8))
	defer srv.Close()

	_, resp, err := dial(t, srv, "?token=garbage")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	tok, err := v.Sign("observer-1", nil, jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))})
	require.NoError(t, err)
	c, _, err := dial(t, srv, "?appId=app-a&token="+tok)
	require.NoError(t, err)
	c.Close()

	anon, _, err := dial(t, srv, "")
	require.NoError(t, err)
	anon.Close()
}
