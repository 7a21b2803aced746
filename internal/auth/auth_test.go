package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyRoundTrip(t *testing.T) {
	v := Verifier{Secret: "s3cret"}
	tok, err := v.Sign("alice", []string{"admin"}, jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))})
	require.NoError(t, err)
	p, err := v.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "alice", p.Subject)
	assert.Equal(t, []string{"admin"}, p.Roles)
	assert.False(t, p.Anonymous())
}

func TestVerifyRejectsWrongSecretAndExpired(t *testing.T) {
	tok, err := Verifier{Secret: "other"}.Sign("alice", nil, jwt.RegisteredClaims{})
	require.NoError(t, err)
	_, err = Verifier{Secret: "s3cret"}.Verify(tok)
	assert.True(t, errors.Is(err, ErrInvalidToken))

	v := Verifier{Secret: "s3cret"}
	expired, err := v.Sign("alice", nil, jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute))})
	require.NoError(t, err)
	_, err = v.Verify(expired)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestBearerToken(t *testing.T) {
	tok, ok := BearerToken("Bearer abc")
	assert.True(t, ok)
	assert.Equal(t, "abc", tok)
	_, ok = BearerToken("Basic abc")
	assert.False(t, ok)
}

func TestRequireWithDeciders(t *testing.T) {
	ctx := context.Background()
	assert.NoError(t, Require(ctx, Open{}, ActionCreate, ""))
	err := Require(ctx, Authenticated{}, ActionCreate, "")
	var fe ForbiddenError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, ActionCreate, fe.Action)
	assert.NoError(t, Require(WithPrincipal(ctx, Principal{Subject: "bob"}), Authenticated{}, ActionCreate, ""))
}

func TestHTTPDecider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req decisionRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(w).Encode(decisionResponse{Allow: req.Subject == "admin" && req.Action == ActionDelete})
	}))
	defer srv.Close()
	d := NewHTTPDecider(srv.URL, time.Second)
	ok, err := d.Allow(context.Background(), Principal{Subject: "admin"}, ActionDelete, "apps/1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = d.Allow(context.Background(), Principal{Subject: "guest"}, ActionDelete, "apps/1")
	require.NoError(t, err)
	assert.False(t, ok)
}
