package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Principal is the identity attached to a request or channel connection.
// The zero value is the anonymous caller.
type Principal struct {
	Subject string
	Roles   []string
	Source  string
}

func (p Principal) Anonymous() bool { return p.Subject == "" }

// ForbiddenError indicates the policy decider refused an action.
type ForbiddenError struct {
	Action   string
	Resource string
}

func (e ForbiddenError) Error() string {
	if e.Resource == "" {
		return fmt.Sprintf("not allowed to %s", e.Action)
	}
	return fmt.Sprintf("not allowed to %s on %s", e.Action, e.Resource)
}

var ErrInvalidToken = errors.New("invalid identity token")

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext returns the attached principal or the anonymous one.
func FromContext(ctx context.Context) Principal {
	p, _ := ctx.Value(principalKey{}).(Principal)
	return p
}

type claims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles,omitempty"`
}

// Verifier validates HS256 identity tokens. Issuance lives elsewhere.
type Verifier struct {
	Secret string
}

func (v Verifier) Enabled() bool { return strings.TrimSpace(v.Secret) != "" }

func (v Verifier) Verify(token string) (Principal, error) {
	if !v.Enabled() {
		return Principal{}, fmt.Errorf("%w: jwt secret not configured", ErrInvalidToken)
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	c := &claims{}
	parsed, err := parser.ParseWithClaims(token, c, func(t *jwt.Token) (any, error) {
		return []byte(v.Secret), nil
	})
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return Principal{}, ErrInvalidToken
	}
	if c.Subject == "" {
		return Principal{}, fmt.Errorf("%w: subject claim required", ErrInvalidToken)
	}
	return Principal{Subject: c.Subject, Roles: c.Roles, Source: "jwt"}, nil
}

// Sign issues a token; used by tests and the CLI dev helpers only.
func (v Verifier) Sign(subject string, roles []string, c jwt.RegisteredClaims) (string, error) {
	c.Subject = subject
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{RegisteredClaims: c, Roles: roles})
	return tok.SignedString([]byte(v.Secret))
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}
