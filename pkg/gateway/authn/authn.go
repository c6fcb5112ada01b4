// Package authn validates an inbound connection's bearer token and loads
// the acting user. It performs no writes; no session state exists until
// authentication has succeeded.
package authn

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/arclight-ai/voice-relay/pkg/store"
)

var (
	ErrNoToken     = errors.New("no token provided")
	ErrInvalidUser = errors.New("invalid or inactive user")
)

// UserStore is the read-only lookup the authenticator needs.
type UserStore interface {
	LookupUser(ctx context.Context, id string) (*store.User, error)
}

type Authenticator struct {
	secret []byte
	users  UserStore
}

func New(secret string, users UserStore) *Authenticator {
	return &Authenticator{secret: []byte(secret), users: users}
}

// Authenticate verifies the bearer token and returns the active user whose
// id is the token's subject claim. Failures map to distinct close codes at
// the endpoint: ErrNoToken, ErrInvalidUser, or a generic verification error.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (*store.User, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrNoToken
	}

	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return nil, fmt.Errorf("verify token: %w", err)
	}

	subject, err := parsed.Claims.GetSubject()
	if err != nil || strings.TrimSpace(subject) == "" {
		return nil, fmt.Errorf("token has no subject claim")
	}

	user, err := a.users.LookupUser(ctx, subject)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidUser
		}
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	if !user.Active {
		return nil, ErrInvalidUser
	}
	return user, nil
}
