package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/JakeFAU/procevents/internal/config"
)

// ErrNoUser is returned when a request carries no usable caller identity.
var ErrNoUser = errors.New("no authenticated user")

// UserResolver extracts the authenticated user ID from a request.
type UserResolver interface {
	ResolveUser(r *http.Request) (string, error)
}

// HeaderResolver trusts a header set by an upstream authenticating proxy.
type HeaderResolver struct {
	Header string
}

// ResolveUser implements UserResolver.
func (h HeaderResolver) ResolveUser(r *http.Request) (string, error) {
	userID := strings.TrimSpace(r.Header.Get(h.Header))
	if userID == "" {
		return "", ErrNoUser
	}
	return userID, nil
}

// JWTResolver validates an HS256 token and uses its subject as the user ID.
// Browsers cannot set headers on EventSource requests, so the token may also
// arrive in the access_token query parameter.
type JWTResolver struct {
	Secret []byte
}

// ResolveUser implements UserResolver.
func (j JWTResolver) ResolveUser(r *http.Request) (string, error) {
	raw := bearerToken(r)
	if raw == "" {
		return "", ErrNoUser
	}
	token, err := jwt.Parse(raw, func(token *jwt.Token) (any, error) {
		return j.Secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrNoUser, err)
	}
	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", ErrNoUser
	}
	return sub, nil
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		const prefix = "Bearer "
		if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
			return strings.TrimSpace(h[len(prefix):])
		}
		return ""
	}
	return r.URL.Query().Get("access_token")
}

// NewUserResolver builds the resolver selected by auth.mode.
func NewUserResolver(cfg config.AuthConfig) (UserResolver, error) {
	switch cfg.Mode {
	case config.AuthModeHeader, "":
		header := cfg.UserHeader
		if header == "" {
			header = "X-User-ID"
		}
		return HeaderResolver{Header: header}, nil
	case config.AuthModeJWT:
		if cfg.JWTSecret == "" {
			return nil, errors.New("jwt auth requires a secret")
		}
		return JWTResolver{Secret: []byte(cfg.JWTSecret)}, nil
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.Mode)
	}
}
