package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/procevents/internal/config"
)

func signToken(t *testing.T, method jwt.SigningMethod, key any, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return token
}

func TestHeaderResolver(t *testing.T) {
	t.Parallel()

	resolver := HeaderResolver{Header: "X-User-ID"}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	_, err := resolver.ResolveUser(req)
	require.ErrorIs(t, err, ErrNoUser)

	req.Header.Set("X-User-ID", "  u1 ")
	userID, err := resolver.ResolveUser(req)
	require.NoError(t, err)
	require.Equal(t, "u1", userID)
}

func TestJWTResolver(t *testing.T) {
	t.Parallel()

	secret := []byte("s3cret")
	resolver := JWTResolver{Secret: secret}
	valid := signToken(t, jwt.SigningMethodHS256, secret, jwt.MapClaims{
		"sub": "user-42",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	tests := []struct {
		name    string
		header  string
		query   string
		want    string
		wantErr bool
	}{
		{name: "bearer header", header: "Bearer " + valid, want: "user-42"},
		{name: "query parameter", query: valid, want: "user-42"},
		{name: "missing token", wantErr: true},
		{name: "non bearer scheme", header: "Basic abc", query: valid, wantErr: true},
		{
			name:    "wrong secret",
			header:  "Bearer " + signToken(t, jwt.SigningMethodHS256, []byte("other"), jwt.MapClaims{"sub": "user-42"}),
			wantErr: true,
		},
		{
			name:    "wrong algorithm",
			header:  "Bearer " + signToken(t, jwt.SigningMethodHS512, secret, jwt.MapClaims{"sub": "user-42"}),
			wantErr: true,
		},
		{
			name: "expired",
			header: "Bearer " + signToken(t, jwt.SigningMethodHS256, secret, jwt.MapClaims{
				"sub": "user-42",
				"exp": time.Now().Add(-time.Hour).Unix(),
			}),
			wantErr: true,
		},
		{
			name:    "missing subject",
			header:  "Bearer " + signToken(t, jwt.SigningMethodHS256, secret, jwt.MapClaims{"scope": "stream"}),
			wantErr: true,
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			target := "/v1/events/stream"
			if tc.query != "" {
				target += "?access_token=" + tc.query
			}
			req := httptest.NewRequest(http.MethodGet, target, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			got, err := resolver.ResolveUser(req)
			if tc.wantErr {
				require.ErrorIs(t, err, ErrNoUser)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestNewUserResolver(t *testing.T) {
	t.Parallel()

	r, err := NewUserResolver(config.AuthConfig{Mode: config.AuthModeHeader, UserHeader: "X-Forwarded-User"})
	require.NoError(t, err)
	require.Equal(t, HeaderResolver{Header: "X-Forwarded-User"}, r)

	r, err = NewUserResolver(config.AuthConfig{Mode: config.AuthModeJWT, JWTSecret: "k"})
	require.NoError(t, err)
	require.IsType(t, JWTResolver{}, r)

	_, err = NewUserResolver(config.AuthConfig{Mode: config.AuthModeJWT})
	require.Error(t, err)
	_, err = NewUserResolver(config.AuthConfig{Mode: "saml"})
	require.Error(t, err)
}
