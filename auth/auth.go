// Package auth verifies the bearer tokens presented on websocket upgrade.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"docsync-server/domain"
)

// Claims matches the tokens issued by the account service: the user id
// lives in "id", with "sub" accepted as a fallback.
type Claims struct {
	ID    string `json:"id,omitempty"`
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

type JWTProvider struct {
	secret []byte
	leeway time.Duration
}

func NewJWTProvider(secret string, leeway time.Duration) (*JWTProvider, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is required")
	}
	return &JWTProvider{secret: []byte(secret), leeway: leeway}, nil
}

func (p *JWTProvider) Verify(_ context.Context, token string) (domain.Identity, error) {
	if token == "" {
		return domain.Identity{}, fmt.Errorf("%w: no token provided", domain.ErrUnauthenticated)
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return p.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithLeeway(p.leeway))
	if err != nil {
		return domain.Identity{}, fmt.Errorf("%w: %v", domain.ErrUnauthenticated, err)
	}

	userID := claims.ID
	if userID == "" {
		userID = claims.Subject
	}
	if userID == "" {
		return domain.Identity{}, fmt.Errorf("%w: token has no user id", domain.ErrUnauthenticated)
	}
	return domain.Identity{UserID: userID, Email: claims.Email}, nil
}

// Issue signs a token for userID. The server never hands these out; it
// exists for tests and local tooling.
func (p *JWTProvider) Issue(userID, email string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		ID:    userID,
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
}

// Anonymous accepts every connection. Only meant for local development.
type Anonymous struct{}

func (Anonymous) Verify(context.Context, string) (domain.Identity, error) {
	return domain.Identity{UserID: "anonymous"}, nil
}

// TokenFromRequest reads a bearer token from the Authorization header or,
// since browsers cannot set headers on websocket upgrades, the "token"
// query parameter.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(tok)
		}
	}
	return r.URL.Query().Get("token")
}
