// Package session issues the signed session cookie the transport layer uses
// to correlate a browser's HTTP and socket traffic in the logs.
//
// A session is an identifier only. It grants nothing and is not
// authentication.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// CookieName is the cookie that carries the session token.
const CookieName = "avacore_session"

// DefaultTTL is how long an issued session stays valid.
const DefaultTTL = 24 * time.Hour

// Manager signs and verifies session tokens with an HMAC key. Tokens signed
// by one key fail verification under any other, so a restart with a freshly
// generated key quietly starts new sessions.
type Manager struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

// NewManager creates a Manager that signs with secret.
func NewManager(secret string) *Manager {
	return &Manager{
		key: []byte(secret),
		ttl: DefaultTTL,
		now: time.Now,
	}
}

// Issue mints a new session and returns its ID and signed token.
func (m *Manager) Issue() (id, token string, err error) {
	id = uuid.NewString()
	now := m.now()

	claims := jwt.RegisteredClaims{
		ID:        id,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
	}

	token, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.key)
	if err != nil {
		return "", "", fmt.Errorf("signing session token: %w", err)
	}
	return id, token, nil
}

// Parse verifies token and returns the session ID inside it.
func (m *Manager) Parse(token string) (string, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims,
		func(*jwt.Token) (interface{}, error) { return m.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return "", fmt.Errorf("parsing session token: %w", err)
	}
	if claims.ID == "" {
		return "", errors.New("session token has no id")
	}
	return claims.ID, nil
}

type ctxKey struct{}

// FromContext returns the session ID the middleware stored, or "".
func FromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// Middleware makes sure every request has a session: a valid cookie is
// reused, anything else is replaced with a freshly issued one. The ID is
// stored in the request context.
func (m *Manager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var id string
		if c, err := r.Cookie(CookieName); err == nil {
			id, _ = m.Parse(c.Value)
		}

		if id == "" {
			newID, token, err := m.Issue()
			if err == nil {
				id = newID
				http.SetCookie(w, &http.Cookie{
					Name:     CookieName,
					Value:    token,
					Path:     "/",
					MaxAge:   int(m.ttl.Seconds()),
					HttpOnly: true,
					Secure:   r.TLS != nil,
					SameSite: http.SameSiteLaxMode,
				})
			}
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
	})
}
