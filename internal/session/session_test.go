package session

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndParse(t *testing.T) {
	m := NewManager("secret")

	id, token, err := m.Issue()
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	got, err := m.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, id, got)
}

func TestParseRejectsOtherKey(t *testing.T) {
	_, token, err := NewManager("old-secret").Issue()
	require.NoError(t, err)

	_, err = NewManager("new-secret").Parse(token)
	assert.Error(t, err)
}

func TestParseRejectsExpired(t *testing.T) {
	m := NewManager("secret")
	_, token, err := m.Issue()
	require.NoError(t, err)

	m.now = func() time.Time { return time.Now().Add(2 * DefaultTTL) }
	_, err = m.Parse(token)
	assert.Error(t, err)
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := NewManager("secret").Parse("not.a.token")
	assert.Error(t, err)
}

func TestMiddleware(t *testing.T) {
	m := NewManager("secret")

	var seen string
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = FromContext(r.Context())
	}))

	// First visit: a cookie is issued.
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, CookieName, cookies[0].Name)
	assert.True(t, cookies[0].HttpOnly)
	first := seen
	assert.NotEmpty(t, first)

	// Second visit with the cookie: same session, nothing re-issued.
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookies[0])
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Empty(t, w.Result().Cookies())
	assert.Equal(t, first, seen)
}

func TestMiddlewareReplacesBadCookie(t *testing.T) {
	m := NewManager("secret")
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: CookieName, Value: "forged"})
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Len(t, w.Result().Cookies(), 1)
}

func TestFromContextEmpty(t *testing.T) {
	assert.Empty(t, FromContext(httptest.NewRequest(http.MethodGet, "/", nil).Context()))
}
