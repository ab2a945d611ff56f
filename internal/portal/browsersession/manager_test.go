package browsersession

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/require"
)

type fixedClock struct {
	current time.Time
}

func (c *fixedClock) Now() time.Time {
	return c.current
}

func newTestManager(t *testing.T) (*Manager, *fixedClock) {
	t.Helper()

	clock := &fixedClock{current: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
	mgr, err := NewManager(Config{
		CookieName:  "test_browser",
		HashKey:     []byte("12345678901234567890123456789012"),
		BlockKey:    []byte("abcdefghijklmnopqrstuv0123456789"),
		IdleTimeout: 10 * time.Minute,
		Lifetime:    2 * time.Hour,
		Now:         clock.Now,
	})
	require.NoError(t, err)
	return mgr, clock
}

func roundTrip(t *testing.T, mgr *Manager, sess *Session) *http.Request {
	t.Helper()
	rec := httptest.NewRecorder()
	require.NoError(t, mgr.Save(rec, sess))
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookies[0])
	return req
}

func TestNewSessionHasULIDIdentifier(t *testing.T) {
	mgr, clock := newTestManager(t)

	sess, err := mgr.Load(httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	require.True(t, sess.Dirty())

	id, err := ulid.ParseStrict(sess.ID())
	require.NoError(t, err)
	require.Equal(t, ulid.Timestamp(clock.current), id.Time())
	require.Equal(t, clock.current.Add(2*time.Hour), sess.ExpiresAt())
}

func TestSessionRoundTrip(t *testing.T) {
	mgr, clock := newTestManager(t)

	sess := mgr.New()
	token, err := sess.EnsureCSRFToken()
	require.NoError(t, err)
	require.NotEmpty(t, token)
	sess.SetFlash("signed out")

	clock.current = clock.current.Add(time.Minute)
	loaded, err := mgr.Load(roundTrip(t, mgr, sess))
	require.NoError(t, err)
	require.Equal(t, sess.ID(), loaded.ID())
	require.Equal(t, token, loaded.CSRFToken())
	require.Equal(t, "signed out", loaded.PopFlash())
	require.Empty(t, loaded.PopFlash())
}

func TestIdleExpiry(t *testing.T) {
	mgr, clock := newTestManager(t)
	req := roundTrip(t, mgr, mgr.New())

	clock.current = clock.current.Add(11 * time.Minute)
	_, err := mgr.Load(req)
	require.True(t, errors.Is(err, ErrExpired))
}

func TestTamperedCookieStartsFresh(t *testing.T) {
	mgr, _ := newTestManager(t)
	original := mgr.New()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: "test_browser", Value: "forged"})
	sess, err := mgr.Load(req)
	require.NoError(t, err)
	require.NotEqual(t, original.ID(), sess.ID())
}

func TestDestroyClearsCookie(t *testing.T) {
	mgr, _ := newTestManager(t)
	sess := mgr.New()
	sess.Destroy()

	rec := httptest.NewRecorder()
	require.NoError(t, mgr.Save(rec, sess))
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	require.Equal(t, -1, cookies[0].MaxAge)
}

func TestNewManagerRequiresHashKey(t *testing.T) {
	_, err := NewManager(Config{})
	require.ErrorIs(t, err, ErrInvalidConfig)
}
