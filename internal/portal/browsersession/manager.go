// Package browsersession identifies a browser across requests with a signed
// cookie. The identifier keys that browser's tab and storage on the server.
package browsersession

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/securecookie"
	"github.com/oklog/ulid/v2"
)

const (
	defaultCookieName  = "portal_browser"
	defaultCookiePath  = "/"
	defaultLifetime    = 12 * time.Hour
	defaultIdleTimeout = 30 * time.Minute
	csrfTokenBytes     = 32
)

// ErrExpired indicates the stored session passed its idle or absolute expiry.
var ErrExpired = errors.New("browser session expired")

// ErrInvalidConfig indicates the manager was initialised with missing options.
var ErrInvalidConfig = errors.New("browsersession: invalid config")

// Data is the persisted cookie payload.
type Data struct {
	ID         string    `json:"id"`
	CreatedAt  time.Time `json:"createdAt"`
	LastActive time.Time `json:"lastActive"`
	ExpiresAt  time.Time `json:"expiresAt,omitempty"`
	CSRFToken  string    `json:"csrfToken,omitempty"`
	Flash      string    `json:"flash,omitempty"`
}

// Session is the decoded cookie for the current request.
type Session struct {
	data      Data
	dirty     bool
	destroyed bool
}

// Config controls cookie encoding and lifetime.
type Config struct {
	CookieName     string
	HashKey        []byte
	BlockKey       []byte
	CookiePath     string
	CookieDomain   string
	CookieSecure   bool
	CookieSameSite http.SameSite
	IdleTimeout    time.Duration
	Lifetime       time.Duration
	Now            func() time.Time
}

// Manager encodes sessions into signed (and optionally encrypted) cookies.
type Manager struct {
	cfg   Config
	codec *securecookie.SecureCookie
	now   func() time.Time
}

// NewManager constructs a Manager.
func NewManager(cfg Config) (*Manager, error) {
	if len(cfg.HashKey) == 0 {
		return nil, fmt.Errorf("%w: hash key is required", ErrInvalidConfig)
	}
	if cfg.CookieName == "" {
		cfg.CookieName = defaultCookieName
	}
	if cfg.CookiePath == "" {
		cfg.CookiePath = defaultCookiePath
	}
	if cfg.Lifetime <= 0 {
		cfg.Lifetime = defaultLifetime
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.CookieSameSite == http.SameSiteDefaultMode {
		cfg.CookieSameSite = http.SameSiteLaxMode
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	codec := securecookie.New(cfg.HashKey, cfg.BlockKey)
	codec.SetSerializer(securecookie.JSONEncoder{})
	codec.MaxAge(int(cfg.Lifetime.Seconds()))

	return &Manager{cfg: cfg, codec: codec, now: now}, nil
}

// Load decodes the session cookie. A missing or tampered cookie yields a new
// session; an expired one yields ErrExpired.
func (m *Manager) Load(r *http.Request) (*Session, error) {
	cookie, err := r.Cookie(m.cfg.CookieName)
	if err != nil {
		return m.New(), nil
	}

	var stored Data
	if err := m.codec.Decode(m.cfg.CookieName, cookie.Value, &stored); err != nil || stored.ID == "" {
		return m.New(), nil
	}

	now := m.now().UTC()
	if !stored.ExpiresAt.IsZero() && now.After(stored.ExpiresAt) {
		return nil, ErrExpired
	}
	if last := stored.LastActive; !last.IsZero() && now.Sub(last) > m.cfg.IdleTimeout {
		return nil, ErrExpired
	}
	return &Session{data: stored}, nil
}

// New returns a fresh session with a new identifier.
func (m *Manager) New() *Session {
	now := m.now().UTC()
	return &Session{
		data: Data{
			ID:         ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
			CreatedAt:  now,
			LastActive: now,
			ExpiresAt:  now.Add(m.cfg.Lifetime),
		},
		dirty: true,
	}
}

// Save writes the session cookie, or clears it for destroyed sessions.
func (m *Manager) Save(w http.ResponseWriter, sess *Session) error {
	if sess == nil {
		return errors.New("browsersession: nil session")
	}
	if sess.destroyed {
		m.Destroy(w)
		return nil
	}

	sess.Touch(m.now())
	encoded, err := m.codec.Encode(m.cfg.CookieName, sess.data)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}

	cookie := &http.Cookie{
		Name:     m.cfg.CookieName,
		Value:    encoded,
		Path:     m.cfg.CookiePath,
		Domain:   m.cfg.CookieDomain,
		Secure:   m.cfg.CookieSecure,
		HttpOnly: true,
		SameSite: m.cfg.CookieSameSite,
	}
	if expiry := sess.data.ExpiresAt; !expiry.IsZero() {
		cookie.Expires = expiry
		if remaining := expiry.Sub(m.now()); remaining > 0 {
			cookie.MaxAge = int(remaining.Round(time.Second).Seconds())
		} else {
			cookie.MaxAge = -1
		}
	}
	http.SetCookie(w, cookie)
	return nil
}

// Destroy clears the cookie.
func (m *Manager) Destroy(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     m.cfg.CookieName,
		Value:    "",
		Path:     m.cfg.CookiePath,
		Domain:   m.cfg.CookieDomain,
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		Secure:   m.cfg.CookieSecure,
		HttpOnly: true,
		SameSite: m.cfg.CookieSameSite,
	})
}

// ID returns the browser identifier.
func (s *Session) ID() string { return s.data.ID }

// CreatedAt returns the creation time.
func (s *Session) CreatedAt() time.Time { return s.data.CreatedAt }

// LastActive returns the last access time.
func (s *Session) LastActive() time.Time { return s.data.LastActive }

// ExpiresAt returns the absolute expiry.
func (s *Session) ExpiresAt() time.Time { return s.data.ExpiresAt }

// EnsureCSRFToken returns the CSRF token, generating one on first use.
func (s *Session) EnsureCSRFToken() (string, error) {
	if s.data.CSRFToken != "" {
		return s.data.CSRFToken, nil
	}
	raw := securecookie.GenerateRandomKey(csrfTokenBytes)
	if raw == nil {
		return "", errors.New("browsersession: csrf token generation failed")
	}
	s.data.CSRFToken = base64.RawURLEncoding.EncodeToString(raw)
	s.dirty = true
	return s.data.CSRFToken, nil
}

// CSRFToken returns the stored CSRF token.
func (s *Session) CSRFToken() string { return s.data.CSRFToken }

// SetFlash stores a one-shot message for the next page.
func (s *Session) SetFlash(msg string) {
	if s.data.Flash == msg {
		return
	}
	s.data.Flash = msg
	s.dirty = true
}

// PopFlash returns and clears the flash message.
func (s *Session) PopFlash() string {
	msg := s.data.Flash
	if msg != "" {
		s.data.Flash = ""
		s.dirty = true
	}
	return msg
}

// Destroy marks the session for deletion at the end of the request.
func (s *Session) Destroy() {
	s.destroyed = true
	s.dirty = true
}

// Destroyed reports whether Destroy was called.
func (s *Session) Destroyed() bool { return s.destroyed }

// Dirty reports whether the session changed during this request.
func (s *Session) Dirty() bool { return s.dirty }

// Touch updates the last active time.
func (s *Session) Touch(now time.Time) {
	now = now.UTC()
	if now.After(s.data.LastActive) {
		s.data.LastActive = now
		s.dirty = true
	}
}
