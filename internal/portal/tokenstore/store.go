// Package tokenstore keeps the bearer token and cosmetic profile fields in
// client storage under well-known keys, migrating legacy token keys on write.
package tokenstore

import (
	"context"
	"errors"
	"strings"
	"sync"
	"unicode/utf8"

	"finitefield.org/campus-portal/internal/portal/storage"
)

// Storage keys shared with the browser client.
const (
	KeyAccessToken = "accessToken"
	KeyToken       = "token"
	KeyUserToken   = "userToken"

	KeyFirstName = "firstName"
	KeyLastName  = "lastName"
	KeyEmail     = "email"

	KeyDebugOnboarding = "debugOnboarding"
)

var tokenKeys = []string{KeyAccessToken, KeyToken, KeyUserToken}

var profileKeys = []string{KeyFirstName, KeyLastName, KeyEmail}

// Profile holds the display-only user fields kept next to the token.
type Profile struct {
	FirstName string
	LastName  string
	Email     string
}

// Store reads and writes the token across a persistent local area and a
// tab-scoped session area.
type Store struct {
	local   storage.Area
	session storage.Area

	// mu orders token writes and clears issued through this Store.
	mu sync.Mutex
}

// New constructs a Store. A nil session area is replaced with an empty memory area.
func New(local, session storage.Area) *Store {
	if local == nil {
		panic("tokenstore: local area is required")
	}
	if session == nil {
		session = storage.NewMemory()
	}
	return &Store{local: local, session: session}
}

// Local exposes the persistent area.
func (s *Store) Local() storage.Area {
	return s.local
}

// IsTokenKey reports whether key holds the bearer token under its canonical or a legacy name.
func IsTokenKey(key string) bool {
	for _, candidate := range tokenKeys {
		if key == candidate {
			return true
		}
	}
	return false
}

// Read returns the first non-empty token across the canonical and legacy keys.
// Read errors are treated as an absent token.
func (s *Store) Read(ctx context.Context) string {
	for _, key := range tokenKeys {
		value, ok, err := s.local.Get(ctx, key)
		if err != nil || !ok {
			continue
		}
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

// Write stores token under the canonical key and deletes the legacy keys.
func (s *Store) Write(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return errors.New("tokenstore: empty token")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.local.Set(ctx, KeyAccessToken, token); err != nil {
		return err
	}
	var errs []error
	for _, key := range tokenKeys[1:] {
		if err := s.local.Remove(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Clear deletes every token and profile key and empties the session area.
// It attempts every deletion even when one fails.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clear(ctx)
}

// ClearIfCurrent clears the store only while it still holds token. It reports
// whether the clear ran, so a token written after token was read survives.
func (s *Store) ClearIfCurrent(ctx context.Context, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current := s.Read(ctx); current != "" && current != strings.TrimSpace(token) {
		return false, nil
	}
	return true, s.clear(ctx)
}

func (s *Store) clear(ctx context.Context) error {
	var errs []error
	for _, key := range tokenKeys {
		if err := s.local.Remove(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}
	for _, key := range profileKeys {
		if err := s.local.Remove(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.session.Clear(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// SaveProfile stores the display fields. Empty fields remove the key.
func (s *Store) SaveProfile(ctx context.Context, profile Profile) error {
	return errors.Join(
		s.local.Set(ctx, KeyFirstName, strings.TrimSpace(profile.FirstName)),
		s.local.Set(ctx, KeyLastName, strings.TrimSpace(profile.LastName)),
		s.local.Set(ctx, KeyEmail, strings.TrimSpace(profile.Email)),
	)
}

// Profile returns the stored display fields.
func (s *Store) Profile(ctx context.Context) Profile {
	get := func(key string) string {
		value, _, _ := s.local.Get(ctx, key)
		return value
	}
	return Profile{
		FirstName: get(KeyFirstName),
		LastName:  get(KeyLastName),
		Email:     get(KeyEmail),
	}
}

// Initials returns up to two upper-case initials for avatar display.
func (s *Store) Initials(ctx context.Context) string {
	p := s.Profile(ctx)
	var b strings.Builder
	for _, name := range []string{p.FirstName, p.LastName} {
		for _, r := range name {
			b.WriteString(strings.ToUpper(string(r)))
			break
		}
	}
	if b.Len() == 0 && p.Email != "" {
		r, _ := utf8.DecodeRuneInString(p.Email)
		if r == utf8.RuneError {
			return ""
		}
		return strings.ToUpper(string(r))
	}
	return b.String()
}

// DebugBypass reports whether the local onboarding debug flag is set.
func (s *Store) DebugBypass(ctx context.Context) bool {
	value, ok, err := s.local.Get(ctx, KeyDebugOnboarding)
	if err != nil || !ok {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "true", "1", "yes", "on":
		return true
	}
	return false
}
