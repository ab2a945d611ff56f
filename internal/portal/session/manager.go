// Package session holds the client-side authentication state: the current
// token and user, whether startup validation is still running, and the
// login/logout transitions that keep storage consistent with that state.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"finitefield.org/campus-portal/internal/portal/apiclient"
	"finitefield.org/campus-portal/internal/portal/auth"
	"finitefield.org/campus-portal/internal/portal/storage"
	"finitefield.org/campus-portal/internal/portal/tokenstore"
)

// State is the authentication state of a session.
type State int

const (
	// StateUnknown means a token was found but has not been confirmed yet.
	// The session is treated as authenticated while the check is pending.
	StateUnknown State = iota
	// StateAuthenticated means the API accepted the token.
	StateAuthenticated
	// StateUnauthenticated means there is no usable token.
	StateUnauthenticated
)

// String returns a lowercase label for logs and templates.
func (s State) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateAuthenticated:
		return "authenticated"
	case StateUnauthenticated:
		return "unauthenticated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Snapshot is an immutable copy of the session state.
type Snapshot struct {
	State   State
	Token   string
	User    *apiclient.User
	Loading bool
}

// IsAuthenticated reports whether content requiring a session may render.
func (s Snapshot) IsAuthenticated() bool {
	switch s.State {
	case StateAuthenticated:
		return s.Token != ""
	case StateUnknown:
		return s.Token != ""
	default:
		return false
	}
}

// Validator checks a token against the API.
type Validator interface {
	Validate(ctx context.Context, token string) auth.Result
}

// ErrNotWatchable is returned by WatchStorage when the local area cannot report changes.
var ErrNotWatchable = errors.New("session: storage area does not support watching")

// Manager owns the session state for one browsing context.
type Manager struct {
	store     *tokenstore.Store
	validator Validator
	logger    *zap.Logger

	mu        sync.RWMutex
	snap      Snapshot
	listeners map[int]func(Snapshot)
	nextID    int

	ready     chan struct{}
	startOnce sync.Once
	inflight  singleflight.Group
}

// NewManager constructs a Manager in the loading state.
func NewManager(store *tokenstore.Store, validator Validator, logger *zap.Logger) *Manager {
	if store == nil {
		panic("session: token store is required")
	}
	if validator == nil {
		panic("session: validator is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:     store,
		validator: validator,
		logger:    logger,
		snap:      Snapshot{State: StateUnknown, Loading: true},
		listeners: make(map[int]func(Snapshot)),
		ready:     make(chan struct{}),
	}
}

// Snapshot returns the current state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap
}

// Ready is closed once startup validation has finished.
func (m *Manager) Ready() <-chan struct{} {
	return m.ready
}

// StoredToken returns the token currently held in storage, which may have
// been written by another tab.
func (m *Manager) StoredToken(ctx context.Context) string {
	return m.store.Read(ctx)
}

// Start runs startup validation once. A stored token makes the session
// optimistically authenticated until the API answers.
func (m *Manager) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		defer m.finishLoading()

		token := m.store.Read(ctx)
		if token == "" {
			m.update(func(s *Snapshot) {
				s.State = StateUnauthenticated
				s.Token = ""
				s.User = nil
			})
			return
		}

		m.update(func(s *Snapshot) {
			s.State = StateUnknown
			s.Token = token
			s.User = nil
		})

		if m.Revalidate(ctx) {
			m.logger.Debug("startup validation succeeded")
		} else {
			m.logger.Info("startup validation failed; session cleared")
		}
	})
}

// Revalidate checks the stored token against the API. Concurrent calls for the
// same token share one request. A result for a token that is no longer
// current is discarded.
func (m *Manager) Revalidate(ctx context.Context) bool {
	token := m.store.Read(ctx)
	if token == "" {
		_ = m.Logout(ctx)
		return false
	}

	value, _, _ := m.inflight.Do(token, func() (any, error) {
		return m.validator.Validate(ctx, token), nil
	})
	res := value.(auth.Result)

	if res.OK {
		if m.store.Read(ctx) != token {
			// Logged out or replaced while the request was in flight.
			return m.Snapshot().IsAuthenticated()
		}
		m.update(func(s *Snapshot) {
			s.State = StateAuthenticated
			s.Token = token
			s.User = res.User
		})
		if res.User != nil {
			m.saveProfile(ctx, res.User)
		}
		return true
	}

	if current := m.Snapshot().Token; current != "" && current != token {
		m.logger.Debug("discarding stale validation failure")
		return m.Snapshot().IsAuthenticated()
	}
	_ = m.Logout(ctx)
	return false
}

// Login stores token and marks the session authenticated. When the token
// cannot be persisted the state is left unchanged and the error is returned.
func (m *Manager) Login(ctx context.Context, user *apiclient.User, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return errors.New("session: login requires a token")
	}
	if err := m.store.Write(ctx, token); err != nil {
		m.logger.Warn("login could not persist token", zap.Error(err))
		return fmt.Errorf("session: persist token: %w", err)
	}
	if user != nil {
		m.saveProfile(ctx, user)
	}
	m.update(func(s *Snapshot) {
		s.State = StateAuthenticated
		s.Token = token
		s.User = user
	})
	return nil
}

// Logout clears storage and resets the state. It is safe to call repeatedly;
// the state is reset even when storage fails, and the storage error is returned.
func (m *Manager) Logout(ctx context.Context) error {
	clearErr := m.store.Clear(ctx)
	m.update(func(s *Snapshot) {
		s.State = StateUnauthenticated
		s.Token = ""
		s.User = nil
	})
	if clearErr != nil {
		m.logger.Warn("logout could not clear storage", zap.Error(clearErr))
		return fmt.Errorf("session: clear storage: %w", clearErr)
	}
	return nil
}

// UpdateUser replaces the cached user without validation. It is ignored when
// the session holds no token.
func (m *Manager) UpdateUser(ctx context.Context, user *apiclient.User) {
	applied := false
	m.update(func(s *Snapshot) {
		if s.Token == "" {
			return
		}
		s.User = user
		applied = true
	})
	if applied && user != nil {
		m.saveProfile(ctx, user)
	}
}

// Subscribe registers fn for state changes. The returned func unregisters it.
func (m *Manager) Subscribe(fn func(Snapshot)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.listeners, id)
			m.mu.Unlock()
		})
	}
}

// WatchStorage logs this session out when another tab removes the token.
// It returns once the watch is established; the watch ends with ctx.
func (m *Manager) WatchStorage(ctx context.Context) error {
	watcher, ok := m.store.Local().(storage.Watcher)
	if !ok {
		return ErrNotWatchable
	}
	changes, err := watcher.Watch(ctx)
	if err != nil {
		return fmt.Errorf("session: watch storage: %w", err)
	}
	go func() {
		for change := range changes {
			if !tokenstore.IsTokenKey(change.Key) || !change.Removed() {
				continue
			}
			if m.Snapshot().Token == "" || m.store.Read(ctx) != "" {
				continue
			}
			m.logger.Info("token removed by another tab; logging out", zap.String("key", change.Key))
			_ = m.Logout(ctx)
		}
	}()
	return nil
}

func (m *Manager) finishLoading() {
	m.update(func(s *Snapshot) {
		s.Loading = false
	})
	close(m.ready)
}

func (m *Manager) saveProfile(ctx context.Context, user *apiclient.User) {
	err := m.store.SaveProfile(ctx, tokenstore.Profile{
		FirstName: user.FirstName,
		LastName:  user.LastName,
		Email:     user.Email,
	})
	if err != nil {
		m.logger.Debug("profile fields not saved", zap.Error(err))
	}
}

func (m *Manager) update(fn func(*Snapshot)) {
	m.mu.Lock()
	before := m.snap
	fn(&m.snap)
	after := m.snap
	listeners := make([]func(Snapshot), 0, len(m.listeners))
	if before != after {
		for _, l := range m.listeners {
			listeners = append(listeners, l)
		}
	}
	m.mu.Unlock()

	for _, l := range listeners {
		l(after)
	}
}
