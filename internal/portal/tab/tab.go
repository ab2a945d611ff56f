// Package tab assembles one browsing context: storage, token store,
// validator, session manager, route guard and history blocker sharing a
// single navigation window.
package tab

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"finitefield.org/campus-portal/internal/portal/apiclient"
	"finitefield.org/campus-portal/internal/portal/auth"
	"finitefield.org/campus-portal/internal/portal/guard"
	"finitefield.org/campus-portal/internal/portal/history"
	"finitefield.org/campus-portal/internal/portal/observability"
	"finitefield.org/campus-portal/internal/portal/policy"
	"finitefield.org/campus-portal/internal/portal/session"
	"finitefield.org/campus-portal/internal/portal/storage"
	"finitefield.org/campus-portal/internal/portal/tokenstore"
)

// API is the remote API used for validation and sign-in.
type API interface {
	GetUser(ctx context.Context, token string) (*apiclient.User, error)
	Login(ctx context.Context, email, password string) (*apiclient.LoginResponse, error)
}

// ErrNoAPI is returned by SignIn when the tab was built without an API.
var ErrNoAPI = errors.New("tab: no api configured")

// Config wires a Tab. Local is required; everything else has defaults.
type Config struct {
	// Local is shared by every tab of the same browser.
	Local storage.Area
	// Session is private to this tab.
	Session storage.Area
	API     API
	// Validator overrides the API-backed validator.
	Validator session.Validator
	Window    history.Window
	Policy    *policy.Policy
	Guard     guard.Config
	Metrics   *observability.Metrics
	Logger    *zap.Logger
}

// Tab is one browsing context.
type Tab struct {
	api     API
	store   *tokenstore.Store
	manager *session.Manager
	guard   *guard.Guard
	blocker *history.Blocker
	window  history.Window
	policy  *policy.Policy
	logger  *zap.Logger

	cancel      context.CancelFunc
	unsubscribe func()
	closeOnce   sync.Once
	closed      atomic.Bool
}

// New builds a Tab without starting it.
func New(cfg Config) (*Tab, error) {
	if cfg.Local == nil {
		return nil, errors.New("tab: local storage is required")
	}
	if cfg.API == nil && cfg.Validator == nil {
		return nil, errors.New("tab: an api or a validator is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	p := cfg.Policy
	if p == nil {
		p = policy.New()
	}
	win := cfg.Window
	if win == nil {
		win = history.NewMemoryWindow("/")
	}

	store := tokenstore.New(cfg.Local, cfg.Session)
	validator := cfg.Validator
	if validator == nil {
		validator = auth.NewValidator(cfg.API, store,
			auth.WithLogger(logger),
			auth.WithMetrics(cfg.Metrics),
		)
	}
	manager := session.NewManager(store, validator, logger.Named("session"))

	gcfg := cfg.Guard
	if gcfg.DebugFlag == nil {
		gcfg.DebugFlag = store.DebugBypass
	}
	if gcfg.Metrics == nil {
		gcfg.Metrics = cfg.Metrics
	}
	if gcfg.Logger == nil {
		gcfg.Logger = logger
	}

	return &Tab{
		api:     cfg.API,
		store:   store,
		manager: manager,
		guard:   guard.New(p, manager, gcfg),
		blocker: history.NewBlocker(win, p, manager,
			history.WithLogger(logger.Named("history")),
			history.WithMetrics(cfg.Metrics),
		),
		window: win,
		policy: p,
		logger: logger,
	}, nil
}

// Start validates any stored token, begins watching shared storage and
// installs the history blocker when needed. The watch ends on Close.
func (t *Tab) Start(ctx context.Context) error {
	watchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t.cancel = cancel

	t.manager.Start(ctx)
	if err := t.manager.WatchStorage(watchCtx); err != nil && !errors.Is(err, session.ErrNotWatchable) {
		cancel()
		return fmt.Errorf("tab: watch storage: %w", err)
	}
	t.unsubscribe = t.manager.Subscribe(func(session.Snapshot) {
		t.blocker.Refresh()
	})
	t.blocker.Refresh()
	return nil
}

// Navigate pushes url, runs the guard and applies a redirect with replace.
func (t *Tab) Navigate(ctx context.Context, url string) guard.Decision {
	loc := policy.ParseLocation(url)
	t.window.PushState(loc.String())
	return t.settle(ctx, loc)
}

// Check runs the guard for url without adding a history entry. Redirects are
// still applied to the window.
func (t *Tab) Check(ctx context.Context, url string) guard.Decision {
	return t.settle(ctx, policy.ParseLocation(url))
}

// Back steps back in history. It reports false when there is no earlier
// entry or the window cannot traverse.
func (t *Tab) Back(ctx context.Context) (guard.Decision, bool) {
	w, ok := t.window.(interface{ Back() bool })
	if !ok || !w.Back() {
		return guard.Decision{}, false
	}
	return t.settle(ctx, t.window.Location()), true
}

// SignIn authenticates with the API and starts a session.
func (t *Tab) SignIn(ctx context.Context, email, password string) (*apiclient.User, error) {
	if t.api == nil {
		return nil, ErrNoAPI
	}
	resp, err := t.api.Login(ctx, strings.TrimSpace(email), password)
	if err != nil {
		return nil, err
	}
	if err := t.manager.Login(ctx, resp.User, resp.AccessToken); err != nil {
		return nil, err
	}
	t.blocker.Refresh()
	return resp.User, nil
}

// SignOut ends the session and returns to the login page.
func (t *Tab) SignOut(ctx context.Context) error {
	err := t.manager.Logout(ctx)
	t.window.ReplaceState(t.policy.LoginPath())
	t.blocker.Refresh()
	return err
}

// Snapshot returns the session state.
func (t *Tab) Snapshot() session.Snapshot {
	return t.manager.Snapshot()
}

// Location returns the current window location.
func (t *Tab) Location() policy.Location {
	return t.window.Location()
}

// Session exposes the session manager.
func (t *Tab) Session() *session.Manager {
	return t.manager
}

// Store exposes the token store.
func (t *Tab) Store() *tokenstore.Store {
	return t.store
}

// Policy returns the path policy shared by guard and blocker.
func (t *Tab) Policy() *policy.Policy {
	return t.policy
}

// Close releases timers, listeners and the storage watch. It is safe to call
// more than once.
func (t *Tab) Close() {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		t.guard.Close()
		t.blocker.Close()
		if t.unsubscribe != nil {
			t.unsubscribe()
		}
		if t.cancel != nil {
			t.cancel()
		}
	})
}

// Closed reports whether Close has been called.
func (t *Tab) Closed() bool {
	return t.closed.Load()
}

func (t *Tab) settle(ctx context.Context, loc policy.Location) guard.Decision {
	d := t.guard.Check(ctx, loc)
	if !d.Allowed() {
		t.window.ReplaceState(t.policy.LoginRedirect(d.From))
	}
	t.blocker.Refresh()
	return d
}
