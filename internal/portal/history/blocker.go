// Package history intercepts raw navigation events so that an unauthenticated
// visitor cannot step back into protected pages after logout.
package history

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	"finitefield.org/campus-portal/internal/portal/observability"
	"finitefield.org/campus-portal/internal/portal/policy"
	"finitefield.org/campus-portal/internal/portal/session"
)

// Session is the session view the blocker consults on every event.
type Session interface {
	Snapshot() session.Snapshot
	StoredToken(ctx context.Context) string
}

// ShouldBlock reports whether navigation events on path must be intercepted.
func ShouldBlock(p *policy.Policy, snap session.Snapshot, path string) bool {
	return !snap.IsAuthenticated() && !snap.Loading && !p.IsPublic(path)
}

// Option customises a Blocker.
type Option func(*Blocker)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(b *Blocker) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithMetrics records intercepted events.
func WithMetrics(m *observability.Metrics) Option {
	return func(b *Blocker) { b.metrics = m }
}

// Blocker installs navigation listeners on a Window while the session is
// unauthenticated on a non-public path.
type Blocker struct {
	win     Window
	policy  *policy.Policy
	session Session
	logger  *zap.Logger
	metrics *observability.Metrics

	mu      sync.Mutex
	removes []func()
	closed  bool
}

// NewBlocker constructs an inactive Blocker.
func NewBlocker(win Window, p *policy.Policy, sess Session, opts ...Option) *Blocker {
	if p == nil {
		p = policy.New()
	}
	b := &Blocker{
		win:     win,
		policy:  p,
		session: sess,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Active reports whether listeners are installed.
func (b *Blocker) Active() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.removes != nil
}

// Refresh activates or deactivates the blocker from the current session and location.
func (b *Blocker) Refresh() {
	b.Sync(ShouldBlock(b.policy, b.session.Snapshot(), b.win.Location().Path))
}

// Sync activates the blocker when block is true and deactivates it otherwise.
// Repeated calls with the same value do nothing.
func (b *Blocker) Sync(block bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if block {
		b.activateLocked()
		return
	}
	b.deactivateLocked()
}

// Close removes listeners and prevents further activation.
func (b *Blocker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deactivateLocked()
	b.closed = true
}

func (b *Blocker) activateLocked() {
	if b.removes != nil {
		return
	}
	// Trap entry: the first back press lands on a copy of the current page.
	b.win.PushState(b.win.Location().String())
	b.removes = []func(){
		b.win.AddListener(PopState, b.onPopState),
		b.win.AddListener(HashChange, b.onHashChange),
		b.win.AddListener(BeforeUnload, b.onBeforeUnload),
	}
	b.logger.Debug("history blocker active", zap.String("path", b.win.Location().Path))
}

func (b *Blocker) deactivateLocked() {
	for _, remove := range b.removes {
		remove()
	}
	if b.removes != nil {
		b.logger.Debug("history blocker inactive")
	}
	b.removes = nil
}

func (b *Blocker) onPopState(ev *Event) {
	b.win.PushState(b.win.Location().String())
	b.win.ReplaceState(b.policy.LoginPath())
	b.metrics.ObserveHistoryBlock(ev.Kind.String())
	b.logger.Info("back navigation blocked", zap.String("url", ev.URL))
}

func (b *Blocker) onHashChange(ev *Event) {
	if !b.policy.IsProtected(hashTarget(ev.URL)) || b.hasToken() {
		return
	}
	b.win.ReplaceState(b.policy.LoginPath())
	b.metrics.ObserveHistoryBlock(ev.Kind.String())
	b.logger.Info("hash navigation blocked", zap.String("url", ev.URL))
}

func (b *Blocker) onBeforeUnload(ev *Event) {
	if !b.policy.IsProtected(b.win.Location().Path) || b.hasToken() {
		return
	}
	ev.PreventDefault()
	b.metrics.ObserveHistoryBlock(ev.Kind.String())
}

func (b *Blocker) hasToken() bool {
	return b.session.StoredToken(context.Background()) != ""
}

// hashTarget returns the route a hash navigation points at. Hash-routed URLs
// ("#/dashboard") route by fragment; plain anchors keep the path.
func hashTarget(raw string) string {
	loc := policy.ParseLocation(raw)
	if strings.HasPrefix(loc.Hash, "/") {
		return policy.ParseLocation(loc.Hash).Path
	}
	return loc.Path
}
