// Package guard gates navigation into protected paths on a validated session.
//
// A Guard coalesces rapid navigations into one debounced validation and
// enforces a minimum interval between network validations. Within that
// interval the last known authentication state is reused, so a token revoked
// server-side may still pass until the interval elapses.
package guard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"finitefield.org/campus-portal/internal/portal/observability"
	"finitefield.org/campus-portal/internal/portal/policy"
	"finitefield.org/campus-portal/internal/portal/session"
)

const (
	// DefaultDebounce coalesces navigations arriving within this window.
	DefaultDebounce = 100 * time.Millisecond
	// DefaultMinInterval is the floor between two network validations.
	DefaultMinInterval = 5 * time.Second
)

// Kind is the outcome of a check.
type Kind int

const (
	KindAllow Kind = iota
	KindRedirect
)

func (k Kind) String() string {
	switch k {
	case KindAllow:
		return "allow"
	case KindRedirect:
		return "redirect"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Reasons recorded on decisions and in metrics.
const (
	ReasonPublic    = "public"
	ReasonBypass    = "bypass"
	ReasonNoToken   = "no_token"
	ReasonCached    = "cached"
	ReasonValidated = "validated"
	ReasonRejected  = "rejected"
	ReasonCanceled  = "canceled"
	ReasonClosed    = "closed"
)

// Decision tells the caller whether to render the target or redirect.
type Decision struct {
	Kind   Kind
	Reason string
	// To is the login path for redirects.
	To string
	// From is the originally requested location, used for redirect-back.
	From string
	// Replace asks the caller to replace the current history entry.
	Replace bool
}

// Allowed reports whether the target may render.
func (d Decision) Allowed() bool {
	return d.Kind == KindAllow
}

// State describes what the guard is doing.
type State int

const (
	StateIdle State = iota
	// StateScheduled means a validation waits for the debounce timer.
	StateScheduled
	StateValidating
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScheduled:
		return "scheduled"
	case StateValidating:
		return "validating"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Session is the part of the session manager the guard depends on.
type Session interface {
	Snapshot() session.Snapshot
	Ready() <-chan struct{}
	StoredToken(ctx context.Context) string
	Revalidate(ctx context.Context) bool
	Logout(ctx context.Context) error
}

// Config tunes a Guard. Zero values take the defaults.
type Config struct {
	Debounce    time.Duration
	MinInterval time.Duration
	Now         func() time.Time
	// DebugFlag reports the local onboarding debug flag.
	DebugFlag func(ctx context.Context) bool
	Metrics   *observability.Metrics
	Logger    *zap.Logger
}

type pendingCheck struct {
	done chan struct{}
	once sync.Once
	ok   bool
	// fired is set under Guard.mu when the debounce timer claims the check.
	fired bool
}

func (p *pendingCheck) resolve(ok bool) {
	p.once.Do(func() {
		p.ok = ok
		close(p.done)
	})
}

// Guard checks navigations for one browsing context.
type Guard struct {
	policy  *policy.Policy
	session Session
	cfg     Config
	logger  *zap.Logger

	mu            sync.Mutex
	timer         *time.Timer
	pending       *pendingCheck
	validating    bool
	lastValidated time.Time
	closed        bool
	closing       chan struct{}
}

// New constructs a Guard.
func New(p *policy.Policy, sess Session, cfg Config) *Guard {
	if p == nil {
		p = policy.New()
	}
	if sess == nil {
		panic("guard: session is required")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = DefaultMinInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{
		policy:  p,
		session: sess,
		cfg:     cfg,
		logger:  logger.Named("guard"),
		closing: make(chan struct{}),
	}
}

// State reports whether a validation is scheduled or running.
func (g *Guard) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	switch {
	case g.validating:
		return StateValidating
	case g.pending != nil:
		return StateScheduled
	default:
		return StateIdle
	}
}

// Check decides whether loc may render. It blocks until session startup and
// any pending validation have finished.
func (g *Guard) Check(ctx context.Context, loc policy.Location) Decision {
	if !g.policy.IsProtected(loc.Path) {
		return Decision{Kind: KindAllow, Reason: ReasonPublic}
	}
	if g.policy.Bypass(loc, g.debugFlag(ctx)) {
		g.logger.Debug("debug bypass", zap.String("path", loc.Path))
		return g.record(Decision{Kind: KindAllow, Reason: ReasonBypass})
	}

	select {
	case <-g.session.Ready():
	case <-ctx.Done():
		return g.redirect(loc, ReasonCanceled)
	case <-g.closing:
		return g.redirect(loc, ReasonClosed)
	}

	if g.session.StoredToken(ctx) == "" {
		if g.session.Snapshot().Token != "" {
			_ = g.session.Logout(ctx)
		}
		return g.redirect(loc, ReasonNoToken)
	}

	p, cached, ok := g.schedule(ctx)
	if p == nil {
		if !cached {
			return g.redirect(loc, ReasonClosed)
		}
		if ok {
			return g.record(Decision{Kind: KindAllow, Reason: ReasonCached})
		}
		return g.redirect(loc, ReasonRejected)
	}

	select {
	case <-p.done:
	case <-ctx.Done():
		return g.redirect(loc, ReasonCanceled)
	}
	if !p.ok {
		select {
		case <-g.closing:
			return g.redirect(loc, ReasonClosed)
		default:
		}
		return g.redirect(loc, ReasonRejected)
	}
	return g.record(Decision{Kind: KindAllow, Reason: ReasonValidated})
}

// schedule joins the pending validation or creates one. When the floor
// applies it returns a nil pending check and the cached result.
func (g *Guard) schedule(ctx context.Context) (p *pendingCheck, cached, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return nil, false, false
	}
	if g.pending != nil {
		// A timer that already fired is left alone; fire owns the check now.
		if !g.validating && g.timer != nil && g.timer.Stop() {
			g.timer.Reset(g.cfg.Debounce)
		}
		return g.pending, false, false
	}
	if !g.lastValidated.IsZero() && g.cfg.Now().Sub(g.lastValidated) < g.cfg.MinInterval {
		return nil, true, g.session.Snapshot().IsAuthenticated()
	}

	p = &pendingCheck{done: make(chan struct{})}
	g.pending = p
	runCtx := context.WithoutCancel(ctx)
	if g.timer != nil {
		g.timer.Stop()
	}
	g.timer = time.AfterFunc(g.cfg.Debounce, func() { g.fire(runCtx, p) })
	return p, false, false
}

func (g *Guard) fire(ctx context.Context, p *pendingCheck) {
	g.mu.Lock()
	if g.closed || g.pending != p || p.fired {
		g.mu.Unlock()
		return
	}
	p.fired = true
	g.validating = true
	g.timer = nil
	g.mu.Unlock()

	ok := g.session.Revalidate(ctx)
	if !ok {
		if err := g.session.Logout(ctx); err != nil {
			g.logger.Warn("logout after failed validation", zap.Error(err))
		}
	}

	g.mu.Lock()
	g.lastValidated = g.cfg.Now()
	g.validating = false
	if g.pending == p {
		g.pending = nil
	}
	g.mu.Unlock()

	g.logger.Debug("validation finished", zap.Bool("ok", ok))
	p.resolve(ok)
}

// Close stops the debounce timer and releases waiters with a redirect. A
// validation already running finishes in the background.
func (g *Guard) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	close(g.closing)
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
	p := g.pending
	g.pending = nil
	g.mu.Unlock()

	if p != nil {
		p.resolve(false)
	}
}

func (g *Guard) debugFlag(ctx context.Context) bool {
	if g.cfg.DebugFlag == nil {
		return false
	}
	return g.cfg.DebugFlag(ctx)
}

func (g *Guard) redirect(loc policy.Location, reason string) Decision {
	return g.record(Decision{
		Kind:    KindRedirect,
		Reason:  reason,
		To:      g.policy.LoginPath(),
		From:    loc.String(),
		Replace: true,
	})
}

func (g *Guard) record(d Decision) Decision {
	g.cfg.Metrics.ObserveDecision(d.Kind.String() + "_" + d.Reason)
	if d.Kind == KindRedirect {
		g.logger.Info("redirecting to login", zap.String("from", d.From), zap.String("reason", d.Reason))
	}
	return d
}
