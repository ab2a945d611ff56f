// Package httpserver serves the portal pages. Each browser owns a tab whose
// route guard decides every page request.
package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	custommw "finitefield.org/campus-portal/internal/portal/httpserver/middleware"
	"finitefield.org/campus-portal/internal/portal/httpserver/ui"
	"finitefield.org/campus-portal/internal/portal/observability"
	"finitefield.org/campus-portal/internal/portal/policy"
)

const (
	defaultReadTimeout    = 10 * time.Second
	defaultWriteTimeout   = 30 * time.Second
	defaultIdleTimeout    = 60 * time.Second
	defaultRequestTimeout = 60 * time.Second
)

// Config holds runtime options for the portal HTTP server.
type Config struct {
	Address      string
	Environment  string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	Sessions custommw.SessionStore
	Tabs     custommw.TabSource
	Policy   *policy.Policy

	Metrics  *observability.Metrics
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
}

// New constructs the HTTP server with its middleware stack.
func New(cfg Config) *http.Server {
	if cfg.Sessions == nil {
		panic("httpserver: session store is required")
	}
	if cfg.Tabs == nil {
		panic("httpserver: tab source is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	p := cfg.Policy
	if p == nil {
		p = policy.New()
	}

	router := chi.NewRouter()
	router.Use(chimw.RequestID)
	router.Use(chimw.RealIP)
	router.Use(observability.RequestLogger(logger, cfg.Metrics))
	router.Use(observability.Recovery(logger))
	router.Use(chimw.Timeout(defaultRequestTimeout))

	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	if cfg.Gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	mountPortalRoutes(router, routeOptions{
		Environment: cfg.Environment,
		Sessions:    cfg.Sessions,
		Tabs:        cfg.Tabs,
		Policy:      p,
	})

	return &http.Server{
		Addr:         cfg.Address,
		Handler:      router,
		ReadTimeout:  durationOr(cfg.ReadTimeout, defaultReadTimeout),
		WriteTimeout: durationOr(cfg.WriteTimeout, defaultWriteTimeout),
		IdleTimeout:  durationOr(cfg.IdleTimeout, defaultIdleTimeout),
	}
}

type routeOptions struct {
	Environment string
	Sessions    custommw.SessionStore
	Tabs        custommw.TabSource
	Policy      *policy.Policy
}

// Pages behind the route guard, keyed by pattern.
var protectedPages = []struct {
	pattern string
	title   string
}{
	{"/dashboard", "Dashboard"},
	{"/profile", "Profile"},
	{"/messaging", "Messages"},
	{"/messaging/{threadID}", "Conversation"},
	{"/marketplace/item/{itemID}", "Listing"},
	{"/marketplace/create", "New listing"},
	{"/marketplace/edit/{itemID}", "Edit listing"},
	{"/properties", "Properties"},
	{"/properties/{propertyID}", "Property"},
	{"/requests", "Requests"},
	{"/onboarding", "Welcome"},
	{"/roommate-match", "Roommate match"},
	{"/life-services/apply", "Apply for a service"},
}

var publicPages = []struct {
	pattern string
	title   string
}{
	{"/signup", "Create an account"},
	{"/help", "Help"},
	{"/terms", "Terms of service"},
	{"/privacy", "Privacy"},
	{"/cookies", "Cookies"},
	{"/cookie-settings", "Cookie settings"},
	{"/marketplace", "Marketplace"},
	{"/life-services", "Life services"},
	{"/community", "Community"},
}

func mountPortalRoutes(router chi.Router, opts routeOptions) {
	auth := newAuthHandlers(opts.Policy)

	router.Group(func(r chi.Router) {
		r.Use(custommw.HTMX())
		r.Use(custommw.NoStore())
		r.Use(custommw.RequestInfoMiddleware(opts.Environment))
		r.Use(custommw.Session(opts.Sessions))
		r.Use(custommw.CSRF(custommw.CSRFConfig{}))
		r.Use(custommw.Tab(opts.Tabs))
		r.Use(custommw.Guard(opts.Policy))

		r.Get("/", ui.Home)
		r.Get("/login", auth.LoginForm)
		r.Post("/login", auth.LoginSubmit)
		r.Post("/logout", auth.Logout)

		for _, page := range publicPages {
			r.Get(page.pattern, ui.Page(page.title))
		}
		for _, page := range protectedPages {
			r.Get(page.pattern, ui.Page(page.title))
		}
		r.NotFound(ui.NotFound)
	})
}

func durationOr(value, fallback time.Duration) time.Duration {
	if value > 0 {
		return value
	}
	return fallback
}
