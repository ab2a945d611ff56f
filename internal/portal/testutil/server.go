package testutil

import (
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"

	"finitefield.org/campus-portal/internal/portal/browsersession"
	"finitefield.org/campus-portal/internal/portal/guard"
	"finitefield.org/campus-portal/internal/portal/httpserver"
	"finitefield.org/campus-portal/internal/portal/observability"
	"finitefield.org/campus-portal/internal/portal/policy"
	"finitefield.org/campus-portal/internal/portal/tab"
)

// ServerOptions collects the knobs tests can turn on the portal server.
type ServerOptions struct {
	Config   httpserver.Config
	Factory  tab.FactoryConfig
	Registry *prometheus.Registry
}

// ServerOption customises the HTTP server configuration for tests.
type ServerOption func(*ServerOptions)

// WithRedis keeps browser storage in redis.
func WithRedis(client redis.UniversalClient) ServerOption {
	return func(o *ServerOptions) {
		o.Factory.Redis = client
	}
}

// WithGuard overrides the guard timings.
func WithGuard(cfg guard.Config) ServerOption {
	return func(o *ServerOptions) {
		o.Factory.Guard = cfg
	}
}

// WithRegistry records metrics on reg and serves them on /metrics.
func WithRegistry(reg *prometheus.Registry) ServerOption {
	return func(o *ServerOptions) {
		o.Registry = reg
	}
}

// NewServer constructs an httptest server running the portal HTTP stack
// against api.
func NewServer(t testing.TB, api *API, opts ...ServerOption) *httptest.Server {
	t.Helper()

	sessions, err := browsersession.NewManager(browsersession.Config{
		CookieName: "portal_browser",
		HashKey:    []byte("portal-test-hash-key-0123456789ab"),
		BlockKey:   []byte("portal-test-block-key-0123456789"),
	})
	if err != nil {
		t.Fatalf("browser sessions: %v", err)
	}

	p := policy.New()
	o := ServerOptions{
		Config: httpserver.Config{
			Address:     ":0",
			Environment: "Test",
			Sessions:    sessions,
			Policy:      p,
		},
		Factory: tab.FactoryConfig{
			API:    api.Client(t),
			Policy: p,
			Guard:  guard.Config{Debounce: time.Millisecond},
		},
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Registry != nil {
		metrics := observability.NewMetrics(o.Registry)
		o.Config.Metrics = metrics
		o.Config.Gatherer = o.Registry
		o.Factory.Metrics = metrics
	}

	tabs := tab.NewRegistry(16, time.Minute, tab.NewFactory(o.Factory), o.Config.Metrics, nil)
	t.Cleanup(tabs.Close)
	o.Config.Tabs = tabs

	srv := httpserver.New(o.Config)
	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(ts.Close)
	return ts
}

// Browser returns a client with a cookie jar that does not follow redirects.
func Browser(t testing.TB) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookie jar: %v", err)
	}
	return &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}
