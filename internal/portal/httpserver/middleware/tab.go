package middleware

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"finitefield.org/campus-portal/internal/portal/observability"
	"finitefield.org/campus-portal/internal/portal/tab"
)

type tabContextKey struct{}

// TabSource resolves the tab owned by a browser.
type TabSource interface {
	Get(ctx context.Context, browserID string) (*tab.Tab, error)
}

// Tab attaches the browser's tab to the request context. It must run after Session.
func Tab(source TabSource) func(http.Handler) http.Handler {
	if source == nil {
		panic("tab source is required")
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess, ok := SessionFromContext(r.Context())
			if !ok {
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				return
			}
			t, err := source.Get(r.Context(), sess.ID())
			if err != nil {
				observability.FromContext(r.Context()).Error("tab unavailable", zap.Error(err))
				http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
				return
			}
			ctx := context.WithValue(r.Context(), tabContextKey{}, t)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// TabFromContext returns the tab attached by Tab.
func TabFromContext(ctx context.Context) (*tab.Tab, bool) {
	t, ok := ctx.Value(tabContextKey{}).(*tab.Tab)
	return t, ok && t != nil
}
