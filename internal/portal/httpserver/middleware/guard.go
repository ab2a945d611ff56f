package middleware

import (
	"net/http"

	"go.uber.org/zap"

	"finitefield.org/campus-portal/internal/portal/guard"
	"finitefield.org/campus-portal/internal/portal/observability"
	"finitefield.org/campus-portal/internal/portal/policy"
)

// Guard runs the tab's route guard for each request. Page navigations add a
// history entry; htmx fragment requests are only checked. Denied requests are
// sent to the login page carrying the original location: htmx requests get
// HX-Redirect with 401, others a 302. It must run after Tab.
func Guard(p *policy.Policy) func(http.Handler) http.Handler {
	if p == nil {
		p = policy.New()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t, ok := TabFromContext(r.Context())
			if !ok {
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				return
			}

			target := r.URL.RequestURI()
			var decision guard.Decision
			if r.Method == http.MethodGet && HTMXInfoFromContext(r.Context()).Navigation() {
				decision = t.Navigate(r.Context(), target)
			} else {
				decision = t.Check(r.Context(), target)
			}
			if decision.Allowed() {
				next.ServeHTTP(w, r)
				return
			}

			observability.FromContext(r.Context()).Info("route guard redirect",
				zap.String("path", r.URL.Path),
				zap.String("reason", decision.Reason),
			)
			Redirect(w, r, p.LoginRedirect(decision.From), http.StatusUnauthorized, http.StatusFound)
		})
	}
}
