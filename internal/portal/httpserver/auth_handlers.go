package httpserver

import (
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"finitefield.org/campus-portal/internal/portal/apiclient"
	custommw "finitefield.org/campus-portal/internal/portal/httpserver/middleware"
	"finitefield.org/campus-portal/internal/portal/httpserver/ui"
	"finitefield.org/campus-portal/internal/portal/observability"
	"finitefield.org/campus-portal/internal/portal/policy"
)

const (
	defaultAfterLogin = "/dashboard"
	signedOutFlash    = "You have been signed out."
)

type authHandlers struct {
	policy *policy.Policy
}

func newAuthHandlers(p *policy.Policy) *authHandlers {
	if p == nil {
		panic("auth: policy is required")
	}
	return &authHandlers{policy: p}
}

func (h *authHandlers) LoginForm(w http.ResponseWriter, r *http.Request) {
	next := r.URL.Query().Get(policy.NextParam)
	if t, ok := custommw.TabFromContext(r.Context()); ok && t.Snapshot().IsAuthenticated() && !forceLogin(r) {
		http.Redirect(w, r, policy.SafeNext(next, defaultAfterLogin), http.StatusFound)
		return
	}
	ui.Login(w, r, http.StatusOK, ui.LoginForm{Next: next})
}

func (h *authHandlers) LoginSubmit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		ui.Login(w, r, http.StatusBadRequest, ui.LoginForm{Error: "The form could not be submitted. Please try again."})
		return
	}

	form := ui.LoginForm{
		Email: strings.TrimSpace(r.PostFormValue("email")),
		Next:  r.PostFormValue(policy.NextParam),
	}
	password := r.PostFormValue("password")
	if form.Email == "" || password == "" {
		form.Error = "Enter your email and password."
		ui.Login(w, r, http.StatusBadRequest, form)
		return
	}

	t, ok := custommw.TabFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	if _, err := t.SignIn(r.Context(), form.Email, password); err != nil {
		observability.FromContext(r.Context()).Info("sign-in failed", zap.Error(err))
		status, msg := loginFailure(err)
		form.Error = msg
		ui.Login(w, r, status, form)
		return
	}

	custommw.Redirect(w, r, policy.SafeNext(form.Next, defaultAfterLogin), http.StatusNoContent, http.StatusSeeOther)
}

func (h *authHandlers) Logout(w http.ResponseWriter, r *http.Request) {
	if t, ok := custommw.TabFromContext(r.Context()); ok {
		if err := t.SignOut(r.Context()); err != nil {
			observability.FromContext(r.Context()).Warn("sign-out storage cleanup failed", zap.Error(err))
		}
	}
	if sess, ok := custommw.SessionFromContext(r.Context()); ok {
		sess.SetFlash(signedOutFlash)
	}
	custommw.Redirect(w, r, h.policy.LoginPath(), http.StatusNoContent, http.StatusSeeOther)
}

func loginFailure(err error) (int, string) {
	var statusErr *apiclient.StatusError
	if errors.As(err, &statusErr) && statusErr.Unauthorized() {
		return http.StatusUnauthorized, "Invalid email or password."
	}
	return http.StatusBadGateway, "Sign-in is unavailable right now. Please try again later."
}

func forceLogin(r *http.Request) bool {
	switch strings.ToLower(strings.TrimSpace(r.URL.Query().Get("force"))) {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}
