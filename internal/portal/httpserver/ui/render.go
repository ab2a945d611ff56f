// Package ui renders the portal pages.
package ui

import (
	"bytes"
	"embed"
	"html/template"
	"net/http"

	"go.uber.org/zap"

	"finitefield.org/campus-portal/internal/portal/apiclient"
	custommw "finitefield.org/campus-portal/internal/portal/httpserver/middleware"
	"finitefield.org/campus-portal/internal/portal/observability"
)

//go:embed templates/*.html
var templateFS embed.FS

var templates = template.Must(template.New("portal").ParseFS(templateFS, "templates/*.html"))

// PageData is the view model shared by every template.
type PageData struct {
	Title       string
	Path        string
	Environment string
	CSRFToken   string
	Flash       string
	SignedIn    bool
	User        *apiclient.User
	DisplayName string
	Initials    string

	// Login form state.
	Email string
	Next  string
	Error string
}

// NewPageData fills the request-scoped fields from the middleware context.
func NewPageData(r *http.Request, title string) PageData {
	ctx := r.Context()
	data := PageData{
		Title:       title,
		Path:        r.URL.Path,
		Environment: custommw.EnvironmentFromContext(ctx),
		CSRFToken:   custommw.CSRFTokenFromContext(ctx),
	}
	if sess, ok := custommw.SessionFromContext(ctx); ok {
		data.Flash = sess.PopFlash()
	}
	if t, ok := custommw.TabFromContext(ctx); ok {
		snap := t.Snapshot()
		data.SignedIn = snap.IsAuthenticated()
		if data.SignedIn {
			data.User = snap.User
			data.Initials = t.Store().Initials(ctx)
			profile := t.Store().Profile(ctx)
			data.DisplayName = profile.FirstName
			if data.DisplayName == "" {
				data.DisplayName = profile.Email
			}
		}
	}
	return data
}

// Render executes the named template into w with status.
func Render(w http.ResponseWriter, r *http.Request, status int, name string, data PageData) {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, data); err != nil {
		observability.FromContext(r.Context()).Error("template render failed", zap.String("template", name), zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}
