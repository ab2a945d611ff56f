package middleware

import (
	"context"
	"net/http"
	"strings"
)

type htmxContextKey struct{}

// HTMXInfo is what the HX-* request headers say about a request.
type HTMXInfo struct {
	IsHTMX         bool
	IsBoosted      bool
	CurrentURL     string
	Target         string
	HistoryRestore bool
}

// Navigation reports whether the request replaces the whole page, which is
// true for plain requests and boosted or history-restore htmx requests.
func (i HTMXInfo) Navigation() bool {
	return !i.IsHTMX || i.IsBoosted || i.HistoryRestore
}

// HTMX records HTMXInfo on the request context. Responses vary on HX-Request
// since fragments and full pages share URLs.
func HTMX() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Add("Vary", "HX-Request")
			info := parseHTMX(r.Header)
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), htmxContextKey{}, info)))
		})
	}
}

func parseHTMX(h http.Header) HTMXInfo {
	flag := func(name string) bool {
		return strings.EqualFold(strings.TrimSpace(h.Get(name)), "true")
	}
	return HTMXInfo{
		IsHTMX:         flag("HX-Request"),
		IsBoosted:      flag("HX-Boosted"),
		HistoryRestore: flag("HX-History-Restore-Request"),
		CurrentURL:     h.Get("HX-Current-URL"),
		Target:         h.Get("HX-Target"),
	}
}

// HTMXInfoFromContext returns the recorded HTMXInfo, or the zero value.
func HTMXInfoFromContext(ctx context.Context) HTMXInfo {
	info, _ := ctx.Value(htmxContextKey{}).(HTMXInfo)
	return info
}

// IsHTMXRequest reports whether htmx issued the request.
func IsHTMXRequest(ctx context.Context) bool {
	return HTMXInfoFromContext(ctx).IsHTMX
}

// Redirect sends the client to target: HX-Redirect with status for htmx
// requests, a plain redirect with fallback status otherwise.
func Redirect(w http.ResponseWriter, r *http.Request, target string, htmxStatus, fallback int) {
	if IsHTMXRequest(r.Context()) {
		w.Header().Set("HX-Redirect", target)
		w.WriteHeader(htmxStatus)
		return
	}
	http.Redirect(w, r, target, fallback)
}
