package middleware

import (
	"context"
	"net/http"
	"strings"
)

type requestInfoKeyType int

const requestInfoKey requestInfoKeyType = iota

const defaultEnvironment = "Development"

// RequestInfo holds request metadata exposed to templates.
type RequestInfo struct {
	Path        string
	URI         string
	Method      string
	Environment string
}

// RequestInfoMiddleware annotates the context with the request path and the
// deployment environment label. Empty labels default to "Development".
func RequestInfoMiddleware(environment string) func(http.Handler) http.Handler {
	label := strings.TrimSpace(environment)
	if label == "" {
		label = defaultEnvironment
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			info := &RequestInfo{
				Path:        r.URL.Path,
				URI:         r.URL.RequestURI(),
				Method:      r.Method,
				Environment: label,
			}
			ctx := context.WithValue(r.Context(), requestInfoKey, info)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequestInfoFromContext returns the request metadata stored by RequestInfoMiddleware.
func RequestInfoFromContext(ctx context.Context) (*RequestInfo, bool) {
	info, ok := ctx.Value(requestInfoKey).(*RequestInfo)
	return info, ok && info != nil
}

// EnvironmentFromContext returns the environment label, defaulting to
// "Development" when unavailable.
func EnvironmentFromContext(ctx context.Context) string {
	if info, ok := RequestInfoFromContext(ctx); ok && info.Environment != "" {
		return info.Environment
	}
	return defaultEnvironment
}
