package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"

	"go.uber.org/zap"

	"finitefield.org/campus-portal/internal/portal/observability"
)

type csrfTokenKey struct{}

const (
	defaultCSRFHeader = "X-CSRF-Token"
	defaultCSRFField  = "csrf_token"
)

// CSRFConfig names where unsafe requests carry the token.
type CSRFConfig struct {
	HeaderName string
	FieldName  string
}

// CSRF binds a token to the browser session. Safe methods make sure one is
// issued; unsafe methods must echo it in the header or the form field.
// It must run after Session.
func CSRF(cfg CSRFConfig) func(http.Handler) http.Handler {
	headerName := firstNonEmpty(cfg.HeaderName, defaultCSRFHeader)
	fieldName := firstNonEmpty(cfg.FieldName, defaultCSRFField)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess, ok := SessionFromContext(r.Context())
			if !ok {
				http.Error(w, "csrf token error", http.StatusInternalServerError)
				return
			}
			token, err := sess.EnsureCSRFToken()
			if err != nil {
				observability.FromContext(r.Context()).Error("csrf token generation failed", zap.Error(err))
				http.Error(w, "csrf token error", http.StatusInternalServerError)
				return
			}

			if mutates(r.Method) && !tokenMatches(token, firstNonEmpty(r.Header.Get(headerName), r.PostFormValue(fieldName))) {
				observability.FromContext(r.Context()).Warn("csrf token mismatch", zap.String("path", r.URL.Path))
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), csrfTokenKey{}, token)))
		})
	}
}

// CSRFTokenFromContext returns the browser's token for embedding in forms.
func CSRFTokenFromContext(ctx context.Context) string {
	token, _ := ctx.Value(csrfTokenKey{}).(string)
	return token
}

func tokenMatches(want, got string) bool {
	return got != "" && subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}

func mutates(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return false
	}
	return true
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
