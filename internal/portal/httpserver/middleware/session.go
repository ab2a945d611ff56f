package middleware

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"finitefield.org/campus-portal/internal/portal/browsersession"
	"finitefield.org/campus-portal/internal/portal/observability"
)

type sessionContextKey string

const requestSessionKey sessionContextKey = "portal.browser_session"

// SessionStore abstracts the browser session manager for middleware integration.
type SessionStore interface {
	Load(*http.Request) (*browsersession.Session, error)
	New() *browsersession.Session
	Save(http.ResponseWriter, *browsersession.Session) error
	Destroy(http.ResponseWriter)
}

// Session attaches the browser session to the request context and writes the
// cookie before the response headers go out.
func Session(store SessionStore) func(http.Handler) http.Handler {
	if store == nil {
		panic("session store is required")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger := observability.FromContext(r.Context())
			sess, err := store.Load(r)
			if errors.Is(err, browsersession.ErrExpired) {
				logger.Info("browser session expired; resetting")
				sess = store.New()
			} else if err != nil || sess == nil {
				if err != nil {
					logger.Warn("browser session load failed", zap.Error(err))
				}
				sess = store.New()
			}

			sw := &sessionWriter{ResponseWriter: w, save: func(w http.ResponseWriter) {
				if err := store.Save(w, sess); err != nil {
					logger.Error("browser session save failed", zap.Error(err))
				}
			}}
			ctx := context.WithValue(r.Context(), requestSessionKey, sess)
			next.ServeHTTP(sw, r.WithContext(ctx))
			sw.commit()
		})
	}
}

// SessionFromContext retrieves the session attached to this request.
func SessionFromContext(ctx context.Context) (*browsersession.Session, bool) {
	if ctx == nil {
		return nil, false
	}
	sess, ok := ctx.Value(requestSessionKey).(*browsersession.Session)
	return sess, ok && sess != nil
}

// sessionWriter saves the session cookie once, just before the first header
// or body write.
type sessionWriter struct {
	http.ResponseWriter
	save func(http.ResponseWriter)
	once sync.Once
}

func (w *sessionWriter) commit() {
	w.once.Do(func() { w.save(w.ResponseWriter) })
}

func (w *sessionWriter) WriteHeader(status int) {
	w.commit()
	w.ResponseWriter.WriteHeader(status)
}

func (w *sessionWriter) Write(p []byte) (int, error) {
	w.commit()
	return w.ResponseWriter.Write(p)
}

func (w *sessionWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
