package observability

import (
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// RequestLogger attaches a request-scoped logger to the context, logs request
// completion and records latency by route pattern.
func RequestLogger(base *zap.Logger, metrics *Metrics) func(http.Handler) http.Handler {
	if base == nil {
		base = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			logger := base.With(
				zap.String("request_id", middleware.GetReqID(ctx)),
				zap.String("method", sanitize(r.Method, 10)),
				zap.String("path", sanitize(r.URL.Path, 180)),
			)
			if ip := remoteIP(r); ip != "" {
				logger = logger.With(zap.String("remote_ip", ip))
			}
			r = r.WithContext(WithLogger(ctx, logger))

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			defer func() {
				status := ww.Status()
				if status == 0 {
					status = http.StatusOK
				}
				route := routePattern(r)
				latency := time.Since(start)
				metrics.ObserveRequest(route, statusClass(status), latency.Seconds())

				fields := []zap.Field{
					zap.String("route", route),
					zap.Int("status", status),
					zap.Duration("latency", latency),
					zap.Int("bytes", ww.BytesWritten()),
				}
				switch {
				case status >= http.StatusInternalServerError:
					logger.Error("request completed", fields...)
				case status >= http.StatusBadRequest:
					logger.Warn("request completed", fields...)
				default:
					logger.Info("request completed", fields...)
				}
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

// Recovery logs panics with their stack and answers 500.
func Recovery(fallback *zap.Logger) func(http.Handler) http.Handler {
	if fallback == nil {
		fallback = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logger, ok := r.Context().Value(loggerContextKey{}).(*zap.Logger)
				if !ok || logger == nil {
					logger = fallback
				}
				logger.Error("panic recovered",
					zap.Any("panic", rec),
					zap.ByteString("stack", debug.Stack()),
				)
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return sanitize(pattern, 180)
		}
	}
	return "unmatched"
}

func statusClass(status int) string {
	return strconv.Itoa(status/100) + "xx"
}

func remoteIP(r *http.Request) string {
	addr := strings.TrimSpace(r.RemoteAddr)
	if addr == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	return sanitize(addr, 64)
}

// sanitize drops control characters and truncates to limit runes.
func sanitize(value string, limit int) string {
	cleaned := make([]rune, 0, len(value))
	for _, r := range value {
		if unicode.IsControl(r) {
			continue
		}
		cleaned = append(cleaned, r)
	}
	if len(cleaned) > limit {
		cleaned = cleaned[:limit]
	}
	return string(cleaned)
}
