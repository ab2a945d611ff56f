package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestRequestLoggerRecordsRoutePattern(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(RequestLogger(zap.New(core), metrics))
	r.Get("/marketplace/item/{id}", func(w http.ResponseWriter, r *http.Request) {
		FromContext(r.Context()).Info("handler ran")
		w.WriteHeader(http.StatusTeapot)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/marketplace/item/42", nil))
	require.Equal(t, http.StatusTeapot, rec.Code)

	handlerLogs := logs.FilterMessage("handler ran").All()
	require.Len(t, handlerLogs, 1)
	require.NotEmpty(t, handlerLogs[0].ContextMap()["request_id"])

	completed := logs.FilterMessage("request completed").All()
	require.Len(t, completed, 1)
	require.Equal(t, zapcore.WarnLevel, completed[0].Level)
	fields := completed[0].ContextMap()
	require.Equal(t, "/marketplace/item/{id}", fields["route"])
	require.EqualValues(t, http.StatusTeapot, fields["status"])

	require.Equal(t, 1, promtest.CollectAndCount(reg, "portal_server_request_duration_seconds"))
}

func TestRecoveryAnswers500(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)

	handler := Recovery(zap.New(core))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, 1, logs.FilterMessage("panic recovered").Len())
}

func TestSanitize(t *testing.T) {
	require.Equal(t, "/path", sanitize("/pa\x00th", 10))
	require.Equal(t, "abc", sanitize("abcdef", 3))
	require.Equal(t, "4xx", statusClass(404))
}

func TestNewLoggerFallsBackOnInvalidLevel(t *testing.T) {
	logger, err := NewLogger("verbose")
	require.NoError(t, err)
	require.True(t, logger.Core().Enabled(zapcore.InfoLevel))
	require.False(t, logger.Core().Enabled(zapcore.DebugLevel))
}
