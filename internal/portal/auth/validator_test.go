package auth_test

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"finitefield.org/campus-portal/internal/portal/apiclient"
	"finitefield.org/campus-portal/internal/portal/auth"
	"finitefield.org/campus-portal/internal/portal/observability"
	"finitefield.org/campus-portal/internal/portal/storage"
	"finitefield.org/campus-portal/internal/portal/tokenstore"
)

type stubFetcher struct {
	user  *apiclient.User
	err   error
	calls int
}

func (s *stubFetcher) GetUser(_ context.Context, _ string) (*apiclient.User, error) {
	s.calls++
	return s.user, s.err
}

func seededStore(t *testing.T) *tokenstore.Store {
	t.Helper()
	ctx := context.Background()
	local := storage.NewMemory()
	require.NoError(t, local.Set(ctx, tokenstore.KeyAccessToken, "a"))
	require.NoError(t, local.Set(ctx, tokenstore.KeyToken, "b"))
	require.NoError(t, local.Set(ctx, tokenstore.KeyUserToken, "c"))
	return tokenstore.New(local, nil)
}

func TestValidateSuccess(t *testing.T) {
	t.Parallel()

	store := seededStore(t)
	fetcher := &stubFetcher{user: &apiclient.User{ID: "u1", FirstName: "Ana"}}
	v := auth.NewValidator(fetcher, store)

	res := v.Validate(context.Background(), "a")
	require.True(t, res.OK)
	require.NoError(t, res.Err)
	require.Equal(t, "Ana", res.User.FirstName)
	require.Equal(t, "a", store.Read(context.Background()), "success keeps the token")
}

func TestValidateNoTokenSkipsNetwork(t *testing.T) {
	t.Parallel()

	fetcher := &stubFetcher{}
	v := auth.NewValidator(fetcher, nil)

	res := v.Validate(context.Background(), "  ")
	require.False(t, res.OK)
	require.ErrorIs(t, res.Err, auth.ErrNoToken)
	require.Zero(t, fetcher.calls)
}

func TestValidateFailsClosed(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		err     error
		want    error
		outcome string
	}{
		{"unauthorized", &apiclient.StatusError{StatusCode: http.StatusUnauthorized}, auth.ErrInvalidToken, auth.OutcomeInvalid},
		{"not found", &apiclient.StatusError{StatusCode: http.StatusNotFound}, auth.ErrInvalidToken, auth.OutcomeInvalid},
		{"server error", &apiclient.StatusError{StatusCode: http.StatusBadGateway}, auth.ErrNetwork, auth.OutcomeNetwork},
		{"offline", errors.New("dial tcp: connection refused"), auth.ErrNetwork, auth.OutcomeNetwork},
		{"missing user", apiclient.ErrMissingUser, auth.ErrInvalidToken, auth.OutcomeInvalid},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			reg := prometheus.NewRegistry()
			metrics := observability.NewMetrics(reg)
			store := seededStore(t)
			v := auth.NewValidator(&stubFetcher{err: tc.err}, store, auth.WithMetrics(metrics))

			res := v.Validate(context.Background(), "a")
			require.False(t, res.OK)
			require.Nil(t, res.User)
			require.ErrorIs(t, res.Err, tc.want)
			require.Empty(t, store.Read(context.Background()), "all token keys are cleared")
			require.Equal(t, 1.0, promtest.ToFloat64(metrics.Validations().WithLabelValues(tc.outcome)))
		})
	}
}

func TestValidateKeepsReplacedToken(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := tokenstore.New(storage.NewMemory(), nil)
	require.NoError(t, store.Write(ctx, "new"))
	v := auth.NewValidator(&stubFetcher{err: &apiclient.StatusError{StatusCode: http.StatusUnauthorized}}, store)

	res := v.Validate(ctx, "old")
	require.ErrorIs(t, res.Err, auth.ErrInvalidToken)
	require.Equal(t, "new", store.Read(ctx), "a newer token is not cleared by a stale failure")
}
