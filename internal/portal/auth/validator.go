// Package auth validates bearer tokens against the API's current-user endpoint.
package auth

import (
	"context"
	"errors"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"finitefield.org/campus-portal/internal/portal/apiclient"
	"finitefield.org/campus-portal/internal/portal/observability"
)

var (
	// ErrNoToken indicates validation was attempted without a credential.
	ErrNoToken = errors.New("auth: no token")
	// ErrInvalidToken indicates the API rejected the credential.
	ErrInvalidToken = errors.New("auth: invalid or expired token")
	// ErrNetwork indicates the API could not be reached or failed server-side.
	ErrNetwork = errors.New("auth: validation request failed")
)

// Outcome labels recorded for each validation.
const (
	OutcomeValid   = "valid"
	OutcomeNoToken = "no_token"
	OutcomeInvalid = "invalid"
	OutcomeNetwork = "network"
)

// UserFetcher resolves a token into a user profile.
type UserFetcher interface {
	GetUser(ctx context.Context, token string) (*apiclient.User, error)
}

// TokenClearer purges stored credentials after a failed validation. The
// clear is skipped when storage already holds a different token.
type TokenClearer interface {
	ClearIfCurrent(ctx context.Context, token string) (bool, error)
}

// Result is the outcome of a validation. When OK is false, Err is one of
// ErrNoToken, ErrInvalidToken or ErrNetwork wrapping the cause.
type Result struct {
	OK   bool
	User *apiclient.User
	Err  error
}

// Validator checks tokens against the API. It performs no rate limiting.
type Validator struct {
	fetcher UserFetcher
	tokens  TokenClearer
	logger  *zap.Logger
	metrics *observability.Metrics
}

// Option customises a Validator.
type Option func(*Validator)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(v *Validator) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithMetrics records validation outcomes.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(v *Validator) {
		v.metrics = metrics
	}
}

// NewValidator constructs a Validator. tokens may be nil when no store should be purged.
func NewValidator(fetcher UserFetcher, tokens TokenClearer, opts ...Option) *Validator {
	if fetcher == nil {
		panic("auth: user fetcher is required")
	}
	v := &Validator{fetcher: fetcher, tokens: tokens, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate checks token. A failure clears the token store if it still holds token.
func (v *Validator) Validate(ctx context.Context, token string) Result {
	token = strings.TrimSpace(token)
	if token == "" {
		v.metrics.ObserveValidation(OutcomeNoToken)
		return Result{Err: ErrNoToken}
	}

	ctx, span := otel.Tracer("finitefield.org/campus-portal/auth").Start(ctx, "auth.Validate",
		trace.WithSpanKind(trace.SpanKindClient),
	)
	defer span.End()

	user, err := v.fetcher.GetUser(ctx, token)
	if err == nil && user != nil {
		v.metrics.ObserveValidation(OutcomeValid)
		span.SetAttributes(attribute.String("auth.outcome", OutcomeValid))
		return Result{OK: true, User: user}
	}
	if err == nil {
		err = apiclient.ErrMissingUser
	}

	classified, outcome := classify(err)
	v.metrics.ObserveValidation(outcome)
	span.SetAttributes(attribute.String("auth.outcome", outcome))
	span.SetStatus(codes.Error, outcome)
	v.logger.Info("session validation failed", zap.String("outcome", outcome), zap.Error(err))

	if v.tokens != nil {
		// Purge with a fresh context so a cancelled request still clears credentials.
		cleared, clearErr := v.tokens.ClearIfCurrent(context.WithoutCancel(ctx), token)
		switch {
		case clearErr != nil:
			v.logger.Warn("token store clear failed", zap.Error(clearErr))
		case !cleared:
			v.logger.Debug("token replaced during validation; storage kept")
		}
	}
	return Result{Err: classified}
}

func classify(err error) (error, string) {
	var statusErr *apiclient.StatusError
	if errors.As(err, &statusErr) {
		if statusErr.StatusCode >= 500 {
			return errors.Join(ErrNetwork, err), OutcomeNetwork
		}
		return errors.Join(ErrInvalidToken, err), OutcomeInvalid
	}
	if errors.Is(err, apiclient.ErrMissingUser) {
		return errors.Join(ErrInvalidToken, err), OutcomeInvalid
	}
	return errors.Join(ErrNetwork, err), OutcomeNetwork
}
