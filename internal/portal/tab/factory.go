package tab

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"finitefield.org/campus-portal/internal/portal/guard"
	"finitefield.org/campus-portal/internal/portal/observability"
	"finitefield.org/campus-portal/internal/portal/policy"
	"finitefield.org/campus-portal/internal/portal/storage"
)

const browserNamespacePrefix = "browser:"

// FactoryConfig describes how the server builds a tab for a browser.
type FactoryConfig struct {
	API API
	// Redis, when set, holds each browser's local area so every replica sees
	// the same token. Without it local areas live in process memory.
	Redis   redis.UniversalClient
	Policy  *policy.Policy
	Guard   guard.Config
	Metrics *observability.Metrics
	Logger  *zap.Logger
}

// NewFactory returns a Factory that builds and starts tabs from cfg.
func NewFactory(cfg FactoryConfig) Factory {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, browserID string) (*Tab, error) {
		local, err := localArea(cfg.Redis, browserID, logger)
		if err != nil {
			return nil, err
		}
		t, err := New(Config{
			Local:   local,
			API:     cfg.API,
			Policy:  cfg.Policy,
			Guard:   cfg.Guard,
			Metrics: cfg.Metrics,
			Logger:  logger.With(zap.String("browser_id", browserID)),
		})
		if err != nil {
			return nil, err
		}
		if err := t.Start(ctx); err != nil {
			t.Close()
			return nil, err
		}
		return t, nil
	}
}

func localArea(client redis.UniversalClient, browserID string, logger *zap.Logger) (storage.Area, error) {
	if client == nil {
		return storage.NewMemory(), nil
	}
	area, err := storage.NewRedis(client, browserNamespacePrefix+browserID, logger.Named("storage"))
	if err != nil {
		return nil, fmt.Errorf("tab: local area for %s: %w", browserID, err)
	}
	return area, nil
}
