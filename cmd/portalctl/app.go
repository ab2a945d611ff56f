package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"finitefield.org/campus-portal/internal/portal/apiclient"
	"finitefield.org/campus-portal/internal/portal/config"
	"finitefield.org/campus-portal/internal/portal/guard"
	"finitefield.org/campus-portal/internal/portal/history"
	"finitefield.org/campus-portal/internal/portal/observability"
	"finitefield.org/campus-portal/internal/portal/storage"
	"finitefield.org/campus-portal/internal/portal/tab"
)

// app is one started tab over the shared storage file.
type app struct {
	cfg    config.CLIConfig
	tab    *tab.Tab
	window *history.MemoryWindow
	logger *zap.Logger
}

func (o *rootOptions) load() (config.CLIConfig, error) {
	cfg, err := config.LoadCLI(o.configPath)
	if err != nil {
		return config.CLIConfig{}, err
	}
	if o.apiBaseURL != "" {
		cfg.APIBaseURL = o.apiBaseURL
	}
	if o.storagePath != "" {
		cfg.StoragePath = o.storagePath
	}
	return cfg, nil
}

func (o *rootOptions) open(ctx context.Context) (*app, error) {
	cfg, err := o.load()
	if err != nil {
		return nil, err
	}
	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}

	local, err := storage.NewFile(cfg.StoragePath, storage.WithFileLogger(logger.Named("storage")))
	if err != nil {
		return nil, err
	}
	api, err := apiclient.New(apiclient.ResolveBaseURL(cfg.APIBaseURL, cfg.Host), nil)
	if err != nil {
		return nil, err
	}

	win := history.NewMemoryWindow("/")
	t, err := tab.New(tab.Config{
		Local:  local,
		API:    api,
		Window: win,
		Guard: guard.Config{
			Debounce:    cfg.Guard.Debounce,
			MinInterval: cfg.Guard.MinInterval,
		},
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	if err := t.Start(ctx); err != nil {
		t.Close()
		return nil, err
	}
	return &app{cfg: cfg, tab: t, window: win, logger: logger}, nil
}

func (a *app) Close() {
	a.tab.Close()
	_ = a.logger.Sync()
}
