package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/dusk-indust/consensus/internal/config"
	"github.com/dusk-indust/consensus/internal/exchange"
	"github.com/dusk-indust/consensus/internal/invoker"
	"github.com/dusk-indust/consensus/internal/observability"
	"github.com/dusk-indust/consensus/internal/prefs"
	"github.com/dusk-indust/consensus/internal/store"
	"github.com/spf13/cobra"
)

// app holds the wired in-process service and everything it owns.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	store  store.Store
	prefs  prefs.Store
	svc    *exchange.Service
}

func loadConfig(path string) (*config.Config, error) {
	info, err := os.Stat(path)
	if err == nil && !info.IsDir() {
		return config.LoadFile(path)
	}
	return config.Load(path)
}

func configPath(cmd *cobra.Command) string {
	p, _ := cmd.Flags().GetString("config")
	if p == "" {
		return "."
	}
	return p
}

// newApp loads the config and wires store, preferences, backends and the
// exchange service. Logs go to logOut.
func newApp(ctx context.Context, cfgPath string, logOut io.Writer) (*app, error) {
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return nil, err
	}
	logger := observability.New(logOut, cfg.Log.Level, cfg.Log.Format)

	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	pf, err := prefs.Open(cfg.Prefs.Dir, prefs.WithLogger(logger))
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("open preferences: %w", err)
	}
	inv, err := invoker.New(ctx, cfg)
	if err != nil {
		st.Close()
		pf.Close()
		return nil, err
	}

	return &app{
		cfg:    cfg,
		logger: logger,
		store:  st,
		prefs:  pf,
		svc:    exchange.NewService(inv, st, pf, exchange.OptionsFromConfig(cfg, logger)),
	}, nil
}

func (a *app) Close() error {
	return errors.Join(a.prefs.Close(), a.store.Close())
}
