package store

import (
	"context"
	"fmt"

	"github.com/dusk-indust/consensus/internal/config"
)

// Open creates the backend selected by cfg and initializes its schema.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	var (
		s   Store
		err error
	)
	switch cfg.Backend {
	case config.StoreMemory, "":
		s = NewMemStore()
	case config.StoreSQLite:
		s, err = OpenSQLite(cfg.DSN)
	case config.StoreMySQL:
		s, err = OpenMySQL(cfg.DSN)
	case config.StoreKuzu:
		s, err = openKuzuBackend(cfg.DSN)
	default:
		return nil, fmt.Errorf("store: unknown backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	if err := s.InitSchema(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("store: %w", err)
	}
	return s, nil
}
