package repository

import (
	"context"
	"fmt"

	"process-dispatcher/backend/internal/config"
	"process-dispatcher/backend/internal/logging"
)

// Open connects to the database named by cfg.Driver and migrates it. An
// empty driver returns a nil Repository.
func Open(ctx context.Context, cfg config.DBConfig, logger *logging.Logger) (Repository, error) {
	var repo Repository
	switch cfg.Driver {
	case "", "none":
		return nil, nil
	case "postgres":
		pool, err := ConnectPostgres(ctx, cfg.PostgresDSN())
		if err != nil {
			return nil, err
		}
		repo = NewPostgresStore(pool, logger)
	case "sqlite":
		store, err := OpenSQLite(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return nil, err
		}
		repo = store
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, cfg.Driver)
	}
	if err := repo.Migrate(ctx); err != nil {
		repo.Close()
		return nil, err
	}
	return repo, nil
}
