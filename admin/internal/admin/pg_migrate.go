package admin

import (
	"fmt"
	"log/slog"

	"github.com/malbeclabs/payouts/api/config"
	"github.com/malbeclabs/payouts/settlement/pkg/store"
	"github.com/pressly/goose/v3"
)

// PgMigrateUp runs all pending PostgreSQL migrations
func PgMigrateUp(log *slog.Logger, cfg config.PgConfig) error {
	return config.MigrateUp(log, cfg.ConnString())
}

// PgMigrateDown rolls back the last PostgreSQL migration
func PgMigrateDown(log *slog.Logger, cfg config.PgConfig) error {
	db, err := config.OpenDB(cfg.ConnString())
	if err != nil {
		return err
	}
	defer db.Close()

	if err := config.SetupGoose(); err != nil {
		return err
	}

	log.Info("rolling back PostgreSQL migration (down)")
	if err := goose.Down(db, store.MigrationsDir); err != nil {
		return fmt.Errorf("failed to rollback migration: %w", err)
	}

	log.Info("PostgreSQL migration rollback completed")
	return nil
}

// PgMigrateStatus shows the status of all PostgreSQL migrations
func PgMigrateStatus(log *slog.Logger, cfg config.PgConfig) error {
	db, err := config.OpenDB(cfg.ConnString())
	if err != nil {
		return err
	}
	defer db.Close()

	if err := config.SetupGoose(); err != nil {
		return err
	}

	log.Info("PostgreSQL migration status")
	if err := goose.Status(db, store.MigrationsDir); err != nil {
		return fmt.Errorf("failed to get migration status: %w", err)
	}

	return nil
}
