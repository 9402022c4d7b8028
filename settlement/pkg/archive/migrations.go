package archive

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var Migrations embed.FS

// goose keeps its dialect and filesystem in package state.
var gooseMu sync.Mutex

// slogGooseLogger adapts slog.Logger to goose.Logger interface
type slogGooseLogger struct {
	log *slog.Logger
}

func (l *slogGooseLogger) Fatalf(format string, v ...any) {
	l.log.Error(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l *slogGooseLogger) Printf(format string, v ...any) {
	l.log.Info(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

// CreateDatabase creates the archive database when missing.
func CreateDatabase(ctx context.Context, log *slog.Logger, conn driver.Conn, database string) error {
	log.Info("archive: creating clickhouse database", "database", database)
	return conn.Exec(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", database))
}

// Up runs all pending archive migrations.
func Up(ctx context.Context, log *slog.Logger, cfg ClientConfig) error {
	return migrate(ctx, log, cfg, "up", goose.UpContext)
}

// Down rolls back the most recent archive migration.
func Down(ctx context.Context, log *slog.Logger, cfg ClientConfig) error {
	return migrate(ctx, log, cfg, "down", goose.DownContext)
}

// Status logs the state of every archive migration.
func Status(ctx context.Context, log *slog.Logger, cfg ClientConfig) error {
	return migrate(ctx, log, cfg, "status", goose.StatusContext)
}

func migrate(ctx context.Context, log *slog.Logger, cfg ClientConfig, name string, run func(context.Context, *sql.DB, string, ...goose.OptionsFunc) error) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	log.Info("archive: running clickhouse migrations", "direction", name, "database", cfg.Database)

	db := clickhouse.OpenDB(cfg.options())
	defer db.Close()

	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetLogger(&slogGooseLogger{log: log})
	goose.SetBaseFS(Migrations)
	if err := goose.SetDialect("clickhouse"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	if err := run(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("failed to run clickhouse migrations (%s): %w", name, err)
	}
	return nil
}
