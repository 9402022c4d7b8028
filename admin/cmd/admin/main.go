package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/malbeclabs/payouts/admin/internal/admin"
	"github.com/malbeclabs/payouts/api/config"
	"github.com/malbeclabs/payouts/settlement/pkg/archive"
	"github.com/malbeclabs/payouts/settlement/pkg/store"
	"github.com/malbeclabs/payouts/utils/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	envFileFlag := flag.String("env-file", "", "load environment variables from this file before reading POSTGRES_* settings")

	// Commands
	pgMigrateFlag := flag.Bool("pg-migrate", false, "Run settlement database migrations using goose")
	pgMigrateDownFlag := flag.Bool("pg-migrate-down", false, "Roll back the last settlement database migration")
	pgMigrateStatusFlag := flag.Bool("pg-migrate-status", false, "Show settlement database migration status")
	clickhouseMigrateFlag := flag.Bool("clickhouse-migrate", false, "Run payment archive migrations on ClickHouse (CLICKHOUSE_* env vars)")
	clickhouseMigrateDownFlag := flag.Bool("clickhouse-migrate-down", false, "Roll back the last payment archive migration")
	clickhouseMigrateStatusFlag := flag.Bool("clickhouse-migrate-status", false, "Show payment archive migration status")
	resetDBFlag := flag.Bool("reset-db", false, "Drop all settlement tables (distribution_lists, payments, envelopes)")
	markSentFlag := flag.Bool("mark-sent", false, "Mark an unsent envelope as sent after confirming it on the ledger")
	dryRunFlag := flag.Bool("dry-run", false, "Dry run mode - show what would be done without actually executing")
	yesFlag := flag.Bool("yes", false, "Skip confirmation prompt (use with caution)")

	// mark-sent options
	listIDFlag := flag.String("list-id", "", "Distribution list id for --mark-sent")
	seqFlag := flag.Int("seq", 0, "Envelope sequence within the list for --mark-sent")

	flag.Parse()

	log := logger.New(*verboseFlag)

	if *envFileFlag != "" {
		if err := godotenv.Load(*envFileFlag); err != nil {
			return fmt.Errorf("failed to load env file: %w", err)
		}
	}

	ctx := context.Background()

	if *clickhouseMigrateFlag || *clickhouseMigrateDownFlag || *clickhouseMigrateStatusFlag {
		chCfg, ok, err := config.ClickHouseConfigFromEnv()
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("CLICKHOUSE_ADDR is required for ClickHouse migrations")
		}
		switch {
		case *clickhouseMigrateFlag:
			return archive.Up(ctx, log, chCfg)
		case *clickhouseMigrateDownFlag:
			return archive.Down(ctx, log, chCfg)
		default:
			return archive.Status(ctx, log, chCfg)
		}
	}

	pgCfg, err := config.PgConfigFromEnv()
	if err != nil {
		return err
	}
	prompt := admin.Prompt{In: os.Stdin, Out: os.Stdout}

	switch {
	case *pgMigrateFlag:
		return admin.PgMigrateUp(log, pgCfg)
	case *pgMigrateDownFlag:
		return admin.PgMigrateDown(log, pgCfg)
	case *pgMigrateStatusFlag:
		return admin.PgMigrateStatus(log, pgCfg)
	case *resetDBFlag:
		return admin.ResetDB(ctx, log, pgCfg, prompt, *dryRunFlag, *yesFlag)
	case *markSentFlag:
		listID, err := uuid.Parse(*listIDFlag)
		if err != nil {
			return fmt.Errorf("--list-id is required for --mark-sent: %w", err)
		}
		if *seqFlag <= 0 {
			return fmt.Errorf("--seq is required for --mark-sent")
		}
		pool, err := config.OpenPostgres(ctx, log, pgCfg)
		if err != nil {
			return err
		}
		defer pool.Close()
		st, err := store.NewPostgres(store.PostgresConfig{Logger: log, Pool: pool})
		if err != nil {
			return err
		}
		return admin.MarkEnvelopeSent(ctx, log, st, prompt, admin.MarkSentConfig{
			ListID: listID,
			Seq:    *seqFlag,
			DryRun: *dryRunFlag,
			Yes:    *yesFlag,
		}, time.Now())
	}

	flag.Usage()
	return nil
}
