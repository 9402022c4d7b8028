package admin

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/malbeclabs/payouts/api/config"
	"github.com/malbeclabs/payouts/settlement/pkg/store"
	"github.com/pressly/goose/v3"
)

// Prompt reads confirmations from the operator.
type Prompt struct {
	In  io.Reader
	Out io.Writer
}

// Confirm asks the operator to type 'yes'.
func (p Prompt) Confirm(question string) (bool, error) {
	fmt.Fprintf(p.Out, "\n⚠️  %s\n", question)
	fmt.Fprintf(p.Out, "Type 'yes' to confirm: ")

	reader := bufio.NewReader(p.In)
	response, err := reader.ReadString('\n')
	if err != nil && err != io.EOF {
		return false, fmt.Errorf("failed to read confirmation: %w", err)
	}

	if strings.TrimSpace(strings.ToLower(response)) != "yes" {
		fmt.Fprintf(p.Out, "\nConfirmation failed. Operation cancelled.\n")
		return false, nil
	}
	fmt.Fprintln(p.Out)
	return true, nil
}

// ResetDB rolls every settlement migration back, dropping all lists,
// payments and envelopes.
func ResetDB(ctx context.Context, log *slog.Logger, cfg config.PgConfig, prompt Prompt, dryRun, skipConfirm bool) error {
	pool, err := pgxpool.New(ctx, cfg.ConnString())
	if err != nil {
		return fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	defer pool.Close()

	rows, err := pool.Query(ctx, `
		SELECT relname, n_live_tup
		FROM pg_stat_user_tables
		WHERE relname IN ('distribution_lists', 'payments', 'envelopes')
		ORDER BY relname
	`)
	if err != nil {
		return fmt.Errorf("failed to query tables: %w", err)
	}
	defer rows.Close()

	type table struct {
		name string
		rows int64
	}
	var tables []table
	for rows.Next() {
		var t table
		if err := rows.Scan(&t.name, &t.rows); err != nil {
			return fmt.Errorf("failed to scan table: %w", err)
		}
		tables = append(tables, t)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate tables: %w", err)
	}

	if len(tables) == 0 {
		fmt.Fprintln(prompt.Out, "No settlement tables found")
		return nil
	}

	fmt.Fprintf(prompt.Out, "⚠️  WARNING: This will DROP %d table(s) from database '%s':\n\n", len(tables), cfg.Database)
	for _, t := range tables {
		fmt.Fprintf(prompt.Out, "  - %s (~%d rows)\n", t.name, t.rows)
	}

	if dryRun {
		fmt.Fprintln(prompt.Out, "\n[DRY RUN] Would drop the above tables")
		return nil
	}

	if !skipConfirm {
		ok, err := prompt.Confirm("This is a DESTRUCTIVE operation that cannot be undone!")
		if err != nil || !ok {
			return err
		}
	}

	db, err := config.OpenDB(cfg.ConnString())
	if err != nil {
		return err
	}
	defer db.Close()
	if err := config.SetupGoose(); err != nil {
		return err
	}
	if err := goose.Reset(db, store.MigrationsDir); err != nil {
		return fmt.Errorf("failed to reset migrations: %w", err)
	}

	log.Info("settlement tables dropped", "tables", len(tables))
	fmt.Fprintf(prompt.Out, "\nSuccessfully dropped %d table(s)\n", len(tables))
	return nil
}
