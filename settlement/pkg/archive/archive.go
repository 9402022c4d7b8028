// Package archive keeps a ClickHouse record of every payment that reached
// the ledger, for reporting across distribution lists.
package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/google/uuid"
	"github.com/malbeclabs/payouts/ledger/pkg/ledger"
	"github.com/malbeclabs/payouts/settlement/pkg/store"
	"github.com/shopspring/decimal"
)

const tableName = "settlement_payments"

// Record is one sent envelope with the payments it carried.
type Record struct {
	List        store.DistributionList
	EnvelopeSeq int
	TxHash      string
	Ledger      int64
	SentAt      time.Time
	Payments    []store.Payment
}

type Writer interface {
	Write(ctx context.Context, rec Record) error
}

// AccountTotal is the sum paid to one account in one asset.
type AccountTotal struct {
	AccountID string          `json:"account_id"`
	Asset     ledger.Asset    `json:"asset"`
	Total     decimal.Decimal `json:"total"`
	Payments  uint64          `json:"payments"`
	LastPaid  time.Time       `json:"last_paid"`
}

type Config struct {
	Logger *slog.Logger
	Conn   driver.Conn
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Conn == nil {
		return errors.New("conn is required")
	}
	return nil
}

type ClickHouse struct {
	log  *slog.Logger
	conn driver.Conn
}

func NewClickHouse(cfg Config) (*ClickHouse, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &ClickHouse{log: cfg.Logger, conn: cfg.Conn}, nil
}

// Write appends one row per payment. Rewriting the same envelope is
// collapsed by the table engine.
func (c *ClickHouse) Write(ctx context.Context, rec Record) error {
	if len(rec.Payments) == 0 {
		return nil
	}

	batch, err := c.conn.PrepareBatch(ctx, fmt.Sprintf("INSERT INTO %s", tableName))
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}
	defer batch.Close()

	for i, p := range rec.Payments {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("context cancelled during batch insert: %w", err)
		}
		err := batch.Append(
			rec.List.ID,
			rec.List.Type,
			rec.List.Memo,
			rec.List.Source,
			rec.List.Asset.Code,
			rec.List.Asset.Issuer,
			p.AccountID,
			p.Amount,
			p.Redirected,
			uint32(rec.EnvelopeSeq),
			rec.TxHash,
			rec.Ledger,
			rec.SentAt.UTC(),
			time.Now().UTC(),
		)
		if err != nil {
			return fmt.Errorf("failed to append row %d: %w", i, err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}

	c.log.Debug("archive: wrote payments", "list", rec.List.ID, "seq", rec.EnvelopeSeq, "count", len(rec.Payments))
	return nil
}

// Totals sums payments per account in one asset since the given time,
// largest first. A zero limit returns every account.
func (c *ClickHouse) Totals(ctx context.Context, asset ledger.Asset, since time.Time, limit int) ([]AccountTotal, error) {
	query := fmt.Sprintf(`
		SELECT account_id, sum(amount) AS total, count() AS payments, max(sent_at) AS last_paid
		FROM %s FINAL
		WHERE asset_code = ? AND asset_issuer = ? AND sent_at >= ?
		GROUP BY account_id
		ORDER BY total DESC, account_id`, tableName)
	args := []any{asset.Code, asset.Issuer, since.UTC()}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := c.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query totals: %w", err)
	}
	defer rows.Close()

	var out []AccountTotal
	for rows.Next() {
		t := AccountTotal{Asset: asset}
		if err := rows.Scan(&t.AccountID, &t.Total, &t.Payments, &t.LastPaid); err != nil {
			return nil, fmt.Errorf("failed to scan total: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read totals: %w", err)
	}
	return out, nil
}

// ListPayments returns the archived payments of one list ordered by
// envelope and account.
func (c *ClickHouse) ListPayments(ctx context.Context, listID uuid.UUID) ([]store.Payment, error) {
	rows, err := c.conn.Query(ctx, fmt.Sprintf(`
		SELECT account_id, amount, redirected
		FROM %s FINAL
		WHERE list_id = ?
		ORDER BY envelope_seq, account_id`, tableName), listID)
	if err != nil {
		return nil, fmt.Errorf("failed to query list payments: %w", err)
	}
	defer rows.Close()

	var out []store.Payment
	for rows.Next() {
		p := store.Payment{ListID: listID, Packed: true}
		if err := rows.Scan(&p.AccountID, &p.Amount, &p.Redirected); err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
