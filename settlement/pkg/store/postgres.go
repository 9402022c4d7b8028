package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/malbeclabs/payouts/ledger/pkg/ledger"
	"github.com/shopspring/decimal"
)

//go:embed migrations/*.sql
var Migrations embed.FS

// MigrationsDir is the directory inside Migrations holding the goose files.
const MigrationsDir = "migrations"

type PostgresConfig struct {
	Logger *slog.Logger
	Pool   *pgxpool.Pool
}

func (cfg *PostgresConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Pool == nil {
		return errors.New("pool is required")
	}
	return nil
}

// Postgres is the durable Store. Chunk packing and envelope insertion take a
// transaction-scoped advisory lock on the list id so concurrent writers to
// the same list serialize.
type Postgres struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewPostgres(cfg PostgresConfig) (*Postgres, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Postgres{log: cfg.Logger, pool: cfg.Pool}, nil
}

func (p *Postgres) CreateList(ctx context.Context, list DistributionList, payments []NewPayment) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	createdAt := list.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO distribution_lists (id, type, memo, source, asset, total, created_at)
		VALUES ($1, $2, $3, $4, $5, $6::text::numeric, $7)
	`, list.ID, list.Type, list.Memo, list.Source, list.Asset.Key(), list.Total.String(), createdAt)
	if err != nil {
		return fmt.Errorf("failed to insert distribution list: %w", err)
	}

	if len(payments) > 0 {
		batch := &pgx.Batch{}
		for _, pay := range payments {
			batch.Queue(`
				INSERT INTO payments (list_id, account_id, amount, redirected)
				VALUES ($1, $2, $3::text::numeric, $4)
			`, list.ID, pay.AccountID, pay.Amount.String(), pay.Redirected)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to insert payments: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit distribution list: %w", err)
	}
	p.log.Debug("store: created distribution list", "list", list.ID, "type", list.Type, "payments", len(payments))
	return nil
}

const listColumns = `id, type, memo, source, asset, total::text, created_at`

func scanList(row pgx.Row) (DistributionList, error) {
	var (
		l     DistributionList
		asset string
		total string
	)
	if err := row.Scan(&l.ID, &l.Type, &l.Memo, &l.Source, &asset, &total, &l.CreatedAt); err != nil {
		return DistributionList{}, err
	}
	a, err := ledger.ParseAsset(asset)
	if err != nil {
		return DistributionList{}, err
	}
	l.Asset = a
	if l.Total, err = decimal.NewFromString(total); err != nil {
		return DistributionList{}, fmt.Errorf("failed to parse list total: %w", err)
	}
	l.CreatedAt = l.CreatedAt.UTC()
	return l, nil
}

func (p *Postgres) GetList(ctx context.Context, id uuid.UUID) (DistributionList, error) {
	l, err := scanList(p.pool.QueryRow(ctx, `SELECT `+listColumns+` FROM distribution_lists WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return DistributionList{}, ErrNotFound
	}
	if err != nil {
		return DistributionList{}, fmt.Errorf("failed to get distribution list: %w", err)
	}
	return l, nil
}

func (p *Postgres) Lists(ctx context.Context, limit int) ([]DistributionList, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+listColumns+` FROM distribution_lists
		ORDER BY created_at DESC, id
		LIMIT NULLIF($1, 0)
	`, max(limit, 0))
	if err != nil {
		return nil, fmt.Errorf("failed to query distribution lists: %w", err)
	}
	defer rows.Close()

	var out []DistributionList
	for rows.Next() {
		l, err := scanList(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan distribution list: %w", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate distribution lists: %w", err)
	}
	return out, nil
}

func (p *Postgres) ensureList(ctx context.Context, q pgx.Tx, id uuid.UUID) error {
	var one int
	err := q.QueryRow(ctx, `SELECT 1 FROM distribution_lists WHERE id = $1`, id).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to check distribution list: %w", err)
	}
	return nil
}

const paymentColumns = `id, list_id, account_id, amount::text, redirected, packed, envelope_id`

func scanPayment(row pgx.Row) (Payment, error) {
	var (
		pay    Payment
		amount string
	)
	if err := row.Scan(&pay.ID, &pay.ListID, &pay.AccountID, &amount, &pay.Redirected, &pay.Packed, &pay.EnvelopeID); err != nil {
		return Payment{}, err
	}
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return Payment{}, fmt.Errorf("failed to parse payment amount: %w", err)
	}
	pay.Amount = d
	return pay, nil
}

func collectPayments(rows pgx.Rows) ([]Payment, error) {
	defer rows.Close()
	var out []Payment
	for rows.Next() {
		pay, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		out = append(out, pay)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate payments: %w", err)
	}
	return out, nil
}

func (p *Postgres) Payments(ctx context.Context, listID uuid.UUID, filter PaymentFilter) ([]Payment, error) {
	if _, err := p.GetList(ctx, listID); err != nil {
		return nil, err
	}
	rows, err := p.pool.Query(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE list_id = $1 AND ($2::boolean IS NULL OR packed = $2)
		ORDER BY id
	`, listID, filter.Packed)
	if err != nil {
		return nil, fmt.Errorf("failed to query payments: %w", err)
	}
	return collectPayments(rows)
}

const envelopeColumns = `id, list_id, seq, payload, operations, sent, last_attempt, last_attempt_hash, created_at, sent_at`

func scanEnvelope(row pgx.Row) (Envelope, error) {
	var e Envelope
	if err := row.Scan(&e.ID, &e.ListID, &e.Seq, &e.Payload, &e.Operations, &e.Sent, &e.LastAttempt, &e.LastAttemptHash, &e.CreatedAt, &e.SentAt); err != nil {
		return Envelope{}, err
	}
	e.CreatedAt = e.CreatedAt.UTC()
	if e.SentAt != nil {
		t := e.SentAt.UTC()
		e.SentAt = &t
	}
	return e, nil
}

func (p *Postgres) Envelopes(ctx context.Context, listID uuid.UUID, filter EnvelopeFilter) ([]Envelope, error) {
	if _, err := p.GetList(ctx, listID); err != nil {
		return nil, err
	}
	rows, err := p.pool.Query(ctx, `
		SELECT `+envelopeColumns+` FROM envelopes
		WHERE list_id = $1 AND ($2::boolean IS NULL OR sent = $2)
		ORDER BY seq
	`, listID, filter.Sent)
	if err != nil {
		return nil, fmt.Errorf("failed to query envelopes: %w", err)
	}
	defer rows.Close()

	var out []Envelope
	for rows.Next() {
		e, err := scanEnvelope(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan envelope: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate envelopes: %w", err)
	}
	return out, nil
}

func (p *Postgres) CountUnpacked(ctx context.Context, listID uuid.UUID) (int, error) {
	if _, err := p.GetList(ctx, listID); err != nil {
		return 0, err
	}
	var n int
	err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM payments WHERE list_id = $1 AND NOT packed`, listID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count unpacked payments: %w", err)
	}
	return n, nil
}

func lockList(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, id.String()); err != nil {
		return fmt.Errorf("failed to lock distribution list: %w", err)
	}
	return nil
}

func insertEnvelope(ctx context.Context, tx pgx.Tx, listID uuid.UUID, built Built) (Envelope, error) {
	e, err := scanEnvelope(tx.QueryRow(ctx, `
		INSERT INTO envelopes (list_id, seq, payload, operations)
		VALUES ($1, (SELECT COALESCE(MAX(seq), 0) + 1 FROM envelopes WHERE list_id = $1), $2, $3)
		RETURNING `+envelopeColumns,
		listID, built.Payload, built.Operations))
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to insert envelope: %w", err)
	}
	return e, nil
}

func (p *Postgres) PackChunk(ctx context.Context, listID uuid.UUID, limit int, build BuildFunc) (PackResult, error) {
	if limit < 1 {
		return PackResult{}, fmt.Errorf("invalid chunk limit %d", limit)
	}
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return PackResult{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := p.ensureList(ctx, tx, listID); err != nil {
		return PackResult{}, err
	}
	if err := lockList(ctx, tx, listID); err != nil {
		return PackResult{}, err
	}

	rows, err := tx.Query(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE list_id = $1 AND NOT packed
		ORDER BY id
		LIMIT $2
		FOR UPDATE
	`, listID, limit)
	if err != nil {
		return PackResult{}, fmt.Errorf("failed to select unpacked payments: %w", err)
	}
	chunk, err := collectPayments(rows)
	if err != nil {
		return PackResult{}, err
	}
	if len(chunk) == 0 {
		return PackResult{}, nil
	}

	built, err := build(chunk)
	if err != nil {
		return PackResult{}, err
	}

	res := PackResult{Packed: len(chunk)}
	var envID *int64
	if built.Payload != nil {
		e, err := insertEnvelope(ctx, tx, listID, built)
		if err != nil {
			return PackResult{}, err
		}
		envID = &e.ID
		res.Envelope = &e
	}

	ids := make([]int64, len(chunk))
	for i, pay := range chunk {
		ids[i] = pay.ID
	}
	tag, err := tx.Exec(ctx, `UPDATE payments SET packed = TRUE, envelope_id = $2 WHERE id = ANY($1) AND NOT packed`, ids, envID)
	if err != nil {
		return PackResult{}, fmt.Errorf("failed to mark payments packed: %w", err)
	}
	if tag.RowsAffected() != int64(len(chunk)) {
		return PackResult{}, fmt.Errorf("packed %d of %d payments", tag.RowsAffected(), len(chunk))
	}

	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM payments WHERE list_id = $1 AND NOT packed`, listID).Scan(&res.Remaining); err != nil {
		return PackResult{}, fmt.Errorf("failed to count unpacked payments: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return PackResult{}, fmt.Errorf("failed to commit chunk: %w", err)
	}
	return res, nil
}

func (p *Postgres) AddEnvelope(ctx context.Context, listID uuid.UUID, built Built) (Envelope, error) {
	if built.Payload == nil {
		return Envelope{}, errors.New("empty envelope payload")
	}
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := p.ensureList(ctx, tx, listID); err != nil {
		return Envelope{}, err
	}
	if err := lockList(ctx, tx, listID); err != nil {
		return Envelope{}, err
	}
	e, err := insertEnvelope(ctx, tx, listID, built)
	if err != nil {
		return Envelope{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Envelope{}, fmt.Errorf("failed to commit envelope: %w", err)
	}
	return e, nil
}

func (p *Postgres) envelopeSent(ctx context.Context, id int64) (bool, error) {
	var sent bool
	err := p.pool.QueryRow(ctx, `SELECT sent FROM envelopes WHERE id = $1`, id).Scan(&sent)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to get envelope: %w", err)
	}
	return sent, nil
}

func (p *Postgres) SaveAttempt(ctx context.Context, envelopeID int64, payload []byte, hash string) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE envelopes SET last_attempt = $2, last_attempt_hash = $3
		WHERE id = $1 AND NOT sent
	`, envelopeID, payload, hash)
	if err != nil {
		return fmt.Errorf("failed to save attempt: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	sent, err := p.envelopeSent(ctx, envelopeID)
	if err != nil {
		return err
	}
	if sent {
		return ErrAlreadySent
	}
	return fmt.Errorf("failed to save attempt for envelope %d", envelopeID)
}

func (p *Postgres) MarkSent(ctx context.Context, envelopeID int64, at time.Time) error {
	tag, err := p.pool.Exec(ctx, `UPDATE envelopes SET sent = TRUE, sent_at = $2 WHERE id = $1 AND NOT sent`, envelopeID, at.UTC())
	if err != nil {
		return fmt.Errorf("failed to mark envelope sent: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	_, err = p.envelopeSent(ctx, envelopeID)
	return err
}
