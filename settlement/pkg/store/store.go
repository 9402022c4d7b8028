// Package store persists distribution lists, their payments and the
// envelopes built from them. The packed and sent flags it keeps are the only
// state settlement needs to resume after a restart.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/malbeclabs/payouts/ledger/pkg/ledger"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrAlreadySent = errors.New("envelope already sent")
)

// ListTypeGovernance tags lists that carry a signer update and no payments.
const ListTypeGovernance = "governance"

// DistributionList is one allocation run.
type DistributionList struct {
	ID        uuid.UUID       `json:"id"`
	Type      string          `json:"type"`
	Memo      string          `json:"memo"`
	Source    string          `json:"source"`
	Asset     ledger.Asset    `json:"asset"`
	Total     decimal.Decimal `json:"total"`
	CreatedAt time.Time       `json:"created_at"`
}

// Payment is one recipient's final amount within a list. Packed only moves
// from false to true.
type Payment struct {
	ID         int64           `json:"id"`
	ListID     uuid.UUID       `json:"list_id"`
	AccountID  string          `json:"account_id"`
	Amount     decimal.Decimal `json:"amount"`
	Redirected bool            `json:"redirected"`
	Packed     bool            `json:"packed"`
	EnvelopeID *int64          `json:"envelope_id,omitempty"`
}

// NewPayment is a payment to be inserted with a list.
type NewPayment struct {
	AccountID  string
	Amount     decimal.Decimal
	Redirected bool
}

// Envelope is a built transaction. Payload is the envelope as built;
// LastAttempt is the most recent re-sequenced form handed to the submitter.
// Sent only moves from false to true.
type Envelope struct {
	ID              int64      `json:"id"`
	ListID          uuid.UUID  `json:"list_id"`
	Seq             int        `json:"seq"`
	Payload         []byte     `json:"payload"`
	Operations      int        `json:"operations"`
	Sent            bool       `json:"sent"`
	LastAttempt     []byte     `json:"last_attempt,omitempty"`
	LastAttemptHash string     `json:"last_attempt_hash,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	SentAt          *time.Time `json:"sent_at,omitempty"`
}

// Built is what a BuildFunc returns. A nil Payload packs the chunk without
// creating an envelope.
type Built struct {
	Payload    []byte
	Operations int
}

// BuildFunc turns a chunk of unpacked payments into an envelope.
type BuildFunc func(chunk []Payment) (Built, error)

// PackResult reports one PackChunk call.
type PackResult struct {
	Packed    int
	Envelope  *Envelope
	Remaining int
}

type PaymentFilter struct {
	Packed *bool
}

type EnvelopeFilter struct {
	Sent *bool
}

// Bool returns a pointer to v, for filters.
func Bool(v bool) *bool {
	return &v
}

type Store interface {
	// CreateList inserts a list and its payments atomically, in order.
	CreateList(ctx context.Context, list DistributionList, payments []NewPayment) error
	GetList(ctx context.Context, id uuid.UUID) (DistributionList, error)
	Lists(ctx context.Context, limit int) ([]DistributionList, error)
	Payments(ctx context.Context, listID uuid.UUID, filter PaymentFilter) ([]Payment, error)
	Envelopes(ctx context.Context, listID uuid.UUID, filter EnvelopeFilter) ([]Envelope, error)
	CountUnpacked(ctx context.Context, listID uuid.UUID) (int, error)

	// PackChunk takes up to limit unpacked payments in insertion order, calls
	// build, stores the resulting envelope and marks the payments packed, all
	// or nothing. When build fails nothing changes.
	PackChunk(ctx context.Context, listID uuid.UUID, limit int, build BuildFunc) (PackResult, error)
	// AddEnvelope stores an envelope that is not backed by payments.
	AddEnvelope(ctx context.Context, listID uuid.UUID, built Built) (Envelope, error)

	// SaveAttempt records the payload about to be submitted for an unsent
	// envelope.
	SaveAttempt(ctx context.Context, envelopeID int64, payload []byte, hash string) error
	// MarkSent flips the sent flag. Marking a sent envelope again is a no-op.
	MarkSent(ctx context.Context, envelopeID int64, at time.Time) error
}
