// Package batch turns payments and signer weight changes into envelopes
// bounded by an operation cap.
package batch

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/malbeclabs/payouts/ledger/pkg/amount"
	"github.com/malbeclabs/payouts/ledger/pkg/envelope"
	"github.com/malbeclabs/payouts/ledger/pkg/ledger"
	"github.com/malbeclabs/payouts/ledger/pkg/strkey"
	"github.com/malbeclabs/payouts/settlement/pkg/governance"
	"github.com/shopspring/decimal"
)

type Config struct {
	Logger *slog.Logger
	// MaxOperations caps operations per envelope. Defaults to the ledger limit.
	MaxOperations int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.MaxOperations == 0 {
		cfg.MaxOperations = envelope.MaxOperations
	}
	if cfg.MaxOperations < 1 || cfg.MaxOperations > envelope.MaxOperations {
		return fmt.Errorf("max operations must be between 1 and %d", envelope.MaxOperations)
	}
	return nil
}

type Builder struct {
	log *slog.Logger
	cfg Config
}

func NewBuilder(cfg Config) (*Builder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Builder{log: cfg.Logger, cfg: cfg}, nil
}

// MaxOperations is the operation cap this builder enforces.
func (b *Builder) MaxOperations() int {
	return b.cfg.MaxOperations
}

// Item is one payment to place into an envelope.
type Item struct {
	Destination string
	Amount      decimal.Decimal
}

// Payments builds one envelope paying asset from source to every item with a
// positive amount, in order. Zero amounts emit no operation. When no item is
// positive the returned envelope is nil. The sequence number is left at zero;
// it is assigned at submission.
func (b *Builder) Payments(source string, asset ledger.Asset, memo string, items []Item) (*envelope.Envelope, error) {
	if len(items) > b.cfg.MaxOperations {
		return nil, fmt.Errorf("%w: %d payments, cap %d", envelope.ErrTooManyOperations, len(items), b.cfg.MaxOperations)
	}
	ops := make([]envelope.Operation, 0, len(items))
	for _, it := range items {
		if it.Amount.IsNegative() {
			return nil, fmt.Errorf("negative payment to %s: %s", it.Destination, amount.Format(it.Amount))
		}
		if it.Amount.IsZero() {
			continue
		}
		if !strkey.IsValidAccountID(it.Destination) {
			return nil, fmt.Errorf("invalid destination %q", it.Destination)
		}
		stroops, err := amount.ToStroops(it.Amount)
		if err != nil {
			return nil, fmt.Errorf("failed to convert payment to %s: %w", it.Destination, err)
		}
		ops = append(ops, &envelope.Payment{
			Destination: it.Destination,
			Asset:       asset,
			Amount:      stroops,
		})
	}
	if len(ops) == 0 {
		b.log.Debug("batch: no positive payments in chunk", "items", len(items))
		return nil, nil
	}
	return envelope.New(source, 0, memo, ops), nil
}

// SignerPlan is the outcome of a signer update.
type SignerPlan struct {
	Envelope *envelope.Envelope
	// Changes lists signers whose weight changes, in operation order.
	Changes   []envelope.Signer
	Threshold uint32
	// NoOp is set when the eligible set was empty. The envelope then carries
	// only a zero threshold update and must not be submitted.
	NoOp bool
}

// SignerUpdate emits one signer change per holder whose calculated weight
// differs from current, then a threshold update setting the low, medium and
// high thresholds to the threshold derived under policy.
func (b *Builder) SignerUpdate(account, memo string, current map[string]uint32, weights governance.Normalized, policy governance.Policy) (SignerPlan, error) {
	threshold := weights.Threshold(policy)
	plan := SignerPlan{Threshold: threshold}

	if weights.TotalWeight > 0 {
		seen := make(map[string]struct{}, len(weights.Holders))
		for _, h := range weights.Holders {
			seen[h.AccountID] = struct{}{}
			if h.AccountID == account {
				continue
			}
			if current[h.AccountID] != h.Weight {
				plan.Changes = append(plan.Changes, envelope.Signer{Key: h.AccountID, Weight: h.Weight})
			}
		}
		var stale []string
		for key, w := range current {
			if _, ok := seen[key]; !ok && w > 0 && key != account {
				stale = append(stale, key)
			}
		}
		sort.Strings(stale)
		for _, key := range stale {
			plan.Changes = append(plan.Changes, envelope.Signer{Key: key, Weight: 0})
		}
	} else {
		plan.NoOp = true
	}

	if n := len(plan.Changes) + 1; n > b.cfg.MaxOperations {
		return SignerPlan{}, fmt.Errorf("%w: %d signer changes, cap %d", envelope.ErrTooManyOperations, len(plan.Changes), b.cfg.MaxOperations)
	}

	ops := make([]envelope.Operation, 0, len(plan.Changes)+1)
	for _, c := range plan.Changes {
		if !strkey.IsValidAccountID(c.Key) {
			return SignerPlan{}, fmt.Errorf("invalid signer key %q", c.Key)
		}
		ops = append(ops, &envelope.SetOptions{Signer: &envelope.Signer{Key: c.Key, Weight: c.Weight}})
	}
	ops = append(ops, &envelope.SetOptions{
		LowThreshold:  envelope.Uint32(threshold),
		MedThreshold:  envelope.Uint32(threshold),
		HighThreshold: envelope.Uint32(threshold),
	})
	plan.Envelope = envelope.New(account, 0, memo, ops)

	b.log.Debug("batch: built signer update",
		"account", account,
		"changes", len(plan.Changes),
		"threshold", threshold,
		"policy", policy.String(),
		"noop", plan.NoOp,
	)
	return plan, nil
}
