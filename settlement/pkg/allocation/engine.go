// Package allocation computes proportional dividend shares and applies
// holder-declared redirection rules.
package allocation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/malbeclabs/payouts/ledger/pkg/amount"
	"github.com/malbeclabs/payouts/ledger/pkg/ledger"
	"github.com/shopspring/decimal"
)

// ErrInvariantViolation marks a per-holder problem that is skipped and
// reported as a warning while the run continues.
var ErrInvariantViolation = errors.New("allocation invariant violation")

// Allocation is one holder's share. FinalAmount starts equal to RawAmount and
// only differs after redirection.
type Allocation struct {
	AccountID   string
	BaseWeight  decimal.Decimal
	RawAmount   decimal.Decimal
	FinalAmount decimal.Decimal
	// Redirected is true for entries created by redirection buckets.
	Redirected bool
}

// Weighting assigns each holder the weight its share is proportional to.
type Weighting interface {
	Weights(ctx context.Context, holders []ledger.Holder) (map[string]decimal.Decimal, error)
}

type EngineConfig struct {
	Logger    *slog.Logger
	Weighting Weighting
	// Exclude lists accounts (issuer, treasury, blacklist) removed before the
	// denominator is computed.
	Exclude []string
	// MinAllocation drops dust shares from the output. Dropped holders still
	// count in the denominator.
	MinAllocation decimal.Decimal
}

func (cfg *EngineConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Weighting == nil {
		return errors.New("weighting is required")
	}
	if cfg.MinAllocation.IsNegative() {
		return errors.New("minimum allocation must not be negative")
	}
	return nil
}

type Engine struct {
	log     *slog.Logger
	cfg     EngineConfig
	exclude map[string]struct{}
}

func NewEngine(cfg EngineConfig) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	exclude := make(map[string]struct{}, len(cfg.Exclude))
	for _, a := range cfg.Exclude {
		exclude[a] = struct{}{}
	}
	return &Engine{
		log:     cfg.Logger,
		cfg:     cfg,
		exclude: exclude,
	}, nil
}

// Allocate splits total across holders proportionally to their weight.
// Results are ordered by weight descending, then account id, which is the
// insertion order payments are later packed in.
func (e *Engine) Allocate(ctx context.Context, holders []ledger.Holder, total decimal.Decimal) ([]Allocation, error) {
	if total.IsNegative() {
		return nil, fmt.Errorf("distributable amount must not be negative, got %s", total)
	}

	eligible := make([]ledger.Holder, 0, len(holders))
	seen := make(map[string]struct{}, len(holders))
	for _, h := range holders {
		if _, ok := e.exclude[h.AccountID]; ok {
			continue
		}
		if _, dup := seen[h.AccountID]; dup {
			e.log.Warn("allocation: duplicate holder in snapshot, ignoring repeat", "account", h.AccountID)
			continue
		}
		seen[h.AccountID] = struct{}{}
		eligible = append(eligible, h)
	}

	weights, err := e.cfg.Weighting.Weights(ctx, eligible)
	if err != nil {
		return nil, err
	}

	type weighted struct {
		account string
		weight  decimal.Decimal
	}
	rows := make([]weighted, 0, len(eligible))
	sum := decimal.Zero
	for _, h := range eligible {
		w, ok := weights[h.AccountID]
		if !ok || !w.IsPositive() {
			continue
		}
		rows = append(rows, weighted{account: h.AccountID, weight: w})
		sum = sum.Add(w)
	}
	if sum.IsZero() {
		e.log.Info("allocation: no holder carries weight", "holders", len(holders), "eligible", len(eligible))
		return nil, nil
	}

	sort.SliceStable(rows, func(i, j int) bool {
		if c := rows[i].weight.Cmp(rows[j].weight); c != 0 {
			return c > 0
		}
		return rows[i].account < rows[j].account
	})

	out := make([]Allocation, 0, len(rows))
	dropped := 0
	for _, r := range rows {
		share := amount.MulDiv(total, r.weight, sum)
		if share.IsZero() || share.LessThan(e.cfg.MinAllocation) {
			dropped++
			continue
		}
		out = append(out, Allocation{
			AccountID:   r.account,
			BaseWeight:  r.weight,
			RawAmount:   share,
			FinalAmount: share,
		})
	}

	e.log.Debug("allocation: computed shares",
		"holders", len(holders),
		"eligible", len(eligible),
		"weighted", len(rows),
		"allocated", len(out),
		"dropped_below_min", dropped,
		"total", amount.Format(total),
		"weight_sum", sum.String(),
	)
	return out, nil
}

// Total returns the sum of FinalAmount.
func Total(allocs []Allocation) decimal.Decimal {
	total := decimal.Zero
	for _, a := range allocs {
		total = total.Add(a.FinalAmount)
	}
	return total
}
