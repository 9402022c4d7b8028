package settle

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/malbeclabs/payouts/ledger/pkg/amount"
	"github.com/malbeclabs/payouts/ledger/pkg/ledger"
	"github.com/malbeclabs/payouts/ledger/pkg/strkey"
	"github.com/malbeclabs/payouts/settlement/pkg/allocation"
	"github.com/malbeclabs/payouts/settlement/pkg/metrics"
	"github.com/malbeclabs/payouts/settlement/pkg/store"
	"github.com/shopspring/decimal"
)

// Distribution is the result of CreateDistribution.
type Distribution struct {
	List     store.DistributionList
	Payments []store.NewPayment
	Warnings []allocation.Warning
}

// CreateDistribution snapshots holders, computes and redirects allocations
// and persists the list with its payments. A zero total distributes the
// source account's whole balance of the pay asset. Any collaborator failure
// aborts the run before anything is written.
func (s *Settler) CreateDistribution(ctx context.Context, dt DistributionType, total decimal.Decimal) (dist Distribution, err error) {
	defer func() { metrics.RecordDistribution(dt.Name, err) }()

	if s.cfg.Snapshot == nil {
		return Distribution{}, errors.New("snapshot provider is required")
	}
	if err := dt.Validate(); err != nil {
		return Distribution{}, fmt.Errorf("invalid distribution type %q: %w", dt.Name, err)
	}
	if total.IsNegative() {
		return Distribution{}, fmt.Errorf("negative total %s", amount.Format(total))
	}

	holders, err := s.cfg.Snapshot.ListHolders(ctx, dt.HolderAsset)
	if err != nil {
		return Distribution{}, unavailable("list holders", err)
	}
	source, err := s.cfg.Snapshot.GetAccount(ctx, dt.Source)
	if err != nil {
		return Distribution{}, unavailable("get source account", err)
	}
	available := source.Balance(dt.PayAsset)
	if total.IsZero() {
		total = amount.Truncate(available)
	}

	weighting, err := s.weighting(dt)
	if err != nil {
		return Distribution{}, err
	}
	engine, err := allocation.NewEngine(allocation.EngineConfig{
		Logger:        s.log,
		Weighting:     weighting,
		Exclude:       append([]string{dt.Source}, dt.Exclude...),
		MinAllocation: dt.MinAllocationAmount(),
	})
	if err != nil {
		return Distribution{}, fmt.Errorf("failed to create allocation engine: %w", err)
	}
	allocs, err := engine.Allocate(ctx, holders, total)
	if err != nil {
		return Distribution{}, fmt.Errorf("failed to allocate: %w", err)
	}

	var warnings []allocation.Warning
	if !dt.NoRedirect {
		prefix := dt.DonatePrefix
		if prefix == "" {
			prefix = allocation.DefaultDonatePrefix
		}
		rules, ruleWarnings := allocation.ParseRules(holders, prefix)
		var redirectWarnings []allocation.Warning
		resolver := allocation.NewResolver(s.log)
		resolver.IsValidTarget = strkey.IsValidAccountID
		allocs, redirectWarnings = resolver.Resolve(allocs, rules)
		warnings = append(ruleWarnings, redirectWarnings...)
		metrics.RedirectionWarningsTotal.Add(float64(len(warnings)))
	}

	sum := allocation.Total(allocs)
	if sum.GreaterThan(available) {
		return Distribution{}, fmt.Errorf("%w: need %s, source %s holds %s", ErrInsufficientDistributable,
			amount.Format(sum), dt.Source, amount.Format(available))
	}

	now := s.cfg.Clock.Now().UTC()
	list := store.DistributionList{
		ID:        uuid.New(),
		Type:      dt.Name,
		Memo:      dt.MemoAt(now),
		Source:    dt.Source,
		Asset:     dt.PayAsset,
		Total:     sum,
		CreatedAt: now,
	}
	payments := make([]store.NewPayment, len(allocs))
	for i, a := range allocs {
		payments[i] = store.NewPayment{AccountID: a.AccountID, Amount: a.FinalAmount, Redirected: a.Redirected}
	}
	if err := s.cfg.Store.CreateList(ctx, list, payments); err != nil {
		return Distribution{}, fmt.Errorf("failed to persist distribution list: %w", err)
	}

	s.log.Info("settle: created distribution",
		"list", list.ID,
		"type", dt.Name,
		"holders", len(holders),
		"payments", len(payments),
		"total", amount.Format(sum),
		"warnings", len(warnings),
	)
	for _, w := range warnings {
		s.log.Warn("settle: redirection skipped", "account", w.AccountID, "error", w.Err)
	}
	return Distribution{List: list, Payments: payments, Warnings: warnings}, nil
}

func (s *Settler) weighting(dt DistributionType) (allocation.Weighting, error) {
	switch dt.Weighting {
	case WeightingTimeWeighted:
		if s.cfg.History == nil {
			return nil, errors.New("history provider is required for time weighted distributions")
		}
		tw, err := allocation.NewTimeWeighted(allocation.TimeWeightedConfig{
			Logger:         s.log,
			Clock:          s.cfg.Clock,
			History:        s.cfg.History,
			Asset:          dt.HolderAsset,
			Days:           dt.Days,
			MaxConcurrency: s.cfg.FetchConcurrency,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create time weighted allocation: %w", err)
		}
		return tw, nil
	default:
		return allocation.CurrentBalance{Assets: []ledger.Asset{dt.HolderAsset}}, nil
	}
}

// unavailable wraps collaborator failures that are not already classified.
func unavailable(op string, err error) error {
	if errors.Is(err, ledger.ErrSnapshotUnavailable) {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	return ledger.Unavailable(op, err)
}

// mergeHolders combines per-asset holder lists into one record per account,
// ordered by account id.
func mergeHolders(lists ...[]ledger.Holder) []ledger.Holder {
	byID := make(map[string]*ledger.Holder)
	for _, hs := range lists {
		for _, h := range hs {
			m, ok := byID[h.AccountID]
			if !ok {
				m = &ledger.Holder{
					AccountID: h.AccountID,
					Balances:  make(map[string]decimal.Decimal),
					Data:      make(map[string]string),
				}
				byID[h.AccountID] = m
			}
			for k, v := range h.Balances {
				m.Balances[k] = v
			}
			for k, v := range h.Data {
				m.Data[k] = v
			}
		}
	}
	out := make([]ledger.Holder, 0, len(byID))
	for _, h := range byID {
		out = append(out, *h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}
