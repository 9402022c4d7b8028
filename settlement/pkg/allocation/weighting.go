package allocation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/payouts/ledger/pkg/amount"
	"github.com/malbeclabs/payouts/ledger/pkg/ledger"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// CurrentBalance weights holders by the sum of their current balances of
// Assets.
type CurrentBalance struct {
	Assets []ledger.Asset
}

func (w CurrentBalance) Weights(_ context.Context, holders []ledger.Holder) (map[string]decimal.Decimal, error) {
	if len(w.Assets) == 0 {
		return nil, errors.New("current balance weighting needs at least one asset")
	}
	out := make(map[string]decimal.Decimal, len(holders))
	for _, h := range holders {
		total := decimal.Zero
		for _, a := range w.Assets {
			total = total.Add(h.Balance(a))
		}
		out[h.AccountID] = total
	}
	return out, nil
}

const defaultHistoryConcurrency = 8

type TimeWeightedConfig struct {
	Logger  *slog.Logger
	Clock   clockwork.Clock
	History ledger.HistoryProvider
	Asset   ledger.Asset
	// Days is the length of the window ending at the start of the current UTC day.
	Days           int
	MaxConcurrency int
}

func (cfg *TimeWeightedConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.History == nil {
		return errors.New("history provider is required")
	}
	if cfg.Days <= 0 {
		return errors.New("days must be greater than 0")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = defaultHistoryConcurrency
	}
	return nil
}

// TimeWeighted weights holders by their average daily closing balance over
// a historical window, rewarding sustained holding.
type TimeWeighted struct {
	log *slog.Logger
	cfg TimeWeightedConfig
}

func NewTimeWeighted(cfg TimeWeightedConfig) (*TimeWeighted, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &TimeWeighted{log: cfg.Logger, cfg: cfg}, nil
}

// Window returns the date range the weighting replays.
func (w *TimeWeighted) Window() ledger.DateRange {
	now := w.cfg.Clock.Now().UTC()
	end := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return ledger.DateRange{From: end.AddDate(0, 0, -w.cfg.Days), To: end}
}

func (w *TimeWeighted) Weights(ctx context.Context, holders []ledger.Holder) (map[string]decimal.Decimal, error) {
	window := w.Window()
	results := make([]decimal.Decimal, len(holders))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.MaxConcurrency)
	for i, h := range holders {
		g.Go(func() error {
			events, err := w.cfg.History.GetHistory(gctx, w.cfg.Asset, h.AccountID, window)
			if err != nil {
				if errors.Is(err, ledger.ErrSnapshotUnavailable) {
					return err
				}
				return ledger.Unavailable(fmt.Sprintf("history of %s", h.AccountID), err)
			}
			results[i] = AverageHolding(events, window.From, w.cfg.Days)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[string]decimal.Decimal, len(holders))
	for i, h := range holders {
		out[h.AccountID] = results[i]
	}
	w.log.Debug("allocation: replayed balance history",
		"holders", len(holders), "from", window.From, "to", window.To, "asset", w.cfg.Asset.Key())
	return out, nil
}

// AverageHolding replays credit/debit events day by day starting at start
// and returns the mean end-of-day balance over days. Events dated before
// start form the opening balance. A balance that would go negative is
// clamped to zero.
func AverageHolding(events []ledger.Event, start time.Time, days int) decimal.Decimal {
	if days <= 0 {
		return decimal.Zero
	}
	sorted := make([]ledger.Event, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].At.Before(sorted[j].At) })

	balance := decimal.Zero
	cumulative := decimal.Zero
	next := 0
	for d := 0; d < days; d++ {
		dayEnd := start.AddDate(0, 0, d+1)
		for next < len(sorted) && sorted[next].At.Before(dayEnd) {
			balance = balance.Add(sorted[next].Amount)
			if balance.IsNegative() {
				balance = decimal.Zero
			}
			next++
		}
		cumulative = cumulative.Add(balance)
	}
	return amount.MulDiv(cumulative, decimal.NewFromInt(1), decimal.NewFromInt(int64(days)))
}
