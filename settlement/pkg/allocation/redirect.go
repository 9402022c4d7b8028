package allocation

import (
	"fmt"
	"log/slog"

	"github.com/malbeclabs/payouts/ledger/pkg/amount"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Resolver applies redirection rules to engine output.
type Resolver struct {
	log *slog.Logger
	// IsValidTarget, when set, rejects targets that could never be paid.
	IsValidTarget func(accountID string) bool
}

func NewResolver(log *slog.Logger) *Resolver {
	return &Resolver{log: log}
}

// Resolve moves Percent of each rule owner's RawAmount out of its
// FinalAmount into one bucket per target, merged across owners. A rule is
// applied only while the owner's FinalAmount stays non-negative. Buckets are
// appended as extra entries in first-seen order and are never redirected
// again, so redirection cannot cycle.
//
// The input slice is not modified.
func (r *Resolver) Resolve(allocs []Allocation, rules map[string][]Rule) ([]Allocation, []Warning) {
	out := make([]Allocation, len(allocs), len(allocs)+len(rules))
	copy(out, allocs)

	var warnings []Warning
	warn := func(account string, err error) {
		w := Warning{AccountID: account, Err: fmt.Errorf("%w: %w", ErrInvariantViolation, err)}
		warnings = append(warnings, w)
		r.log.Warn("allocation: skipped redirection", "account", account, "error", err)
	}

	buckets := make(map[string]decimal.Decimal)
	var order []string
	for i := range out {
		a := &out[i]
		for _, rule := range rules[a.AccountID] {
			switch {
			case !rule.Percent.IsPositive() || rule.Percent.GreaterThan(hundred):
				warn(a.AccountID, fmt.Errorf("percent %s out of range (0, 100]", rule.Percent))
				continue
			case rule.Target == a.AccountID:
				warn(a.AccountID, fmt.Errorf("redirection to self"))
				continue
			case r.IsValidTarget != nil && !r.IsValidTarget(rule.Target):
				warn(a.AccountID, fmt.Errorf("invalid redirection target %q", rule.Target))
				continue
			}

			moved := amount.Percent(a.RawAmount, rule.Percent)
			if moved.IsZero() {
				continue
			}
			remaining := a.FinalAmount.Sub(moved)
			if remaining.IsNegative() {
				warn(a.AccountID, fmt.Errorf("redirecting %s to %s would leave %s",
					amount.Format(moved), rule.Target, amount.Format(remaining)))
				continue
			}
			a.FinalAmount = remaining
			if _, ok := buckets[rule.Target]; !ok {
				order = append(order, rule.Target)
			}
			buckets[rule.Target] = buckets[rule.Target].Add(moved)
		}
	}

	for _, target := range order {
		out = append(out, Allocation{
			AccountID:   target,
			BaseWeight:  decimal.Zero,
			RawAmount:   decimal.Zero,
			FinalAmount: buckets[target],
			Redirected:  true,
		})
	}

	if len(order) > 0 {
		r.log.Debug("allocation: applied redirections", "targets", len(order), "warnings", len(warnings))
	}
	return out, warnings
}
