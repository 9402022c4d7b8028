package allocation

import (
	"fmt"
	"sort"
	"strings"

	"github.com/malbeclabs/payouts/ledger/pkg/ledger"
	"github.com/shopspring/decimal"
)

// DefaultDonatePrefix is the data entry key prefix that declares a donation rule.
const DefaultDonatePrefix = "mtl_donate"

// Rule moves Percent of a holder's raw allocation to Target.
type Rule struct {
	Target  string
	Percent decimal.Decimal
}

// Warning records a skipped rule or redirection.
type Warning struct {
	AccountID string
	Err       error
}

func (w Warning) Error() string {
	return fmt.Sprintf("%s: %v", w.AccountID, w.Err)
}

func (w Warning) Unwrap() error {
	return w.Err
}

// ParseRules reads donation rules from holders' data entries. Each entry whose
// key starts with prefix holds "<ACCOUNT>=<percent>". Entries are read in key
// order so the result is deterministic.
func ParseRules(holders []ledger.Holder, prefix string) (map[string][]Rule, []Warning) {
	if prefix == "" {
		prefix = DefaultDonatePrefix
	}
	rules := make(map[string][]Rule)
	var warnings []Warning
	for _, h := range holders {
		keys := make([]string, 0, len(h.Data))
		for k := range h.Data {
			if strings.HasPrefix(k, prefix) {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			r, err := parseRule(h.Data[k])
			if err != nil {
				warnings = append(warnings, Warning{
					AccountID: h.AccountID,
					Err:       fmt.Errorf("%w: data entry %q: %w", ErrInvariantViolation, k, err),
				})
				continue
			}
			rules[h.AccountID] = append(rules[h.AccountID], r)
		}
	}
	return rules, warnings
}

func parseRule(v string) (Rule, error) {
	target, pct, ok := strings.Cut(strings.TrimSpace(v), "=")
	if !ok {
		return Rule{}, fmt.Errorf("expected <account>=<percent>, got %q", v)
	}
	target = strings.TrimSpace(target)
	if target == "" {
		return Rule{}, fmt.Errorf("empty target in %q", v)
	}
	p, err := decimal.NewFromString(strings.TrimSuffix(strings.TrimSpace(pct), "%"))
	if err != nil {
		return Rule{}, fmt.Errorf("invalid percent in %q: %w", v, err)
	}
	return Rule{Target: target, Percent: p}, nil
}
