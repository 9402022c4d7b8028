package governance

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/shopspring/decimal"
)

const (
	DefaultBudget      = 100
	DefaultMaxSigners  = 20
	DefaultTargetShare = 0.25
	DefaultBandLow     = 0.20
	DefaultBandHigh    = 0.30

	// maxSignerWeight is the largest weight a ledger signer can carry.
	maxSignerWeight = 255
)

// Policy selects how the approval threshold is derived from total weight.
type Policy int

const (
	PolicyMajority Policy = iota
	PolicyTwoThirds
)

func (p Policy) String() string {
	switch p {
	case PolicyMajority:
		return "majority"
	case PolicyTwoThirds:
		return "two_thirds"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "majority", "":
		return PolicyMajority, nil
	case "two_thirds", "2/3":
		return PolicyTwoThirds, nil
	}
	return 0, fmt.Errorf("unknown threshold policy %q", s)
}

// Threshold returns the minimum weight needed to approve under p. An empty
// signer set has threshold 0.
func Threshold(total uint32, p Policy) uint32 {
	if total == 0 {
		return 0
	}
	switch p {
	case PolicyTwoThirds:
		return (2*total + 2) / 3
	default:
		return total/2 + 1
	}
}

type NormalizerConfig struct {
	Logger *slog.Logger
	// MinBalance is the effective balance below which a holder gets no weight.
	MinBalance decimal.Decimal
	Budget     int
	MaxSigners int
	// TargetShare is where the largest holder's share is pulled to when it
	// exceeds BandHigh.
	TargetShare float64
	BandLow     float64
	BandHigh    float64
}

func (cfg *NormalizerConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.MinBalance.IsNegative() {
		return errors.New("min balance must not be negative")
	}
	if cfg.Budget == 0 {
		cfg.Budget = DefaultBudget
	}
	if cfg.Budget < 1 || cfg.Budget > maxSignerWeight {
		return fmt.Errorf("budget must be between 1 and %d", maxSignerWeight)
	}
	if cfg.MaxSigners == 0 {
		cfg.MaxSigners = DefaultMaxSigners
	}
	if cfg.MaxSigners < 1 {
		return errors.New("max signers must be positive")
	}
	if cfg.TargetShare == 0 {
		cfg.TargetShare = DefaultTargetShare
	}
	if cfg.BandLow == 0 && cfg.BandHigh == 0 {
		cfg.BandLow, cfg.BandHigh = DefaultBandLow, DefaultBandHigh
	}
	if cfg.BandLow <= 0 || cfg.BandHigh >= 1 || cfg.BandLow > cfg.BandHigh {
		return errors.New("band must satisfy 0 < low <= high < 1")
	}
	if cfg.TargetShare < cfg.BandLow || cfg.TargetShare > cfg.BandHigh {
		return errors.New("target share must lie inside the band")
	}
	return nil
}

// Normalized is the outcome of one normalization run.
type Normalized struct {
	// Holders carries every input holder with Weight set, ineligible ones at
	// zero, ordered by weight, prior weight, effective balance, then account.
	Holders      []ShareHolder
	TotalWeight  uint32
	LargestShare float64
	// Deviates is set when the largest share ended outside the band.
	Deviates bool
}

func (n Normalized) Threshold(p Policy) uint32 {
	return Threshold(n.TotalWeight, p)
}

// Weights returns the non-zero weights keyed by account.
func (n Normalized) Weights() map[string]uint32 {
	out := make(map[string]uint32)
	for _, h := range n.Holders {
		if h.Weight > 0 {
			out[h.AccountID] = h.Weight
		}
	}
	return out
}

type Normalizer struct {
	log *slog.Logger
	cfg NormalizerConfig
}

func NewNormalizer(cfg NormalizerConfig) (*Normalizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Normalizer{log: cfg.Logger, cfg: cfg}, nil
}

// Normalize assigns integer weights summing exactly to the budget across the
// top eligible holders. When the largest share exceeds the band every share
// is raised to a power k in [0, 1), flattening the distribution while keeping
// the order of holders. The result only approximates the target share.
func (n *Normalizer) Normalize(holders []ShareHolder) Normalized {
	out := make([]ShareHolder, len(holders))
	copy(out, holders)
	for i := range out {
		out[i].Weight = 0
	}

	eligible := make([]int, 0, len(out))
	for i, h := range out {
		if h.Delegate != "" || !h.Effective.IsPositive() || h.Effective.LessThan(n.cfg.MinBalance) {
			continue
		}
		eligible = append(eligible, i)
	}
	sort.SliceStable(eligible, func(a, b int) bool {
		ha, hb := out[eligible[a]], out[eligible[b]]
		if c := ha.Effective.Cmp(hb.Effective); c != 0 {
			return c > 0
		}
		return ha.AccountID < hb.AccountID
	})
	if len(eligible) > n.cfg.MaxSigners {
		n.log.Debug("governance: truncating signer set", "eligible", len(eligible), "max", n.cfg.MaxSigners)
		eligible = eligible[:n.cfg.MaxSigners]
	}

	res := Normalized{}
	if len(eligible) > 0 {
		total := decimal.Zero
		for _, i := range eligible {
			total = total.Add(out[i].Effective)
		}
		shares := make([]float64, len(eligible))
		for j, i := range eligible {
			shares[j] = out[i].Effective.Div(total).InexactFloat64()
		}

		values := shares
		if sMax := shares[0]; sMax > n.cfg.BandHigh && len(shares) > 1 {
			k := exponent(sMax, n.cfg.TargetShare, len(shares))
			values = make([]float64, len(shares))
			for j, s := range shares {
				values[j] = math.Pow(s, k)
			}
			n.log.Debug("governance: compressing shares", "largest_share", sMax, "exponent", k)
		}

		weights := apportion(values, n.cfg.Budget)
		var largest uint32
		for j, i := range eligible {
			out[i].Weight = weights[j]
			res.TotalWeight += weights[j]
			if weights[j] > largest {
				largest = weights[j]
			}
		}
		res.LargestShare = float64(largest) / float64(res.TotalWeight)
		compressed := shares[0] > n.cfg.BandHigh
		if res.LargestShare > n.cfg.BandHigh || (compressed && res.LargestShare < n.cfg.BandLow) {
			res.Deviates = true
			n.log.Warn("governance: largest share outside band",
				"largest_share", res.LargestShare,
				"band_low", n.cfg.BandLow,
				"band_high", n.cfg.BandHigh,
				"signers", len(eligible),
			)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Weight != b.Weight {
			return a.Weight > b.Weight
		}
		if a.PriorWeight != b.PriorWeight {
			return a.PriorWeight > b.PriorWeight
		}
		if c := a.Balance.Cmp(b.Balance); c != 0 {
			return c > 0
		}
		return a.AccountID < b.AccountID
	})
	res.Holders = out
	return res
}

// exponent picks k so that, treating the other holders as average sized,
// sMax^k / (n * (1/n)^k) equals target. That gives
// k = ln(n*target) / ln(n*sMax). With too few holders for the target to be
// reachable k is 0 and every signer gets an equal share.
func exponent(sMax, target float64, n int) float64 {
	num := math.Log(float64(n) * target)
	den := math.Log(float64(n) * sMax)
	if num <= 0 || den <= 0 {
		return 0
	}
	k := num / den
	if k > 1 {
		return 1
	}
	return k
}

// apportion splits budget units across values by largest remainder. The
// result sums to budget whenever any value is positive. Remainder ties go to
// the earlier index.
func apportion(values []float64, budget int) []uint32 {
	out := make([]uint32, len(values))
	var sum float64
	for _, v := range values {
		sum += v
	}
	if sum <= 0 {
		return out
	}

	type rem struct {
		idx  int
		frac float64
	}
	rems := make([]rem, len(values))
	assigned := 0
	for i, v := range values {
		q := float64(budget) * v / sum
		f := math.Floor(q)
		out[i] = uint32(f)
		assigned += int(f)
		rems[i] = rem{idx: i, frac: q - f}
	}
	sort.SliceStable(rems, func(a, b int) bool { return rems[a].frac > rems[b].frac })
	for i := 0; assigned < budget; i = (i + 1) % len(rems) {
		out[rems[i].idx]++
		assigned++
	}
	return out
}
