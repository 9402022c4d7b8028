package governance

import (
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/malbeclabs/payouts/ledger/pkg/amount"
	payoutstesting "github.com/malbeclabs/payouts/utils/pkg/testing"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func eligible(id, effective string) ShareHolder {
	d := amount.MustParse(effective)
	return ShareHolder{AccountID: id, Balance: d, Effective: d, DelegatedIn: decimal.Zero}
}

func newNormalizer(t *testing.T, cfg NormalizerConfig) *Normalizer {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = payoutstesting.NewLogger()
	}
	n, err := NewNormalizer(cfg)
	require.NoError(t, err)
	return n
}

func weightsOf(n Normalized) map[string]uint32 {
	out := make(map[string]uint32, len(n.Holders))
	for _, h := range n.Holders {
		out[h.AccountID] = h.Weight
	}
	return out
}

func TestPayouts_Governance_NormalizerConfig_Validate(t *testing.T) {
	t.Parallel()

	t.Run("fills defaults", func(t *testing.T) {
		t.Parallel()
		cfg := NormalizerConfig{Logger: payoutstesting.NewLogger()}
		require.NoError(t, cfg.Validate())
		require.Equal(t, DefaultBudget, cfg.Budget)
		require.Equal(t, DefaultMaxSigners, cfg.MaxSigners)
		require.Equal(t, DefaultTargetShare, cfg.TargetShare)
	})

	t.Run("rejects budget above signer weight range", func(t *testing.T) {
		t.Parallel()
		cfg := NormalizerConfig{Logger: payoutstesting.NewLogger(), Budget: 256}
		require.Error(t, cfg.Validate())
	})

	t.Run("rejects target outside band", func(t *testing.T) {
		t.Parallel()
		cfg := NormalizerConfig{Logger: payoutstesting.NewLogger(), TargetShare: 0.5}
		require.Error(t, cfg.Validate())
	})
}

func TestPayouts_Governance_Normalize(t *testing.T) {
	t.Parallel()

	t.Run("equal holders split the budget", func(t *testing.T) {
		t.Parallel()
		res := newNormalizer(t, NormalizerConfig{}).Normalize([]ShareHolder{
			eligible("GA", "10"), eligible("GB", "10"), eligible("GC", "10"), eligible("GD", "10"),
		})
		require.Equal(t, uint32(100), res.TotalWeight)
		for _, w := range weightsOf(res) {
			require.Equal(t, uint32(25), w)
		}
		require.False(t, res.Deviates)
	})

	t.Run("single holder takes the whole budget", func(t *testing.T) {
		t.Parallel()
		res := newNormalizer(t, NormalizerConfig{}).Normalize([]ShareHolder{eligible("GA", "10")})
		require.Equal(t, uint32(100), res.Holders[0].Weight)
		require.Equal(t, 1.0, res.LargestShare)
		require.True(t, res.Deviates)
	})

	t.Run("compresses a dominant holder into the band", func(t *testing.T) {
		t.Parallel()
		holders := []ShareHolder{eligible("GBIG", "550")}
		for i := range 9 {
			holders = append(holders, eligible(fmt.Sprintf("GS%d", i), "50"))
		}
		res := newNormalizer(t, NormalizerConfig{}).Normalize(holders)
		require.Equal(t, uint32(100), res.TotalWeight)
		require.Equal(t, "GBIG", res.Holders[0].AccountID)
		big := res.Holders[0].Weight
		require.GreaterOrEqual(t, big, uint32(20))
		require.LessOrEqual(t, big, uint32(30))
		for _, h := range res.Holders[1:] {
			require.LessOrEqual(t, h.Weight, big)
			require.Positive(t, h.Weight)
		}
		require.False(t, res.Deviates)
	})

	t.Run("too few holders flattens to equal weights and logs deviation", func(t *testing.T) {
		t.Parallel()
		res := newNormalizer(t, NormalizerConfig{}).Normalize([]ShareHolder{
			eligible("GA", "50"), eligible("GB", "30"), eligible("GC", "20"),
		})
		w := weightsOf(res)
		require.Equal(t, uint32(34), w["GA"])
		require.Equal(t, uint32(33), w["GB"])
		require.Equal(t, uint32(33), w["GC"])
		require.True(t, res.Deviates)
	})

	t.Run("keeps ineligible and stale signers at zero", func(t *testing.T) {
		t.Parallel()
		delegated := eligible("GDEL", "40")
		delegated.Delegate = "GA"
		delegated.Effective = decimal.Zero
		stale := ShareHolder{AccountID: "GSTALE", Balance: decimal.Zero, Effective: decimal.Zero, PriorWeight: 9}
		small := eligible("GSMALL", "0.5")

		res := newNormalizer(t, NormalizerConfig{MinBalance: amount.MustParse("1")}).Normalize([]ShareHolder{
			eligible("GA", "60"), eligible("GB", "60"), delegated, stale, small,
		})
		require.Len(t, res.Holders, 5)
		w := weightsOf(res)
		require.Equal(t, uint32(50), w["GA"])
		require.Equal(t, uint32(50), w["GB"])
		require.Zero(t, w["GDEL"])
		require.Zero(t, w["GSTALE"])
		require.Zero(t, w["GSMALL"])
		// Zero weight entries order by prior weight first.
		require.Equal(t, "GSTALE", res.Holders[2].AccountID)
		require.Equal(t, map[string]uint32{"GA": 50, "GB": 50}, res.Weights())
	})

	t.Run("truncates to max signers", func(t *testing.T) {
		t.Parallel()
		var holders []ShareHolder
		for i := range 25 {
			holders = append(holders, eligible(fmt.Sprintf("G%02d", i), "10"))
		}
		res := newNormalizer(t, NormalizerConfig{}).Normalize(holders)
		require.Len(t, res.Holders, 25)
		require.Len(t, res.Weights(), DefaultMaxSigners)
		for _, w := range res.Weights() {
			require.Equal(t, uint32(5), w)
		}
		// Equal balances keep the lowest account ids.
		require.Contains(t, res.Weights(), "G00")
		require.NotContains(t, res.Weights(), "G24")
	})

	t.Run("breaks weight ties by prior weight", func(t *testing.T) {
		t.Parallel()
		a := eligible("GA", "10")
		b := eligible("GB", "10")
		b.PriorWeight = 4
		res := newNormalizer(t, NormalizerConfig{}).Normalize([]ShareHolder{a, b})
		require.Equal(t, "GB", res.Holders[0].AccountID)
		require.Equal(t, "GA", res.Holders[1].AccountID)
	})

	t.Run("breaks remaining ties by raw balance", func(t *testing.T) {
		t.Parallel()
		a := eligible("GA", "10")
		a.Balance = amount.MustParse("4")
		a.DelegatedIn = amount.MustParse("6")
		b := eligible("GB", "10")
		res := newNormalizer(t, NormalizerConfig{}).Normalize([]ShareHolder{a, b})
		require.Equal(t, res.Holders[0].Weight, res.Holders[1].Weight)
		require.Equal(t, "GB", res.Holders[0].AccountID)
		require.Equal(t, "GA", res.Holders[1].AccountID)
	})

	t.Run("empty input has zero threshold", func(t *testing.T) {
		t.Parallel()
		res := newNormalizer(t, NormalizerConfig{}).Normalize(nil)
		require.Zero(t, res.TotalWeight)
		require.Zero(t, res.Threshold(PolicyMajority))
		require.Zero(t, res.Threshold(PolicyTwoThirds))
	})

	t.Run("weights always sum to budget", func(t *testing.T) {
		t.Parallel()
		n := newNormalizer(t, NormalizerConfig{})
		for seed := range uint64(30) {
			rng := rand.New(rand.NewPCG(seed, 7))
			var holders []ShareHolder
			for i := range 1 + rng.IntN(40) {
				holders = append(holders, eligible(fmt.Sprintf("G%03d", i), fmt.Sprintf("%d.%d", 1+rng.IntN(100000), rng.IntN(10))))
			}
			res := n.Normalize(holders)
			require.Equal(t, uint32(DefaultBudget), res.TotalWeight, "seed %d", seed)
		}
	})
}

func TestPayouts_Governance_Threshold(t *testing.T) {
	t.Parallel()

	cases := []struct {
		total uint32
		p     Policy
		want  uint32
	}{
		{0, PolicyMajority, 0},
		{0, PolicyTwoThirds, 0},
		{1, PolicyMajority, 1},
		{1, PolicyTwoThirds, 1},
		{3, PolicyTwoThirds, 2},
		{4, PolicyMajority, 3},
		{100, PolicyMajority, 51},
		{100, PolicyTwoThirds, 67},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%s of %d", tc.p, tc.total), func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, Threshold(tc.total, tc.p))
		})
	}

	t.Run("never decreases when a balance grows", func(t *testing.T) {
		t.Parallel()
		n := newNormalizer(t, NormalizerConfig{MinBalance: amount.MustParse("10")})
		for seed := range uint64(20) {
			rng := rand.New(rand.NewPCG(seed, 11))
			var holders []ShareHolder
			for i := range rng.IntN(8) + 1 {
				holders = append(holders, eligible(fmt.Sprintf("G%d", i), fmt.Sprintf("%d", rng.IntN(30))))
			}
			before := n.Normalize(holders)
			grown := make([]ShareHolder, len(holders))
			copy(grown, holders)
			i := rng.IntN(len(grown))
			grown[i].Effective = grown[i].Effective.Add(amount.MustParse("25"))
			after := n.Normalize(grown)
			for _, p := range []Policy{PolicyMajority, PolicyTwoThirds} {
				require.GreaterOrEqual(t, after.Threshold(p), before.Threshold(p), "seed %d policy %s", seed, p)
			}
		}
	})
}

func TestPayouts_Governance_ParsePolicy(t *testing.T) {
	t.Parallel()
	p, err := ParsePolicy("two_thirds")
	require.NoError(t, err)
	require.Equal(t, PolicyTwoThirds, p)
	p, err = ParsePolicy("")
	require.NoError(t, err)
	require.Equal(t, PolicyMajority, p)
	_, err = ParsePolicy("unanimous")
	require.Error(t, err)
}

func TestPayouts_Governance_Apportion(t *testing.T) {
	t.Parallel()
	require.Equal(t, []uint32{34, 33, 33}, apportion([]float64{1, 1, 1}, 100))
	require.Equal(t, []uint32{0, 0}, apportion([]float64{0, 0}, 100))
	require.Equal(t, []uint32{3, 2}, apportion([]float64{0.6, 0.4}, 5))
}
