package governance

import (
	"testing"

	"github.com/malbeclabs/payouts/ledger/pkg/amount"
	"github.com/malbeclabs/payouts/ledger/pkg/ledger"
	payoutstesting "github.com/malbeclabs/payouts/utils/pkg/testing"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var (
	mtl  = ledger.Asset{Code: "MTL", Issuer: "GISSUER"}
	mtlr = ledger.Asset{Code: "MTLRECT", Issuer: "GISSUER"}
)

func shareHolder(id, bal, delegate string) ledger.Holder {
	h := ledger.Holder{
		AccountID: id,
		Balances:  map[string]decimal.Decimal{mtl.Key(): amount.MustParse(bal)},
	}
	if delegate != "" {
		h.Data = map[string]string{DefaultDelegateKey: delegate}
	}
	return h
}

func newResolver(t *testing.T, maxHops int) *DelegationResolver {
	t.Helper()
	r, err := NewDelegationResolver(DelegationConfig{
		Logger:  payoutstesting.NewLogger(),
		Assets:  []ledger.Asset{mtl, mtlr},
		MaxHops: maxHops,
	})
	require.NoError(t, err)
	return r
}

func indexByAccount(hs []ShareHolder) map[string]ShareHolder {
	out := make(map[string]ShareHolder, len(hs))
	for _, h := range hs {
		out[h.AccountID] = h
	}
	return out
}

func requireResolvedTargetsTerminal(t *testing.T, hs []ShareHolder) {
	t.Helper()
	byID := indexByAccount(hs)
	total, effective := decimal.Zero, decimal.Zero
	for _, h := range hs {
		total = total.Add(h.Balance)
		effective = effective.Add(h.Effective)
		if h.Delegate == "" {
			continue
		}
		target, ok := byID[h.Delegate]
		require.True(t, ok, "delegate %s of %s is not a holder", h.Delegate, h.AccountID)
		require.Empty(t, target.Delegate, "delegate %s of %s is itself delegated", h.Delegate, h.AccountID)
		require.True(t, h.Effective.IsZero())
	}
	require.True(t, total.Equal(effective), "effective %s != total %s", effective, total)
}

func TestPayouts_Governance_DelegationConfig_Validate(t *testing.T) {
	t.Parallel()

	t.Run("requires logger", func(t *testing.T) {
		t.Parallel()
		cfg := DelegationConfig{Assets: []ledger.Asset{mtl}}
		require.EqualError(t, cfg.Validate(), "logger is required")
	})

	t.Run("requires assets", func(t *testing.T) {
		t.Parallel()
		cfg := DelegationConfig{Logger: payoutstesting.NewLogger()}
		require.Error(t, cfg.Validate())
	})

	t.Run("fills defaults", func(t *testing.T) {
		t.Parallel()
		cfg := DelegationConfig{Logger: payoutstesting.NewLogger(), Assets: []ledger.Asset{mtl}}
		require.NoError(t, cfg.Validate())
		require.Equal(t, DefaultDelegateKey, cfg.MarkerKey)
		require.Equal(t, defaultMaxHops, cfg.MaxHops)
	})
}

func TestPayouts_Governance_Resolve(t *testing.T) {
	t.Parallel()

	t.Run("three cycle leaves every member undelegated", func(t *testing.T) {
		t.Parallel()
		out := newResolver(t, 0).Resolve([]ledger.Holder{
			shareHolder("GA", "10", "GB"),
			shareHolder("GB", "20", "GC"),
			shareHolder("GC", "30", "GA"),
		}, nil)
		byID := indexByAccount(out)
		for _, id := range []string{"GA", "GB", "GC"} {
			require.Empty(t, byID[id].Delegate, id)
			require.True(t, byID[id].Effective.Equal(byID[id].Balance), id)
		}
		requireResolvedTargetsTerminal(t, out)
	})

	t.Run("chain resolves to its end", func(t *testing.T) {
		t.Parallel()
		out := newResolver(t, 0).Resolve([]ledger.Holder{
			shareHolder("GA", "1", "GB"),
			shareHolder("GB", "2", "GC"),
			shareHolder("GC", "3", ""),
		}, nil)
		byID := indexByAccount(out)
		require.Equal(t, "GC", byID["GA"].Delegate)
		require.Equal(t, "GC", byID["GB"].Delegate)
		require.Equal(t, "6.0000000", amount.Format(byID["GC"].Effective))
		require.Equal(t, "3.0000000", amount.Format(byID["GC"].DelegatedIn))
		requireResolvedTargetsTerminal(t, out)
	})

	t.Run("walk into a cycle stops before the repeat", func(t *testing.T) {
		t.Parallel()
		out := newResolver(t, 0).Resolve([]ledger.Holder{
			shareHolder("GD", "5", "GA"),
			shareHolder("GA", "1", "GB"),
			shareHolder("GB", "1", "GC"),
			shareHolder("GC", "1", "GA"),
		}, nil)
		byID := indexByAccount(out)
		require.Equal(t, "GC", byID["GD"].Delegate)
		require.Empty(t, byID["GC"].Delegate)
		require.Equal(t, "6.0000000", amount.Format(byID["GC"].Effective))
		requireResolvedTargetsTerminal(t, out)
	})

	t.Run("self marker is ignored", func(t *testing.T) {
		t.Parallel()
		out := newResolver(t, 0).Resolve([]ledger.Holder{shareHolder("GA", "4", "GA")}, nil)
		require.Len(t, out, 1)
		require.Empty(t, out[0].Delegate)
		require.Equal(t, "GA", out[0].Marker)
		require.Equal(t, "4.0000000", amount.Format(out[0].Effective))
	})

	t.Run("marker naming a non holder is ignored", func(t *testing.T) {
		t.Parallel()
		out := newResolver(t, 0).Resolve([]ledger.Holder{shareHolder("GA", "4", "GNOBODY")}, nil)
		require.Empty(t, out[0].Delegate)
		require.Equal(t, "4.0000000", amount.Format(out[0].Effective))
	})

	t.Run("hop limit leaves the origin undelegated", func(t *testing.T) {
		t.Parallel()
		out := newResolver(t, 2).Resolve([]ledger.Holder{
			shareHolder("GA", "1", "GB"),
			shareHolder("GB", "1", "GC"),
			shareHolder("GC", "1", "GD"),
			shareHolder("GD", "1", ""),
		}, nil)
		byID := indexByAccount(out)
		require.Empty(t, byID["GA"].Delegate)
		require.Equal(t, "GD", byID["GB"].Delegate)
		require.Equal(t, "GD", byID["GC"].Delegate)
		require.Equal(t, "3.0000000", amount.Format(byID["GD"].Effective))
		requireResolvedTargetsTerminal(t, out)
	})

	t.Run("sums balance components across assets", func(t *testing.T) {
		t.Parallel()
		h := shareHolder("GA", "4", "")
		h.Balances[mtlr.Key()] = amount.MustParse("1.5")
		out := newResolver(t, 0).Resolve([]ledger.Holder{h}, nil)
		require.Equal(t, "5.5000000", amount.Format(out[0].Balance))
		require.Len(t, out[0].Components, 2)
	})

	t.Run("keeps signers that hold nothing", func(t *testing.T) {
		t.Parallel()
		out := newResolver(t, 0).Resolve([]ledger.Holder{shareHolder("GA", "4", "")}, map[string]uint32{
			"GA":     3,
			"GSTALE": 7,
		})
		byID := indexByAccount(out)
		require.Len(t, out, 2)
		require.Equal(t, uint32(3), byID["GA"].PriorWeight)
		require.Equal(t, uint32(7), byID["GSTALE"].PriorWeight)
		require.True(t, byID["GSTALE"].Effective.IsZero())
	})

	t.Run("is deterministic", func(t *testing.T) {
		t.Parallel()
		holders := []ledger.Holder{
			shareHolder("GE", "2", "GA"),
			shareHolder("GA", "1", "GB"),
			shareHolder("GB", "1", "GA"),
			shareHolder("GF", "9", "GE"),
		}
		r := newResolver(t, 0)
		first := r.Resolve(holders, nil)
		second := r.Resolve(holders, nil)
		require.Equal(t, first, second)
		requireResolvedTargetsTerminal(t, first)
	})
}
