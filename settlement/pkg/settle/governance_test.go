package settle

import (
	"testing"

	"github.com/malbeclabs/payouts/ledger/pkg/amount"
	"github.com/malbeclabs/payouts/ledger/pkg/envelope"
	"github.com/malbeclabs/payouts/ledger/pkg/ledger"
	"github.com/malbeclabs/payouts/ledger/pkg/snapshot"
	"github.com/malbeclabs/payouts/settlement/pkg/store"
	payoutstesting "github.com/malbeclabs/payouts/utils/pkg/testing"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var mtlap = ledger.Asset{Code: "MTLAP", Issuer: issuer}

func mtlapHolder(n int, bal string, data map[string]string) ledger.Holder {
	return ledger.Holder{
		AccountID: payoutstesting.Account(n),
		Balances:  map[string]decimal.Decimal{mtlap.Key(): amount.MustParse(bal)},
		Data:      data,
	}
}

func governed(signers map[string]uint32) ledger.Holder {
	return ledger.Holder{AccountID: source, Signers: signers}
}

func govType() GovernanceType {
	return GovernanceType{Account: source, Assets: []ledger.Asset{mtlap}}
}

func TestPayouts_Settle_UpdateSigners(t *testing.T) {
	t.Parallel()

	t.Run("persists a governance list with one envelope", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, snapshot.Document{
			Holders: map[string][]ledger.Holder{mtlap.Key(): {
				mtlapHolder(1, "100", nil),
				mtlapHolder(2, "100", nil),
				mtlapHolder(3, "100", nil),
				mtlapHolder(4, "100", nil),
			}},
			Accounts: []ledger.Holder{governed(map[string]uint32{
				payoutstesting.Account(1):  10,
				payoutstesting.Account(50): 5,
				source:                     1,
			})},
		}, nil)

		upd, err := f.settler.UpdateSigners(t.Context(), govType())
		require.NoError(t, err)
		require.NotNil(t, upd.List)
		require.Equal(t, store.ListTypeGovernance, upd.List.Type)
		require.Equal(t, "signers 2024-03-11", upd.List.Memo)
		require.Equal(t, uint32(51), upd.Plan.Threshold)
		require.Equal(t, []envelope.Signer{
			{Key: payoutstesting.Account(1), Weight: 25},
			{Key: payoutstesting.Account(2), Weight: 25},
			{Key: payoutstesting.Account(3), Weight: 25},
			{Key: payoutstesting.Account(4), Weight: 25},
			{Key: payoutstesting.Account(50), Weight: 0},
		}, upd.Plan.Changes)

		envs, err := f.store.Envelopes(t.Context(), upd.List.ID, store.EnvelopeFilter{})
		require.NoError(t, err)
		require.Len(t, envs, 1)
		env, err := envelope.Unmarshal(envs[0].Payload)
		require.NoError(t, err)
		require.Len(t, env.Operations, 6)
		last := env.Operations[5].(*envelope.SetOptions)
		require.Equal(t, uint32(51), *last.HighThreshold)

		res, err := f.settler.SendPending(t.Context(), upd.List.ID)
		require.NoError(t, err)
		require.Equal(t, 1, res.Sent)
	})

	t.Run("delegated weight moves to the delegate", func(t *testing.T) {
		t.Parallel()
		marker := map[string]string{"mtl_delegate": payoutstesting.Account(1)}
		f := newFixture(t, snapshot.Document{
			Holders: map[string][]ledger.Holder{mtlap.Key(): {
				mtlapHolder(1, "100", nil),
				mtlapHolder(2, "100", marker),
				mtlapHolder(3, "200", nil),
			}},
			Accounts: []ledger.Holder{governed(nil)},
		}, nil)

		upd, err := f.settler.UpdateSigners(t.Context(), govType())
		require.NoError(t, err)
		weights := upd.Normalized.Weights()
		require.Equal(t, uint32(0), weights[payoutstesting.Account(2)])
		require.Equal(t, uint32(50), weights[payoutstesting.Account(1)])
		require.Equal(t, uint32(50), weights[payoutstesting.Account(3)])
	})

	t.Run("no eligible holder persists nothing", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, snapshot.Document{
			Holders:  map[string][]ledger.Holder{mtlap.Key(): {mtlapHolder(1, "0.5", nil)}},
			Accounts: []ledger.Holder{governed(nil)},
		}, nil)
		gt := govType()
		gt.MinBalance = "1"

		upd, err := f.settler.UpdateSigners(t.Context(), gt)
		require.NoError(t, err)
		require.Nil(t, upd.List)
		require.True(t, upd.Plan.NoOp)
		require.Zero(t, upd.Normalized.TotalWeight)

		lists, err := f.store.Lists(t.Context(), 0)
		require.NoError(t, err)
		require.Empty(t, lists)
	})

	t.Run("missing asset snapshot fails", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, snapshot.Document{Accounts: []ledger.Holder{governed(nil)}}, nil)
		_, err := f.settler.UpdateSigners(t.Context(), govType())
		require.ErrorIs(t, err, ledger.ErrSnapshotUnavailable)
	})
}
