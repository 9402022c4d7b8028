package store_test

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/payouts/ledger/pkg/amount"
	"github.com/malbeclabs/payouts/ledger/pkg/ledger"
	"github.com/malbeclabs/payouts/settlement/pkg/store"
	payoutstesting "github.com/malbeclabs/payouts/utils/pkg/testing"
	"github.com/stretchr/testify/require"
)

var eurmtl = ledger.Asset{Code: "EURMTL", Issuer: "GISSUER"}

func newList(t *testing.T, s store.Store, amounts ...string) store.DistributionList {
	t.Helper()
	list := store.DistributionList{
		ID:        uuid.New(),
		Type:      "mtl_div",
		Memo:      "dividend",
		Source:    payoutstesting.Account(0),
		Asset:     eurmtl,
		Total:     amount.MustParse("100"),
		CreatedAt: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	}
	payments := make([]store.NewPayment, len(amounts))
	for i, a := range amounts {
		payments[i] = store.NewPayment{AccountID: payoutstesting.Account(i + 1), Amount: amount.MustParse(a)}
	}
	require.NoError(t, s.CreateList(t.Context(), list, payments))
	return list
}

func ones(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = "1"
	}
	return out
}

// countingBuild returns one payload byte per positive payment, nil when none.
func countingBuild(chunk []store.Payment) (store.Built, error) {
	ops := 0
	for _, p := range chunk {
		if p.Amount.IsPositive() {
			ops++
		}
	}
	if ops == 0 {
		return store.Built{}, nil
	}
	return store.Built{Payload: []byte(fmt.Sprintf("env-%d", chunk[0].ID)), Operations: ops}, nil
}

// runStoreTests exercises the Store contract against one implementation.
func runStoreTests(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("create and get list", func(t *testing.T) {
		t.Parallel()
		s := newStore(t)
		list := newList(t, s, "1.5", "0", "2")

		got, err := s.GetList(t.Context(), list.ID)
		require.NoError(t, err)
		require.Equal(t, list.ID, got.ID)
		require.Equal(t, eurmtl, got.Asset)
		require.Equal(t, "100.0000000", amount.Format(got.Total))
		require.True(t, list.CreatedAt.Equal(got.CreatedAt))

		payments, err := s.Payments(t.Context(), list.ID, store.PaymentFilter{})
		require.NoError(t, err)
		require.Len(t, payments, 3)
		require.Equal(t, payoutstesting.Account(1), payments[0].AccountID)
		require.Equal(t, "1.5000000", amount.Format(payments[0].Amount))
		require.Less(t, payments[0].ID, payments[1].ID)

		lists, err := s.Lists(t.Context(), 10)
		require.NoError(t, err)
		require.NotEmpty(t, lists)
	})

	t.Run("unknown list is not found", func(t *testing.T) {
		t.Parallel()
		s := newStore(t)
		_, err := s.GetList(t.Context(), uuid.New())
		require.ErrorIs(t, err, store.ErrNotFound)
		_, err = s.CountUnpacked(t.Context(), uuid.New())
		require.ErrorIs(t, err, store.ErrNotFound)
		_, err = s.PackChunk(t.Context(), uuid.New(), 10, countingBuild)
		require.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("packs 250 payments in chunks of 70", func(t *testing.T) {
		t.Parallel()
		s := newStore(t)
		list := newList(t, s, ones(250)...)

		var sizes []int
		for {
			res, err := s.PackChunk(t.Context(), list.ID, 70, countingBuild)
			require.NoError(t, err)
			if res.Packed == 0 {
				break
			}
			require.NotNil(t, res.Envelope)
			sizes = append(sizes, res.Envelope.Operations)
			if res.Remaining == 0 {
				break
			}
		}
		require.Equal(t, []int{70, 70, 70, 40}, sizes)

		n, err := s.CountUnpacked(t.Context(), list.ID)
		require.NoError(t, err)
		require.Zero(t, n)

		envs, err := s.Envelopes(t.Context(), list.ID, store.EnvelopeFilter{})
		require.NoError(t, err)
		require.Len(t, envs, 4)
		for i, e := range envs {
			require.Equal(t, i+1, e.Seq)
			require.False(t, e.Sent)
		}

		payments, err := s.Payments(t.Context(), list.ID, store.PaymentFilter{Packed: store.Bool(true)})
		require.NoError(t, err)
		require.Len(t, payments, 250)
		require.Equal(t, envs[0].ID, *payments[0].EnvelopeID)
		require.Equal(t, envs[3].ID, *payments[249].EnvelopeID)
	})

	t.Run("zero amount chunk packs without envelope", func(t *testing.T) {
		t.Parallel()
		s := newStore(t)
		list := newList(t, s, "0", "0", "3")

		res, err := s.PackChunk(t.Context(), list.ID, 2, countingBuild)
		require.NoError(t, err)
		require.Equal(t, 2, res.Packed)
		require.Nil(t, res.Envelope)
		require.Equal(t, 1, res.Remaining)

		res, err = s.PackChunk(t.Context(), list.ID, 2, countingBuild)
		require.NoError(t, err)
		require.NotNil(t, res.Envelope)
		require.Equal(t, 1, res.Envelope.Seq)

		unpacked, err := s.Payments(t.Context(), list.ID, store.PaymentFilter{Packed: store.Bool(false)})
		require.NoError(t, err)
		require.Empty(t, unpacked)
	})

	t.Run("failed build leaves payments unpacked", func(t *testing.T) {
		t.Parallel()
		s := newStore(t)
		list := newList(t, s, "1", "1")
		boom := errors.New("boom")

		_, err := s.PackChunk(t.Context(), list.ID, 5, func([]store.Payment) (store.Built, error) {
			return store.Built{}, boom
		})
		require.ErrorIs(t, err, boom)

		n, err := s.CountUnpacked(t.Context(), list.ID)
		require.NoError(t, err)
		require.Equal(t, 2, n)
		envs, err := s.Envelopes(t.Context(), list.ID, store.EnvelopeFilter{})
		require.NoError(t, err)
		require.Empty(t, envs)
	})

	t.Run("concurrent packing packs each payment once", func(t *testing.T) {
		t.Parallel()
		s := newStore(t)
		list := newList(t, s, ones(97)...)

		var wg sync.WaitGroup
		for range 4 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					res, err := s.PackChunk(t.Context(), list.ID, 7, countingBuild)
					if err != nil || res.Packed == 0 {
						return
					}
				}
			}()
		}
		wg.Wait()

		envs, err := s.Envelopes(t.Context(), list.ID, store.EnvelopeFilter{})
		require.NoError(t, err)
		total := 0
		for i, e := range envs {
			require.Equal(t, i+1, e.Seq)
			total += e.Operations
		}
		require.Equal(t, 97, total)
	})

	t.Run("attempts and sent flag", func(t *testing.T) {
		t.Parallel()
		s := newStore(t)
		list := newList(t, s, "1")
		env, err := s.AddEnvelope(t.Context(), list.ID, store.Built{Payload: []byte("payload"), Operations: 1})
		require.NoError(t, err)
		require.Equal(t, 1, env.Seq)

		require.NoError(t, s.SaveAttempt(t.Context(), env.ID, []byte("attempt"), "abcd"))
		unsent, err := s.Envelopes(t.Context(), list.ID, store.EnvelopeFilter{Sent: store.Bool(false)})
		require.NoError(t, err)
		require.Len(t, unsent, 1)
		require.Equal(t, []byte("attempt"), unsent[0].LastAttempt)
		require.Equal(t, "abcd", unsent[0].LastAttemptHash)
		require.Equal(t, []byte("payload"), unsent[0].Payload)

		at := time.Date(2024, 3, 2, 10, 0, 0, 0, time.UTC)
		require.NoError(t, s.MarkSent(t.Context(), env.ID, at))
		require.NoError(t, s.MarkSent(t.Context(), env.ID, at.Add(time.Hour)))
		require.ErrorIs(t, s.SaveAttempt(t.Context(), env.ID, []byte("late"), "ef"), store.ErrAlreadySent)

		sent, err := s.Envelopes(t.Context(), list.ID, store.EnvelopeFilter{Sent: store.Bool(true)})
		require.NoError(t, err)
		require.Len(t, sent, 1)
		require.True(t, at.Equal(*sent[0].SentAt))

		require.ErrorIs(t, s.MarkSent(t.Context(), 1<<40, at), store.ErrNotFound)
	})
}

func TestPayouts_Store_Memory(t *testing.T) {
	t.Parallel()
	runStoreTests(t, func(t *testing.T) store.Store {
		return store.NewMemory(clockwork.NewFakeClockAt(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)))
	})
}

func TestPayouts_Store_Postgres(t *testing.T) {
	t.Parallel()
	runStoreTests(t, func(t *testing.T) store.Store {
		pool := payoutstesting.NewSchemaPool(t, testDB, store.Migrations, store.MigrationsDir)
		s, err := store.NewPostgres(store.PostgresConfig{Logger: payoutstesting.NewLogger(), Pool: pool})
		require.NoError(t, err)
		return s
	})
}
