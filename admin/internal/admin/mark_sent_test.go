package admin

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/malbeclabs/payouts/ledger/pkg/amount"
	"github.com/malbeclabs/payouts/ledger/pkg/ledger"
	"github.com/malbeclabs/payouts/settlement/pkg/store"
	payoutstesting "github.com/malbeclabs/payouts/utils/pkg/testing"
	"github.com/stretchr/testify/require"
)

func seededStore(t *testing.T) (*store.Memory, uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemory(nil)
	list := store.DistributionList{
		ID:     uuid.New(),
		Type:   "mtl_div",
		Source: payoutstesting.Account(1),
		Asset:  ledger.Asset{Code: "EURMTL", Issuer: payoutstesting.Account(2)},
		Total:  amount.MustParse("1"),
	}
	require.NoError(t, st.CreateList(ctx, list, []store.NewPayment{{AccountID: payoutstesting.Account(3), Amount: amount.MustParse("1")}}))
	_, err := st.PackChunk(ctx, list.ID, 10, func(chunk []store.Payment) (store.Built, error) {
		return store.Built{Payload: []byte{1}, Operations: len(chunk)}, nil
	})
	require.NoError(t, err)
	return st, list.ID
}

func unsent(t *testing.T, st store.Store, id uuid.UUID) int {
	t.Helper()
	envs, err := st.Envelopes(context.Background(), id, store.EnvelopeFilter{Sent: store.Bool(false)})
	require.NoError(t, err)
	return len(envs)
}

func TestPayouts_Admin_MarkEnvelopeSent(t *testing.T) {
	t.Parallel()
	log := payoutstesting.NewLogger()
	now := time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC)

	t.Run("confirmed", func(t *testing.T) {
		t.Parallel()
		st, id := seededStore(t)
		var out bytes.Buffer
		prompt := Prompt{In: strings.NewReader("yes\n"), Out: &out}
		require.NoError(t, MarkEnvelopeSent(context.Background(), log, st, prompt, MarkSentConfig{ListID: id, Seq: 1}, now))
		require.Zero(t, unsent(t, st, id))
		require.Contains(t, out.String(), "never attempted")
	})

	t.Run("declined", func(t *testing.T) {
		t.Parallel()
		st, id := seededStore(t)
		var out bytes.Buffer
		prompt := Prompt{In: strings.NewReader("no\n"), Out: &out}
		require.NoError(t, MarkEnvelopeSent(context.Background(), log, st, prompt, MarkSentConfig{ListID: id, Seq: 1}, now))
		require.Equal(t, 1, unsent(t, st, id))
		require.Contains(t, out.String(), "Operation cancelled")
	})

	t.Run("dry run", func(t *testing.T) {
		t.Parallel()
		st, id := seededStore(t)
		var out bytes.Buffer
		prompt := Prompt{In: strings.NewReader(""), Out: &out}
		require.NoError(t, MarkEnvelopeSent(context.Background(), log, st, prompt, MarkSentConfig{ListID: id, Seq: 1, DryRun: true}, now))
		require.Equal(t, 1, unsent(t, st, id))
	})

	t.Run("unknown seq", func(t *testing.T) {
		t.Parallel()
		st, id := seededStore(t)
		prompt := Prompt{In: strings.NewReader(""), Out: &bytes.Buffer{}}
		err := MarkEnvelopeSent(context.Background(), log, st, prompt, MarkSentConfig{ListID: id, Seq: 9, Yes: true}, now)
		require.ErrorContains(t, err, "no unsent envelope 9")
	})
}
