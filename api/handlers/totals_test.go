package handlers_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/malbeclabs/payouts/api/handlers"
	"github.com/malbeclabs/payouts/ledger/pkg/amount"
	"github.com/malbeclabs/payouts/ledger/pkg/ledger"
	"github.com/malbeclabs/payouts/settlement/pkg/archive"
	"github.com/malbeclabs/payouts/settlement/pkg/store"
	payoutstesting "github.com/malbeclabs/payouts/utils/pkg/testing"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

type fakeTotals struct {
	asset ledger.Asset
	since time.Time
	limit int
}

func (f *fakeTotals) Totals(_ context.Context, asset ledger.Asset, since time.Time, limit int) ([]archive.AccountTotal, error) {
	f.asset, f.since, f.limit = asset, since, limit
	return []archive.AccountTotal{{
		AccountID: payoutstesting.Account(1),
		Asset:     asset,
		Total:     amount.MustParse("12.5"),
		Payments:  3,
		LastPaid:  time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC),
	}}, nil
}

func TestPayouts_API_Totals(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 4, 10, 0, 0, 0, 0, time.UTC)
	asset := ledger.Asset{Code: "EURMTL", Issuer: payoutstesting.Account(101)}

	newServer := func(t *testing.T, totals handlers.TotalsReader) *httptest.Server {
		h, err := handlers.New(handlers.Config{
			Logger:      payoutstesting.NewLogger(),
			Store:       store.NewMemory(nil),
			RateLimiter: handlers.NewRateLimiter(rate.Inf, 1),
			Totals:      totals,
			Now:         func() time.Time { return now },
		})
		require.NoError(t, err)
		srv := httptest.NewServer(h.Router())
		t.Cleanup(srv.Close)
		return srv
	}

	t.Run("defaults to the last thirty days", func(t *testing.T) {
		t.Parallel()
		fake := &fakeTotals{}
		srv := newServer(t, fake)

		var resp handlers.TotalsResponse
		getJSON(t, srv.URL+"/api/totals?asset="+asset.Key(), http.StatusOK, &resp)
		require.Equal(t, asset, fake.asset)
		require.Equal(t, now.AddDate(0, 0, -30), fake.since)
		require.Equal(t, handlers.DefaultLimit, fake.limit)
		require.Len(t, resp.Totals, 1)
		require.Equal(t, "12.5000000", resp.Totals[0].Total)
		require.Equal(t, uint64(3), resp.Totals[0].Payments)
	})

	t.Run("honours since and limit", func(t *testing.T) {
		t.Parallel()
		fake := &fakeTotals{}
		srv := newServer(t, fake)

		getJSON(t, srv.URL+"/api/totals?asset="+asset.Key()+"&since=2024-01-01T00:00:00Z&limit=5", http.StatusOK, nil)
		require.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), fake.since)
		require.Equal(t, 5, fake.limit)
	})

	t.Run("rejects bad parameters", func(t *testing.T) {
		t.Parallel()
		srv := newServer(t, &fakeTotals{})

		getJSON(t, srv.URL+"/api/totals?asset=EURMTL", http.StatusBadRequest, nil)
		getJSON(t, srv.URL+"/api/totals?asset="+asset.Key()+"&since=yesterday", http.StatusBadRequest, nil)
		getJSON(t, srv.URL+"/api/totals?asset="+asset.Key()+"&limit=0", http.StatusBadRequest, nil)
	})

	t.Run("not mounted without an archive", func(t *testing.T) {
		t.Parallel()
		srv := newServer(t, nil)

		resp, err := http.Get(srv.URL + "/api/totals?asset=" + asset.Key())
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}
