package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/malbeclabs/payouts/ledger/pkg/amount"
	"github.com/malbeclabs/payouts/ledger/pkg/ledger"
	"github.com/malbeclabs/payouts/settlement/pkg/archive"
)

const defaultTotalsWindow = 30 * 24 * time.Hour

// TotalsReader answers archived payment totals.
type TotalsReader interface {
	Totals(ctx context.Context, asset ledger.Asset, since time.Time, limit int) ([]archive.AccountTotal, error)
}

// TotalItem is one account's archived total
type TotalItem struct {
	AccountID string    `json:"account_id"`
	Total     string    `json:"total"`
	Payments  uint64    `json:"payments"`
	LastPaid  time.Time `json:"last_paid"`
}

// TotalsResponse lists archived totals of one asset
type TotalsResponse struct {
	Asset  string      `json:"asset"`
	Since  time.Time   `json:"since"`
	Totals []TotalItem `json:"totals"`
}

// GetTotals serves GET /api/totals?asset=CODE:ISSUER&since=RFC3339&limit=N.
func (h *Handler) GetTotals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	asset, err := ledger.ParseAsset(q.Get("asset"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "asset must be CODE:ISSUER"})
		return
	}

	since := h.cfg.Now().Add(-defaultTotalsWindow)
	if raw := q.Get("since"); raw != "" {
		since, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "since must be an RFC3339 time"})
			return
		}
	}

	limit := DefaultLimit
	if raw := q.Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit <= 0 || limit > MaxLimit {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid limit"})
			return
		}
	}

	totals, err := query(r, "archive_totals", func() ([]archive.AccountTotal, error) {
		return h.cfg.Totals.Totals(r.Context(), asset, since, limit)
	})
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}

	resp := TotalsResponse{Asset: asset.Key(), Since: since.UTC(), Totals: make([]TotalItem, len(totals))}
	for i, t := range totals {
		resp.Totals[i] = TotalItem{
			AccountID: t.AccountID,
			Total:     amount.Format(t.Total),
			Payments:  t.Payments,
			LastPaid:  t.LastPaid.UTC(),
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
