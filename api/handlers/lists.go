package handlers

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/malbeclabs/payouts/api/handlers/dberror"
	"github.com/malbeclabs/payouts/api/metrics"
	"github.com/malbeclabs/payouts/ledger/pkg/amount"
	"github.com/malbeclabs/payouts/settlement/pkg/store"
)

// ListItem is a distribution list in list responses
type ListItem struct {
	ID        uuid.UUID `json:"id"`
	Type      string    `json:"type"`
	Memo      string    `json:"memo"`
	Source    string    `json:"source"`
	Asset     string    `json:"asset"`
	Total     string    `json:"total"`
	CreatedAt time.Time `json:"created_at"`
}

// ListDetail adds progress counters to a list
type ListDetail struct {
	ListItem
	Status    string `json:"status"`
	Payments  int    `json:"payments"`
	Unpacked  int    `json:"unpacked"`
	Envelopes int    `json:"envelopes"`
	Unsent    int    `json:"unsent"`
}

// PaymentItem is one payment of a list
type PaymentItem struct {
	AccountID  string `json:"account_id"`
	Amount     string `json:"amount"`
	Redirected bool   `json:"redirected"`
	Packed     bool   `json:"packed"`
	EnvelopeID *int64 `json:"envelope_id,omitempty"`
}

// EnvelopeItem is one envelope of a list with its base64 XDR
type EnvelopeItem struct {
	ID              int64      `json:"id"`
	Seq             int        `json:"seq"`
	Operations      int        `json:"operations"`
	Sent            bool       `json:"sent"`
	LastAttemptHash string     `json:"last_attempt_hash,omitempty"`
	XDR             string     `json:"xdr"`
	CreatedAt       time.Time  `json:"created_at"`
	SentAt          *time.Time `json:"sent_at,omitempty"`
}

// RemainingResponse reports unpacked payments of a list
type RemainingResponse struct {
	ListID    uuid.UUID `json:"list_id"`
	Remaining int       `json:"remaining"`
}

// ErrorResponse is the body of every non-2xx response
type ErrorResponse struct {
	Error string `json:"error"`
}

func toListItem(l store.DistributionList) ListItem {
	return ListItem{
		ID:        l.ID,
		Type:      l.Type,
		Memo:      l.Memo,
		Source:    l.Source,
		Asset:     l.Asset.Key(),
		Total:     amount.Format(l.Total),
		CreatedAt: l.CreatedAt,
	}
}

// ListLists returns a paginated list of distribution lists, newest first
func (h *Handler) ListLists(w http.ResponseWriter, r *http.Request) {
	p := ParsePagination(r, DefaultLimit)
	listType := r.URL.Query().Get("type")

	lists, err := query(r, "lists", func() ([]store.DistributionList, error) {
		return h.store.Lists(r.Context(), 0)
	})
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}

	items := make([]ListItem, 0, len(lists))
	for _, l := range lists {
		if listType != "" && l.Type != listType {
			continue
		}
		items = append(items, toListItem(l))
	}
	writeJSON(w, http.StatusOK, Paginate(items, p))
}

// GetList returns one list with its progress
func (h *Handler) GetList(w http.ResponseWriter, r *http.Request) {
	id, ok := listID(w, r)
	if !ok {
		return
	}

	list, err := query(r, "get_list", func() (store.DistributionList, error) {
		return h.store.GetList(r.Context(), id)
	})
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	payments, err := query(r, "payments", func() ([]store.Payment, error) {
		return h.store.Payments(r.Context(), id, store.PaymentFilter{})
	})
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	envs, err := query(r, "envelopes", func() ([]store.Envelope, error) {
		return h.store.Envelopes(r.Context(), id, store.EnvelopeFilter{})
	})
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}

	detail := ListDetail{ListItem: toListItem(list), Payments: len(payments), Envelopes: len(envs)}
	for _, p := range payments {
		if !p.Packed {
			detail.Unpacked++
		}
	}
	for _, e := range envs {
		if !e.Sent {
			detail.Unsent++
		}
	}
	detail.Status = ListStatus(detail.Unpacked, detail.Envelopes, detail.Unsent)
	writeJSON(w, http.StatusOK, detail)
}

// ListPayments returns a list's payments, optionally filtered by ?packed=
func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	id, ok := listID(w, r)
	if !ok {
		return
	}
	packed, ok := boolParam(w, r, "packed")
	if !ok {
		return
	}

	payments, err := query(r, "payments", func() ([]store.Payment, error) {
		return h.store.Payments(r.Context(), id, store.PaymentFilter{Packed: packed})
	})
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}

	items := make([]PaymentItem, len(payments))
	for i, p := range payments {
		items[i] = PaymentItem{
			AccountID:  p.AccountID,
			Amount:     amount.Format(p.Amount),
			Redirected: p.Redirected,
			Packed:     p.Packed,
			EnvelopeID: p.EnvelopeID,
		}
	}
	writeJSON(w, http.StatusOK, Paginate(items, ParsePagination(r, DefaultLimit)))
}

// ListEnvelopes returns a list's envelopes, optionally filtered by ?sent=
func (h *Handler) ListEnvelopes(w http.ResponseWriter, r *http.Request) {
	id, ok := listID(w, r)
	if !ok {
		return
	}
	sent, ok := boolParam(w, r, "sent")
	if !ok {
		return
	}

	envs, err := query(r, "envelopes", func() ([]store.Envelope, error) {
		return h.store.Envelopes(r.Context(), id, store.EnvelopeFilter{Sent: sent})
	})
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}

	items := make([]EnvelopeItem, len(envs))
	for i, e := range envs {
		items[i] = EnvelopeItem{
			ID:              e.ID,
			Seq:             e.Seq,
			Operations:      e.Operations,
			Sent:            e.Sent,
			LastAttemptHash: e.LastAttemptHash,
			XDR:             base64.StdEncoding.EncodeToString(e.Payload),
			CreatedAt:       e.CreatedAt,
			SentAt:          e.SentAt,
		}
	}
	writeJSON(w, http.StatusOK, Paginate(items, ParsePagination(r, DefaultLimit)))
}

// GetRemaining returns the number of unpacked payments of a list
func (h *Handler) GetRemaining(w http.ResponseWriter, r *http.Request) {
	id, ok := listID(w, r)
	if !ok {
		return
	}
	n, err := query(r, "count_unpacked", func() (int, error) {
		return h.store.CountUnpacked(r.Context(), id)
	})
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, RemainingResponse{ListID: id, Remaining: n})
}

// query runs a store read with transient-error retries and records metrics.
func query[T any](r *http.Request, name string, fn func() (T, error)) (T, error) {
	start := time.Now()
	v, err := dberror.Retry(r.Context(), dberror.DefaultRetryConfig(), fn)
	metrics.RecordStoreQuery(name, time.Since(start), err)
	return v, err
}

func listID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid list id"})
		return uuid.UUID{}, false
	}
	return id, true
}

func boolParam(w http.ResponseWriter, r *http.Request, name string) (*bool, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, true
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: name + " must be true or false"})
		return nil, false
	}
	return &v, true
}

func (h *Handler) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "list not found"})
	case dberror.IsTransient(err):
		h.log.Warn("api: store unavailable", "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: dberror.UserMessage(err)})
	default:
		h.log.Error("api: store query failed", "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: dberror.UserMessage(err)})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

