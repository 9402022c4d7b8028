package horizon

import (
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/malbeclabs/payouts/ledger/pkg/ledger"
	"github.com/malbeclabs/payouts/utils/pkg/retry"
	payoutstesting "github.com/malbeclabs/payouts/utils/pkg/testing"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(Config{
		Logger:  payoutstesting.NewLogger(),
		BaseURL: srv.URL + "/",
		Retry:   retry.Config{MaxAttempts: 3, BaseBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond},
	})
	require.NoError(t, err)
	return c
}

func TestPayouts_Horizon_Config_Validate(t *testing.T) {
	t.Parallel()
	cfg := Config{}
	require.EqualError(t, cfg.Validate(), "logger is required")
	cfg.Logger = payoutstesting.NewLogger()
	require.EqualError(t, cfg.Validate(), "base url is required")
	cfg.BaseURL = TestnetURL
	require.NoError(t, cfg.Validate())
	require.NotNil(t, cfg.HTTPClient)
	require.Equal(t, retry.DefaultConfig().MaxAttempts, cfg.Retry.MaxAttempts)
}

func TestPayouts_Horizon_LoadSequence(t *testing.T) {
	t.Parallel()
	account := payoutstesting.Account(1)

	t.Run("parses the sequence", func(t *testing.T) {
		t.Parallel()
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/accounts/"+account, r.URL.Path)
			fmt.Fprint(w, `{"id":"`+account+`","sequence":"103720918407102567"}`)
		})
		seq, err := c.LoadSequence(t.Context(), account)
		require.NoError(t, err)
		require.Equal(t, int64(103720918407102567), seq)
	})

	t.Run("retries server errors", func(t *testing.T) {
		t.Parallel()
		var calls atomic.Int32
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) < 3 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			fmt.Fprint(w, `{"sequence":"7"}`)
		})
		seq, err := c.LoadSequence(t.Context(), account)
		require.NoError(t, err)
		require.Equal(t, int64(7), seq)
		require.Equal(t, int32(3), calls.Load())
	})

	t.Run("missing account is not retried", func(t *testing.T) {
		t.Parallel()
		var calls atomic.Int32
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			http.NotFound(w, r)
		})
		_, err := c.LoadSequence(t.Context(), account)
		require.Error(t, err)
		require.Equal(t, int32(1), calls.Load())
	})
}

func TestPayouts_Horizon_TransactionApplied(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/transactions/aa":
			fmt.Fprint(w, `{"hash":"aa","successful":true}`)
		case "/transactions/bb":
			fmt.Fprint(w, `{"hash":"bb","successful":false}`)
		default:
			http.NotFound(w, r)
		}
	})

	applied, err := c.TransactionApplied(t.Context(), "aa")
	require.NoError(t, err)
	require.True(t, applied)

	applied, err = c.TransactionApplied(t.Context(), "bb")
	require.NoError(t, err)
	require.False(t, applied)

	applied, err = c.TransactionApplied(t.Context(), "cc")
	require.NoError(t, err)
	require.False(t, applied)
}

func TestPayouts_Horizon_Submit(t *testing.T) {
	t.Parallel()
	raw := []byte{0, 0, 0, 2, 1, 2, 3}

	t.Run("success returns the receipt", func(t *testing.T) {
		t.Parallel()
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, http.MethodPost, r.Method)
			require.Equal(t, "/transactions", r.URL.Path)
			body, _ := io.ReadAll(r.Body)
			form, err := url.ParseQuery(string(body))
			require.NoError(t, err)
			require.Equal(t, base64.StdEncoding.EncodeToString(raw), form.Get("tx"))
			fmt.Fprint(w, `{"hash":"abc","ledger":42,"successful":true}`)
		})
		receipt, err := c.Submit(t.Context(), raw)
		require.NoError(t, err)
		require.Equal(t, ledger.Receipt{Hash: "abc", Ledger: 42}, receipt)
	})

	tests := []struct {
		name      string
		status    int
		body      string
		code      string
		transient bool
	}{
		{
			name:      "bad sequence is transient",
			status:    http.StatusBadRequest,
			body:      `{"title":"Transaction Failed","extras":{"result_codes":{"transaction":"tx_bad_seq"}}}`,
			code:      "tx_bad_seq",
			transient: true,
		},
		{
			name:   "operation failure is permanent",
			status: http.StatusBadRequest,
			body:   `{"title":"Transaction Failed","extras":{"result_codes":{"transaction":"tx_failed","operations":["op_no_trust"]}}}`,
			code:   "tx_failed",
		},
		{
			name:      "gateway timeout is transient",
			status:    http.StatusGatewayTimeout,
			body:      `{"title":"Timeout"}`,
			code:      "http_504",
			transient: true,
		},
		{
			name:   "unparseable rejection keeps the status",
			status: http.StatusBadRequest,
			body:   `nope`,
			code:   "http_400",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var calls atomic.Int32
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			})
			_, err := c.Submit(t.Context(), raw)
			var se *ledger.SubmitError
			require.ErrorAs(t, err, &se)
			require.Equal(t, tt.code, se.Code)
			require.Equal(t, tt.transient, se.Retryable())
			require.Equal(t, int32(1), calls.Load())
		})
	}

	t.Run("network failure is transient", func(t *testing.T) {
		t.Parallel()
		c, err := New(Config{Logger: payoutstesting.NewLogger(), BaseURL: "http://127.0.0.1:1"})
		require.NoError(t, err)
		_, err = c.Submit(t.Context(), raw)
		var se *ledger.SubmitError
		require.ErrorAs(t, err, &se)
		require.Equal(t, "network", se.Code)
		require.True(t, se.Retryable())
	})
}
