// Package horizon submits envelopes to a Horizon-compatible ledger HTTP API.
package horizon

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/malbeclabs/payouts/ledger/pkg/ledger"
	"github.com/malbeclabs/payouts/utils/pkg/retry"
)

const (
	PublicURL  = "https://horizon.stellar.org"
	TestnetURL = "https://horizon-testnet.stellar.org"
)

// Result codes after which a fresh attempt with a new sequence can succeed.
var transientCodes = map[string]bool{
	"tx_bad_seq":          true,
	"tx_too_late":         true,
	"tx_insufficient_fee": true,
}

type Config struct {
	Logger     *slog.Logger
	BaseURL    string
	HTTPClient *http.Client
	// Retry applies to reads only. Submissions are never retried here
	// because their outcome may be unknown.
	Retry retry.Config
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.BaseURL == "" {
		return errors.New("base url is required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: 60 * time.Second,
				IdleConnTimeout:       90 * time.Second,
				MaxIdleConns:          10,
				MaxIdleConnsPerHost:   5,
			},
			Timeout: 2 * time.Minute,
		}
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	return nil
}

// Client implements ledger.Submitter and ledger.TransactionLookup.
type Client struct {
	log     *slog.Logger
	cfg     Config
	baseURL string
}

var (
	_ ledger.Submitter         = (*Client)(nil)
	_ ledger.TransactionLookup = (*Client)(nil)
)

func New(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Client{log: cfg.Logger, cfg: cfg, baseURL: strings.TrimSuffix(cfg.BaseURL, "/")}, nil
}

// statusError is a non-2xx read response.
type statusError struct {
	statusCode int
	body       string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("horizon error: %s (status %d)", e.body, e.statusCode)
}

func (e *statusError) StatusCode() int {
	return e.statusCode
}

// LoadSequence returns the account's current sequence number.
func (c *Client) LoadSequence(ctx context.Context, accountID string) (int64, error) {
	var account struct {
		Sequence string `json:"sequence"`
	}
	if err := c.get(ctx, "/accounts/"+url.PathEscape(accountID), &account); err != nil {
		return 0, fmt.Errorf("failed to load account %s: %w", accountID, err)
	}
	seq, err := strconv.ParseInt(account.Sequence, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid sequence %q for %s: %w", account.Sequence, accountID, err)
	}
	return seq, nil
}

// TransactionApplied reports whether a transaction with hash was applied
// successfully.
func (c *Client) TransactionApplied(ctx context.Context, hash string) (bool, error) {
	var tx struct {
		Successful bool `json:"successful"`
	}
	err := c.get(ctx, "/transactions/"+url.PathEscape(hash), &tx)
	var se *statusError
	if errors.As(err, &se) && se.statusCode == http.StatusNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to look up transaction %s: %w", hash, err)
	}
	return tx.Successful, nil
}

type problem struct {
	Title  string `json:"title"`
	Extras struct {
		ResultCodes struct {
			Transaction string   `json:"transaction"`
			Operations  []string `json:"operations"`
		} `json:"result_codes"`
	} `json:"extras"`
}

// Submit posts the envelope once. Failures are *ledger.SubmitError; network
// failures and timeouts are transient since the outcome is unknown.
func (c *Client) Submit(ctx context.Context, raw []byte) (ledger.Receipt, error) {
	form := url.Values{"tx": {base64.StdEncoding.EncodeToString(raw)}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/transactions", strings.NewReader(form.Encode()))
	if err != nil {
		return ledger.Receipt{}, &ledger.SubmitError{Code: "request", Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return ledger.Receipt{}, &ledger.SubmitError{Code: "network", Transient: true, Err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return ledger.Receipt{}, &ledger.SubmitError{Code: "network", Transient: true, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		var ok struct {
			Hash   string `json:"hash"`
			Ledger int64  `json:"ledger"`
		}
		if err := json.Unmarshal(body, &ok); err != nil {
			return ledger.Receipt{}, &ledger.SubmitError{Code: "decode", Transient: true, Err: err}
		}
		c.log.Debug("horizon: transaction applied", "hash", ok.Hash, "ledger", ok.Ledger)
		return ledger.Receipt{Hash: ok.Hash, Ledger: ok.Ledger}, nil

	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return ledger.Receipt{}, &ledger.SubmitError{
			Code:      "http_" + strconv.Itoa(resp.StatusCode),
			Transient: true,
			Err:       &statusError{statusCode: resp.StatusCode, body: string(body)},
		}

	default:
		var p problem
		_ = json.Unmarshal(body, &p)
		code := p.Extras.ResultCodes.Transaction
		if code == "" {
			code = "http_" + strconv.Itoa(resp.StatusCode)
		}
		detail := p.Title
		if ops := p.Extras.ResultCodes.Operations; len(ops) > 0 {
			detail += " [" + strings.Join(ops, ", ") + "]"
		}
		return ledger.Receipt{}, &ledger.SubmitError{
			Code:      code,
			Transient: transientCodes[code],
			Err:       errors.New(strings.TrimSpace(detail)),
		}
	}
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return retry.Do(ctx, c.cfg.Retry, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return retry.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.cfg.HTTPClient.Do(req)
		if err != nil {
			c.log.Warn("horizon: request failed, will retry if retryable", "path", path, "error", err)
			return fmt.Errorf("failed to send request: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			return &statusError{statusCode: resp.StatusCode, body: strings.TrimSpace(string(body))}
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return retry.Permanent(fmt.Errorf("failed to decode response: %w", err))
		}
		return nil
	})
}
