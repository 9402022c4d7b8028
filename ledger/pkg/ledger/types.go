package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// NativeCode is the code used for the network's native asset.
const NativeCode = "XLM"

// Asset identifies a ledger asset. The native asset has no issuer.
type Asset struct {
	Code   string `json:"code" yaml:"code"`
	Issuer string `json:"issuer,omitempty" yaml:"issuer,omitempty"`
}

// Native returns the native asset.
func Native() Asset {
	return Asset{Code: NativeCode}
}

func (a Asset) IsNative() bool {
	return a.Issuer == "" && (a.Code == "" || a.Code == NativeCode)
}

// Key is the map key used for balances: "CODE:ISSUER", or "XLM" for native.
func (a Asset) Key() string {
	if a.IsNative() {
		return NativeCode
	}
	return a.Code + ":" + a.Issuer
}

func (a Asset) String() string {
	return a.Key()
}

// ParseAsset parses the Key form.
func ParseAsset(s string) (Asset, error) {
	if s == NativeCode || strings.EqualFold(s, "native") {
		return Native(), nil
	}
	code, issuer, ok := strings.Cut(s, ":")
	if !ok || code == "" || issuer == "" {
		return Asset{}, fmt.Errorf("invalid asset %q", s)
	}
	if len(code) > 12 {
		return Asset{}, fmt.Errorf("invalid asset %q: code longer than 12 characters", s)
	}
	return Asset{Code: code, Issuer: issuer}, nil
}

// Holder is a read-only snapshot of one ledger account.
type Holder struct {
	AccountID string                     `json:"account_id"`
	Balances  map[string]decimal.Decimal `json:"balances"`
	Data      map[string]string          `json:"data,omitempty"`
	Signers   map[string]uint32          `json:"signers,omitempty"`
}

// Balance returns the holder's balance of asset, zero when absent.
func (h Holder) Balance(asset Asset) decimal.Decimal {
	if b, ok := h.Balances[asset.Key()]; ok {
		return b
	}
	return decimal.Zero
}

// Event is one credit (positive) or debit (negative) of an asset on an account.
type Event struct {
	AccountID string          `json:"account_id"`
	Asset     Asset           `json:"asset"`
	Amount    decimal.Decimal `json:"amount"`
	At        time.Time       `json:"at"`
}

// DateRange is a half-open [From, To) interval.
type DateRange struct {
	From time.Time
	To   time.Time
}

func (r DateRange) Contains(t time.Time) bool {
	return !t.Before(r.From) && t.Before(r.To)
}

// Receipt is returned by a successful submission.
type Receipt struct {
	Hash   string
	Ledger int64
}
