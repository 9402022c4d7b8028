// Package governance turns holder balances and delegation markers into
// bounded signer weights and an approval threshold.
package governance

import (
	"errors"
	"log/slog"
	"sort"

	"github.com/malbeclabs/payouts/ledger/pkg/ledger"
	"github.com/shopspring/decimal"
)

const (
	// DefaultDelegateKey is the data entry naming a holder's delegate.
	DefaultDelegateKey = "mtl_delegate"
	defaultMaxHops     = 32
)

// ShareHolder is one account's state during a single resolution run.
type ShareHolder struct {
	AccountID string
	// Components is the raw balance per asset key; Balance is their sum.
	Components map[string]decimal.Decimal
	Balance    decimal.Decimal
	// DelegatedIn accumulates balances of holders that resolved to this one.
	DelegatedIn decimal.Decimal
	// Effective is the voting balance after delegation. Fully delegated
	// holders have zero.
	Effective decimal.Decimal
	// PriorWeight is the current on-ledger signer weight.
	PriorWeight uint32
	// Weight is the calculated signer weight.
	Weight uint32
	// Marker is the declared delegate, Delegate the resolved one. Empty means none.
	Marker   string
	Delegate string
}

// WalkEnd says why a delegation walk stopped.
type WalkEnd int

const (
	WalkTerminal WalkEnd = iota
	WalkSelfCycle
	WalkCycle
	WalkHopLimit
)

func (e WalkEnd) String() string {
	switch e {
	case WalkTerminal:
		return "terminal"
	case WalkSelfCycle:
		return "self_cycle"
	case WalkCycle:
		return "cycle"
	case WalkHopLimit:
		return "hop_limit"
	default:
		return "unknown"
	}
}

type DelegationConfig struct {
	Logger *slog.Logger
	// Assets whose balances form a holder's voting balance.
	Assets    []ledger.Asset
	MarkerKey string
	MaxHops   int
}

func (cfg *DelegationConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if len(cfg.Assets) == 0 {
		return errors.New("at least one asset is required")
	}
	if cfg.MarkerKey == "" {
		cfg.MarkerKey = DefaultDelegateKey
	}
	if cfg.MaxHops <= 0 {
		cfg.MaxHops = defaultMaxHops
	}
	return nil
}

type DelegationResolver struct {
	log *slog.Logger
	cfg DelegationConfig
}

func NewDelegationResolver(cfg DelegationConfig) (*DelegationResolver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &DelegationResolver{log: cfg.Logger, cfg: cfg}, nil
}

// Resolve builds one ShareHolder per holder and per current signer, resolves
// every marker to a final delegate and accumulates effective balances.
//
// A walk that comes back to its origin leaves the origin undelegated. A walk
// that reaches any other node already on its path stops at the node before
// the repeat. Either way every resolved delegate is itself undelegated, and
// the result depends only on the snapshot.
func (r *DelegationResolver) Resolve(holders []ledger.Holder, currentSigners map[string]uint32) []ShareHolder {
	index := make(map[string]int, len(holders)+len(currentSigners))
	out := make([]ShareHolder, 0, len(holders)+len(currentSigners))

	for _, h := range holders {
		if _, dup := index[h.AccountID]; dup {
			continue
		}
		sh := ShareHolder{
			AccountID:  h.AccountID,
			Components: make(map[string]decimal.Decimal, len(r.cfg.Assets)),
			Balance:    decimal.Zero,
			Marker:     h.Data[r.cfg.MarkerKey],
		}
		for _, a := range r.cfg.Assets {
			b := h.Balance(a)
			sh.Components[a.Key()] = b
			sh.Balance = sh.Balance.Add(b)
		}
		index[h.AccountID] = len(out)
		out = append(out, sh)
	}
	for signer := range currentSigners {
		if _, ok := index[signer]; ok {
			continue
		}
		index[signer] = len(out)
		out = append(out, ShareHolder{AccountID: signer, Balance: decimal.Zero})
	}
	for i := range out {
		out[i].PriorWeight = currentSigners[out[i].AccountID]
		out[i].DelegatedIn = decimal.Zero
	}

	markers := make(map[string]string, len(out))
	for _, sh := range out {
		if sh.Marker == "" {
			continue
		}
		if _, ok := index[sh.Marker]; !ok {
			r.log.Debug("governance: delegate is not a holder, ignoring marker", "account", sh.AccountID, "delegate", sh.Marker)
			continue
		}
		markers[sh.AccountID] = sh.Marker
	}

	ends := make(map[WalkEnd]int)
	for i := range out {
		origin := out[i].AccountID
		if _, ok := markers[origin]; !ok {
			continue
		}
		final, end := r.follow(markers, origin, origin, map[string]struct{}{origin: {}}, 0)
		ends[end]++
		if end != WalkTerminal && end != WalkCycle {
			continue
		}
		if final != origin {
			out[i].Delegate = final
		}
	}

	for i := range out {
		if out[i].Delegate == "" {
			continue
		}
		target := &out[index[out[i].Delegate]]
		target.DelegatedIn = target.DelegatedIn.Add(out[i].Balance)
	}
	for i := range out {
		if out[i].Delegate != "" {
			out[i].Effective = decimal.Zero
		} else {
			out[i].Effective = out[i].Balance.Add(out[i].DelegatedIn)
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })

	r.log.Debug("governance: resolved delegations",
		"holders", len(out),
		"markers", len(markers),
		"terminal", ends[WalkTerminal],
		"self_cycles", ends[WalkSelfCycle],
		"cycles", ends[WalkCycle],
		"hop_limited", ends[WalkHopLimit],
	)
	return out
}

// follow walks markers from cur. visited holds every node on the current
// path, origin included.
func (r *DelegationResolver) follow(markers map[string]string, origin, cur string, visited map[string]struct{}, hops int) (string, WalkEnd) {
	next, ok := markers[cur]
	if !ok {
		return cur, WalkTerminal
	}
	if next == origin {
		return "", WalkSelfCycle
	}
	if _, seen := visited[next]; seen {
		return cur, WalkCycle
	}
	if hops+1 > r.cfg.MaxHops {
		return "", WalkHopLimit
	}
	visited[next] = struct{}{}
	return r.follow(markers, origin, next, visited, hops+1)
}
