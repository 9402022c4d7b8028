// Package snapshot provides a file-backed snapshot provider for offline runs
// and fixtures. The document is a JSON export of holder lists, individual
// accounts and balance history taken by an external fetcher.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"sort"

	"github.com/malbeclabs/payouts/ledger/pkg/ledger"
)

// Document is the on-disk layout.
type Document struct {
	// Holders is keyed by asset (ledger.Asset.Key()).
	Holders  map[string][]ledger.Holder `json:"holders"`
	Accounts []ledger.Holder            `json:"accounts,omitempty"`
	History  []ledger.Event             `json:"history,omitempty"`
}

// File serves snapshots from a Document.
type File struct {
	doc Document
}

// Load reads a Document from path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot file: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse snapshot file %s: %w", path, err)
	}
	return New(doc), nil
}

func New(doc Document) *File {
	return &File{doc: doc}
}

func (f *File) ListHolders(ctx context.Context, asset ledger.Asset) ([]ledger.Holder, error) {
	holders, ok := f.doc.Holders[asset.Key()]
	if !ok {
		return nil, ledger.Unavailable("list holders", fmt.Errorf("no holders for asset %s", asset))
	}
	return slices.Clone(holders), nil
}

func (f *File) GetAccount(ctx context.Context, accountID string) (ledger.Holder, error) {
	for _, a := range f.doc.Accounts {
		if a.AccountID == accountID {
			return a, nil
		}
	}
	for _, holders := range f.doc.Holders {
		for _, h := range holders {
			if h.AccountID == accountID {
				return h, nil
			}
		}
	}
	return ledger.Holder{}, ledger.Unavailable("get account", fmt.Errorf("account %s not found", accountID))
}

func (f *File) GetHistory(ctx context.Context, asset ledger.Asset, accountID string, r ledger.DateRange) ([]ledger.Event, error) {
	var events []ledger.Event
	for _, e := range f.doc.History {
		if e.AccountID != accountID || e.Asset.Key() != asset.Key() {
			continue
		}
		if !e.At.Before(r.To) {
			continue
		}
		events = append(events, e)
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].At.Before(events[j].At) })
	return events, nil
}
