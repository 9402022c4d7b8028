// Package ledger declares the values and collaborator capabilities the
// settlement core consumes. Nothing here speaks a wire protocol; concrete
// providers and submitters are injected by callers.
package ledger

import (
	"context"
	"errors"
	"fmt"
)

// ErrSnapshotUnavailable marks a failed collaborator fetch. A run that sees it
// aborts without persisting anything and can be retried from scratch.
var ErrSnapshotUnavailable = errors.New("ledger snapshot unavailable")

// SnapshotProvider supplies holder and account snapshots.
type SnapshotProvider interface {
	ListHolders(ctx context.Context, asset Asset) ([]Holder, error)
	GetAccount(ctx context.Context, accountID string) (Holder, error)
}

// HistoryProvider supplies credit/debit events for time-weighted variants.
type HistoryProvider interface {
	GetHistory(ctx context.Context, asset Asset, accountID string, r DateRange) ([]Event, error)
}

// Submitter submits envelopes and reports account sequence numbers.
type Submitter interface {
	LoadSequence(ctx context.Context, accountID string) (int64, error)
	Submit(ctx context.Context, envelope []byte) (Receipt, error)
}

// TransactionLookup is optionally implemented by a Submitter that can tell
// whether a transaction hash was already applied by the network.
type TransactionLookup interface {
	TransactionApplied(ctx context.Context, hash string) (bool, error)
}

// SubmitError is a network or ledger rejection of an envelope. Transient
// marks rejections worth retrying as is, such as timeouts or a stale sequence.
type SubmitError struct {
	Code      string
	Transient bool
	Err       error
}

func (e *SubmitError) Retryable() bool {
	return e.Transient
}

func (e *SubmitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("submit failed: %s", e.Code)
	}
	return fmt.Sprintf("submit failed: %s: %v", e.Code, e.Err)
}

func (e *SubmitError) Unwrap() error {
	return e.Err
}

// Unavailable wraps err as ErrSnapshotUnavailable.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrSnapshotUnavailable, op, err)
}
