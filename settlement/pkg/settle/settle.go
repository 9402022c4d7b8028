// Package settle runs distributions end to end: allocation, persistence,
// chunk packing and resumable submission.
package settle

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/payouts/ledger/pkg/envelope"
	"github.com/malbeclabs/payouts/ledger/pkg/ledger"
	"github.com/malbeclabs/payouts/settlement/pkg/archive"
	"github.com/malbeclabs/payouts/settlement/pkg/batch"
	"github.com/malbeclabs/payouts/settlement/pkg/store"
	"golang.org/x/time/rate"
)

// ErrInsufficientDistributable is returned when the computed payout exceeds
// the source account balance. Nothing is persisted.
var ErrInsufficientDistributable = errors.New("insufficient distributable balance")

const defaultFetchConcurrency = 8

type Config struct {
	Logger   *slog.Logger
	Clock    clockwork.Clock
	Store    store.Store
	Snapshot ledger.SnapshotProvider
	// History is required by time weighted distribution types.
	History ledger.HistoryProvider
	// Submitter is required by SendPending. When it also implements
	// ledger.TransactionLookup, previously attempted envelopes are checked
	// before being submitted again.
	Submitter ledger.Submitter
	// Archive, when set, records the payments of every sent envelope.
	Archive archive.Writer

	// ChunkSize caps operations per envelope.
	ChunkSize  int
	Passphrase string
	// Signers re-sign envelopes after their sequence is refreshed. Without
	// signers envelopes are submitted unsigned for external signing setups.
	Signers []ed25519.PrivateKey

	// SubmitRate paces submissions. Zero means unlimited.
	SubmitRate  rate.Limit
	SubmitBurst int

	FetchConcurrency int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = envelope.MaxOperations
	}
	if cfg.ChunkSize < 1 || cfg.ChunkSize > envelope.MaxOperations {
		return fmt.Errorf("chunk size must be between 1 and %d", envelope.MaxOperations)
	}
	if cfg.Passphrase == "" {
		cfg.Passphrase = envelope.PublicNetworkPassphrase
	}
	if cfg.SubmitRate == 0 {
		cfg.SubmitRate = rate.Inf
	}
	if cfg.SubmitBurst <= 0 {
		cfg.SubmitBurst = 1
	}
	if cfg.FetchConcurrency <= 0 {
		cfg.FetchConcurrency = defaultFetchConcurrency
	}
	return nil
}

// Settler owns every mutation of distribution lists. Operations on one list
// are serialized in process; different lists proceed independently.
type Settler struct {
	log     *slog.Logger
	cfg     Config
	builder *batch.Builder
	limiter *rate.Limiter
	locks   *listLocks
}

func New(cfg Config) (*Settler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	builder, err := batch.NewBuilder(batch.Config{Logger: cfg.Logger, MaxOperations: cfg.ChunkSize})
	if err != nil {
		return nil, fmt.Errorf("failed to create batch builder: %w", err)
	}
	return &Settler{
		log:     cfg.Logger,
		cfg:     cfg,
		builder: builder,
		limiter: rate.NewLimiter(cfg.SubmitRate, cfg.SubmitBurst),
		locks:   newListLocks(),
	}, nil
}

type listLock struct {
	mu   sync.Mutex
	refs int
}

type listLocks struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*listLock
}

func newListLocks() *listLocks {
	return &listLocks{locks: make(map[uuid.UUID]*listLock)}
}

// lock blocks until id is free and returns the unlock func.
func (l *listLocks) lock(id uuid.UUID) func() {
	l.mu.Lock()
	ll, ok := l.locks[id]
	if !ok {
		ll = &listLock{}
		l.locks[id] = ll
	}
	ll.refs++
	l.mu.Unlock()

	ll.mu.Lock()
	return func() {
		ll.mu.Unlock()
		l.mu.Lock()
		ll.refs--
		if ll.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}
