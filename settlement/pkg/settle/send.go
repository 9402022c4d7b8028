package settle

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/malbeclabs/payouts/ledger/pkg/envelope"
	"github.com/malbeclabs/payouts/ledger/pkg/ledger"
	"github.com/malbeclabs/payouts/settlement/pkg/archive"
	"github.com/malbeclabs/payouts/settlement/pkg/metrics"
	"github.com/malbeclabs/payouts/settlement/pkg/store"
	"github.com/malbeclabs/payouts/utils/pkg/retry"
)

// SendResult reports one SendPending pass.
type SendResult struct {
	Sent           int
	AlreadyApplied int
	Failed         int
	Unsent         int
}

// SendPending submits every unsent envelope of a list in order. Each envelope
// gets the source account's current sequence plus one and is re-signed. An
// envelope that fails stays unsent; failures are joined into the returned
// error and the pass continues with the next envelope. Envelopes already
// marked sent are never submitted again.
func (s *Settler) SendPending(ctx context.Context, listID uuid.UUID) (SendResult, error) {
	if s.cfg.Submitter == nil {
		return SendResult{}, retry.Permanent(errors.New("submitter is required"))
	}
	unlock := s.locks.lock(listID)
	defer unlock()

	envs, err := s.cfg.Store.Envelopes(ctx, listID, store.EnvelopeFilter{Sent: store.Bool(false)})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			err = retry.Permanent(err)
		}
		return SendResult{}, fmt.Errorf("failed to list unsent envelopes of list %s: %w", listID, err)
	}

	var (
		res      SendResult
		failures []error
	)
	lookup, _ := s.cfg.Submitter.(ledger.TransactionLookup)
	for _, e := range envs {
		if err := ctx.Err(); err != nil {
			failures = append(failures, err)
			break
		}

		if lookup != nil && e.LastAttemptHash != "" {
			applied, err := lookup.TransactionApplied(ctx, e.LastAttemptHash)
			if err != nil {
				// Resubmitting without knowing would risk paying twice.
				res.Failed++
				failures = append(failures, fmt.Errorf("envelope %d: failed to look up last attempt: %w", e.Seq, err))
				continue
			}
			if applied {
				if err := s.cfg.Store.MarkSent(ctx, e.ID, s.cfg.Clock.Now()); err != nil {
					res.Failed++
					failures = append(failures, fmt.Errorf("envelope %d: failed to mark sent: %w", e.Seq, err))
					continue
				}
				res.AlreadyApplied++
				metrics.RecordSubmission("already_applied", 0)
				s.log.Info("settle: last attempt already applied", "list", listID, "seq", e.Seq, "hash", e.LastAttemptHash)
				s.archiveSent(ctx, e, ledger.Receipt{Hash: e.LastAttemptHash})
				continue
			}
		}

		receipt, err := s.sendOne(ctx, e)
		if err != nil {
			res.Failed++
			failures = append(failures, fmt.Errorf("envelope %d: %w", e.Seq, err))
			s.log.Warn("settle: envelope submission failed", "list", listID, "seq", e.Seq, "error", err)
			continue
		}
		res.Sent++
		s.archiveSent(ctx, e, receipt)
	}

	res.Unsent = len(envs) - res.Sent - res.AlreadyApplied
	metrics.UnsentEnvelopes.WithLabelValues(listID.String()).Set(float64(res.Unsent))
	s.log.Info("settle: send pass finished",
		"list", listID,
		"sent", res.Sent,
		"already_applied", res.AlreadyApplied,
		"failed", res.Failed,
		"unsent", res.Unsent,
	)
	return res, errors.Join(failures...)
}

func (s *Settler) sendOne(ctx context.Context, e store.Envelope) (ledger.Receipt, error) {
	env, err := envelope.Unmarshal(e.Payload)
	if err != nil {
		return ledger.Receipt{}, retry.Permanent(fmt.Errorf("failed to decode stored envelope: %w", err))
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return ledger.Receipt{}, err
	}

	seq, err := s.cfg.Submitter.LoadSequence(ctx, env.Source)
	if err != nil {
		return ledger.Receipt{}, fmt.Errorf("failed to load sequence of %s: %w", env.Source, err)
	}
	env.Sequence = seq + 1
	env.Signatures = nil
	for _, key := range s.cfg.Signers {
		if err := env.Sign(s.cfg.Passphrase, key); err != nil {
			return ledger.Receipt{}, retry.Permanent(fmt.Errorf("failed to sign envelope: %w", err))
		}
	}
	raw, err := env.Marshal()
	if err != nil {
		return ledger.Receipt{}, retry.Permanent(fmt.Errorf("failed to encode envelope: %w", err))
	}
	hash, err := env.HashHex(s.cfg.Passphrase)
	if err != nil {
		return ledger.Receipt{}, retry.Permanent(fmt.Errorf("failed to hash envelope: %w", err))
	}
	if err := s.cfg.Store.SaveAttempt(ctx, e.ID, raw, hash); err != nil {
		return ledger.Receipt{}, fmt.Errorf("failed to save attempt: %w", err)
	}

	start := s.cfg.Clock.Now()
	receipt, err := s.cfg.Submitter.Submit(ctx, raw)
	elapsed := s.cfg.Clock.Since(start)
	if err != nil {
		metrics.RecordSubmission("error", elapsed)
		return ledger.Receipt{}, err
	}
	metrics.RecordSubmission("success", elapsed)

	if err := s.cfg.Store.MarkSent(ctx, e.ID, s.cfg.Clock.Now()); err != nil {
		return ledger.Receipt{}, fmt.Errorf("submitted as %s but failed to mark sent: %w", receipt.Hash, err)
	}
	s.log.Debug("settle: envelope sent", "list", e.ListID, "seq", e.Seq, "hash", receipt.Hash, "ledger", receipt.Ledger, "sequence", env.Sequence)
	return receipt, nil
}

// archiveSent records the payments of a sent envelope. The envelope is
// already marked sent, so failures are only logged.
func (s *Settler) archiveSent(ctx context.Context, e store.Envelope, receipt ledger.Receipt) {
	if s.cfg.Archive == nil {
		return
	}
	rec, err := s.archiveRecord(ctx, e, receipt)
	if err == nil {
		err = s.cfg.Archive.Write(ctx, rec)
	}
	if err != nil {
		s.log.Warn("settle: failed to archive sent envelope", "list", e.ListID, "seq", e.Seq, "error", err)
	}
}

func (s *Settler) archiveRecord(ctx context.Context, e store.Envelope, receipt ledger.Receipt) (archive.Record, error) {
	list, err := s.cfg.Store.GetList(ctx, e.ListID)
	if err != nil {
		return archive.Record{}, err
	}
	packed, err := s.cfg.Store.Payments(ctx, e.ListID, store.PaymentFilter{Packed: store.Bool(true)})
	if err != nil {
		return archive.Record{}, err
	}
	rec := archive.Record{
		List:        list,
		EnvelopeSeq: e.Seq,
		TxHash:      receipt.Hash,
		Ledger:      receipt.Ledger,
		SentAt:      s.cfg.Clock.Now(),
	}
	for _, p := range packed {
		if p.EnvelopeID != nil && *p.EnvelopeID == e.ID && p.Amount.IsPositive() {
			rec.Payments = append(rec.Payments, p)
		}
	}
	return rec, nil
}

// SendUntilDone repeats SendPending with backoff until every envelope of the
// list is sent, a failure is not retryable, or attempts run out.
func (s *Settler) SendUntilDone(ctx context.Context, listID uuid.UUID, cfg retry.Config) error {
	if cfg.MaxAttempts == 0 {
		cfg = retry.DefaultConfig()
	}
	if cfg.OnRetry == nil {
		cfg.OnRetry = func(attempt int, err error, backoff time.Duration) {
			s.log.Info("settle: retrying send pass", "list", listID, "attempt", attempt, "backoff", backoff, "error", err)
		}
	}
	return retry.Do(ctx, cfg, func() error {
		_, err := s.SendPending(ctx, listID)
		return err
	})
}

func encodeBase64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}
