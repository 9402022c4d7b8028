package admin

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/malbeclabs/payouts/settlement/pkg/store"
)

// MarkSentConfig identifies an envelope an operator confirmed on the ledger.
type MarkSentConfig struct {
	ListID uuid.UUID
	Seq    int
	DryRun bool
	Yes    bool
}

// MarkEnvelopeSent flags one unsent envelope as sent without submitting it.
// It is the manual counterpart of the transaction lookup for submitters that
// cannot answer whether an earlier attempt was applied.
func MarkEnvelopeSent(ctx context.Context, log *slog.Logger, st store.Store, prompt Prompt, cfg MarkSentConfig, now time.Time) error {
	envs, err := st.Envelopes(ctx, cfg.ListID, store.EnvelopeFilter{Sent: store.Bool(false)})
	if err != nil {
		return fmt.Errorf("failed to list unsent envelopes: %w", err)
	}

	var target *store.Envelope
	for i := range envs {
		if envs[i].Seq == cfg.Seq {
			target = &envs[i]
			break
		}
	}
	if target == nil {
		return fmt.Errorf("no unsent envelope %d in list %s", cfg.Seq, cfg.ListID)
	}

	fmt.Fprintf(prompt.Out, "Envelope %d of list %s (%d operations)\n", target.Seq, cfg.ListID, target.Operations)
	if target.LastAttemptHash != "" {
		fmt.Fprintf(prompt.Out, "  last attempt: %s\n", target.LastAttemptHash)
	} else {
		fmt.Fprintln(prompt.Out, "  never attempted")
	}

	if cfg.DryRun {
		fmt.Fprintln(prompt.Out, "\n[DRY RUN] Would mark the above envelope as sent")
		return nil
	}
	if !cfg.Yes {
		ok, err := prompt.Confirm("The envelope will never be submitted again. Only continue if it is on the ledger.")
		if err != nil || !ok {
			return err
		}
	}

	if err := st.MarkSent(ctx, target.ID, now); err != nil {
		return fmt.Errorf("failed to mark envelope sent: %w", err)
	}
	log.Info("envelope marked sent", "list", cfg.ListID, "seq", target.Seq, "hash", target.LastAttemptHash)
	return nil
}
