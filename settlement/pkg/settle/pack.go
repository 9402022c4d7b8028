package settle

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/malbeclabs/payouts/settlement/pkg/batch"
	"github.com/malbeclabs/payouts/settlement/pkg/metrics"
	"github.com/malbeclabs/payouts/settlement/pkg/store"
)

// GenerateNextChunk packs the next chunk of unpacked payments of a list into
// at most one envelope and reports how many payments remain unpacked.
func (s *Settler) GenerateNextChunk(ctx context.Context, listID uuid.UUID) (store.PackResult, error) {
	unlock := s.locks.lock(listID)
	defer unlock()
	return s.generateNextChunk(ctx, listID)
}

func (s *Settler) generateNextChunk(ctx context.Context, listID uuid.UUID) (store.PackResult, error) {
	list, err := s.cfg.Store.GetList(ctx, listID)
	if err != nil {
		return store.PackResult{}, fmt.Errorf("failed to get list %s: %w", listID, err)
	}

	res, err := s.cfg.Store.PackChunk(ctx, listID, s.builder.MaxOperations(), func(chunk []store.Payment) (store.Built, error) {
		items := make([]batch.Item, len(chunk))
		for i, p := range chunk {
			items[i] = batch.Item{Destination: p.AccountID, Amount: p.Amount}
		}
		env, err := s.builder.Payments(list.Source, list.Asset, list.Memo, items)
		if err != nil {
			return store.Built{}, err
		}
		if env == nil {
			return store.Built{}, nil
		}
		payload, err := env.Marshal()
		if err != nil {
			return store.Built{}, fmt.Errorf("failed to encode envelope: %w", err)
		}
		return store.Built{Payload: payload, Operations: len(env.Operations)}, nil
	})
	if err != nil {
		return store.PackResult{}, fmt.Errorf("failed to pack chunk of list %s: %w", listID, err)
	}

	ops := 0
	if res.Envelope != nil {
		ops = res.Envelope.Operations
	}
	metrics.RecordChunk(list.Type, res.Packed, ops)
	if res.Packed > 0 {
		s.log.Debug("settle: packed chunk", "list", listID, "packed", res.Packed, "operations", ops, "remaining", res.Remaining)
	}
	return res, nil
}

// Remaining returns the number of unpacked payments of a list.
func (s *Settler) Remaining(ctx context.Context, listID uuid.UUID) (int, error) {
	n, err := s.cfg.Store.CountUnpacked(ctx, listID)
	if err != nil {
		return 0, fmt.Errorf("failed to count unpacked payments of list %s: %w", listID, err)
	}
	return n, nil
}

// PackAll generates chunks until no unpacked payment remains and returns the
// number of envelopes built. Cancelling ctx stops between chunks.
func (s *Settler) PackAll(ctx context.Context, listID uuid.UUID) (int, error) {
	unlock := s.locks.lock(listID)
	defer unlock()

	built := 0
	for {
		if err := ctx.Err(); err != nil {
			return built, err
		}
		res, err := s.generateNextChunk(ctx, listID)
		if err != nil {
			return built, err
		}
		if res.Envelope != nil {
			built++
		}
		if res.Packed == 0 || res.Remaining == 0 {
			break
		}
	}
	s.log.Info("settle: packed list", "list", listID, "envelopes", built)
	return built, nil
}

// Export returns the base64 form of a list's envelopes in order. A nil sent
// filter returns all of them.
func (s *Settler) Export(ctx context.Context, listID uuid.UUID, sent *bool) ([]string, error) {
	envs, err := s.cfg.Store.Envelopes(ctx, listID, store.EnvelopeFilter{Sent: sent})
	if err != nil {
		return nil, fmt.Errorf("failed to list envelopes of list %s: %w", listID, err)
	}
	out := make([]string, len(envs))
	for i, e := range envs {
		out[i] = encodeBase64(e.Payload)
	}
	return out, nil
}
