package settle

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/malbeclabs/payouts/ledger/pkg/amount"
	"github.com/malbeclabs/payouts/ledger/pkg/ledger"
	"github.com/malbeclabs/payouts/settlement/pkg/batch"
	"github.com/malbeclabs/payouts/settlement/pkg/governance"
	"github.com/malbeclabs/payouts/settlement/pkg/metrics"
	"github.com/malbeclabs/payouts/settlement/pkg/store"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// SignerUpdate is the result of UpdateSigners. List is nil when the update
// was a no-op and nothing was persisted.
type SignerUpdate struct {
	List       *store.DistributionList
	Plan       batch.SignerPlan
	Normalized governance.Normalized
}

// UpdateSigners resolves delegations across the configured assets, normalizes
// signer weights and persists a governance list holding one signer update
// envelope for the governed account.
func (s *Settler) UpdateSigners(ctx context.Context, gt GovernanceType) (upd SignerUpdate, err error) {
	defer func() { metrics.RecordDistribution(store.ListTypeGovernance, err) }()

	if s.cfg.Snapshot == nil {
		return SignerUpdate{}, errors.New("snapshot provider is required")
	}
	if err := gt.Validate(); err != nil {
		return SignerUpdate{}, fmt.Errorf("invalid governance config: %w", err)
	}
	policy, _ := governance.ParsePolicy(gt.Policy)

	perAsset := make([][]ledger.Holder, len(gt.Assets))
	var account ledger.Holder
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.FetchConcurrency)
	for i, asset := range gt.Assets {
		g.Go(func() error {
			hs, err := s.cfg.Snapshot.ListHolders(gctx, asset)
			if err != nil {
				return unavailable(fmt.Sprintf("list holders of %s", asset), err)
			}
			perAsset[i] = hs
			return nil
		})
	}
	g.Go(func() error {
		a, err := s.cfg.Snapshot.GetAccount(gctx, gt.Account)
		if err != nil {
			return unavailable("get governed account", err)
		}
		account = a
		return nil
	})
	if err := g.Wait(); err != nil {
		return SignerUpdate{}, err
	}

	// The governed account's own key is its master key, not a signer.
	var holders []ledger.Holder
	for _, h := range mergeHolders(perAsset...) {
		if h.AccountID != gt.Account {
			holders = append(holders, h)
		}
	}
	current := make(map[string]uint32, len(account.Signers))
	for k, w := range account.Signers {
		if k != gt.Account {
			current[k] = w
		}
	}

	resolver, err := governance.NewDelegationResolver(governance.DelegationConfig{
		Logger:    s.log,
		Assets:    gt.Assets,
		MarkerKey: gt.MarkerKey,
		MaxHops:   gt.MaxHops,
	})
	if err != nil {
		return SignerUpdate{}, fmt.Errorf("failed to create delegation resolver: %w", err)
	}
	minBalance := decimal.Zero
	if gt.MinBalance != "" {
		minBalance = amount.MustParse(gt.MinBalance)
	}
	normalizer, err := governance.NewNormalizer(governance.NormalizerConfig{
		Logger:      s.log,
		MinBalance:  minBalance,
		Budget:      gt.Budget,
		MaxSigners:  gt.MaxSigners,
		TargetShare: gt.TargetShare,
		BandLow:     gt.BandLow,
		BandHigh:    gt.BandHigh,
	})
	if err != nil {
		return SignerUpdate{}, fmt.Errorf("failed to create normalizer: %w", err)
	}

	normalized := normalizer.Normalize(resolver.Resolve(holders, current))
	if normalized.Deviates {
		metrics.WeightBandDeviationsTotal.Inc()
	}

	now := s.cfg.Clock.Now().UTC()
	memo := gt.Memo
	if memo == "" {
		memo = "signers " + now.Format("2006-01-02")
	}
	plan, err := s.builder.SignerUpdate(gt.Account, memo, current, normalized, policy)
	if err != nil {
		return SignerUpdate{}, fmt.Errorf("failed to build signer update: %w", err)
	}
	upd = SignerUpdate{Plan: plan, Normalized: normalized}
	if plan.NoOp {
		s.log.Warn("settle: no eligible signers, discarding signer update", "account", gt.Account)
		return upd, nil
	}

	payload, err := plan.Envelope.Marshal()
	if err != nil {
		return SignerUpdate{}, fmt.Errorf("failed to encode signer update: %w", err)
	}
	list := store.DistributionList{
		ID:        uuid.New(),
		Type:      store.ListTypeGovernance,
		Memo:      plan.Envelope.Memo,
		Source:    gt.Account,
		Asset:     gt.Assets[0],
		Total:     decimal.Zero,
		CreatedAt: now,
	}
	if err := s.cfg.Store.CreateList(ctx, list, nil); err != nil {
		return SignerUpdate{}, fmt.Errorf("failed to persist governance list: %w", err)
	}
	if _, err := s.cfg.Store.AddEnvelope(ctx, list.ID, store.Built{Payload: payload, Operations: len(plan.Envelope.Operations)}); err != nil {
		return SignerUpdate{}, fmt.Errorf("failed to persist signer update: %w", err)
	}
	metrics.RecordChunk(store.ListTypeGovernance, 0, len(plan.Envelope.Operations))

	s.log.Info("settle: created signer update",
		"list", list.ID,
		"account", gt.Account,
		"changes", len(plan.Changes),
		"threshold", plan.Threshold,
		"policy", policy.String(),
		"largest_share", normalized.LargestShare,
	)
	upd.List = &list
	return upd, nil
}
