// Package ledger implements the idempotent payment transaction ledger:
// insert-or-update keyed by each provider's idempotency constraint, with
// merchant/platform fee splits computed in integer cents.
package ledger

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/clinicore/clinicore/internal/clock"
	"github.com/clinicore/clinicore/internal/payment/domain"
	"github.com/clinicore/clinicore/internal/payment/status"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  domain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  domain.Repository
}

func NewService(p Params) domain.Ledger {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("payment.ledger"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
	}
}

// Upsert performs the atomic insert-or-update for the transaction identified
// by the facts' idempotency key. Latest write wins for status and monetary
// fields; created_at is preserved. transitioned is true only when this call
// moved the row into SUCCEEDED for the first time, which is the sole trigger
// for money events upstream.
func (s *Service) Upsert(ctx context.Context, facts *domain.TransactionFacts) (*domain.PaymentTransaction, bool, error) {
	if err := validateFacts(facts); err != nil {
		return nil, false, err
	}

	split := ComputeSplit(facts.AmountCents, facts.Policy)
	now := s.clock.Now().UTC()

	var result *domain.PaymentTransaction
	var transitioned bool

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.find(ctx, tx, facts)
		if err != nil {
			return err
		}

		if existing == nil {
			row := s.buildRow(facts, split, now)
			inserted, err := s.repo.Insert(ctx, tx, row)
			if err != nil {
				return err
			}
			if inserted {
				result = row
				transitioned = facts.Status == status.Succeeded
				return nil
			}
			// Lost a race with a concurrent callback for the same key;
			// fall through to the update path.
			existing, err = s.find(ctx, tx, facts)
			if err != nil {
				return err
			}
			if existing == nil {
				return domain.ErrInvalidEvent
			}
		}

		transitioned = facts.Status == status.Succeeded && existing.Status != status.Succeeded

		existing.Status = facts.Status
		existing.LegacyStatus = facts.LegacyStatus
		existing.AmountCents = facts.AmountCents
		existing.Currency = facts.Currency
		existing.MerchantAmountCents = split.MerchantCents
		existing.PlatformAmountCents = split.PlatformCents
		existing.PlatformFeeCents = split.PlatformFeeCents
		existing.RefundedCents = facts.RefundedCents
		if facts.SubscriptionID != nil {
			existing.SubscriptionID = facts.SubscriptionID
		}
		if existing.ProviderOrderID == nil && facts.ProviderOrderID != "" {
			existing.ProviderOrderID = ptr(facts.ProviderOrderID)
		}
		if existing.ProviderChargeID == nil && facts.ProviderChargeID != "" {
			existing.ProviderChargeID = ptr(facts.ProviderChargeID)
		}
		if len(facts.RawPayload) > 0 {
			existing.RawPayload = datatypes.JSON(facts.RawPayload)
		}
		existing.UpdatedAt = now

		if err := s.repo.Update(ctx, tx, existing); err != nil {
			return err
		}
		result = existing
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	if transitioned {
		s.log.Info("transaction settled",
			zap.String("provider", result.Provider),
			zap.String("transaction_id", result.ID.String()),
			zap.Int64("amount_cents", result.AmountCents),
			zap.Int64("merchant_cents", result.MerchantAmountCents),
			zap.Int64("platform_cents", result.PlatformAmountCents),
		)
	}
	return result, transitioned, nil
}

// UpsertSubscription records the latest gateway-side subscription state,
// keyed by (provider, provider_subscription_id).
func (s *Service) UpsertSubscription(ctx context.Context, event *domain.InboundEvent) (*domain.Subscription, error) {
	if event == nil || event.ProviderSubscriptionID == "" {
		return nil, domain.ErrInvalidEvent
	}
	if event.ClinicID == 0 {
		return nil, domain.ErrMissingClinicScope
	}

	canonical, _ := status.Normalize(event.Provider, event.RawStatus)
	now := s.clock.Now().UTC()
	sub := &domain.Subscription{
		ID:                     s.genID.Generate(),
		ClinicID:               event.ClinicID,
		Provider:               event.Provider,
		ProviderSubscriptionID: event.ProviderSubscriptionID,
		ProductID:              event.ProductID,
		Status:                 canonical,
		RawPayload:             datatypes.JSON(event.RawPayload),
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if err := s.repo.UpsertSubscription(ctx, s.db, sub); err != nil {
		return nil, err
	}
	return s.repo.FindSubscription(ctx, s.db, event.Provider, event.ProviderSubscriptionID)
}

// find resolves the row the facts' idempotency key points at. The event id is
// tried first; a miss falls back to the order+charge pair, because distinct
// provider events (order.paid, then order.refunded) reference the same charge
// under fresh event ids and must land on the same row.
func (s *Service) find(ctx context.Context, tx *gorm.DB, facts *domain.TransactionFacts) (*domain.PaymentTransaction, error) {
	if facts.ProviderEventID != "" {
		existing, err := s.repo.FindByEventID(ctx, tx, facts.Provider, facts.ProviderEventID)
		if err != nil || existing != nil {
			return existing, err
		}
	}
	if facts.ProviderOrderID != "" && facts.ProviderChargeID != "" {
		return s.repo.FindByOrderCharge(ctx, tx, facts.Provider, facts.ProviderOrderID, facts.ProviderChargeID)
	}
	return nil, nil
}

func (s *Service) buildRow(facts *domain.TransactionFacts, split FeeSplit, now time.Time) *domain.PaymentTransaction {
	row := &domain.PaymentTransaction{
		ID:                  s.genID.Generate(),
		ClinicID:            facts.ClinicID,
		MerchantID:          facts.MerchantID,
		ProductID:           facts.ProductID,
		SubscriptionID:      facts.SubscriptionID,
		Provider:            facts.Provider,
		AmountCents:         facts.AmountCents,
		Currency:            facts.Currency,
		Status:              facts.Status,
		LegacyStatus:        facts.LegacyStatus,
		MerchantAmountCents: split.MerchantCents,
		PlatformAmountCents: split.PlatformCents,
		PlatformFeeCents:    split.PlatformFeeCents,
		RefundedCents:       facts.RefundedCents,
		RawPayload:          datatypes.JSON(facts.RawPayload),
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if facts.ProviderEventID != "" {
		row.ProviderEventID = ptr(facts.ProviderEventID)
	}
	if facts.ProviderOrderID != "" {
		row.ProviderOrderID = ptr(facts.ProviderOrderID)
	}
	if facts.ProviderChargeID != "" {
		row.ProviderChargeID = ptr(facts.ProviderChargeID)
	}
	return row
}

func validateFacts(facts *domain.TransactionFacts) error {
	if facts == nil {
		return domain.ErrInvalidEvent
	}
	facts.Provider = strings.ToLower(strings.TrimSpace(facts.Provider))
	if facts.Provider == "" {
		return domain.ErrInvalidProvider
	}
	facts.ProviderEventID = strings.TrimSpace(facts.ProviderEventID)
	facts.ProviderOrderID = strings.TrimSpace(facts.ProviderOrderID)
	facts.ProviderChargeID = strings.TrimSpace(facts.ProviderChargeID)
	if facts.ProviderEventID == "" && (facts.ProviderOrderID == "" || facts.ProviderChargeID == "") {
		return domain.ErrMissingIdempotencyKey
	}
	if facts.ClinicID == 0 {
		return domain.ErrMissingClinicScope
	}
	if facts.AmountCents < 0 {
		return domain.ErrInvalidAmount
	}
	facts.Currency = strings.ToUpper(strings.TrimSpace(facts.Currency))
	if len(facts.Currency) != 3 {
		return domain.ErrInvalidCurrency
	}
	if facts.Policy.MerchantPercent < 0 || facts.Policy.MerchantPercent > 100 ||
		facts.Policy.FeeBasisPoints < 0 || facts.Policy.FlatFeeCents < 0 {
		return domain.ErrInvalidFeePolicy
	}
	if facts.Status == "" {
		facts.Status = status.Processing
		facts.LegacyStatus = status.LegacyOf(status.Processing)
	}
	return nil
}

func ptr(s string) *string { return &s }
