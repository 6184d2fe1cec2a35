// Package webhook implements the inbound gateway callback receiver: signature
// gate, clinic scope resolution, status normalization and the ledger upsert,
// with a domain event emitted on the first transition into SUCCEEDED.
package webhook

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	eventdomain "github.com/clinicore/clinicore/internal/event/domain"
	eventservice "github.com/clinicore/clinicore/internal/event/service"
	"github.com/clinicore/clinicore/internal/observability/metrics"
	"github.com/clinicore/clinicore/internal/payment/domain"
	"github.com/clinicore/clinicore/internal/payment/gateways"
	"github.com/clinicore/clinicore/internal/payment/status"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Registry *gateways.Registry
	Ledger   domain.Ledger
	Emitter  *eventservice.Emitter
	Metrics  *metrics.Metrics
}

// Result is the acknowledgement produced for the HTTP layer.
type Result struct {
	Ignored      bool
	Replayed     bool
	Transaction  *domain.PaymentTransaction
	Subscription *domain.Subscription
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	registry *gateways.Registry
	ledger   domain.Ledger
	emitter  *eventservice.Emitter
	metrics  *metrics.Metrics
}

func NewService(p Params) *Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("payment.webhook"),
		registry: p.Registry,
		ledger:   p.Ledger,
		emitter:  p.Emitter,
		metrics:  p.Metrics,
	}
}

// Ingest processes one raw gateway callback. Unknown subtypes surface
// ErrEventIgnored, which the HTTP layer acknowledges with 200 so the gateway
// stops retrying. Replays of already processed events are no-op successes.
func (s *Service) Ingest(ctx context.Context, provider string, payload []byte, headers map[string][]string) (*Result, error) {
	adapter, err := s.registry.Adapter(provider)
	if err != nil {
		s.count(provider, "unknown_provider")
		return nil, err
	}

	event, err := adapter.Parse(payload)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrEventIgnored):
			s.count(provider, "ignored")
			return &Result{Ignored: true}, nil
		case errors.Is(err, domain.ErrMissingClinicScope):
			s.count(provider, "missing_scope")
		default:
			s.count(provider, "invalid_payload")
		}
		return nil, err
	}

	cfg, err := s.loadGatewayConfig(ctx, event.ClinicID, adapter.Provider())
	if err != nil {
		s.count(provider, "error")
		return nil, err
	}

	// Signature gate. Clinics without a configured secret skip verification
	// during onboarding; the gap is logged so it stays visible.
	if cfg != nil && cfg.WebhookSecret != "" {
		if err := adapter.Verify(payload, headers, cfg.WebhookSecret); err != nil {
			s.count(provider, "invalid_signature")
			return nil, domain.ErrInvalidSignature
		}
	} else {
		s.log.Warn("signature verification skipped, no webhook secret configured",
			zap.String("provider", adapter.Provider()),
			zap.String("clinic_id", event.ClinicID.String()),
		)
	}

	switch event.Kind {
	case domain.KindSubscription:
		return s.ingestSubscription(ctx, provider, event)
	default:
		return s.ingestCharge(ctx, provider, event, cfg)
	}
}

func (s *Service) ingestCharge(ctx context.Context, provider string, event *domain.InboundEvent, cfg *domain.GatewayConfig) (*Result, error) {
	if !event.HasIdempotencyKey() {
		s.count(provider, "missing_idempotency_key")
		return nil, domain.ErrMissingIdempotencyKey
	}

	canonical, legacy := status.Normalize(event.Provider, event.RawStatus)

	facts := &domain.TransactionFacts{
		ClinicID:         event.ClinicID,
		MerchantID:       event.ClinicID,
		ProductID:        event.ProductID,
		Provider:         event.Provider,
		ProviderEventID:  event.ProviderEventID,
		ProviderOrderID:  event.ProviderOrderID,
		ProviderChargeID: event.ProviderChargeID,
		AmountCents:      event.AmountCents,
		RefundedCents:    event.RefundedCents,
		Currency:         event.Currency,
		Status:           canonical,
		LegacyStatus:     legacy,
		RawPayload:       event.RawPayload,
		Policy:           domain.FeePolicy{MerchantPercent: 100},
	}
	if cfg != nil {
		facts.MerchantID = cfg.MerchantID
		facts.Policy = domain.FeePolicy{
			MerchantPercent: cfg.MerchantPercent,
			FlatFeeCents:    cfg.FlatFeeCents,
			FeeBasisPoints:  cfg.FeeBasisPoints,
		}
	}

	tx, transitioned, err := s.ledger.Upsert(ctx, facts)
	if err != nil {
		s.count(provider, "error")
		return nil, err
	}

	if transitioned {
		if err := s.emitSettled(ctx, event, tx); err != nil {
			// The transaction is already committed; the event write failed.
			// Gateways retry the callback, and the emit path is idempotent.
			s.log.Error("emit settled event failed",
				zap.String("transaction_id", tx.ID.String()),
				zap.Error(err),
			)
			s.count(provider, "error")
			return nil, err
		}
	}

	s.count(provider, "accepted")
	return &Result{Transaction: tx, Replayed: !transitioned && tx.Status == status.Succeeded}, nil
}

func (s *Service) ingestSubscription(ctx context.Context, provider string, event *domain.InboundEvent) (*Result, error) {
	sub, err := s.ledger.UpsertSubscription(ctx, event)
	if err != nil {
		s.count(provider, "error")
		return nil, err
	}
	s.count(provider, "accepted")
	return &Result{Subscription: sub}, nil
}

// emitSettled raises the money event. It runs only on the first transition
// into SUCCEEDED, keyed by the provider event id so crash-and-retry of the
// callback cannot double it.
func (s *Service) emitSettled(ctx context.Context, event *domain.InboundEvent, tx *domain.PaymentTransaction) error {
	externalID := ""
	if event.ProviderEventID != "" {
		externalID = fmt.Sprintf("%s:%s", event.Provider, event.ProviderEventID)
	}

	metadata := map[string]any{
		"transactionId": tx.ID.String(),
		"provider":      tx.Provider,
		"amountCents":   float64(tx.AmountCents),
		"currency":      tx.Currency,
		"merchantCents": float64(tx.MerchantAmountCents),
		"platformCents": float64(tx.PlatformAmountCents),
		"platformFee":   float64(tx.PlatformFeeCents),
	}
	if event.ProviderEventID != "" {
		metadata["providerEventId"] = event.ProviderEventID
	}

	_, err := s.emitter.Emit(ctx, &eventdomain.Envelope{
		EventID:      externalID,
		Type:         eventdomain.TransactionSucceeded,
		ClinicID:     tx.ClinicID,
		ActorType:    eventdomain.ActorSystem,
		ResourceType: "transaction",
		ResourceID:   tx.ID.String(),
		Metadata:     metadata,
	})
	return err
}

func (s *Service) loadGatewayConfig(ctx context.Context, clinicID snowflake.ID, provider string) (*domain.GatewayConfig, error) {
	var cfg domain.GatewayConfig
	err := s.db.WithContext(ctx).Raw(
		`SELECT id, clinic_id, provider, merchant_id, webhook_secret,
		        merchant_percent, flat_fee_cents, fee_basis_points, active,
		        created_at, updated_at
		 FROM clinic_gateway_configs
		 WHERE clinic_id = ? AND provider = ?
		 LIMIT 1`,
		clinicID, provider,
	).Scan(&cfg).Error
	if err != nil {
		return nil, err
	}
	if cfg.ID == 0 {
		return nil, nil
	}
	return &cfg, nil
}

func (s *Service) count(provider, result string) {
	s.metrics.WebhookIngestTotal.WithLabelValues(provider, result).Inc()
}

var Module = fx.Module("payment.webhook",
	fx.Provide(NewService),
)
