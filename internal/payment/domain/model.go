package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/clinicore/clinicore/internal/payment/status"
)

// PaymentTransaction is one row per gateway charge/order attempt. Rows are
// created on the first callback for a given idempotency key and mutated in
// place by every subsequent callback for the same key. They are never hard
// deleted.
type PaymentTransaction struct {
	ID                  snowflake.ID     `json:"id" gorm:"primaryKey"`
	ClinicID            snowflake.ID     `json:"clinic_id" gorm:"not null;index"`
	MerchantID          snowflake.ID     `json:"merchant_id" gorm:"not null;index"`
	ProductID           snowflake.ID     `json:"product_id"`
	SubscriptionID      *snowflake.ID    `json:"subscription_id"`
	Provider            string           `json:"provider" gorm:"type:text;not null"`
	ProviderEventID     *string          `json:"provider_event_id" gorm:"type:text"`
	ProviderOrderID     *string          `json:"provider_order_id" gorm:"type:text"`
	ProviderChargeID    *string          `json:"provider_charge_id" gorm:"type:text"`
	AmountCents         int64            `json:"amount_cents" gorm:"not null"`
	Currency            string           `json:"currency" gorm:"type:text;not null"`
	Status              status.Canonical `json:"status" gorm:"type:text;not null"`
	LegacyStatus        status.Legacy    `json:"legacy_status" gorm:"type:text;not null"`
	MerchantAmountCents int64            `json:"merchant_amount_cents" gorm:"not null"`
	PlatformAmountCents int64            `json:"platform_amount_cents" gorm:"not null"`
	PlatformFeeCents    int64            `json:"platform_fee_cents" gorm:"not null"`
	RefundedCents       int64            `json:"refunded_cents" gorm:"not null;default:0"`
	RawPayload          datatypes.JSON   `json:"raw_payload" gorm:"type:jsonb"`
	CreatedAt           time.Time        `json:"created_at" gorm:"not null"`
	UpdatedAt           time.Time        `json:"updated_at" gorm:"not null"`
}

func (PaymentTransaction) TableName() string { return "payment_transactions" }

// Subscription tracks a gateway-side recurring payment agreement for a
// patient of a clinic.
type Subscription struct {
	ID                     snowflake.ID     `json:"id" gorm:"primaryKey"`
	ClinicID               snowflake.ID     `json:"clinic_id" gorm:"not null;index"`
	Provider               string           `json:"provider" gorm:"type:text;not null"`
	ProviderSubscriptionID string           `json:"provider_subscription_id" gorm:"type:text;not null"`
	ProductID              snowflake.ID     `json:"product_id"`
	Status                 status.Canonical `json:"status" gorm:"type:text;not null"`
	RawPayload             datatypes.JSON   `json:"raw_payload" gorm:"type:jsonb"`
	CreatedAt              time.Time        `json:"created_at" gorm:"not null"`
	UpdatedAt              time.Time        `json:"updated_at" gorm:"not null"`
}

func (Subscription) TableName() string { return "payment_subscriptions" }

// GatewayConfig is the per-clinic configuration for one payment provider:
// webhook secret, merchant identity and the fee split policy applied to
// settled charges. A clinic without a secret has signature checking skipped
// (trust-on-first-use during onboarding).
type GatewayConfig struct {
	ID              snowflake.ID `json:"id" gorm:"primaryKey"`
	ClinicID        snowflake.ID `json:"clinic_id" gorm:"not null;index"`
	Provider        string       `json:"provider" gorm:"type:text;not null"`
	MerchantID      snowflake.ID `json:"merchant_id" gorm:"not null"`
	WebhookSecret   string       `json:"-" gorm:"type:text"`
	MerchantPercent int64        `json:"merchant_percent" gorm:"not null;default:100"`
	FlatFeeCents    int64        `json:"flat_fee_cents" gorm:"not null;default:0"`
	FeeBasisPoints  int64        `json:"fee_basis_points" gorm:"not null;default:0"`
	Active          bool         `json:"active" gorm:"not null;default:true"`
	CreatedAt       time.Time    `json:"created_at" gorm:"not null"`
	UpdatedAt       time.Time    `json:"updated_at" gorm:"not null"`
}

func (GatewayConfig) TableName() string { return "clinic_gateway_configs" }

// FeePolicy is the merchant/platform split applied to a gross amount.
type FeePolicy struct {
	MerchantPercent int64
	FlatFeeCents    int64
	FeeBasisPoints  int64
}

// EventKind is the coarse classification used to route an inbound callback.
type EventKind string

const (
	KindCharge       EventKind = "charge"
	KindSubscription EventKind = "subscription"
)

// InboundEvent is the provider-neutral form of a parsed gateway callback.
type InboundEvent struct {
	Provider               string
	Kind                   EventKind
	ProviderEventID        string
	ProviderOrderID        string
	ProviderChargeID       string
	ProviderSubscriptionID string
	ClinicID               snowflake.ID
	ProductID              snowflake.ID
	RawStatus              string
	AmountCents            int64
	RefundedCents          int64
	Currency               string
	OccurredAt             time.Time
	RawPayload             []byte
}

// HasIdempotencyKey reports whether the event carries enough identity to be
// processed exactly once: an external event id, or the order+charge pair.
func (e *InboundEvent) HasIdempotencyKey() bool {
	if e == nil {
		return false
	}
	if e.ProviderEventID != "" {
		return true
	}
	return e.ProviderOrderID != "" && e.ProviderChargeID != ""
}

// TransactionFacts is the ledger upsert input derived from an InboundEvent
// plus the clinic's gateway configuration.
type TransactionFacts struct {
	ClinicID         snowflake.ID
	MerchantID       snowflake.ID
	ProductID        snowflake.ID
	SubscriptionID   *snowflake.ID
	Provider         string
	ProviderEventID  string
	ProviderOrderID  string
	ProviderChargeID string
	AmountCents      int64
	RefundedCents    int64
	Currency         string
	Status           status.Canonical
	LegacyStatus     status.Legacy
	RawPayload       []byte
	Policy           FeePolicy
}

// Ledger is the idempotent transaction upsert boundary.
type Ledger interface {
	// Upsert inserts or updates the transaction identified by the facts'
	// idempotency key. transitioned is true only when this call moved the
	// row into SUCCEEDED for the first time.
	Upsert(ctx context.Context, facts *TransactionFacts) (tx *PaymentTransaction, transitioned bool, err error)

	// UpsertSubscription records the latest state of a gateway-side
	// subscription.
	UpsertSubscription(ctx context.Context, event *InboundEvent) (*Subscription, error)
}

// Repository is the persistence contract for the ledger, keyed the way the
// idempotency constraints are.
type Repository interface {
	FindByEventID(ctx context.Context, db *gorm.DB, provider, providerEventID string) (*PaymentTransaction, error)
	FindByOrderCharge(ctx context.Context, db *gorm.DB, provider, orderID, chargeID string) (*PaymentTransaction, error)
	Insert(ctx context.Context, db *gorm.DB, tx *PaymentTransaction) (bool, error)
	Update(ctx context.Context, db *gorm.DB, tx *PaymentTransaction) error
	UpsertSubscription(ctx context.Context, db *gorm.DB, sub *Subscription) error
	FindSubscription(ctx context.Context, db *gorm.DB, provider, providerSubscriptionID string) (*Subscription, error)
}

// GatewayAdapter parses and authenticates callbacks for one provider family.
type GatewayAdapter interface {
	Provider() string
	// SignatureHeader returns the first recognized signature header value,
	// trying provider-specific header names in priority order.
	SignatureHeader(headers map[string][]string) string
	// Verify checks the payload signature against the clinic's secret.
	Verify(payload []byte, headers map[string][]string, secret string) error
	// Parse converts the raw payload into an InboundEvent. Unknown event
	// subtypes return ErrEventIgnored.
	Parse(payload []byte) (*InboundEvent, error)
}
