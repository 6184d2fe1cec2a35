package ledger

import (
	"context"

	"gorm.io/gorm"

	"github.com/clinicore/clinicore/internal/payment/domain"
	pkgdb "github.com/clinicore/clinicore/pkg/db"
)

type repo struct{}

// ProvideRepository returns the SQL-backed ledger repository.
func ProvideRepository() domain.Repository {
	return &repo{}
}

const transactionColumns = `id, clinic_id, merchant_id, product_id, subscription_id,
	provider, provider_event_id, provider_order_id, provider_charge_id,
	amount_cents, currency, status, legacy_status,
	merchant_amount_cents, platform_amount_cents, platform_fee_cents,
	refunded_cents, raw_payload, created_at, updated_at`

func (r *repo) FindByEventID(ctx context.Context, db *gorm.DB, provider, providerEventID string) (*domain.PaymentTransaction, error) {
	var item domain.PaymentTransaction
	err := db.WithContext(ctx).Raw(
		`SELECT `+transactionColumns+`
		 FROM payment_transactions
		 WHERE provider = ? AND provider_event_id = ?
		 LIMIT 1`,
		provider,
		providerEventID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) FindByOrderCharge(ctx context.Context, db *gorm.DB, provider, orderID, chargeID string) (*domain.PaymentTransaction, error) {
	var item domain.PaymentTransaction
	err := db.WithContext(ctx).Raw(
		`SELECT `+transactionColumns+`
		 FROM payment_transactions
		 WHERE provider = ? AND provider_order_id = ? AND provider_charge_id = ?
		 LIMIT 1`,
		provider,
		orderID,
		chargeID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

// Insert writes a new transaction row, returning false without error when the
// idempotency constraint already holds a row for the same key. The conflict
// target matches whichever composite key the row carries; the indexes are
// partial, so the target must repeat their predicate for arbiter inference.
// A duplicate-key error from the index NOT named in the target (a row carrying
// a new event id but a known order+charge pair) is also a lost race, not a
// failure.
func (r *repo) Insert(ctx context.Context, db *gorm.DB, tx *domain.PaymentTransaction) (bool, error) {
	conflict := `ON CONFLICT (provider, provider_order_id, provider_charge_id)
		WHERE provider_order_id IS NOT NULL AND provider_charge_id IS NOT NULL
		DO NOTHING`
	if tx.ProviderEventID != nil {
		conflict = `ON CONFLICT (provider, provider_event_id)
			WHERE provider_event_id IS NOT NULL
			DO NOTHING`
	}

	res := db.WithContext(ctx).Exec(
		`INSERT INTO payment_transactions (`+transactionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) `+conflict,
		tx.ID,
		tx.ClinicID,
		tx.MerchantID,
		tx.ProductID,
		tx.SubscriptionID,
		tx.Provider,
		tx.ProviderEventID,
		tx.ProviderOrderID,
		tx.ProviderChargeID,
		tx.AmountCents,
		tx.Currency,
		tx.Status,
		tx.LegacyStatus,
		tx.MerchantAmountCents,
		tx.PlatformAmountCents,
		tx.PlatformFeeCents,
		tx.RefundedCents,
		tx.RawPayload,
		tx.CreatedAt,
		tx.UpdatedAt,
	)
	if res.Error != nil {
		if pkgdb.IsDuplicateKeyErr(res.Error) {
			return false, nil
		}
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// Update overwrites the mutable columns of an existing row. created_at is
// deliberately not touched.
func (r *repo) Update(ctx context.Context, db *gorm.DB, tx *domain.PaymentTransaction) error {
	return db.WithContext(ctx).Exec(
		`UPDATE payment_transactions
		 SET status = ?, legacy_status = ?, amount_cents = ?, currency = ?,
		     merchant_amount_cents = ?, platform_amount_cents = ?, platform_fee_cents = ?,
		     refunded_cents = ?, subscription_id = ?,
		     provider_order_id = COALESCE(provider_order_id, ?),
		     provider_charge_id = COALESCE(provider_charge_id, ?),
		     raw_payload = ?, updated_at = ?
		 WHERE id = ?`,
		tx.Status,
		tx.LegacyStatus,
		tx.AmountCents,
		tx.Currency,
		tx.MerchantAmountCents,
		tx.PlatformAmountCents,
		tx.PlatformFeeCents,
		tx.RefundedCents,
		tx.SubscriptionID,
		tx.ProviderOrderID,
		tx.ProviderChargeID,
		tx.RawPayload,
		tx.UpdatedAt,
		tx.ID,
	).Error
}

func (r *repo) UpsertSubscription(ctx context.Context, db *gorm.DB, sub *domain.Subscription) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO payment_subscriptions (
			id, clinic_id, provider, provider_subscription_id, product_id,
			status, raw_payload, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider, provider_subscription_id) DO UPDATE SET
			status = excluded.status,
			raw_payload = excluded.raw_payload,
			updated_at = excluded.updated_at`,
		sub.ID,
		sub.ClinicID,
		sub.Provider,
		sub.ProviderSubscriptionID,
		sub.ProductID,
		sub.Status,
		sub.RawPayload,
		sub.CreatedAt,
		sub.UpdatedAt,
	).Error
}

func (r *repo) FindSubscription(ctx context.Context, db *gorm.DB, provider, providerSubscriptionID string) (*domain.Subscription, error) {
	var item domain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT id, clinic_id, provider, provider_subscription_id, product_id,
		        status, raw_payload, created_at, updated_at
		 FROM payment_subscriptions
		 WHERE provider = ? AND provider_subscription_id = ?
		 LIMIT 1`,
		provider,
		providerSubscriptionID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}
