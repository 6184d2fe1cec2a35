package ledger_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/clinicore/clinicore/internal/clock"
	"github.com/clinicore/clinicore/internal/payment/domain"
	"github.com/clinicore/clinicore/internal/payment/ledger"
	"github.com/clinicore/clinicore/internal/payment/status"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_ledger_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}

	schema := []string{
		`CREATE TABLE payment_transactions (
			id BIGINT PRIMARY KEY,
			clinic_id BIGINT NOT NULL,
			merchant_id BIGINT NOT NULL,
			product_id BIGINT,
			subscription_id BIGINT,
			provider TEXT NOT NULL,
			provider_event_id TEXT,
			provider_order_id TEXT,
			provider_charge_id TEXT,
			amount_cents BIGINT NOT NULL,
			currency TEXT NOT NULL,
			status TEXT NOT NULL,
			legacy_status TEXT NOT NULL,
			merchant_amount_cents BIGINT NOT NULL,
			platform_amount_cents BIGINT NOT NULL,
			platform_fee_cents BIGINT NOT NULL,
			refunded_cents BIGINT NOT NULL DEFAULT 0,
			raw_payload TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE UNIQUE INDEX ux_tx_provider_event
			ON payment_transactions(provider, provider_event_id)
			WHERE provider_event_id IS NOT NULL`,
		`CREATE UNIQUE INDEX ux_tx_provider_order_charge
			ON payment_transactions(provider, provider_order_id, provider_charge_id)
			WHERE provider_order_id IS NOT NULL AND provider_charge_id IS NOT NULL`,
		`CREATE TABLE payment_subscriptions (
			id BIGINT PRIMARY KEY,
			clinic_id BIGINT NOT NULL,
			provider TEXT NOT NULL,
			provider_subscription_id TEXT NOT NULL,
			product_id BIGINT,
			status TEXT NOT NULL,
			raw_payload TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE UNIQUE INDEX ux_sub_provider_sub_id
			ON payment_subscriptions(provider, provider_subscription_id)`,
	}
	for _, stmt := range schema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}
	return db
}

func newService(t *testing.T, db *gorm.DB) domain.Ledger {
	t.Helper()
	node, err := snowflake.NewNode(3)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	return ledger.NewService(ledger.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clock.System(),
		Repo:  ledger.ProvideRepository(),
	})
}

func baseFacts(clinicID snowflake.ID) *domain.TransactionFacts {
	return &domain.TransactionFacts{
		ClinicID:        clinicID,
		MerchantID:      clinicID + 1,
		Provider:        "pagarme",
		ProviderEventID: "ev_1",
		AmountCents:     10_000,
		Currency:        "BRL",
		Status:          status.Succeeded,
		LegacyStatus:    status.LegacyPaid,
		RawPayload:      []byte(`{"id":"ev_1"}`),
		Policy: domain.FeePolicy{
			MerchantPercent: 70,
			FlatFeeCents:    100,
			FeeBasisPoints:  500,
		},
	}
}

func TestUpsertComputesDocumentedSplit(t *testing.T) {
	db := setupTestDB(t)
	svc := newService(t, db)

	// 10000 gross, 70% split, 500 bps + 100 flat:
	// fee = 500+100 = 600, share = 7000, merchant = 6400, platform = 3600.
	tx, transitioned, err := svc.Upsert(context.Background(), baseFacts(100))
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if !transitioned {
		t.Fatal("expected first SUCCEEDED upsert to report a transition")
	}
	if tx.PlatformFeeCents != 600 {
		t.Fatalf("platform fee = %d, want 600", tx.PlatformFeeCents)
	}
	if tx.MerchantAmountCents != 6400 {
		t.Fatalf("merchant amount = %d, want 6400", tx.MerchantAmountCents)
	}
	if tx.PlatformAmountCents != 3600 {
		t.Fatalf("platform amount = %d, want 3600", tx.PlatformAmountCents)
	}
	if tx.Status != status.Succeeded || tx.LegacyStatus != status.LegacyPaid {
		t.Fatalf("status = %s/%s", tx.Status, tx.LegacyStatus)
	}
}

func TestUpsertIsIdempotent(t *testing.T) {
	db := setupTestDB(t)
	svc := newService(t, db)
	ctx := context.Background()

	first, transitioned, err := svc.Upsert(ctx, baseFacts(200))
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if !transitioned {
		t.Fatal("first upsert should transition")
	}

	second, transitioned, err := svc.Upsert(ctx, baseFacts(200))
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if transitioned {
		t.Fatal("replayed upsert must not transition again")
	}
	if first.ID != second.ID {
		t.Fatalf("expected same row, got %d and %d", first.ID, second.ID)
	}

	var count int64
	if err := db.Raw(`SELECT COUNT(1) FROM payment_transactions`).Scan(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 row, got %d", count)
	}
}

func TestUpsertTransitionsOnlyOnce(t *testing.T) {
	db := setupTestDB(t)
	svc := newService(t, db)
	ctx := context.Background()

	pending := baseFacts(300)
	pending.Status = status.Pending
	pending.LegacyStatus = status.LegacyPending

	if _, transitioned, err := svc.Upsert(ctx, pending); err != nil || transitioned {
		t.Fatalf("pending upsert: transitioned=%v err=%v", transitioned, err)
	}

	if _, transitioned, err := svc.Upsert(ctx, baseFacts(300)); err != nil || !transitioned {
		t.Fatalf("succeeded upsert: transitioned=%v err=%v", transitioned, err)
	}

	// Gateway retries the success callback.
	if _, transitioned, err := svc.Upsert(ctx, baseFacts(300)); err != nil || transitioned {
		t.Fatalf("replay upsert: transitioned=%v err=%v", transitioned, err)
	}

	// A later refund never re-reports the success transition.
	refunded := baseFacts(300)
	refunded.Status = status.Refunded
	refunded.LegacyStatus = status.LegacyRefunded
	refunded.RefundedCents = 10_000
	row, transitioned, err := svc.Upsert(ctx, refunded)
	if err != nil || transitioned {
		t.Fatalf("refund upsert: transitioned=%v err=%v", transitioned, err)
	}
	if row.Status != status.Refunded || row.RefundedCents != 10_000 {
		t.Fatalf("refund not applied: %s/%d", row.Status, row.RefundedCents)
	}
}

func TestUpsertByOrderChargeKey(t *testing.T) {
	db := setupTestDB(t)
	svc := newService(t, db)
	ctx := context.Background()

	facts := baseFacts(400)
	facts.ProviderEventID = ""
	facts.ProviderOrderID = "or_1"
	facts.ProviderChargeID = "ch_1"

	first, _, err := svc.Upsert(ctx, facts)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	again := baseFacts(400)
	again.ProviderEventID = ""
	again.ProviderOrderID = "or_1"
	again.ProviderChargeID = "ch_1"
	second, _, err := svc.Upsert(ctx, again)
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected same row for order+charge key, got %d and %d", first.ID, second.ID)
	}
}

func TestUpsertDistinctEventsSameChargeShareOneRow(t *testing.T) {
	db := setupTestDB(t)
	svc := newService(t, db)
	ctx := context.Background()

	paid := baseFacts(450)
	paid.ProviderOrderID = "or_1"
	paid.ProviderChargeID = "ch_1"
	first, transitioned, err := svc.Upsert(ctx, paid)
	if err != nil || !transitioned {
		t.Fatalf("paid upsert: transitioned=%v err=%v", transitioned, err)
	}

	// The refund callback carries a fresh provider event id but the same
	// order+charge pair; it must update the settled row, not open a second one.
	refunded := baseFacts(450)
	refunded.ProviderEventID = "ev_2"
	refunded.ProviderOrderID = "or_1"
	refunded.ProviderChargeID = "ch_1"
	refunded.Status = status.Refunded
	refunded.LegacyStatus = status.LegacyRefunded
	refunded.RefundedCents = 10_000

	second, transitioned, err := svc.Upsert(ctx, refunded)
	if err != nil || transitioned {
		t.Fatalf("refund upsert: transitioned=%v err=%v", transitioned, err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected same row, got %d and %d", first.ID, second.ID)
	}
	if second.Status != status.Refunded || second.RefundedCents != 10_000 {
		t.Fatalf("refund not applied: %s/%d", second.Status, second.RefundedCents)
	}

	var count int64
	if err := db.Raw(`SELECT COUNT(1) FROM payment_transactions`).Scan(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 row, got %d", count)
	}
}

func TestUpsertRejectsBadFacts(t *testing.T) {
	db := setupTestDB(t)
	svc := newService(t, db)
	ctx := context.Background()

	noKey := baseFacts(500)
	noKey.ProviderEventID = ""
	noKey.ProviderOrderID = "or_only"
	if _, _, err := svc.Upsert(ctx, noKey); err != domain.ErrMissingIdempotencyKey {
		t.Fatalf("expected ErrMissingIdempotencyKey, got %v", err)
	}

	badAmount := baseFacts(500)
	badAmount.AmountCents = -1
	if _, _, err := svc.Upsert(ctx, badAmount); err != domain.ErrInvalidAmount {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}

	badCurrency := baseFacts(500)
	badCurrency.Currency = "REAL"
	if _, _, err := svc.Upsert(ctx, badCurrency); err != domain.ErrInvalidCurrency {
		t.Fatalf("expected ErrInvalidCurrency, got %v", err)
	}

	noScope := baseFacts(500)
	noScope.ClinicID = 0
	if _, _, err := svc.Upsert(ctx, noScope); err != domain.ErrMissingClinicScope {
		t.Fatalf("expected ErrMissingClinicScope, got %v", err)
	}
}

func TestInsertReportsCrossIndexDuplicateAsLostRace(t *testing.T) {
	db := setupTestDB(t)
	repo := ledger.ProvideRepository()
	ctx := context.Background()
	now := time.Now().UTC()

	row := func(id snowflake.ID, eventID string) *domain.PaymentTransaction {
		ev, order, charge := eventID, "or_1", "ch_1"
		return &domain.PaymentTransaction{
			ID:               id,
			ClinicID:         700,
			MerchantID:       701,
			Provider:         "pagarme",
			ProviderEventID:  &ev,
			ProviderOrderID:  &order,
			ProviderChargeID: &charge,
			AmountCents:      10_000,
			Currency:         "BRL",
			Status:           status.Succeeded,
			LegacyStatus:     status.LegacyPaid,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
	}

	inserted, err := repo.Insert(ctx, db, row(1, "ev_1"))
	if err != nil || !inserted {
		t.Fatalf("first insert: inserted=%v err=%v", inserted, err)
	}

	// A fresh event id dodges the event-id conflict target but still trips the
	// order+charge index; that is a lost race, not an error.
	inserted, err = repo.Insert(ctx, db, row(2, "ev_2"))
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if inserted {
		t.Fatal("second insert must report the existing row, not a new one")
	}
}

func TestUpsertSubscription(t *testing.T) {
	db := setupTestDB(t)
	svc := newService(t, db)
	ctx := context.Background()

	event := &domain.InboundEvent{
		Provider:               "pagarme",
		Kind:                   domain.KindSubscription,
		ProviderSubscriptionID: "sub_1",
		ClinicID:               600,
		RawStatus:              "paid",
		RawPayload:             []byte(`{"id":"sub_1"}`),
	}

	first, err := svc.UpsertSubscription(ctx, event)
	if err != nil {
		t.Fatalf("upsert subscription: %v", err)
	}
	if first.Status != status.Succeeded {
		t.Fatalf("status = %s, want SUCCEEDED", first.Status)
	}

	event.RawStatus = "canceled"
	second, err := svc.UpsertSubscription(ctx, event)
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected same subscription row")
	}
	if second.Status != status.Canceled {
		t.Fatalf("status = %s, want CANCELED", second.Status)
	}
}
