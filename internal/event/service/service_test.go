package service_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/clinicore/clinicore/internal/clock"
	"github.com/clinicore/clinicore/internal/event/domain"
	"github.com/clinicore/clinicore/internal/event/service"
	"github.com/clinicore/clinicore/internal/observability/metrics"
	webhookdomain "github.com/clinicore/clinicore/internal/webhooks/domain"
	"github.com/clinicore/clinicore/internal/webhooks/endpoint"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_event_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}

	schema := []string{
		`CREATE TABLE domain_events (
			id BIGINT PRIMARY KEY,
			event_id TEXT,
			type TEXT NOT NULL,
			clinic_id BIGINT NOT NULL,
			actor_type TEXT NOT NULL,
			actor_id TEXT NOT NULL DEFAULT '',
			resource_type TEXT NOT NULL,
			resource_id TEXT NOT NULL,
			payload TEXT,
			created_at DATETIME NOT NULL
		)`,
		`CREATE UNIQUE INDEX ux_event_event_id
			ON domain_events(event_id) WHERE event_id IS NOT NULL`,
		`CREATE TABLE webhook_endpoints (
			id BIGINT PRIMARY KEY,
			clinic_id BIGINT NOT NULL,
			url TEXT NOT NULL,
			secret TEXT NOT NULL,
			active BOOLEAN NOT NULL DEFAULT 1,
			event_types TEXT,
			max_concurrent_deliveries BIGINT NOT NULL DEFAULT 5,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE webhook_deliveries (
			id BIGINT PRIMARY KEY,
			event_id BIGINT NOT NULL,
			endpoint_id BIGINT NOT NULL,
			clinic_id BIGINT NOT NULL,
			status TEXT NOT NULL DEFAULT 'PENDING',
			attempts BIGINT NOT NULL DEFAULT 0,
			next_attempt_at DATETIME,
			lease_expires_at DATETIME,
			last_status_code BIGINT,
			last_error TEXT NOT NULL DEFAULT '',
			delivered_at DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE UNIQUE INDEX ux_delivery_event_endpoint
			ON webhook_deliveries(event_id, endpoint_id)`,
	}
	for _, stmt := range schema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}
	return db
}

func newEmitter(t *testing.T, db *gorm.DB) *service.Emitter {
	t.Helper()
	node, err := snowflake.NewNode(4)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	return service.NewEmitter(service.Params{
		DB:      db,
		Log:     zap.NewNop(),
		GenID:   node,
		Clock:   clock.System(),
		Cache:   endpoint.ProvideEndpointCache(),
		Metrics: metrics.New(),
	})
}

func seedEndpoint(t *testing.T, db *gorm.DB, id, clinicID int64, active bool, eventTypes string) {
	t.Helper()
	now := time.Now().UTC()
	err := db.Exec(
		`INSERT INTO webhook_endpoints (id, clinic_id, url, secret, active, event_types,
			max_concurrent_deliveries, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, clinicID, fmt.Sprintf("https://sub%d.example.com/hook", id), "whsec_test",
		active, eventTypes, 5, now, now,
	).Error
	if err != nil {
		t.Fatalf("seed endpoint: %v", err)
	}
}

func testEnvelope(clinicID snowflake.ID) *domain.Envelope {
	return &domain.Envelope{
		Type:         domain.TransactionSucceeded,
		ClinicID:     clinicID,
		ActorType:    domain.ActorSystem,
		ResourceType: "transaction",
		ResourceID:   "123",
		Metadata: map[string]any{
			"transactionId": "123",
			"provider":      "pagarme",
			"amountCents":   float64(10000),
			"currency":      "BRL",
		},
	}
}

func TestEmitFansOutToActiveEndpointsOnly(t *testing.T) {
	db := setupTestDB(t)
	emitter := newEmitter(t, db)
	ctx := context.Background()

	seedEndpoint(t, db, 1, 100, true, "")
	seedEndpoint(t, db, 2, 100, true, "")
	seedEndpoint(t, db, 3, 100, false, "") // inactive
	seedEndpoint(t, db, 4, 999, true, "")  // other clinic

	ev, err := emitter.Emit(ctx, testEnvelope(100))
	if err != nil {
		t.Fatalf("emit: %v", err)
	}

	var deliveries []webhookdomain.OutboundWebhookDelivery
	if err := db.Raw(`SELECT * FROM webhook_deliveries WHERE event_id = ? ORDER BY endpoint_id`, ev.ID).Scan(&deliveries).Error; err != nil {
		t.Fatalf("load deliveries: %v", err)
	}
	if len(deliveries) != 2 {
		t.Fatalf("expected 2 deliveries, got %d", len(deliveries))
	}
	for _, d := range deliveries {
		if d.Status != webhookdomain.StatusPending || d.Attempts != 0 {
			t.Fatalf("delivery %d: status=%s attempts=%d", d.EndpointID, d.Status, d.Attempts)
		}
	}
}

func TestEmitRespectsEventTypeFilter(t *testing.T) {
	db := setupTestDB(t)
	emitter := newEmitter(t, db)
	ctx := context.Background()

	seedEndpoint(t, db, 1, 100, true, `["transaction.succeeded"]`)
	seedEndpoint(t, db, 2, 100, true, `["customer.created"]`)

	ev, err := emitter.Emit(ctx, testEnvelope(100))
	if err != nil {
		t.Fatalf("emit: %v", err)
	}

	var endpointIDs []int64
	if err := db.Raw(`SELECT endpoint_id FROM webhook_deliveries WHERE event_id = ?`, ev.ID).Scan(&endpointIDs).Error; err != nil {
		t.Fatalf("load deliveries: %v", err)
	}
	if len(endpointIDs) != 1 || endpointIDs[0] != 1 {
		t.Fatalf("expected delivery only for endpoint 1, got %v", endpointIDs)
	}
}

func TestEmitIdempotentOnExternalEventID(t *testing.T) {
	db := setupTestDB(t)
	emitter := newEmitter(t, db)
	ctx := context.Background()

	seedEndpoint(t, db, 1, 100, true, "")

	env := testEnvelope(100)
	env.EventID = "ext_ev_1"
	first, err := emitter.Emit(ctx, env)
	if err != nil {
		t.Fatalf("first emit: %v", err)
	}

	replay := testEnvelope(100)
	replay.EventID = "ext_ev_1"
	second, err := emitter.Emit(ctx, replay)
	if err != nil {
		t.Fatalf("replay emit: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("replay created a new event: %d vs %d", first.ID, second.ID)
	}

	var events, deliveries int64
	db.Raw(`SELECT COUNT(1) FROM domain_events`).Scan(&events)
	db.Raw(`SELECT COUNT(1) FROM webhook_deliveries`).Scan(&deliveries)
	if events != 1 {
		t.Fatalf("expected 1 event row, got %d", events)
	}
	if deliveries != 1 {
		t.Fatalf("expected 1 delivery row, got %d", deliveries)
	}
}

func TestEmitRejectsBadEnvelopes(t *testing.T) {
	db := setupTestDB(t)
	emitter := newEmitter(t, db)
	ctx := context.Background()

	unknown := testEnvelope(100)
	unknown.Type = "transaction.exploded"
	if _, err := emitter.Emit(ctx, unknown); !errors.Is(err, domain.ErrUnknownEventType) {
		t.Fatalf("expected ErrUnknownEventType, got %v", err)
	}

	noScope := testEnvelope(0)
	if _, err := emitter.Emit(ctx, noScope); !errors.Is(err, domain.ErrMissingClinicScope) {
		t.Fatalf("expected ErrMissingClinicScope, got %v", err)
	}

	badActor := testEnvelope(100)
	badActor.ActorType = "robot"
	if _, err := emitter.Emit(ctx, badActor); !errors.Is(err, domain.ErrInvalidActor) {
		t.Fatalf("expected ErrInvalidActor, got %v", err)
	}

	missing := testEnvelope(100)
	delete(missing.Metadata, "amountCents")
	var verr *domain.ValidationError
	if _, err := emitter.Emit(ctx, missing); !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}

	extra := testEnvelope(100)
	extra.Metadata["surprise"] = "field"
	if _, err := emitter.Emit(ctx, extra); !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError for extra field, got %v", err)
	}

	var count int64
	db.Raw(`SELECT COUNT(1) FROM domain_events`).Scan(&count)
	if count != 0 {
		t.Fatalf("rejected envelopes must not persist, found %d rows", count)
	}
}
