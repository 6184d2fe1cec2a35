package server_test

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/clinicore/clinicore/internal/clock"
	"github.com/clinicore/clinicore/internal/config"
	eventservice "github.com/clinicore/clinicore/internal/event/service"
	"github.com/clinicore/clinicore/internal/observability"
	"github.com/clinicore/clinicore/internal/observability/metrics"
	"github.com/clinicore/clinicore/internal/payment/gateways"
	"github.com/clinicore/clinicore/internal/payment/ledger"
	paymentwebhook "github.com/clinicore/clinicore/internal/payment/webhook"
	"github.com/clinicore/clinicore/internal/server"
	"github.com/clinicore/clinicore/internal/webhooks/endpoint"
)

var routerSchema = []string{
	`CREATE TABLE clinic_gateway_configs (
		id BIGINT PRIMARY KEY,
		clinic_id BIGINT NOT NULL,
		provider TEXT NOT NULL,
		merchant_id BIGINT NOT NULL,
		webhook_secret TEXT NOT NULL DEFAULT '',
		merchant_percent BIGINT NOT NULL DEFAULT 100,
		flat_fee_cents BIGINT NOT NULL DEFAULT 0,
		fee_basis_points BIGINT NOT NULL DEFAULT 0,
		active BOOLEAN NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
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

func newRouter(t *testing.T) (*gin.Engine, *gorm.DB) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:memdb_server_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	for _, stmt := range routerSchema {
		require.NoError(t, db.Exec(stmt).Error)
	}

	node, err := snowflake.NewNode(7)
	require.NoError(t, err)
	log := zap.NewNop()
	clk := clock.System()
	m := metrics.New()
	cache := endpoint.ProvideEndpointCache()

	ledgerSvc := ledger.NewService(ledger.Params{
		DB: db, Log: log, GenID: node, Clock: clk, Repo: ledger.ProvideRepository(),
	})
	emitter := eventservice.NewEmitter(eventservice.Params{
		DB: db, Log: log, GenID: node, Clock: clk, Cache: cache, Metrics: m,
	})
	ingest := paymentwebhook.NewService(paymentwebhook.Params{
		DB: db, Log: log, Registry: gateways.NewDefaultRegistry(),
		Ledger: ledgerSvc, Emitter: emitter, Metrics: m,
	})
	endpoints := endpoint.NewService(endpoint.Params{
		DB: db, Log: log, GenID: node, Clock: clk, Cache: cache,
	})

	engine := server.NewEngine(server.Params{
		Config:    config.Config{Environment: "test"},
		ObsConfig: observability.Config{Environment: "test", LogLevel: "info"},
		Log:       log,
		Ingest:    ingest,
		Endpoints: endpoints,
		Emitter:   emitter,
		Metrics:   m,
	})
	return engine, db
}

func doJSON(t *testing.T, engine *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	engine, _ := newRouter(t)
	w := doJSON(t, engine, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
}

func TestIngestRouteAcceptsSignedCallback(t *testing.T) {
	engine, db := newRouter(t)

	now := time.Now().UTC()
	require.NoError(t, db.Exec(
		`INSERT INTO clinic_gateway_configs (id, clinic_id, provider, merchant_id, webhook_secret,
			merchant_percent, flat_fee_cents, fee_basis_points, active, created_at, updated_at)
		 VALUES (1, 100, 'pagarme', 101, 'sk_test', 70, 100, 500, 1, ?, ?)`,
		now, now,
	).Error)

	body := `{"id":"hook_1","type":"order.paid","data":{"id":"or_1","amount":10000,"currency":"BRL","status":"paid","metadata":{"clinic_id":"100"},"charges":[{"id":"ch_1"}]}}`
	mac := hmac.New(sha256.New, []byte("sk_test"))
	mac.Write([]byte(body))

	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments/pagarme", strings.NewReader(body))
	req.Header.Set("X-Hub-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"ok":true}`, w.Body.String())

	var count int64
	db.Raw(`SELECT COUNT(1) FROM payment_transactions WHERE status = 'SUCCEEDED'`).Scan(&count)
	require.EqualValues(t, 1, count)
}

func TestIngestRouteMapsErrors(t *testing.T) {
	engine, _ := newRouter(t)

	w := doJSON(t, engine, http.MethodPost, "/webhooks/payments/paypal", `{}`)
	require.Equal(t, http.StatusNotFound, w.Code)
	require.JSONEq(t, `{"error":"provider_not_found"}`, w.Body.String())

	w = doJSON(t, engine, http.MethodPost, "/webhooks/payments/pagarme",
		`{"id":"hook_2","type":"order.paid","data":{"id":"or_1","amount":100,"status":"paid"}}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.JSONEq(t, `{"error":"missing_clinic_scope"}`, w.Body.String())
}

func TestEndpointLifecycle(t *testing.T) {
	engine, _ := newRouter(t)

	w := doJSON(t, engine, http.MethodPost, "/api/v1/clinics/100/webhook-endpoints",
		`{"url":"https://hooks.example.com/in","eventTypes":["transaction.succeeded"]}`)
	require.Equal(t, http.StatusCreated, w.Code)

	var created map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	require.NotEmpty(t, created["secret"], "secret must be returned on create")
	id := created["id"].(string)

	w = doJSON(t, engine, http.MethodGet, "/api/v1/clinics/100/webhook-endpoints/"+id, "")
	require.Equal(t, http.StatusOK, w.Code)
	var fetched map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &fetched))
	require.Nil(t, fetched["secret"], "secret must not be returned after create")

	w = doJSON(t, engine, http.MethodPatch, "/api/v1/clinics/100/webhook-endpoints/"+id, `{"active":false}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, engine, http.MethodPost, "/api/v1/clinics/100/webhook-endpoints",
		`{"url":"http://insecure.example.com"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.JSONEq(t, `{"error":"invalid_endpoint_url"}`, w.Body.String())

	w = doJSON(t, engine, http.MethodGet, "/api/v1/clinics/200/webhook-endpoints/"+id, "")
	require.Equal(t, http.StatusNotFound, w.Code, "cross-clinic access must 404")
}

func TestEmitTestEvent(t *testing.T) {
	engine, db := newRouter(t)

	w := doJSON(t, engine, http.MethodPost, "/api/v1/clinics/100/events/test", `{"note":"hello"}`)
	require.Equal(t, http.StatusAccepted, w.Code)

	var count int64
	db.Raw(`SELECT COUNT(1) FROM domain_events WHERE type = 'system.test'`).Scan(&count)
	require.EqualValues(t, 1, count)
}
