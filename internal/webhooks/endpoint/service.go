// Package endpoint manages webhook endpoint registrations: subscriber URLs,
// signing secrets, and per-endpoint delivery concurrency caps.
package endpoint

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/url"
	"strings"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/clinicore/clinicore/internal/clock"
	"github.com/clinicore/clinicore/internal/webhooks/domain"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Cache *EndpointCache
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	cache *EndpointCache
}

func NewService(p Params) *Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("webhooks.endpoint"),
		genID: p.GenID,
		clock: p.Clock,
		cache: p.Cache,
	}
}

// CreateInput carries the caller-supplied endpoint fields. Secret is optional;
// when empty a random one is generated and returned once on the created row.
type CreateInput struct {
	ClinicID                snowflake.ID
	URL                     string
	Secret                  string
	EventTypes              []string
	MaxConcurrentDeliveries int
}

func (s *Service) Create(ctx context.Context, in CreateInput) (*domain.WebhookEndpoint, error) {
	if err := validateURL(in.URL); err != nil {
		return nil, err
	}
	if in.MaxConcurrentDeliveries == 0 {
		in.MaxConcurrentDeliveries = 5
	}
	if in.MaxConcurrentDeliveries < 1 {
		return nil, domain.ErrInvalidConcurrency
	}
	secret := strings.TrimSpace(in.Secret)
	if secret == "" {
		secret = generateSecret()
	}

	now := s.clock.Now().UTC()
	ep := &domain.WebhookEndpoint{
		ID:                      s.genID.Generate(),
		ClinicID:                in.ClinicID,
		URL:                     strings.TrimSpace(in.URL),
		Secret:                  secret,
		Active:                  true,
		MaxConcurrentDeliveries: in.MaxConcurrentDeliveries,
		CreatedAt:               now,
		UpdatedAt:               now,
	}
	if len(in.EventTypes) > 0 {
		raw, err := json.Marshal(in.EventTypes)
		if err != nil {
			return nil, err
		}
		ep.EventTypes = datatypes.JSON(raw)
	}

	err := s.db.WithContext(ctx).Exec(
		`INSERT INTO webhook_endpoints (
			id, clinic_id, url, secret, active, event_types,
			max_concurrent_deliveries, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ep.ID, ep.ClinicID, ep.URL, ep.Secret, ep.Active, ep.EventTypes,
		ep.MaxConcurrentDeliveries, ep.CreatedAt, ep.UpdatedAt,
	).Error
	if err != nil {
		return nil, err
	}

	s.cache.Delete(in.ClinicID)
	s.log.Info("webhook endpoint created",
		zap.String("endpoint_id", ep.ID.String()),
		zap.String("clinic_id", ep.ClinicID.String()),
	)
	return ep, nil
}

// UpdateInput applies partial updates; nil fields are left untouched.
type UpdateInput struct {
	URL                     *string
	Active                  *bool
	EventTypes              []string
	MaxConcurrentDeliveries *int
}

// Update mutates an endpoint. Disabling an endpoint stops new fan-out but
// deliberately leaves already queued deliveries to drain.
func (s *Service) Update(ctx context.Context, clinicID, id snowflake.ID, in UpdateInput) (*domain.WebhookEndpoint, error) {
	ep, err := s.Get(ctx, clinicID, id)
	if err != nil {
		return nil, err
	}

	if in.URL != nil {
		if err := validateURL(*in.URL); err != nil {
			return nil, err
		}
		ep.URL = strings.TrimSpace(*in.URL)
	}
	if in.Active != nil {
		ep.Active = *in.Active
	}
	if in.MaxConcurrentDeliveries != nil {
		if *in.MaxConcurrentDeliveries < 1 {
			return nil, domain.ErrInvalidConcurrency
		}
		ep.MaxConcurrentDeliveries = *in.MaxConcurrentDeliveries
	}
	if in.EventTypes != nil {
		raw, err := json.Marshal(in.EventTypes)
		if err != nil {
			return nil, err
		}
		ep.EventTypes = datatypes.JSON(raw)
	}
	ep.UpdatedAt = s.clock.Now().UTC()

	err = s.db.WithContext(ctx).Exec(
		`UPDATE webhook_endpoints
		 SET url = ?, active = ?, event_types = ?, max_concurrent_deliveries = ?, updated_at = ?
		 WHERE id = ? AND clinic_id = ?`,
		ep.URL, ep.Active, ep.EventTypes, ep.MaxConcurrentDeliveries, ep.UpdatedAt,
		id, clinicID,
	).Error
	if err != nil {
		return nil, err
	}

	s.cache.Delete(clinicID)
	return ep, nil
}

func (s *Service) Get(ctx context.Context, clinicID, id snowflake.ID) (*domain.WebhookEndpoint, error) {
	var ep domain.WebhookEndpoint
	err := s.db.WithContext(ctx).Raw(
		`SELECT id, clinic_id, url, secret, active, event_types,
		        max_concurrent_deliveries, created_at, updated_at
		 FROM webhook_endpoints
		 WHERE id = ? AND clinic_id = ?
		 LIMIT 1`,
		id, clinicID,
	).Scan(&ep).Error
	if err != nil {
		return nil, err
	}
	if ep.ID == 0 {
		return nil, domain.ErrEndpointNotFound
	}
	return &ep, nil
}

func (s *Service) List(ctx context.Context, clinicID snowflake.ID) ([]domain.WebhookEndpoint, error) {
	var items []domain.WebhookEndpoint
	err := s.db.WithContext(ctx).Raw(
		`SELECT id, clinic_id, url, secret, active, event_types,
		        max_concurrent_deliveries, created_at, updated_at
		 FROM webhook_endpoints
		 WHERE clinic_id = ?
		 ORDER BY created_at DESC`,
		clinicID,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

// ListDeliveries returns the delivery audit trail for one endpoint, newest
// first.
func (s *Service) ListDeliveries(ctx context.Context, clinicID, endpointID snowflake.ID, limit int) ([]domain.OutboundWebhookDelivery, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var items []domain.OutboundWebhookDelivery
	err := s.db.WithContext(ctx).Raw(
		`SELECT id, event_id, endpoint_id, clinic_id, status, attempts,
		        next_attempt_at, lease_expires_at, last_status_code, last_error,
		        delivered_at, created_at, updated_at
		 FROM webhook_deliveries
		 WHERE clinic_id = ? AND endpoint_id = ?
		 ORDER BY created_at DESC
		 LIMIT ?`,
		clinicID, endpointID, limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func validateURL(raw string) error {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || parsed.Scheme != "https" || parsed.Host == "" {
		return domain.ErrInvalidEndpointURL
	}
	return nil
}

func generateSecret() string {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return "whsec_" + hex.EncodeToString(buf)
}
