// Package service implements the domain event emitter: schema-validated,
// optionally idempotent event persistence with webhook fan-out.
package service

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/clinicore/clinicore/internal/clock"
	"github.com/clinicore/clinicore/internal/event/domain"
	"github.com/clinicore/clinicore/internal/observability/metrics"
	webhookdomain "github.com/clinicore/clinicore/internal/webhooks/domain"
	"github.com/clinicore/clinicore/internal/webhooks/endpoint"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Cache   *endpoint.EndpointCache
	Metrics *metrics.Metrics
}

// Emitter validates envelopes and persists them with idempotent fan-out.
type Emitter struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	cache   *endpoint.EndpointCache
	metrics *metrics.Metrics
	repo    repo
}

func NewEmitter(p Params) *Emitter {
	return &Emitter{
		db:      p.DB,
		log:     p.Log.Named("event.emitter"),
		genID:   p.GenID,
		clock:   p.Clock,
		cache:   p.Cache,
		metrics: p.Metrics,
	}
}

// Emit validates the envelope, persists the event (idempotently when an
// external event id is present), and creates one PENDING delivery per active
// endpoint subscribed to the event type. Fan-out is idempotent on
// (event_id, endpoint_id), so replaying a previously emitted event is safe.
func (e *Emitter) Emit(ctx context.Context, env *domain.Envelope) (*domain.DomainEvent, error) {
	if err := validateEnvelope(env); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(env.Metadata)
	if err != nil {
		return nil, err
	}

	now := e.clock.Now().UTC()
	row := &domain.DomainEvent{
		ID:           e.genID.Generate(),
		Type:         env.Type,
		ClinicID:     env.ClinicID,
		ActorType:    env.ActorType,
		ActorID:      env.ActorID,
		ResourceType: env.ResourceType,
		ResourceID:   env.ResourceID,
		Payload:      datatypes.JSON(payload),
		CreatedAt:    now,
	}
	if env.EventID != "" {
		id := env.EventID
		row.EventID = &id
	}

	endpoints, err := e.endpointsFor(ctx, env.ClinicID)
	if err != nil {
		return nil, err
	}

	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inserted, err := e.repo.insertEvent(ctx, tx, row)
		if err != nil {
			return err
		}
		if !inserted {
			existing, err := e.repo.findByEventID(ctx, tx, env.EventID)
			if err != nil {
				return err
			}
			if existing == nil {
				return domain.ErrInvalidEnvelope
			}
			row = existing
		}

		for _, ep := range endpoints {
			if !subscribed(ep, env.Type) {
				continue
			}
			delivery := &webhookdomain.OutboundWebhookDelivery{
				ID:            e.genID.Generate(),
				EventID:       row.ID,
				EndpointID:    ep.ID,
				ClinicID:      env.ClinicID,
				Status:        webhookdomain.StatusPending,
				Attempts:      0,
				NextAttemptAt: &now,
				CreatedAt:     now,
				UpdatedAt:     now,
			}
			if err := e.repo.insertDelivery(ctx, tx, delivery); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.metrics.EventsEmittedTotal.WithLabelValues(string(env.Type)).Inc()
	e.log.Debug("event emitted",
		zap.String("type", string(env.Type)),
		zap.String("event_id", row.ID.String()),
		zap.Int("endpoints", len(endpoints)),
	)
	return row, nil
}

func (e *Emitter) endpointsFor(ctx context.Context, clinicID snowflake.ID) ([]webhookdomain.WebhookEndpoint, error) {
	if cached, ok := e.cache.Get(clinicID); ok {
		return cached, nil
	}
	endpoints, err := e.repo.activeEndpoints(ctx, e.db, clinicID)
	if err != nil {
		return nil, err
	}
	e.cache.Set(clinicID, endpoints)
	return endpoints, nil
}

// subscribed reports whether the endpoint wants this event type. An empty
// event_types list means "everything".
func subscribed(ep webhookdomain.WebhookEndpoint, t domain.EventType) bool {
	if len(ep.EventTypes) == 0 {
		return true
	}
	var types []string
	if err := json.Unmarshal(ep.EventTypes, &types); err != nil {
		return true
	}
	if len(types) == 0 {
		return true
	}
	for _, candidate := range types {
		if candidate == string(t) {
			return true
		}
	}
	return false
}

func validateEnvelope(env *domain.Envelope) error {
	if env == nil {
		return domain.ErrInvalidEnvelope
	}
	if _, ok := domain.SchemaFor(env.Type); !ok {
		return domain.ErrUnknownEventType
	}
	if !domain.KnownActor(env.ActorType) {
		return domain.ErrInvalidActor
	}
	if env.ClinicID == 0 {
		return domain.ErrMissingClinicScope
	}
	env.EventID = strings.TrimSpace(env.EventID)
	if env.Metadata == nil {
		env.Metadata = map[string]any{}
	}
	return domain.ValidateMetadata(env.Type, env.Metadata)
}
