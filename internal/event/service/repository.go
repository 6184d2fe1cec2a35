package service

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"

	"github.com/clinicore/clinicore/internal/event/domain"
	webhookdomain "github.com/clinicore/clinicore/internal/webhooks/domain"
)

type repo struct{}

const eventColumns = `id, event_id, type, clinic_id, actor_type, actor_id,
	resource_type, resource_id, payload, created_at`

// insertEvent writes the event row, returning false when an event with the
// same external event_id already exists. The unique index on event_id is
// partial, so the conflict target repeats its predicate for arbiter inference.
func (r *repo) insertEvent(ctx context.Context, db *gorm.DB, ev *domain.DomainEvent) (bool, error) {
	conflict := ""
	if ev.EventID != nil {
		conflict = ` ON CONFLICT (event_id) WHERE event_id IS NOT NULL DO NOTHING`
	}
	res := db.WithContext(ctx).Exec(
		`INSERT INTO domain_events (`+eventColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`+conflict,
		ev.ID,
		ev.EventID,
		ev.Type,
		ev.ClinicID,
		ev.ActorType,
		ev.ActorID,
		ev.ResourceType,
		ev.ResourceID,
		ev.Payload,
		ev.CreatedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) findByEventID(ctx context.Context, db *gorm.DB, eventID string) (*domain.DomainEvent, error) {
	var item domain.DomainEvent
	err := db.WithContext(ctx).Raw(
		`SELECT `+eventColumns+`
		 FROM domain_events
		 WHERE event_id = ?
		 LIMIT 1`,
		eventID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

// insertDelivery is idempotent on (event_id, endpoint_id) so crash-and-retry
// of the emit path never doubles a fan-out row.
func (r *repo) insertDelivery(ctx context.Context, db *gorm.DB, d *webhookdomain.OutboundWebhookDelivery) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO webhook_deliveries (
			id, event_id, endpoint_id, clinic_id, status, attempts,
			next_attempt_at, last_error, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (event_id, endpoint_id) DO NOTHING`,
		d.ID,
		d.EventID,
		d.EndpointID,
		d.ClinicID,
		d.Status,
		d.Attempts,
		d.NextAttemptAt,
		d.LastError,
		d.CreatedAt,
		d.UpdatedAt,
	).Error
}

func (r *repo) activeEndpoints(ctx context.Context, db *gorm.DB, clinicID snowflake.ID) ([]webhookdomain.WebhookEndpoint, error) {
	var items []webhookdomain.WebhookEndpoint
	err := db.WithContext(ctx).Raw(
		`SELECT id, clinic_id, url, secret, active, event_types,
		        max_concurrent_deliveries, created_at, updated_at
		 FROM webhook_endpoints
		 WHERE clinic_id = ? AND active
		 ORDER BY id`,
		clinicID,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}
