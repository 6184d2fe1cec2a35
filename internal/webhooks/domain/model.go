package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// WebhookEndpoint is a subscriber URL registered by a clinic. URLs must be
// https; MaxConcurrentDeliveries caps in-flight deliveries per endpoint.
type WebhookEndpoint struct {
	ID                      snowflake.ID   `gorm:"column:id;primaryKey"`
	ClinicID                snowflake.ID   `gorm:"column:clinic_id"`
	URL                     string         `gorm:"column:url"`
	Secret                  string         `gorm:"column:secret"`
	Active                  bool           `gorm:"column:active"`
	EventTypes              datatypes.JSON `gorm:"column:event_types"`
	MaxConcurrentDeliveries int            `gorm:"column:max_concurrent_deliveries"`
	CreatedAt               time.Time      `gorm:"column:created_at"`
	UpdatedAt               time.Time      `gorm:"column:updated_at"`
}

func (WebhookEndpoint) TableName() string {
	return "webhook_endpoints"
}

// Delivery statuses. FAILED is terminal.
const (
	StatusPending   = "PENDING"
	StatusDelivered = "DELIVERED"
	StatusFailed    = "FAILED"
)

// OutboundWebhookDelivery is one (event, endpoint) fan-out target. Rows are
// created by the event emitter, mutated only by the dispatcher, never deleted.
type OutboundWebhookDelivery struct {
	ID             snowflake.ID `gorm:"column:id;primaryKey"`
	EventID        snowflake.ID `gorm:"column:event_id"`
	EndpointID     snowflake.ID `gorm:"column:endpoint_id"`
	ClinicID       snowflake.ID `gorm:"column:clinic_id"`
	Status         string       `gorm:"column:status"`
	Attempts       int          `gorm:"column:attempts"`
	NextAttemptAt  *time.Time   `gorm:"column:next_attempt_at"`
	LeaseExpiresAt *time.Time   `gorm:"column:lease_expires_at"`
	LastStatusCode *int         `gorm:"column:last_status_code"`
	LastError      string       `gorm:"column:last_error"`
	DeliveredAt    *time.Time   `gorm:"column:delivered_at"`
	CreatedAt      time.Time    `gorm:"column:created_at"`
	UpdatedAt      time.Time    `gorm:"column:updated_at"`
}

func (OutboundWebhookDelivery) TableName() string {
	return "webhook_deliveries"
}
