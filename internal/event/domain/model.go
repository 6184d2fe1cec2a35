package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// DomainEvent is an append-only fact. EventID is the optional external
// idempotency key; replays of the same EventID never create a second row.
type DomainEvent struct {
	ID           snowflake.ID   `gorm:"column:id;primaryKey"`
	EventID      *string        `gorm:"column:event_id"`
	Type         EventType      `gorm:"column:type"`
	ClinicID     snowflake.ID   `gorm:"column:clinic_id"`
	ActorType    ActorType      `gorm:"column:actor_type"`
	ActorID      string         `gorm:"column:actor_id"`
	ResourceType string         `gorm:"column:resource_type"`
	ResourceID   string         `gorm:"column:resource_id"`
	Payload      datatypes.JSON `gorm:"column:payload"`
	CreatedAt    time.Time      `gorm:"column:created_at"`
}

func (DomainEvent) TableName() string {
	return "domain_events"
}

// Envelope is what callers hand to Emit; the service validates it against the
// schema registered for its Type before persisting anything.
type Envelope struct {
	EventID      string
	Type         EventType
	ClinicID     snowflake.ID
	ActorType    ActorType
	ActorID      string
	ResourceType string
	ResourceID   string
	Metadata     map[string]any
}
