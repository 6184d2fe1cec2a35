package dispatcher

import (
	"encoding/json"
	"time"

	eventdomain "github.com/clinicore/clinicore/internal/event/domain"
)

// Envelope is the versioned body POSTed to subscribers. The event id doubles
// as the idempotency key; subscribers dedup on it, not on delivery order.
type Envelope struct {
	SpecVersion    string           `json:"specVersion"`
	ID             string           `json:"id"`
	Type           string           `json:"type"`
	CreatedAt      time.Time        `json:"createdAt"`
	Attempt        int              `json:"attempt"`
	IdempotencyKey string           `json:"idempotencyKey"`
	ClinicID       string           `json:"clinicId"`
	Resource       EnvelopeResource `json:"resource"`
	Data           json.RawMessage  `json:"data"`
}

type EnvelopeResource struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

func buildEnvelope(event *eventdomain.DomainEvent, attempt int) ([]byte, error) {
	data := json.RawMessage(event.Payload)
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}
	return json.Marshal(Envelope{
		SpecVersion:    specVersion,
		ID:             event.ID.String(),
		Type:           string(event.Type),
		CreatedAt:      event.CreatedAt.UTC(),
		Attempt:        attempt,
		IdempotencyKey: event.ID.String(),
		ClinicID:       event.ClinicID.String(),
		Resource: EnvelopeResource{
			Type: event.ResourceType,
			ID:   event.ResourceID,
		},
		Data: data,
	})
}
