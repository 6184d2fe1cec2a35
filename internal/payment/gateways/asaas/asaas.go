// Package asaas adapts Asaas payment webhooks. Asaas authenticates with a
// shared access token header instead of an HMAC signature.
package asaas

import (
	"crypto/hmac"
	"encoding/json"
	"math"
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"

	"github.com/clinicore/clinicore/internal/payment/domain"
)

var signatureHeaders = []string{"Asaas-Access-Token", "Access-Token"}

type Adapter struct{}

func NewAdapter() *Adapter {
	return &Adapter{}
}

func (a *Adapter) Provider() string {
	return "asaas"
}

func (a *Adapter) SignatureHeader(headers map[string][]string) string {
	h := http.Header(headers)
	for _, name := range signatureHeaders {
		if value := strings.TrimSpace(h.Get(name)); value != "" {
			return value
		}
	}
	return ""
}

// Verify compares the access token header against the clinic's configured
// secret in constant time.
func (a *Adapter) Verify(payload []byte, headers map[string][]string, secret string) error {
	_ = payload
	token := a.SignatureHeader(headers)
	if token == "" {
		return domain.ErrInvalidSignature
	}
	if !hmac.Equal([]byte(token), []byte(secret)) {
		return domain.ErrInvalidSignature
	}
	return nil
}

type webhookEvent struct {
	ID           string        `json:"id"`
	Event        string        `json:"event"`
	Payment      *payment      `json:"payment"`
	Subscription *subscription `json:"subscription"`
}

type payment struct {
	ID                string  `json:"id"`
	Value             float64 `json:"value"`
	Status            string  `json:"status"`
	Subscription      string  `json:"subscription"`
	ExternalReference string  `json:"externalReference"`
}

type subscription struct {
	ID                string  `json:"id"`
	Value             float64 `json:"value"`
	Status            string  `json:"status"`
	ExternalReference string  `json:"externalReference"`
}

// Parse routes PAYMENT_* events to the transaction path and SUBSCRIPTION_*
// events to the subscription path. Asaas reports decimal BRL values, converted
// here to integer cents with half-up rounding.
func (a *Adapter) Parse(payload []byte) (*domain.InboundEvent, error) {
	var event webhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" || strings.TrimSpace(event.Event) == "" {
		return nil, domain.ErrInvalidEvent
	}

	switch {
	case strings.HasPrefix(event.Event, "PAYMENT_"):
		if event.Payment == nil || strings.TrimSpace(event.Payment.ID) == "" {
			return nil, domain.ErrInvalidPayload
		}
		clinicID, err := parseClinicScope(event.Payment.ExternalReference)
		if err != nil {
			return nil, err
		}
		rawStatus := strings.TrimSpace(event.Payment.Status)
		if rawStatus == "" {
			rawStatus = strings.TrimPrefix(event.Event, "PAYMENT_")
		}
		out := &domain.InboundEvent{
			Provider:               "asaas",
			Kind:                   domain.KindCharge,
			ProviderEventID:        event.ID,
			ProviderChargeID:       event.Payment.ID,
			ProviderSubscriptionID: strings.TrimSpace(event.Payment.Subscription),
			ClinicID:               clinicID,
			RawStatus:              rawStatus,
			AmountCents:            toCents(event.Payment.Value),
			Currency:               "BRL",
			RawPayload:             payload,
		}
		if strings.Contains(strings.ToLower(event.Event), "refund") {
			out.RefundedCents = out.AmountCents
		}
		return out, nil

	case strings.HasPrefix(event.Event, "SUBSCRIPTION_"):
		if event.Subscription == nil || strings.TrimSpace(event.Subscription.ID) == "" {
			return nil, domain.ErrInvalidPayload
		}
		clinicID, err := parseClinicScope(event.Subscription.ExternalReference)
		if err != nil {
			return nil, err
		}
		rawStatus := strings.TrimSpace(event.Subscription.Status)
		if rawStatus == "" {
			rawStatus = strings.TrimPrefix(event.Event, "SUBSCRIPTION_")
		}
		return &domain.InboundEvent{
			Provider:               "asaas",
			Kind:                   domain.KindSubscription,
			ProviderEventID:        event.ID,
			ProviderSubscriptionID: event.Subscription.ID,
			ClinicID:               clinicID,
			RawStatus:              rawStatus,
			AmountCents:            toCents(event.Subscription.Value),
			Currency:               "BRL",
			RawPayload:             payload,
		}, nil

	default:
		return nil, domain.ErrEventIgnored
	}
}

func parseClinicScope(externalReference string) (snowflake.ID, error) {
	ref := strings.TrimSpace(externalReference)
	if ref == "" {
		return 0, domain.ErrMissingClinicScope
	}
	clinicID, err := snowflake.ParseString(ref)
	if err != nil {
		return 0, domain.ErrMissingClinicScope
	}
	return clinicID, nil
}

func toCents(value float64) int64 {
	return int64(math.Round(value * 100))
}
