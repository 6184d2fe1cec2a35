// Package stripe adapts Stripe payment_intent, charge and subscription
// webhooks.
package stripe

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"

	"github.com/clinicore/clinicore/internal/payment/domain"
)

var signatureHeaders = []string{"Stripe-Signature"}

type Adapter struct{}

func NewAdapter() *Adapter {
	return &Adapter{}
}

func (a *Adapter) Provider() string {
	return "stripe"
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

// Verify checks the t=...,v1=... header: HMAC-SHA256 of "<timestamp>.<body>".
func (a *Adapter) Verify(payload []byte, headers map[string][]string, secret string) error {
	header := a.SignatureHeader(headers)
	if header == "" {
		return domain.ErrInvalidSignature
	}

	timestamp, signatures, ok := parseSignatureHeader(header)
	if !ok {
		return domain.ErrInvalidSignature
	}

	signedPayload := fmt.Sprintf("%s.%s", timestamp, string(payload))
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(signedPayload))
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, sig := range signatures {
		if hmac.Equal([]byte(sig), []byte(expected)) {
			return nil
		}
	}
	return domain.ErrInvalidSignature
}

type webhookEvent struct {
	ID   string           `json:"id"`
	Type string           `json:"type"`
	Data webhookEventData `json:"data"`
}

type webhookEventData struct {
	Object json.RawMessage `json:"object"`
}

type paymentIntent struct {
	ID             string         `json:"id"`
	Amount         int64          `json:"amount"`
	AmountReceived int64          `json:"amount_received"`
	Currency       string         `json:"currency"`
	Status         string         `json:"status"`
	Metadata       map[string]any `json:"metadata"`
}

type charge struct {
	ID             string         `json:"id"`
	Amount         int64          `json:"amount"`
	AmountRefunded int64          `json:"amount_refunded"`
	Currency       string         `json:"currency"`
	Status         string         `json:"status"`
	Refunded       bool           `json:"refunded"`
	PaymentIntent  string         `json:"payment_intent"`
	Metadata       map[string]any `json:"metadata"`
}

type stripeSubscription struct {
	ID       string         `json:"id"`
	Status   string         `json:"status"`
	Metadata map[string]any `json:"metadata"`
}

// Parse routes payment_intent.* and charge.* to the transaction path and
// customer.subscription.* to the subscription path; everything else is
// ignored.
func (a *Adapter) Parse(payload []byte) (*domain.InboundEvent, error) {
	var event webhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" {
		return nil, domain.ErrInvalidEvent
	}

	switch {
	case strings.HasPrefix(event.Type, "payment_intent."):
		return a.parsePaymentIntent(event, payload)
	case strings.HasPrefix(event.Type, "charge."):
		return a.parseCharge(event, payload)
	case strings.HasPrefix(event.Type, "customer.subscription."):
		return a.parseSubscription(event, payload)
	default:
		return nil, domain.ErrEventIgnored
	}
}

func (a *Adapter) parsePaymentIntent(event webhookEvent, payload []byte) (*domain.InboundEvent, error) {
	var intent paymentIntent
	if err := json.Unmarshal(event.Data.Object, &intent); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	if strings.TrimSpace(intent.ID) == "" {
		return nil, domain.ErrInvalidEvent
	}

	clinicID, productID, err := scopeFromMetadata(intent.Metadata)
	if err != nil {
		return nil, err
	}

	amount := intent.AmountReceived
	if amount <= 0 {
		amount = intent.Amount
	}
	return &domain.InboundEvent{
		Provider:         "stripe",
		Kind:             domain.KindCharge,
		ProviderEventID:  event.ID,
		ProviderOrderID:  intent.ID,
		ProviderChargeID: intent.ID,
		ClinicID:         clinicID,
		ProductID:        productID,
		RawStatus:        strings.TrimSpace(intent.Status),
		AmountCents:      amount,
		Currency:         strings.ToUpper(strings.TrimSpace(intent.Currency)),
		RawPayload:       payload,
	}, nil
}

func (a *Adapter) parseCharge(event webhookEvent, payload []byte) (*domain.InboundEvent, error) {
	var ch charge
	if err := json.Unmarshal(event.Data.Object, &ch); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	if strings.TrimSpace(ch.ID) == "" {
		return nil, domain.ErrInvalidEvent
	}

	clinicID, productID, err := scopeFromMetadata(ch.Metadata)
	if err != nil {
		return nil, err
	}

	rawStatus := strings.TrimSpace(ch.Status)
	if event.Type == "charge.refunded" || ch.Refunded {
		rawStatus = "charge_refunded"
		if ch.AmountRefunded > 0 && ch.AmountRefunded < ch.Amount {
			rawStatus = "partially_refunded"
		}
	}

	return &domain.InboundEvent{
		Provider:         "stripe",
		Kind:             domain.KindCharge,
		ProviderEventID:  event.ID,
		ProviderOrderID:  strings.TrimSpace(ch.PaymentIntent),
		ProviderChargeID: ch.ID,
		ClinicID:         clinicID,
		ProductID:        productID,
		RawStatus:        rawStatus,
		AmountCents:      ch.Amount,
		RefundedCents:    ch.AmountRefunded,
		Currency:         strings.ToUpper(strings.TrimSpace(ch.Currency)),
		RawPayload:       payload,
	}, nil
}

func (a *Adapter) parseSubscription(event webhookEvent, payload []byte) (*domain.InboundEvent, error) {
	var sub stripeSubscription
	if err := json.Unmarshal(event.Data.Object, &sub); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	if strings.TrimSpace(sub.ID) == "" {
		return nil, domain.ErrInvalidEvent
	}

	clinicID, productID, err := scopeFromMetadata(sub.Metadata)
	if err != nil {
		return nil, err
	}

	return &domain.InboundEvent{
		Provider:               "stripe",
		Kind:                   domain.KindSubscription,
		ProviderEventID:        event.ID,
		ProviderSubscriptionID: sub.ID,
		ClinicID:               clinicID,
		ProductID:              productID,
		RawStatus:              strings.TrimSpace(sub.Status),
		RawPayload:             payload,
	}, nil
}

func parseSignatureHeader(header string) (string, []string, bool) {
	parts := strings.Split(header, ",")
	var timestamp string
	signatures := []string{}
	for _, part := range parts {
		piece := strings.TrimSpace(part)
		if piece == "" {
			continue
		}
		key, value, ok := strings.Cut(piece, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key == "t" {
			timestamp = value
		}
		if key == "v1" {
			signatures = append(signatures, value)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return "", nil, false
	}
	return timestamp, signatures, true
}

func scopeFromMetadata(metadata map[string]any) (snowflake.ID, snowflake.ID, error) {
	clinicRaw := readMetadataValue(metadata, "clinic_id")
	if clinicRaw == "" {
		return 0, 0, domain.ErrMissingClinicScope
	}
	clinicID, err := snowflake.ParseString(clinicRaw)
	if err != nil {
		return 0, 0, domain.ErrMissingClinicScope
	}

	productRaw := readMetadataValue(metadata, "product_id")
	if productRaw == "" {
		return clinicID, 0, nil
	}
	productID, err := snowflake.ParseString(productRaw)
	if err != nil {
		return clinicID, 0, nil
	}
	return clinicID, productID, nil
}

func readMetadataValue(metadata map[string]any, key string) string {
	if metadata == nil {
		return ""
	}
	value, ok := metadata[key]
	if !ok {
		return ""
	}
	if cast, ok := value.(string); ok {
		return strings.TrimSpace(cast)
	}
	if cast, ok := value.(json.Number); ok {
		return cast.String()
	}
	return ""
}
