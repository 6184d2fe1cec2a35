// Package pagarme adapts Pagar.me order/charge webhooks.
package pagarme

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"

	"github.com/clinicore/clinicore/internal/payment/domain"
)

// Signature headers tried in priority order.
var signatureHeaders = []string{"X-Hub-Signature", "X-Pagarme-Signature"}

type Adapter struct{}

func NewAdapter() *Adapter {
	return &Adapter{}
}

func (a *Adapter) Provider() string {
	return "pagarme"
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

// Verify checks the sha256=<hex> HMAC of the raw body.
func (a *Adapter) Verify(payload []byte, headers map[string][]string, secret string) error {
	header := a.SignatureHeader(headers)
	if header == "" {
		return domain.ErrInvalidSignature
	}
	provided := strings.TrimPrefix(header, "sha256=")

	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(strings.ToLower(strings.TrimSpace(provided))), []byte(expected)) {
		return domain.ErrInvalidSignature
	}
	return nil
}

type webhookEvent struct {
	ID   string      `json:"id"`
	Type string      `json:"type"`
	Data webhookData `json:"data"`
}

type webhookData struct {
	ID       string         `json:"id"`
	Code     string         `json:"code"`
	Amount   int64          `json:"amount"`
	Currency string         `json:"currency"`
	Status   string         `json:"status"`
	Metadata map[string]any `json:"metadata"`
	Order    *orderRef      `json:"order"`
	Charges  []chargeRef    `json:"charges"`
}

type orderRef struct {
	ID string `json:"id"`
}

type chargeRef struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Parse converts one Pagar.me webhook into the provider-neutral event.
// order.* and charge.* route to the transaction path, subscription.* to the
// subscription path; everything else is ignored.
func (a *Adapter) Parse(payload []byte) (*domain.InboundEvent, error) {
	var event webhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" || strings.TrimSpace(event.Type) == "" {
		return nil, domain.ErrInvalidEvent
	}

	family, subtype, ok := strings.Cut(event.Type, ".")
	if !ok {
		return nil, domain.ErrEventIgnored
	}

	clinicID, productID, err := scopeFromMetadata(event.Data.Metadata)
	if err != nil {
		return nil, err
	}

	rawStatus := strings.TrimSpace(event.Data.Status)
	if rawStatus == "" {
		rawStatus = subtype
	}

	currency := strings.ToUpper(strings.TrimSpace(event.Data.Currency))
	if currency == "" {
		currency = "BRL"
	}

	out := &domain.InboundEvent{
		Provider:        "pagarme",
		ProviderEventID: event.ID,
		ClinicID:        clinicID,
		ProductID:       productID,
		RawStatus:       rawStatus,
		AmountCents:     event.Data.Amount,
		Currency:        currency,
		RawPayload:      payload,
	}

	switch family {
	case "order":
		out.Kind = domain.KindCharge
		out.ProviderOrderID = event.Data.ID
		if len(event.Data.Charges) > 0 {
			out.ProviderChargeID = event.Data.Charges[0].ID
		}
	case "charge":
		out.Kind = domain.KindCharge
		out.ProviderChargeID = event.Data.ID
		if event.Data.Order != nil {
			out.ProviderOrderID = event.Data.Order.ID
		}
	case "subscription":
		out.Kind = domain.KindSubscription
		out.ProviderSubscriptionID = event.Data.ID
	default:
		return nil, domain.ErrEventIgnored
	}

	if strings.Contains(subtype, "refund") {
		out.RefundedCents = event.Data.Amount
	}
	return out, nil
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
