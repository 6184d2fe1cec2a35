// Package status maps the free-text payment status vocabulary of each gateway
// onto the platform's canonical status model.
package status

import "strings"

// Canonical is the platform's own closed-set payment status, independent of
// any gateway's vocabulary.
type Canonical string

const (
	Pending           Canonical = "PENDING"
	Processing        Canonical = "PROCESSING"
	RequiresAction    Canonical = "REQUIRES_ACTION"
	Succeeded         Canonical = "SUCCEEDED"
	Failed            Canonical = "FAILED"
	Canceled          Canonical = "CANCELED"
	Refunding         Canonical = "REFUNDING"
	Refunded          Canonical = "REFUNDED"
	PartiallyRefunded Canonical = "PARTIALLY_REFUNDED"
	Chargeback        Canonical = "CHARGEBACK"
	Disputed          Canonical = "DISPUTED"
	Expired           Canonical = "EXPIRED"
)

// Legacy is the coarser display-oriented status kept for backward
// compatibility with older clinic dashboards.
type Legacy string

const (
	LegacyPaid        Legacy = "paid"
	LegacyFailed      Legacy = "failed"
	LegacyCanceled    Legacy = "canceled"
	LegacyRefunded    Legacy = "refunded"
	LegacyProcessing  Legacy = "processing"
	LegacyPending     Legacy = "pending"
	LegacyAuthorized  Legacy = "authorized"
	LegacyUnderpaid   Legacy = "underpaid"
	LegacyOverpaid    Legacy = "overpaid"
	LegacyChargedback Legacy = "chargedback"
)

type match struct {
	token     string
	canonical Canonical
}

// Exact token tables per provider. Lookups are case-insensitive; tokens here
// are stored lowercase.
var providerExact = map[string]map[string]Canonical{
	"pagarme": {
		"paid":                 Succeeded,
		"pagamento aprovado":   Succeeded,
		"aprovado":             Succeeded,
		"authorized":           RequiresAction,
		"autorizado":           RequiresAction,
		"processing":           Processing,
		"processando":          Processing,
		"analyzing":            Processing,
		"waiting_payment":      Pending,
		"aguardando pagamento": Pending,
		"pending":              Pending,
		"pending_refund":       Refunding,
		"estorno pendente":     Refunding,
		"refunded":             Refunded,
		"estornado":            Refunded,
		"refused":              Failed,
		"recusado":             Failed,
		"failed":               Failed,
		"canceled":             Canceled,
		"cancelado":            Canceled,
		"chargedback":          Chargeback,
		"expired":              Expired,
	},
	"asaas": {
		"confirmed":                    Succeeded,
		"received":                     Succeeded,
		"received_in_cash":             Succeeded,
		"pagamento confirmado":         Succeeded,
		"pending":                      Pending,
		"awaiting_risk_analysis":       Processing,
		"overdue":                      Expired,
		"refunded":                     Refunded,
		"refund_requested":             Refunding,
		"refund_in_progress":           Refunding,
		"partially_refunded":           PartiallyRefunded,
		"chargeback_requested":         Chargeback,
		"chargeback_dispute":           Disputed,
		"awaiting_chargeback_reversal": Disputed,
		"payment_deleted":              Canceled,
		"payment_failed":               Failed,
	},
	"stripe": {
		"succeeded":               Succeeded,
		"processing":              Processing,
		"requires_action":         RequiresAction,
		"requires_confirmation":   RequiresAction,
		"requires_capture":        RequiresAction,
		"requires_payment_method": Failed,
		"canceled":                Canceled,
		"refunded":                Refunded,
		"partially_refunded":      PartiallyRefunded,
		"disputed":                Disputed,
		"charge_refunded":         Refunded,
	},
}

// Substring fallbacks shared across providers, tried in order so that the
// longer, more specific fragments win (e.g. "estornado" before "estorno").
var sharedContains = []match{
	{"aprovado", Succeeded},
	{"confirmado", Succeeded},
	{"pago", Succeeded},
	{"paid", Succeeded},
	{"estornado", Refunded},
	{"estorno", Refunding},
	{"refund", Refunded},
	{"recusado", Failed},
	{"falha", Failed},
	{"fail", Failed},
	{"cancelad", Canceled},
	{"cancel", Canceled},
	{"chargeback", Chargeback},
	{"disput", Disputed},
	{"expirado", Expired},
	{"expired", Expired},
	{"vencido", Expired},
	{"aguardando", Pending},
	{"pendente", Pending},
	{"pending", Pending},
}

// Normalize maps a provider's raw status token to the canonical and legacy
// statuses. Unknown or empty input defaults to PROCESSING; success is never
// assumed.
func Normalize(provider, raw string) (Canonical, Legacy) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	token := strings.ToLower(strings.TrimSpace(raw))
	if token == "" {
		return Processing, LegacyOf(Processing)
	}

	if table, ok := providerExact[provider]; ok {
		if canonical, ok := table[token]; ok {
			return canonical, LegacyOf(canonical)
		}
	}

	for _, candidate := range sharedContains {
		if strings.Contains(token, candidate.token) {
			return candidate.canonical, LegacyOf(candidate.canonical)
		}
	}

	return Processing, LegacyOf(Processing)
}

// LegacyOf derives the display status from the canonical one. It is total
// over the canonical enum. PARTIALLY_REFUNDED deliberately maps to paid:
// partial refunds keep the transaction displayed as paid, with the refunded
// amount carried separately.
func LegacyOf(canonical Canonical) Legacy {
	switch canonical {
	case Succeeded, PartiallyRefunded:
		return LegacyPaid
	case Failed:
		return LegacyFailed
	case Canceled, Expired:
		return LegacyCanceled
	case Refunded, Refunding:
		return LegacyRefunded
	case Pending:
		return LegacyPending
	case RequiresAction:
		return LegacyAuthorized
	case Chargeback, Disputed:
		return LegacyChargedback
	default:
		return LegacyProcessing
	}
}

// Known reports whether the provider has an explicit vocabulary table.
func Known(provider string) bool {
	_, ok := providerExact[strings.ToLower(strings.TrimSpace(provider))]
	return ok
}
