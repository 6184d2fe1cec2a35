package server

import (
	"errors"
	"net/http"

	eventdomain "github.com/clinicore/clinicore/internal/event/domain"
	paymentdomain "github.com/clinicore/clinicore/internal/payment/domain"
	webhookdomain "github.com/clinicore/clinicore/internal/webhooks/domain"
)

// classify maps domain sentinels onto HTTP status and a stable machine code.
// Unrecognized errors never leak their message to callers.
func classify(err error) (int, string) {
	var validation *eventdomain.ValidationError
	switch {
	case errors.Is(err, paymentdomain.ErrProviderNotFound):
		return http.StatusNotFound, "provider_not_found"
	case errors.Is(err, paymentdomain.ErrInvalidSignature):
		return http.StatusBadRequest, "invalid_signature"
	case errors.Is(err, paymentdomain.ErrMissingClinicScope),
		errors.Is(err, eventdomain.ErrMissingClinicScope):
		return http.StatusBadRequest, "missing_clinic_scope"
	case errors.Is(err, paymentdomain.ErrInvalidPayload),
		errors.Is(err, paymentdomain.ErrInvalidEvent):
		return http.StatusBadRequest, "invalid_payload"
	case errors.Is(err, paymentdomain.ErrMissingIdempotencyKey):
		return http.StatusBadRequest, "missing_idempotency_key"
	case errors.Is(err, paymentdomain.ErrInvalidAmount):
		return http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, paymentdomain.ErrInvalidCurrency):
		return http.StatusBadRequest, "invalid_currency"
	case errors.Is(err, eventdomain.ErrUnknownEventType):
		return http.StatusBadRequest, "unknown_event_type"
	case errors.Is(err, eventdomain.ErrInvalidActor):
		return http.StatusBadRequest, "invalid_actor"
	case errors.As(err, &validation):
		return http.StatusBadRequest, "invalid_metadata"
	case errors.Is(err, webhookdomain.ErrEndpointNotFound):
		return http.StatusNotFound, "endpoint_not_found"
	case errors.Is(err, webhookdomain.ErrInvalidEndpointURL):
		return http.StatusBadRequest, "invalid_endpoint_url"
	case errors.Is(err, webhookdomain.ErrInvalidConcurrency):
		return http.StatusBadRequest, "invalid_concurrency"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// classifyForLog feeds the request logger's error fields.
func classifyForLog(err error) (string, string) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		return "internal", code
	}
	return "client", code
}
