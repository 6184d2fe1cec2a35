package domain

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownEventType   = errors.New("unknown event type")
	ErrInvalidActor       = errors.New("invalid actor")
	ErrMissingClinicScope = errors.New("missing clinic scope")
	ErrInvalidEnvelope    = errors.New("invalid event envelope")
)

// ValidationError reports a metadata field that failed schema validation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("metadata field %q: %s", e.Field, e.Reason)
}
