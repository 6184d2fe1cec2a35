package domain

import "errors"

var (
	ErrEndpointNotFound   = errors.New("webhook endpoint not found")
	ErrInvalidEndpointURL = errors.New("webhook endpoint url must be https")
	ErrInvalidConcurrency = errors.New("max concurrent deliveries must be at least 1")
	ErrMissingSecret      = errors.New("webhook endpoint secret is required")
)
