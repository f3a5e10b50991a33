package domain

import (
	"context"
	"errors"
)

type Service interface {
	// Handle dispatches one verified notification. Failures are reported on the Result, never returned.
	Handle(ctx context.Context, provider string, event Event) Result
	Recent(ctx context.Context, limit int) ([]WebhookEvent, error)
}

var (
	ErrInvalidPayload   = errors.New("invalid_payload")
	ErrMissingEventType = errors.New("missing_event_type")
	ErrMissingSignature = errors.New("missing_signature")
	ErrInvalidSignature = errors.New("invalid_signature")
	ErrSignatureExpired = errors.New("signature_expired")
)
