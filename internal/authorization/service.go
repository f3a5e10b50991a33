package authorization

import (
	"context"
	"errors"

	"github.com/smallbiznis/leadclaim/internal/caller"
)

type Service interface {
	// Authorize returns ErrForbidden unless the caller's role grants action on object.
	Authorize(ctx context.Context, who caller.Caller, object string, action string) error
}

var (
	ErrInvalidActor  = errors.New("invalid_actor")
	ErrInvalidObject = errors.New("invalid_object")
	ErrInvalidAction = errors.New("invalid_action")
	ErrForbidden     = errors.New("forbidden")
)
