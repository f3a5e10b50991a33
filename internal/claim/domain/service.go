package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/leadclaim/internal/caller"
)

type Service interface {
	Acquire(ctx context.Context, caseID snowflake.ID, who caller.Caller) (Claim, error)
	Release(ctx context.Context, caseID snowflake.ID, who caller.Caller) error
	AcquireMany(ctx context.Context, caseIDs []snowflake.ID, who caller.Caller) BulkResult
	ReleaseMany(ctx context.Context, caseIDs []snowflake.ID, who caller.Caller) BulkResult

	ListForUser(ctx context.Context, filter ListClaimsFilter) ([]Claim, error)
	ActiveForCase(ctx context.Context, caseID snowflake.ID) (*Claim, error)
	Stats(ctx context.Context) (Stats, error)
}

var (
	ErrInvalidCaseID = errors.New("invalid_case_id")
	ErrInvalidCaller = errors.New("invalid_caller")
)
