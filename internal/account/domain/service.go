package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

type CreateAccountRequest struct {
	UserID              snowflake.ID
	Role                string
	MaxClaims           int
	ProcessorCustomerID string
}

type Service interface {
	CanTransact(ctx context.Context, userID snowflake.ID) (bool, string, error)
	ClaimLimit(ctx context.Context, userID snowflake.ID) (int, error)

	Create(ctx context.Context, req CreateAccountRequest) (BillingAccount, error)
	Get(ctx context.Context, userID snowflake.ID) (BillingAccount, error)
	// Upsert creates the account or applies the non-zero fields of req to the existing one.
	Upsert(ctx context.Context, req CreateAccountRequest) (account BillingAccount, created bool, err error)
	SetClaimLimit(ctx context.Context, userID snowflake.ID, limit int) (account BillingAccount, previous int, err error)
	SetBillingActive(ctx context.Context, userID snowflake.ID, active bool) (BillingAccount, error)

	// SuspendByCustomer disables billing for the account linked to customerID.
	SuspendByCustomer(ctx context.Context, customerID string) (BillingAccount, error)
	AttachPaymentMethod(ctx context.Context, customerID, paymentMethodID string) (BillingAccount, error)
	LinkCustomer(ctx context.Context, userID snowflake.ID, customerID string) (BillingAccount, error)
}

var (
	ErrInvalidUser     = errors.New("invalid_user")
	ErrInvalidCustomer = errors.New("invalid_customer")
	ErrNotFound        = errors.New("not_found")
	ErrAlreadyExists   = errors.New("already_exists")
	ErrInvalidLimit    = errors.New("invalid_claim_limit")
	ErrInvalidRole     = errors.New("invalid_role")
)
