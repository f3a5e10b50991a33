// Package domain contains the audit trail model for claim and billing actions.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

const (
	ActionClaimAcquired        = "claim.acquired"
	ActionClaimReleased        = "claim.released"
	ActionInvoiceGenerated     = "invoice.generated"
	ActionInvoiceStatusChanged = "invoice.status_changed"
	ActionAccountSuspended     = "account.billing_suspended"
	ActionAccountUpserted      = "account.upserted"
	ActionAccountLimitChanged  = "account.claim_limit_changed"
	ActionAccountBillingToggle = "account.billing_toggled"
	ActionAuthorizationDenied  = "authorization.denied"
)

type AuditLog struct {
	ID         snowflake.ID      `json:"id" gorm:"primaryKey"`
	ActorRole  string            `json:"actor_role" gorm:"type:text;not null"`
	ActorID    *string           `json:"actor_id,omitempty" gorm:"type:text"`
	Action     string            `json:"action" gorm:"type:text;not null;index"`
	TargetType string            `json:"target_type" gorm:"type:text;not null"`
	TargetID   *string           `json:"target_id,omitempty" gorm:"type:text;index"`
	Metadata   datatypes.JSONMap `json:"metadata"`
	RequestID  *string           `json:"request_id,omitempty" gorm:"type:text"`
	CreatedAt  time.Time         `json:"created_at" gorm:"not null"`
}

func (AuditLog) TableName() string { return "audit_logs" }

type ListFilter struct {
	Action     string
	TargetType string
	TargetID   string
	StartAt    *time.Time
	EndAt      *time.Time
	Limit      int
}

type Repository interface {
	Insert(ctx context.Context, entry *AuditLog) error
	List(ctx context.Context, filter ListFilter) ([]AuditLog, error)
}

type Service interface {
	Record(ctx context.Context, action, targetType, targetID string, metadata map[string]any) error
	List(ctx context.Context, filter ListFilter) ([]AuditLog, error)
}

var (
	ErrInvalidAction    = errors.New("invalid_action")
	ErrInvalidTimeRange = errors.New("invalid_time_range")
)

// Nop discards entries. Used where no audit store is wired.
type Nop struct{}

func (Nop) Record(context.Context, string, string, string, map[string]any) error { return nil }

func (Nop) List(context.Context, ListFilter) ([]AuditLog, error) { return nil, nil }
