package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

const DefaultMaxClaims = 50

// BillingAccount is the per-user eligibility record. Reconciliation mutates it from processor events.
type BillingAccount struct {
	UserID              snowflake.ID `gorm:"primaryKey" json:"user_id"`
	Role                string       `gorm:"type:text;not null;default:'user'" json:"role"`
	MaxClaims           int          `gorm:"not null;default:50" json:"max_claims"`
	BillingActive       bool         `gorm:"not null;default:true" json:"billing_active"`
	HasPaymentMethod    bool         `gorm:"not null;default:false" json:"has_payment_method"`
	PaymentMethodID     *string      `gorm:"type:text" json:"payment_method_id,omitempty"`
	ProcessorCustomerID *string      `gorm:"type:text;uniqueIndex" json:"processor_customer_id,omitempty"`
	CreatedAt           time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt           time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

func (BillingAccount) TableName() string { return "billing_accounts" }
