package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, account *BillingAccount) error
	FindByUserID(ctx context.Context, db *gorm.DB, userID snowflake.ID) (*BillingAccount, error)
	FindByCustomerID(ctx context.Context, db *gorm.DB, customerID string) (*BillingAccount, error)
	// Update writes fields for userID and reports whether a row matched.
	Update(ctx context.Context, db *gorm.DB, userID snowflake.ID, fields map[string]any) (bool, error)
}
