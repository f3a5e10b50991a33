package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/leadclaim/internal/account/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, account *domain.BillingAccount) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO billing_accounts (user_id, role, max_claims, billing_active, has_payment_method, payment_method_id, processor_customer_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		account.UserID,
		account.Role,
		account.MaxClaims,
		account.BillingActive,
		account.HasPaymentMethod,
		account.PaymentMethodID,
		account.ProcessorCustomerID,
		account.CreatedAt,
		account.UpdatedAt,
	).Error
}

func (r *repo) FindByUserID(ctx context.Context, db *gorm.DB, userID snowflake.ID) (*domain.BillingAccount, error) {
	return r.findOne(ctx, db, "user_id = ?", userID)
}

func (r *repo) FindByCustomerID(ctx context.Context, db *gorm.DB, customerID string) (*domain.BillingAccount, error) {
	return r.findOne(ctx, db, "processor_customer_id = ?", customerID)
}

func (r *repo) findOne(ctx context.Context, db *gorm.DB, query string, arg any) (*domain.BillingAccount, error) {
	var account domain.BillingAccount
	err := db.WithContext(ctx).Where(query, arg).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, userID snowflake.ID, fields map[string]any) (bool, error) {
	res := db.WithContext(ctx).
		Model(&domain.BillingAccount{}).
		Where("user_id = ?", userID).
		Updates(fields)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
