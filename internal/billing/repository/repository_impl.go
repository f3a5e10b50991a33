package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/leadclaim/internal/billing/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) CountForDate(ctx context.Context, db *gorm.DB, userID snowflake.ID, invoiceDate time.Time) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Model(&domain.Invoice{}).
		Where("user_id = ? AND invoice_date = ?", userID, invoiceDate).
		Count(&count).Error
	return count, err
}

func (r *repo) MaxSequence(ctx context.Context, db *gorm.DB, userID snowflake.ID, invoiceDate time.Time) (int, error) {
	var seq int
	err := db.WithContext(ctx).Model(&domain.Invoice{}).
		Where("user_id = ? AND invoice_date = ?", userID, invoiceDate).
		Select("COALESCE(MAX(sequence), 0)").
		Scan(&seq).Error
	return seq, err
}

func (r *repo) InsertInvoice(ctx context.Context, db *gorm.DB, invoice *domain.Invoice) (bool, error) {
	result := db.WithContext(ctx).
		Omit(clause.Associations).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(invoice)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) InsertLines(ctx context.Context, db *gorm.DB, lines []domain.InvoiceLine) error {
	if len(lines) == 0 {
		return nil
	}
	return db.WithContext(ctx).CreateInBatches(lines, 200).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID, withLines bool) (*domain.Invoice, error) {
	q := db.WithContext(ctx)
	if withLines {
		q = q.Preload("Lines", func(tx *gorm.DB) *gorm.DB {
			return tx.Order("service_date ASC, id ASC")
		})
	}
	return first(q.Where("id = ?", id))
}

func (r *repo) FindByNumber(ctx context.Context, db *gorm.DB, invoiceNumber string) (*domain.Invoice, error) {
	return first(db.WithContext(ctx).Where("invoice_number = ?", invoiceNumber))
}

func (r *repo) FindByExternalRef(ctx context.Context, db *gorm.DB, externalRef string) (*domain.Invoice, error) {
	return first(db.WithContext(ctx).Where("external_ref_id = ?", externalRef))
}

func first(q *gorm.DB) (*domain.Invoice, error) {
	var invoice domain.Invoice
	err := q.Take(&invoice).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &invoice, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter domain.ListInvoicesFilter) ([]domain.Invoice, error) {
	stmt := db.WithContext(ctx).Model(&domain.Invoice{})
	if filter.UserID != nil {
		stmt = stmt.Where("user_id = ?", *filter.UserID)
	}
	if filter.Status != "" {
		stmt = stmt.Where("status = ?", filter.Status)
	}
	if filter.Limit > 0 {
		stmt = stmt.Limit(filter.Limit)
	}

	var items []domain.Invoice
	if err := stmt.Order("invoice_date DESC, created_at DESC, id DESC").Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ListUnpaidDueBefore(ctx context.Context, db *gorm.DB, cutoff time.Time) ([]domain.Invoice, error) {
	var items []domain.Invoice
	err := db.WithContext(ctx).
		Where("status IN ?", []domain.InvoiceStatus{domain.InvoiceStatusPending, domain.InvoiceStatusFailed}).
		Where("due_date < ?", cutoff.UTC()).
		Order("due_date ASC, id ASC").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) StatusTotals(ctx context.Context, db *gorm.DB) ([]domain.StatusTotal, error) {
	var rows []domain.StatusTotal
	err := db.WithContext(ctx).Model(&domain.Invoice{}).
		Select("status, COUNT(*) AS count, COALESCE(SUM(total_cents), 0) AS amount_cents").
		Group("status").
		Order("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repo) UpdateStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to domain.InvoiceStatus, at time.Time) (bool, error) {
	fields := map[string]any{
		"status":     to,
		"updated_at": at,
	}
	switch to {
	case domain.InvoiceStatusPaid:
		fields["paid_at"] = at
	case domain.InvoiceStatusFailed:
		fields["failed_at"] = at
	}

	res := db.WithContext(ctx).Model(&domain.Invoice{}).
		Where("id = ? AND status = ?", id, from).
		Updates(fields)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, id snowflake.ID, fields map[string]any) error {
	return db.WithContext(ctx).Model(&domain.Invoice{}).
		Where("id = ?", id).
		Updates(fields).Error
}
