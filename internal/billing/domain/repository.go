package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	CountForDate(ctx context.Context, db *gorm.DB, userID snowflake.ID, invoiceDate time.Time) (int64, error)
	MaxSequence(ctx context.Context, db *gorm.DB, userID snowflake.ID, invoiceDate time.Time) (int, error)
	// InsertInvoice reports false when (user, date, sequence) already exists.
	InsertInvoice(ctx context.Context, db *gorm.DB, invoice *Invoice) (bool, error)
	InsertLines(ctx context.Context, db *gorm.DB, lines []InvoiceLine) error

	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID, withLines bool) (*Invoice, error)
	FindByNumber(ctx context.Context, db *gorm.DB, invoiceNumber string) (*Invoice, error)
	FindByExternalRef(ctx context.Context, db *gorm.DB, externalRef string) (*Invoice, error)
	List(ctx context.Context, db *gorm.DB, filter ListInvoicesFilter) ([]Invoice, error)
	ListUnpaidDueBefore(ctx context.Context, db *gorm.DB, cutoff time.Time) ([]Invoice, error)
	StatusTotals(ctx context.Context, db *gorm.DB) ([]StatusTotal, error)

	// UpdateStatus moves id from one status to another and reports whether the row changed.
	UpdateStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to InvoiceStatus, at time.Time) (bool, error)
	Update(ctx context.Context, db *gorm.DB, id snowflake.ID, fields map[string]any) error
}
