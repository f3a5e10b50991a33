package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

type Service interface {
	GenerateInvoiceForUser(ctx context.Context, userID snowflake.ID, billingDate time.Time, force bool) (InvoiceSummary, error)
	GenerateInvoicesForAllUsers(ctx context.Context, billingDate time.Time, force bool) (BatchSummary, error)
	PreviewForAllUsers(ctx context.Context, billingDate time.Time) (BatchSummary, error)
	HandleOverdueAccounts(ctx context.Context, graceDays int) (OverdueSummary, error)

	ListInvoices(ctx context.Context, filter ListInvoicesFilter) ([]Invoice, error)
	GetInvoice(ctx context.Context, id snowflake.ID) (Invoice, error)
	Summary(ctx context.Context) (Summary, error)

	// FindForEvent locates an invoice by processor id, falling back to the invoice number.
	FindForEvent(ctx context.Context, externalRef, invoiceNumber string) (*Invoice, error)
	// Transition applies a status change. changed is false when the invoice was already terminal.
	Transition(ctx context.Context, id snowflake.ID, to InvoiceStatus) (invoice Invoice, changed bool, err error)
	// Settle is the operator path. It also moves failed invoices to paid.
	Settle(ctx context.Context, id snowflake.ID, to InvoiceStatus) (invoice Invoice, changed bool, err error)
	LinkExternalRef(ctx context.Context, id snowflake.ID, externalRef string) error
	SetHostedURL(ctx context.Context, id snowflake.ID, url string) error
}

var (
	ErrInvalidUser        = errors.New("invalid_user")
	ErrInvalidInvoiceID   = errors.New("invalid_invoice_id")
	ErrInvalidStatus      = errors.New("invalid_status")
	ErrInvalidBillingDate = errors.New("invalid_billing_date")
)
