package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type InvoiceSummary struct {
	InvoiceID     snowflake.ID `json:"invoice_id"`
	InvoiceNumber string       `json:"invoice_number"`
	TotalCents    int64        `json:"total_cents"`
	LineCount     int          `json:"line_count"`
}

// Result values of a per-user billing attempt.
const (
	ResultInvoiced        = "invoiced"
	ResultAlreadyInvoiced = "already_invoiced"
	ResultNothingToBill   = "nothing_to_bill"
	ResultPreview         = "preview"
	ResultError           = "error"
)

type UserResult struct {
	UserID        snowflake.ID `json:"user_id"`
	Result        string       `json:"result"`
	InvoiceNumber string       `json:"invoice_number,omitempty"`
	TotalCents    int64        `json:"total_cents"`
	LineCount     int          `json:"line_count"`
	Message       string       `json:"message,omitempty"`
}

type UserError struct {
	UserID snowflake.ID `json:"user_id"`
	Error  string       `json:"error"`
}

type BatchSummary struct {
	BillingDate       string       `json:"billing_date"`
	DryRun            bool         `json:"dry_run"`
	UsersProcessed    int          `json:"users_processed"`
	InvoicesGenerated int          `json:"invoices_generated"`
	TotalBilledCents  int64        `json:"total_billed_cents"`
	Errors            []UserError  `json:"errors"`
	Details           []UserResult `json:"details"`
}

type OverdueInvoice struct {
	InvoiceID     snowflake.ID  `json:"invoice_id"`
	InvoiceNumber string        `json:"invoice_number"`
	UserID        snowflake.ID  `json:"user_id"`
	Status        InvoiceStatus `json:"status"`
	DueDate       time.Time     `json:"due_date"`
	TotalCents    int64         `json:"total_cents"`
}

type OverdueSummary struct {
	GraceDays         int              `json:"grace_days"`
	Cutoff            time.Time        `json:"cutoff"`
	UserIDs           []snowflake.ID   `json:"user_ids"`
	Invoices          []OverdueInvoice `json:"invoices"`
	TotalOverdueCents int64            `json:"total_overdue_cents"`
}

type Summary struct {
	ByStatus                   []StatusTotal `json:"by_status"`
	TotalBilledCents           int64         `json:"total_billed_cents"`
	TotalCollectedCents        int64         `json:"total_collected_cents"`
	CollectionRate             float64       `json:"collection_rate"`
	ActiveClaims               int64         `json:"active_claims"`
	EstimatedDailyRevenueCents int64         `json:"estimated_daily_revenue_cents"`
	RecentInvoices             []Invoice     `json:"recent_invoices"`
}
