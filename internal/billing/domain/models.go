// Package domain contains the invoice models produced by the daily billing run.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// InvoiceStatus represents invoice lifecycle states.
type InvoiceStatus string

const (
	InvoiceStatusPending InvoiceStatus = "pending"
	InvoiceStatusPaid    InvoiceStatus = "paid"
	InvoiceStatusFailed  InvoiceStatus = "failed"
)

// CanTransition reports whether a processor notification may move from to to. Paid and failed are terminal.
func CanTransition(from, to InvoiceStatus) bool {
	return from == InvoiceStatusPending && (to == InvoiceStatusPaid || to == InvoiceStatusFailed)
}

// CanSettle is the administrative rule: a failed invoice may still be marked paid, paid is final.
func CanSettle(from, to InvoiceStatus) bool {
	switch to {
	case InvoiceStatusPaid:
		return from == InvoiceStatusPending || from == InvoiceStatusFailed
	case InvoiceStatusFailed:
		return from == InvoiceStatusPending
	}
	return false
}

// Invoice is one user's bill for one calendar day.
type Invoice struct {
	ID            snowflake.ID  `gorm:"primaryKey" json:"id"`
	UserID        snowflake.ID  `gorm:"not null;index;uniqueIndex:ux_invoice_user_date_seq,priority:1" json:"user_id"`
	InvoiceNumber string        `gorm:"type:text;not null;uniqueIndex" json:"invoice_number"`
	InvoiceDate   time.Time     `gorm:"not null;uniqueIndex:ux_invoice_user_date_seq,priority:2" json:"invoice_date"`
	Sequence      int           `gorm:"not null;default:1;uniqueIndex:ux_invoice_user_date_seq,priority:3" json:"sequence"`
	DueDate       time.Time     `gorm:"not null;index" json:"due_date"`
	Status        InvoiceStatus `gorm:"type:text;not null;default:'pending';index" json:"status"`
	SubtotalCents int64         `gorm:"not null;default:0" json:"subtotal_cents"`
	TotalCents    int64         `gorm:"not null;default:0" json:"total_cents"`
	ExternalRefID *string       `gorm:"type:text;index" json:"external_ref_id,omitempty"`
	HostedURL     *string       `gorm:"type:text" json:"hosted_url,omitempty"`
	PaidAt        *time.Time    `json:"paid_at,omitempty"`
	FailedAt      *time.Time    `json:"failed_at,omitempty"`
	CreatedAt     time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt     time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`

	Lines []InvoiceLine `gorm:"foreignKey:InvoiceID" json:"lines,omitempty"`
}

// TableName sets the database table name.
func (Invoice) TableName() string { return "invoices" }

// InvoiceLine bills one claim at the price frozen when it was acquired.
type InvoiceLine struct {
	ID             snowflake.ID `gorm:"primaryKey" json:"id"`
	InvoiceID      snowflake.ID `gorm:"not null;index" json:"invoice_id"`
	ClaimID        snowflake.ID `gorm:"not null;index" json:"claim_id"`
	CaseID         snowflake.ID `gorm:"not null" json:"case_id"`
	Description    string       `gorm:"type:text" json:"description"`
	Quantity       int          `gorm:"not null;default:1" json:"quantity"`
	AmountCents    int64        `gorm:"not null" json:"amount_cents"`
	ScoreAtInvoice int          `gorm:"not null" json:"score_at_invoice"`
	ServiceDate    time.Time    `gorm:"not null" json:"service_date"`
	CreatedAt      time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

// TableName sets the database table name.
func (InvoiceLine) TableName() string { return "invoice_lines" }

type ListInvoicesFilter struct {
	UserID *snowflake.ID
	Status InvoiceStatus
	Limit  int
}

// StatusTotal aggregates invoices sharing a status.
type StatusTotal struct {
	Status      InvoiceStatus `json:"status"`
	Count       int64         `json:"count"`
	AmountCents int64         `json:"amount_cents"`
}
