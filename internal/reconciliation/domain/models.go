// Package domain contains payment-processor notification types and the webhook audit log.
package domain

import (
	"encoding/json"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

const ProviderStripe = "stripe"

// Event types the dispatcher acts on.
const (
	EventInvoicePaid                 = "invoice.paid"
	EventInvoicePaymentFailed        = "invoice.payment_failed"
	EventInvoiceCreated              = "invoice.created"
	EventInvoiceFinalized            = "invoice.finalized"
	EventSubscriptionDeleted         = "subscription.deleted"
	EventCustomerSubscriptionDeleted = "customer.subscription.deleted"
	EventPaymentMethodAttached       = "payment_method.attached"
	EventCustomerCreated             = "customer.created"
	EventChargeSucceeded             = "charge.succeeded"
	EventChargeFailed                = "charge.failed"
)

// Result statuses.
const (
	StatusSuccess   = "success"
	StatusUnchanged = "unchanged"
	StatusNotFound  = "not_found"
	StatusLogged    = "logged"
	StatusIgnored   = "ignored"
	StatusDuplicate = "duplicate"
	StatusError     = "error"
)

// WebhookEvent is the audit row kept for every notification received.
type WebhookEvent struct {
	ID          snowflake.ID   `gorm:"primaryKey" json:"id"`
	Provider    string         `gorm:"type:text;not null;uniqueIndex:ux_webhook_provider_event,priority:1" json:"provider"`
	EventID     string         `gorm:"type:text;not null;uniqueIndex:ux_webhook_provider_event,priority:2" json:"event_id"`
	EventType   string         `gorm:"type:text;not null;index" json:"event_type"`
	Payload     datatypes.JSON `json:"payload"`
	Result      string         `gorm:"type:text" json:"result"`
	Error       *string        `gorm:"type:text" json:"error,omitempty"`
	ReceivedAt  time.Time      `gorm:"not null" json:"received_at"`
	ProcessedAt *time.Time     `json:"processed_at,omitempty"`
}

func (WebhookEvent) TableName() string { return "webhook_events" }

// Event is a decoded notification: {type|event_type, id|event_id, data}.
type Event struct {
	ID   string
	Type string
	// Object is data.object when present, otherwise data itself.
	Object map[string]any
	Raw    json.RawMessage
}

// Str returns a top-level string field of the event object.
func (e Event) Str(key string) string {
	return asString(e.Object[key])
}

// Metadata returns a string from the object's metadata map.
func (e Event) Metadata(key string) string {
	md, ok := e.Object["metadata"].(map[string]any)
	if !ok {
		return ""
	}
	return asString(md[key])
}

type Result struct {
	Status    string         `json:"status"`
	EventID   string         `json:"event_id"`
	EventType string         `json:"event_type"`
	Detail    map[string]any `json:"detail,omitempty"`
	Error     string         `json:"error,omitempty"`
}
