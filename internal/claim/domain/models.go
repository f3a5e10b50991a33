// Package domain contains the claim ledger models and the interfaces the claim manager consumes.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Case is the contested resource. OwnerID and ClaimedAt are written only by the claim manager.
type Case struct {
	ID                snowflake.ID  `json:"id" gorm:"primaryKey"`
	CaseNumber        string        `json:"case_number" gorm:"type:text;not null;uniqueIndex"`
	Address           string        `json:"address" gorm:"type:text"`
	ParcelID          string        `json:"parcel_id" gorm:"type:text"`
	ARVCents          int64         `json:"arv_cents" gorm:"column:arv_cents;not null;default:0"`
	RehabCents        int64         `json:"rehab_cents" gorm:"not null;default:0"`
	ClosingCostsCents int64         `json:"closing_costs_cents" gorm:"not null;default:0"`
	LiensCents        int64         `json:"liens_cents" gorm:"not null;default:0"`
	OwnerID           *snowflake.ID `json:"owner_id,omitempty" gorm:"index"`
	ClaimedAt         *time.Time    `json:"claimed_at,omitempty"`
	Version           int64         `json:"version" gorm:"not null;default:0"`
	CreatedAt         time.Time     `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt         time.Time     `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Case) TableName() string { return "cases" }

// Claim is an append-only grant of one case to one user. Price and score are frozen at creation.
type Claim struct {
	ID           snowflake.ID `json:"id" gorm:"primaryKey"`
	CaseID       snowflake.ID `json:"case_id" gorm:"not null;index"`
	UserID       snowflake.ID `json:"user_id" gorm:"not null;index"`
	ClaimedAt    time.Time    `json:"claimed_at" gorm:"not null"`
	ReleasedAt   *time.Time   `json:"released_at,omitempty"`
	ScoreAtClaim int          `json:"score_at_claim" gorm:"not null"`
	PriceCents   int64        `json:"price_cents" gorm:"not null"`
	Active       bool         `json:"active" gorm:"not null;default:true;index"`
}

func (Claim) TableName() string { return "claims" }

// CaseRef is the human-readable reference printed on invoice lines.
type CaseRef struct {
	CaseID     snowflake.ID
	CaseNumber string
	Address    string
}

type ListClaimsFilter struct {
	UserID     snowflake.ID
	ActiveOnly bool
	Limit      int
}

type Stats struct {
	TotalCases      int64   `json:"total_cases"`
	ClaimedCases    int64   `json:"claimed_cases"`
	AvailableCases  int64   `json:"available_cases"`
	ActiveClaims    int64   `json:"active_claims"`
	TotalClaimsEver int64   `json:"total_claims_ever"`
	ClaimRate       float64 `json:"claim_rate"`

	// ActiveValueCents sums the frozen prices of active claims, i.e. one day of billing.
	ActiveValueCents int64 `json:"active_value_cents"`
}

// Outcome is the per-case result of a bulk operation.
type Outcome struct {
	CaseID  snowflake.ID `json:"case_id"`
	Claim   *Claim       `json:"claim,omitempty"`
	Kind    string       `json:"error_kind,omitempty"`
	Message string       `json:"message,omitempty"`
}

func (o Outcome) OK() bool { return o.Kind == "" }

type BulkResult struct {
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
	Outcomes  []Outcome `json:"outcomes"`
}
