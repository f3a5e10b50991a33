package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

var (
	// ErrVersionConflict is returned by CaseRegistry.SetOwner when the case changed since it was read.
	ErrVersionConflict = errors.New("case_version_conflict")
	// ErrActiveClaimExists is returned by Ledger.Insert when the case already has an active claim.
	ErrActiveClaimExists = errors.New("active_claim_exists")
	// ErrClaimNotActive is returned by Ledger.Deactivate when the claim was already released.
	ErrClaimNotActive = errors.New("claim_not_active")
)

// CaseRegistry reads cases and writes their ownership fields.
type CaseRegistry interface {
	// Get returns nil, nil when the case does not exist.
	Get(ctx context.Context, caseID snowflake.ID) (*Case, error)
	// SetOwner writes owner_id/claimed_at when the stored version still equals version.
	SetOwner(ctx context.Context, caseID snowflake.ID, ownerID *snowflake.ID, at *time.Time, version int64) error
}

// Ledger is the claim record store inside one unit of work.
type Ledger interface {
	// ActiveForCase returns nil, nil when the case has no active claim.
	ActiveForCase(ctx context.Context, caseID snowflake.ID) (*Claim, error)
	Insert(ctx context.Context, claim *Claim) error
	Deactivate(ctx context.Context, claimID snowflake.ID, releasedAt time.Time) error
}

// Tx is a unit of work holding the write lock of a single case.
type Tx interface {
	Cases() CaseRegistry
	Claims() Ledger
}

// Repository is the persistent claim ledger.
type Repository interface {
	// WithCaseLock runs fn atomically while holding an exclusive lock on caseID.
	// Writes made through tx commit together when fn returns nil and roll back otherwise.
	WithCaseLock(ctx context.Context, caseID snowflake.ID, fn func(ctx context.Context, tx Tx) error) error

	CountActiveByUser(ctx context.Context, userID snowflake.ID) (int64, error)
	ActiveForCase(ctx context.Context, caseID snowflake.ID) (*Claim, error)
	ListByUser(ctx context.Context, filter ListClaimsFilter) ([]Claim, error)
	Stats(ctx context.Context) (Stats, error)

	// BillableForUser returns the user's claims active at some point in [start, end):
	// claimed before end and either still active or released after start.
	BillableForUser(ctx context.Context, userID snowflake.ID, start, end time.Time) ([]Claim, error)
	// UsersWithBillableClaims returns the distinct users owning a claim active at some point in [start, end).
	UsersWithBillableClaims(ctx context.Context, start, end time.Time) ([]snowflake.ID, error)
	CaseRef(ctx context.Context, caseID snowflake.ID) (CaseRef, error)
}

// Scorer returns a 0..100 desirability score. Implementations must not perform I/O.
type Scorer interface {
	Score(c Case) int
}

// Eligibility answers whether a user may transact and how many active claims they may hold.
type Eligibility interface {
	CanTransact(ctx context.Context, userID snowflake.ID) (bool, string, error)
	ClaimLimit(ctx context.Context, userID snowflake.ID) (int, error)
}
