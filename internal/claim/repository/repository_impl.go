package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/leadclaim/internal/claim/domain"
	"github.com/smallbiznis/leadclaim/pkg/db"
	"gorm.io/gorm"
)

type repo struct {
	db *gorm.DB
}

func Provide(conn *gorm.DB) domain.Repository {
	return &repo{db: conn}
}

func (r *repo) WithCaseLock(ctx context.Context, caseID snowflake.ID, fn func(ctx context.Context, tx domain.Tx) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var locked []snowflake.ID
		if err := db.ForUpdate(tx.Model(&domain.Case{})).
			Where("id = ?", caseID).
			Pluck("id", &locked).Error; err != nil {
			return err
		}
		return fn(ctx, &gormTx{db: tx})
	})
}

func (r *repo) CountActiveByUser(ctx context.Context, userID snowflake.ID) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&domain.Claim{}).
		Where("user_id = ? AND active = ?", userID, true).
		Count(&count).Error
	return count, err
}

func (r *repo) ActiveForCase(ctx context.Context, caseID snowflake.ID) (*domain.Claim, error) {
	return activeForCase(ctx, r.db, caseID)
}

func (r *repo) ListByUser(ctx context.Context, filter domain.ListClaimsFilter) ([]domain.Claim, error) {
	q := r.db.WithContext(ctx).Where("user_id = ?", filter.UserID)
	if filter.ActiveOnly {
		q = q.Where("active = ?", true)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var items []domain.Claim
	if err := q.Order("claimed_at DESC, id DESC").Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) Stats(ctx context.Context) (domain.Stats, error) {
	var stats domain.Stats
	conn := r.db.WithContext(ctx)

	if err := conn.Model(&domain.Case{}).Count(&stats.TotalCases).Error; err != nil {
		return domain.Stats{}, err
	}
	if err := conn.Model(&domain.Case{}).Where("owner_id IS NOT NULL").Count(&stats.ClaimedCases).Error; err != nil {
		return domain.Stats{}, err
	}
	if err := conn.Model(&domain.Claim{}).Where("active = ?", true).Count(&stats.ActiveClaims).Error; err != nil {
		return domain.Stats{}, err
	}
	if err := conn.Model(&domain.Claim{}).Count(&stats.TotalClaimsEver).Error; err != nil {
		return domain.Stats{}, err
	}
	if err := conn.Model(&domain.Claim{}).
		Where("active = ?", true).
		Select("COALESCE(SUM(price_cents), 0)").
		Scan(&stats.ActiveValueCents).Error; err != nil {
		return domain.Stats{}, err
	}

	stats.AvailableCases = stats.TotalCases - stats.ClaimedCases
	if stats.TotalCases > 0 {
		stats.ClaimRate = float64(stats.ClaimedCases) / float64(stats.TotalCases) * 100
	}
	return stats, nil
}

func (r *repo) BillableForUser(ctx context.Context, userID snowflake.ID, start, end time.Time) ([]domain.Claim, error) {
	var items []domain.Claim
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Where("claimed_at < ?", end.UTC()).
		Where("(active = ? OR released_at > ?)", true, start.UTC()).
		Order("claimed_at ASC, id ASC").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) UsersWithBillableClaims(ctx context.Context, start, end time.Time) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	err := r.db.WithContext(ctx).Model(&domain.Claim{}).
		Distinct("user_id").
		Where("claimed_at < ?", end.UTC()).
		Where("(active = ? OR released_at > ?)", true, start.UTC()).
		Order("user_id ASC").
		Pluck("user_id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *repo) CaseRef(ctx context.Context, caseID snowflake.ID) (domain.CaseRef, error) {
	var c domain.Case
	err := r.db.WithContext(ctx).
		Select("id", "case_number", "address").
		Where("id = ?", caseID).
		Take(&c).Error
	if err != nil {
		return domain.CaseRef{}, err
	}
	return domain.CaseRef{CaseID: c.ID, CaseNumber: c.CaseNumber, Address: c.Address}, nil
}

type gormTx struct {
	db *gorm.DB
}

func (t *gormTx) Cases() domain.CaseRegistry { return caseRegistry{db: t.db} }
func (t *gormTx) Claims() domain.Ledger      { return ledger{db: t.db} }

type caseRegistry struct {
	db *gorm.DB
}

func (c caseRegistry) Get(ctx context.Context, caseID snowflake.ID) (*domain.Case, error) {
	var item domain.Case
	err := c.db.WithContext(ctx).Where("id = ?", caseID).Take(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (c caseRegistry) SetOwner(ctx context.Context, caseID snowflake.ID, ownerID *snowflake.ID, at *time.Time, version int64) error {
	res := c.db.WithContext(ctx).Exec(
		`UPDATE cases
		 SET owner_id = ?, claimed_at = ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ?`,
		ownerID,
		at,
		time.Now().UTC(),
		caseID,
		version,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrVersionConflict
	}
	return nil
}

type ledger struct {
	db *gorm.DB
}

func (l ledger) ActiveForCase(ctx context.Context, caseID snowflake.ID) (*domain.Claim, error) {
	return activeForCase(ctx, l.db, caseID)
}

func (l ledger) Insert(ctx context.Context, claim *domain.Claim) error {
	err := l.db.WithContext(ctx).Create(claim).Error
	if db.IsDuplicateKeyErr(err) {
		return domain.ErrActiveClaimExists
	}
	return err
}

func (l ledger) Deactivate(ctx context.Context, claimID snowflake.ID, releasedAt time.Time) error {
	res := l.db.WithContext(ctx).Exec(
		`UPDATE claims
		 SET active = ?, released_at = ?
		 WHERE id = ? AND active = ?`,
		false,
		releasedAt.UTC(),
		claimID,
		true,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrClaimNotActive
	}
	return nil
}

func activeForCase(ctx context.Context, conn *gorm.DB, caseID snowflake.ID) (*domain.Claim, error) {
	var item domain.Claim
	err := conn.WithContext(ctx).
		Where("case_id = ? AND active = ?", caseID, true).
		Take(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}
