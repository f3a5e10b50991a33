package seed

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/smallbiznis/leadclaim/internal/account/domain"
	"github.com/smallbiznis/leadclaim/internal/caller"
	claimdomain "github.com/smallbiznis/leadclaim/internal/claim/domain"
	"github.com/smallbiznis/leadclaim/internal/clock"
	"github.com/smallbiznis/leadclaim/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DefaultAdminID is the billing account created for local administration.
const DefaultAdminID snowflake.ID = 1

var Module = fx.Module("seed",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config, node *snowflake.Node, clk clock.Clock, log *zap.Logger) error {
		if !cfg.SeedDemoData {
			return nil
		}
		cases, err := EnsureDemoData(context.Background(), conn, node, clk.Now())
		if err != nil {
			return err
		}
		log.Info("demo data seeded", zap.Int("cases_created", cases))
		return nil
	}),
)

type demoCase struct {
	Number   string
	Address  string
	ParcelID string
	ARV      int64
	Rehab    int64
	Closing  int64
	Liens    int64
}

var demoCases = []demoCase{
	{"2026-CA-000101", "1402 Larkspur Drive", "12-044-118", 312_000_00, 41_000_00, 9_500_00, 12_800_00},
	{"2026-CA-000102", "77 Cedar Hollow Road", "12-051-007", 248_500_00, 18_000_00, 7_200_00, 0},
	{"2026-CA-000103", "9 Bayview Terrace", "", 405_000_00, 0, 0, 0},
	{"2026-CA-000104", "316 Pinecrest Avenue", "13-002-431", 0, 0, 0, 0},
	{"2026-CA-000105", "", "", 0, 0, 0, 0},
}

// EnsureDemoData creates the default admin account and the demo cases that do not exist yet.
// It returns the number of cases created.
func EnsureDemoData(ctx context.Context, db *gorm.DB, node *snowflake.Node, now time.Time) (int, error) {
	if db == nil {
		return 0, errors.New("seed database handle is required")
	}
	if node == nil {
		return 0, errors.New("seed id generator is required")
	}

	created := 0
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ensureAdminAccountTx(ctx, tx, now); err != nil {
			return err
		}
		for _, dc := range demoCases {
			ok, err := ensureCaseTx(ctx, tx, node, dc, now)
			if err != nil {
				return err
			}
			if ok {
				created++
			}
		}
		return nil
	})
	return created, err
}

func ensureAdminAccountTx(ctx context.Context, tx *gorm.DB, now time.Time) error {
	var account accountdomain.BillingAccount
	err := tx.WithContext(ctx).Where("user_id = ?", DefaultAdminID).First(&account).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	account = accountdomain.BillingAccount{
		UserID:        DefaultAdminID,
		Role:          caller.RoleAdmin,
		MaxClaims:     accountdomain.DefaultMaxClaims,
		BillingActive: true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	return tx.WithContext(ctx).Create(&account).Error
}

func ensureCaseTx(ctx context.Context, tx *gorm.DB, node *snowflake.Node, dc demoCase, now time.Time) (bool, error) {
	var existing claimdomain.Case
	err := tx.WithContext(ctx).Where("case_number = ?", dc.Number).First(&existing).Error
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return false, err
	}
	c := claimdomain.Case{
		ID:                node.Generate(),
		CaseNumber:        dc.Number,
		Address:           dc.Address,
		ParcelID:          dc.ParcelID,
		ARVCents:          dc.ARV,
		RehabCents:        dc.Rehab,
		ClosingCostsCents: dc.Closing,
		LiensCents:        dc.Liens,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := tx.WithContext(ctx).Create(&c).Error; err != nil {
		return false, err
	}
	return true, nil
}
