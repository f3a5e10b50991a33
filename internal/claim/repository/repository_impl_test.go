package repository

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/leadclaim/internal/claim/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	conn, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, conn.AutoMigrate(&domain.Case{}, &domain.Claim{}))
	require.NoError(t, conn.Exec(
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_claims_active_case ON claims (case_id) WHERE active`,
	).Error)

	sqlDB, err := conn.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return conn
}

func seed(t *testing.T, conn *gorm.DB, node *snowflake.Node, number string) domain.Case {
	t.Helper()
	c := domain.Case{ID: node.Generate(), CaseNumber: number, Address: "400 Orchard Road"}
	require.NoError(t, conn.Create(&c).Error)
	return c
}

func TestWithCaseLockCommitAndRollback(t *testing.T) {
	conn := openTestDB(t)
	node, _ := snowflake.NewNode(1)
	repo := Provide(conn)
	ctx := context.Background()
	c := seed(t, conn, node, "2026-CA-100001")
	userID := node.Generate()
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	err := repo.WithCaseLock(ctx, c.ID, func(ctx context.Context, tx domain.Tx) error {
		current, err := tx.Cases().Get(ctx, c.ID)
		require.NoError(t, err)
		require.NotNil(t, current)

		claim := domain.Claim{ID: node.Generate(), CaseID: c.ID, UserID: userID, ClaimedAt: now, ScoreAtClaim: 35, PriceCents: 3500, Active: true}
		if err := tx.Claims().Insert(ctx, &claim); err != nil {
			return err
		}
		return tx.Cases().SetOwner(ctx, c.ID, &userID, &now, current.Version)
	})
	require.NoError(t, err)

	active, err := repo.ActiveForCase(ctx, c.ID)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, userID, active.UserID)

	var stored domain.Case
	require.NoError(t, conn.Take(&stored, "id = ?", c.ID).Error)
	require.NotNil(t, stored.OwnerID)
	assert.Equal(t, int64(1), stored.Version)

	// A failing unit of work must not leave the release behind.
	err = repo.WithCaseLock(ctx, c.ID, func(ctx context.Context, tx domain.Tx) error {
		if err := tx.Claims().Deactivate(ctx, active.ID, now.Add(time.Hour)); err != nil {
			return err
		}
		return fmt.Errorf("boom")
	})
	require.Error(t, err)

	active, err = repo.ActiveForCase(ctx, c.ID)
	require.NoError(t, err)
	require.NotNil(t, active)
}

func TestSetOwnerVersionConflict(t *testing.T) {
	conn := openTestDB(t)
	node, _ := snowflake.NewNode(1)
	repo := Provide(conn)
	c := seed(t, conn, node, "2026-CA-100002")
	userID := node.Generate()
	now := time.Now().UTC()

	err := repo.WithCaseLock(context.Background(), c.ID, func(ctx context.Context, tx domain.Tx) error {
		return tx.Cases().SetOwner(ctx, c.ID, &userID, &now, c.Version+7)
	})
	assert.ErrorIs(t, err, domain.ErrVersionConflict)
}

func TestSecondActiveClaimRejected(t *testing.T) {
	conn := openTestDB(t)
	node, _ := snowflake.NewNode(1)
	repo := Provide(conn)
	c := seed(t, conn, node, "2026-CA-100003")
	now := time.Now().UTC()

	insert := func(userID snowflake.ID) error {
		return repo.WithCaseLock(context.Background(), c.ID, func(ctx context.Context, tx domain.Tx) error {
			return tx.Claims().Insert(ctx, &domain.Claim{
				ID: node.Generate(), CaseID: c.ID, UserID: userID, ClaimedAt: now, ScoreAtClaim: 25, PriceCents: 2500, Active: true,
			})
		})
	}
	require.NoError(t, insert(node.Generate()))
	assert.ErrorIs(t, insert(node.Generate()), domain.ErrActiveClaimExists)
}

func TestDeactivateTwice(t *testing.T) {
	conn := openTestDB(t)
	node, _ := snowflake.NewNode(1)
	repo := Provide(conn)
	c := seed(t, conn, node, "2026-CA-100004")
	claim := domain.Claim{ID: node.Generate(), CaseID: c.ID, UserID: node.Generate(), ClaimedAt: time.Now().UTC(), ScoreAtClaim: 25, PriceCents: 2500, Active: true}
	require.NoError(t, conn.Create(&claim).Error)

	deactivate := func() error {
		return repo.WithCaseLock(context.Background(), c.ID, func(ctx context.Context, tx domain.Tx) error {
			return tx.Claims().Deactivate(ctx, claim.ID, time.Now().UTC())
		})
	}
	require.NoError(t, deactivate())
	assert.ErrorIs(t, deactivate(), domain.ErrClaimNotActive)
}

func TestBillableWindow(t *testing.T) {
	conn := openTestDB(t)
	node, _ := snowflake.NewNode(1)
	repo := Provide(conn)
	ctx := context.Background()

	start := time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)
	alice := node.Generate()
	bob := node.Generate()
	carol := node.Generate()

	at := func(h int) *time.Time {
		t := start.Add(time.Duration(h) * time.Hour)
		return &t
	}
	claims := []domain.Claim{
		// active all day
		{UserID: alice, ClaimedAt: start.Add(-48 * time.Hour), Active: true},
		// claimed and released during the day
		{UserID: alice, ClaimedAt: *at(2), ReleasedAt: at(5)},
		// released exactly at the window start: not billable
		{UserID: bob, ClaimedAt: start.Add(-72 * time.Hour), ReleasedAt: &start},
		// claimed exactly at the window end: not billable
		{UserID: carol, ClaimedAt: end, Active: true},
		// claimed one second before end
		{UserID: bob, ClaimedAt: end.Add(-time.Second), Active: true},
	}
	for i := range claims {
		c := seed(t, conn, node, fmt.Sprintf("2026-CA-2000%02d", i))
		claims[i].ID = node.Generate()
		claims[i].CaseID = c.ID
		claims[i].ScoreAtClaim = 40
		claims[i].PriceCents = 4000
		require.NoError(t, conn.Select("*").Create(&claims[i]).Error)
	}

	users, err := repo.UsersWithBillableClaims(ctx, start, end)
	require.NoError(t, err)
	assert.ElementsMatch(t, []snowflake.ID{alice, bob}, users)

	aliceClaims, err := repo.BillableForUser(ctx, alice, start, end)
	require.NoError(t, err)
	assert.Len(t, aliceClaims, 2)

	bobClaims, err := repo.BillableForUser(ctx, bob, start, end)
	require.NoError(t, err)
	require.Len(t, bobClaims, 1)
	assert.Equal(t, claims[4].ID, bobClaims[0].ID)

	carolClaims, err := repo.BillableForUser(ctx, carol, start, end)
	require.NoError(t, err)
	assert.Empty(t, carolClaims)
}

func TestStatsAndCaseRef(t *testing.T) {
	conn := openTestDB(t)
	node, _ := snowflake.NewNode(1)
	repo := Provide(conn)
	ctx := context.Background()

	owned := seed(t, conn, node, "2026-CA-300001")
	seed(t, conn, node, "2026-CA-300002")
	owner := node.Generate()
	require.NoError(t, conn.Model(&domain.Case{}).Where("id = ?", owned.ID).Update("owner_id", owner).Error)
	require.NoError(t, conn.Create(&domain.Claim{ID: node.Generate(), CaseID: owned.ID, UserID: owner, ClaimedAt: time.Now().UTC(), ScoreAtClaim: 25, PriceCents: 2500, Active: true}).Error)

	stats, err := repo.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.TotalCases)
	assert.Equal(t, int64(1), stats.ClaimedCases)
	assert.Equal(t, int64(1), stats.ActiveClaims)
	assert.InDelta(t, 50.0, stats.ClaimRate, 0.001)

	ref, err := repo.CaseRef(ctx, owned.ID)
	require.NoError(t, err)
	assert.Equal(t, "2026-CA-300001", ref.CaseNumber)
	assert.Equal(t, "400 Orchard Road", ref.Address)
}
