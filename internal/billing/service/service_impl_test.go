package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	billingdomain "github.com/smallbiznis/leadclaim/internal/billing/domain"
	"github.com/smallbiznis/leadclaim/internal/billing/repository"
	claimdomain "github.com/smallbiznis/leadclaim/internal/claim/domain"
	claimrepository "github.com/smallbiznis/leadclaim/internal/claim/repository"
	"github.com/smallbiznis/leadclaim/internal/clock"
	"github.com/smallbiznis/leadclaim/internal/config"
	"github.com/smallbiznis/leadclaim/internal/outcome"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

var billingDay = time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC)

type fixture struct {
	svc   billingdomain.Service
	db    *gorm.DB
	node  *snowflake.Node
	clock *clock.FakeClock
	cases int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	conn, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, conn.AutoMigrate(
		&claimdomain.Case{},
		&claimdomain.Claim{},
		&billingdomain.Invoice{},
		&billingdomain.InvoiceLine{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(billingDay.Add(30 * time.Hour))
	policy := config.DefaultPolicy()
	policy.BatchConcurrency = 1

	svc := NewService(ServiceParam{
		DB:     conn,
		Log:    zaptest.NewLogger(t),
		GenID:  node,
		Repo:   repository.Provide(),
		Claims: claimrepository.Provide(conn),
		Policy: config.NewStaticPolicyHolder(policy),
		Clock:  clk,
	})
	return &fixture{svc: svc, db: conn, node: node, clock: clk}
}

func (f *fixture) claim(t *testing.T, userID snowflake.ID, price int64, claimedAt time.Time, releasedAt *time.Time) claimdomain.Claim {
	t.Helper()
	f.cases++
	c := claimdomain.Case{
		ID:         f.node.Generate(),
		CaseNumber: fmt.Sprintf("2026-CA-%06d", f.cases),
		Address:    "1200 Westmoreland Boulevard, Apartment 14, North Riverside Heights",
	}
	require.NoError(t, f.db.Create(&c).Error)

	claim := claimdomain.Claim{
		ID:           f.node.Generate(),
		CaseID:       c.ID,
		UserID:       userID,
		ClaimedAt:    claimedAt,
		ReleasedAt:   releasedAt,
		ScoreAtClaim: int(price / 100),
		PriceCents:   price,
		Active:       releasedAt == nil,
	}
	require.NoError(t, f.db.Select("*").Create(&claim).Error)
	return claim
}

func at(day time.Time, hour, minute int) time.Time {
	return day.Add(time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute)
}

func ptr(t time.Time) *time.Time { return &t }

func TestGenerateInvoiceDayWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := f.node.Generate()

	// Claimed the day before, released at 14:00 on the billing day.
	f.claim(t, userID, 5200, at(billingDay, -14, 0), ptr(at(billingDay, 14, 0)))
	// Acquired at 09:00 on the billing day and still active.
	f.claim(t, userID, 3500, at(billingDay, 9, 0), nil)
	// Acquired at 00:30 the next day.
	f.claim(t, userID, 9900, at(billingDay, 24, 30), nil)
	// Released before the billing day began.
	f.claim(t, userID, 4100, at(billingDay, -30, 0), ptr(at(billingDay, -1, 0)))

	summary, err := f.svc.GenerateInvoiceForUser(ctx, userID, billingDay, false)
	require.NoError(t, err)
	assert.Equal(t, int64(8700), summary.TotalCents)
	assert.Equal(t, 2, summary.LineCount)
	assert.Equal(t, fmt.Sprintf("INV-20260309-%05d", userID.Int64()), summary.InvoiceNumber)

	invoice, err := f.svc.GetInvoice(ctx, summary.InvoiceID)
	require.NoError(t, err)
	assert.Equal(t, billingdomain.InvoiceStatusPending, invoice.Status)
	assert.Equal(t, invoice.SubtotalCents, invoice.TotalCents)
	assert.True(t, invoice.DueDate.Equal(billingDay.AddDate(0, 0, 30)))
	require.Len(t, invoice.Lines, 2)
	for _, line := range invoice.Lines {
		assert.Equal(t, 1, line.Quantity)
		parts := strings.SplitN(line.Description, " - ", 2)
		require.Len(t, parts, 2)
		assert.Len(t, []rune(parts[1]), 50)
	}
}

func TestGenerateInvoiceIdempotentAndForced(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := f.node.Generate()
	f.claim(t, userID, 5200, at(billingDay, -2, 0), nil)

	first, err := f.svc.GenerateInvoiceForUser(ctx, userID, billingDay, false)
	require.NoError(t, err)

	_, err = f.svc.GenerateInvoiceForUser(ctx, userID, billingDay, false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, outcome.ErrAlreadyInvoiced))

	forced, err := f.svc.GenerateInvoiceForUser(ctx, userID, billingDay, true)
	require.NoError(t, err)
	assert.NotEqual(t, first.InvoiceID, forced.InvoiceID)
	assert.Equal(t, first.InvoiceNumber+"-02", forced.InvoiceNumber)
	assert.Equal(t, first.TotalCents, forced.TotalCents)

	invoices, err := f.svc.ListInvoices(ctx, billingdomain.ListInvoicesFilter{UserID: &userID})
	require.NoError(t, err)
	assert.Len(t, invoices, 2)
}

func TestGenerateInvoiceNothingToBill(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.GenerateInvoiceForUser(context.Background(), f.node.Generate(), billingDay, false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, outcome.ErrNothingToBill))
}

func TestGenerateInvoicesForAllUsers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.node.Generate()
	bob := f.node.Generate()
	f.claim(t, alice, 5200, at(billingDay, 1, 0), nil)
	f.claim(t, alice, 100, at(billingDay, 2, 0), nil)
	f.claim(t, bob, 4000, at(billingDay, -5, 0), ptr(at(billingDay, 3, 0)))

	preview, err := f.svc.PreviewForAllUsers(ctx, billingDay)
	require.NoError(t, err)
	assert.True(t, preview.DryRun)
	assert.Equal(t, 2, preview.UsersProcessed)
	assert.Equal(t, int64(9300), preview.TotalBilledCents)

	invoices, err := f.svc.ListInvoices(ctx, billingdomain.ListInvoicesFilter{})
	require.NoError(t, err)
	assert.Empty(t, invoices)

	batch, err := f.svc.GenerateInvoicesForAllUsers(ctx, billingDay, false)
	require.NoError(t, err)
	assert.Equal(t, "2026-03-09", batch.BillingDate)
	assert.Equal(t, 2, batch.UsersProcessed)
	assert.Equal(t, 2, batch.InvoicesGenerated)
	assert.Equal(t, int64(9300), batch.TotalBilledCents)
	assert.Empty(t, batch.Errors)

	again, err := f.svc.GenerateInvoicesForAllUsers(ctx, billingDay, false)
	require.NoError(t, err)
	assert.Equal(t, 0, again.InvoicesGenerated)
	assert.Empty(t, again.Errors)
	require.Len(t, again.Details, 2)
	for _, detail := range again.Details {
		assert.Equal(t, billingdomain.ResultAlreadyInvoiced, detail.Result)
	}
}

func TestTransitionAndOverdue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.node.Generate()
	bob := f.node.Generate()
	f.claim(t, alice, 5200, at(billingDay, 1, 0), nil)
	f.claim(t, bob, 2500, at(billingDay, 1, 0), nil)

	paid, err := f.svc.GenerateInvoiceForUser(ctx, alice, billingDay, false)
	require.NoError(t, err)
	unpaid, err := f.svc.GenerateInvoiceForUser(ctx, bob, billingDay, false)
	require.NoError(t, err)

	invoice, changed, err := f.svc.Transition(ctx, paid.InvoiceID, billingdomain.InvoiceStatusPaid)
	require.NoError(t, err)
	assert.True(t, changed)
	require.NotNil(t, invoice.PaidAt)
	paidAt := *invoice.PaidAt

	f.clock.Advance(time.Hour)
	invoice, changed, err = f.svc.Transition(ctx, paid.InvoiceID, billingdomain.InvoiceStatusPaid)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.True(t, paidAt.Equal(*invoice.PaidAt))

	invoice, changed, err = f.svc.Transition(ctx, paid.InvoiceID, billingdomain.InvoiceStatusFailed)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, billingdomain.InvoiceStatusPaid, invoice.Status)

	_, _, err = f.svc.Transition(ctx, f.node.Generate(), billingdomain.InvoiceStatusPaid)
	assert.True(t, errors.Is(err, outcome.ErrNotFound))

	overdue, err := f.svc.HandleOverdueAccounts(ctx, 7)
	require.NoError(t, err)
	assert.Empty(t, overdue.Invoices)

	f.clock.Set(billingDay.AddDate(0, 0, 38))
	overdue, err = f.svc.HandleOverdueAccounts(ctx, 7)
	require.NoError(t, err)
	require.Len(t, overdue.Invoices, 1)
	assert.Equal(t, unpaid.InvoiceNumber, overdue.Invoices[0].InvoiceNumber)
	assert.Equal(t, []snowflake.ID{bob}, overdue.UserIDs)
	assert.Equal(t, int64(2500), overdue.TotalOverdueCents)

	summary, err := f.svc.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(7700), summary.TotalBilledCents)
	assert.Equal(t, int64(5200), summary.TotalCollectedCents)
	assert.InDelta(t, 67.5, summary.CollectionRate, 0.001)
	assert.Equal(t, int64(2), summary.ActiveClaims)
	assert.Equal(t, int64(7700), summary.EstimatedDailyRevenueCents)
	assert.Len(t, summary.RecentInvoices, 2)
}

func TestSettleRecoversFailedInvoice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := f.node.Generate()
	f.claim(t, userID, 4800, at(billingDay, 2, 0), nil)

	generated, err := f.svc.GenerateInvoiceForUser(ctx, userID, billingDay, false)
	require.NoError(t, err)

	invoice, changed, err := f.svc.Transition(ctx, generated.InvoiceID, billingdomain.InvoiceStatusFailed)
	require.NoError(t, err)
	require.True(t, changed)
	require.NotNil(t, invoice.FailedAt)

	// A late notification cannot revive a failed invoice.
	invoice, changed, err = f.svc.Transition(ctx, generated.InvoiceID, billingdomain.InvoiceStatusPaid)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, billingdomain.InvoiceStatusFailed, invoice.Status)

	f.clock.Advance(2 * time.Hour)
	invoice, changed, err = f.svc.Settle(ctx, generated.InvoiceID, billingdomain.InvoiceStatusPaid)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, billingdomain.InvoiceStatusPaid, invoice.Status)
	require.NotNil(t, invoice.PaidAt)
	assert.True(t, f.clock.Now().Equal(*invoice.PaidAt))

	invoice, changed, err = f.svc.Settle(ctx, generated.InvoiceID, billingdomain.InvoiceStatusFailed)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, billingdomain.InvoiceStatusPaid, invoice.Status)

	f.clock.Set(billingDay.AddDate(0, 0, 60))
	overdue, err := f.svc.HandleOverdueAccounts(ctx, 7)
	require.NoError(t, err)
	assert.Empty(t, overdue.Invoices)
}

func TestCanSettle(t *testing.T) {
	cases := []struct {
		from, to billingdomain.InvoiceStatus
		want     bool
	}{
		{billingdomain.InvoiceStatusPending, billingdomain.InvoiceStatusPaid, true},
		{billingdomain.InvoiceStatusFailed, billingdomain.InvoiceStatusPaid, true},
		{billingdomain.InvoiceStatusPaid, billingdomain.InvoiceStatusPaid, false},
		{billingdomain.InvoiceStatusPending, billingdomain.InvoiceStatusFailed, true},
		{billingdomain.InvoiceStatusFailed, billingdomain.InvoiceStatusFailed, false},
		{billingdomain.InvoiceStatusPaid, billingdomain.InvoiceStatusFailed, false},
		{billingdomain.InvoiceStatusPending, billingdomain.InvoiceStatusPending, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, billingdomain.CanSettle(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
	assert.False(t, billingdomain.CanTransition(billingdomain.InvoiceStatusFailed, billingdomain.InvoiceStatusPaid))
}

func TestGenerateInvoiceConcurrentRetrigger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := f.node.Generate()
	f.claim(t, userID, 5200, at(billingDay, 3, 0), nil)
	f.claim(t, userID, 2600, at(billingDay, 4, 0), nil)

	const runs = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		invoiced  int
		others    []error
	)
	start := make(chan struct{})
	for i := 0; i < runs; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.svc.GenerateInvoiceForUser(ctx, userID, billingDay, false)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case outcome.KindOf(err) == outcome.KindAlreadyInvoiced:
				invoiced++
			default:
				others = append(others, err)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Empty(t, others)
	assert.Equal(t, 1, successes)
	assert.Equal(t, runs-1, invoiced)

	var invoices, lines int64
	require.NoError(t, f.db.Model(&billingdomain.Invoice{}).Where("user_id = ?", userID).Count(&invoices).Error)
	require.NoError(t, f.db.Model(&billingdomain.InvoiceLine{}).Count(&lines).Error)
	assert.EqualValues(t, 1, invoices)
	assert.EqualValues(t, 2, lines)
}

func TestFindForEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := f.node.Generate()
	f.claim(t, userID, 5200, at(billingDay, 1, 0), nil)

	generated, err := f.svc.GenerateInvoiceForUser(ctx, userID, billingDay, false)
	require.NoError(t, err)

	byNumber, err := f.svc.FindForEvent(ctx, "in_123", generated.InvoiceNumber)
	require.NoError(t, err)
	require.NotNil(t, byNumber)
	assert.Equal(t, generated.InvoiceID, byNumber.ID)

	require.NoError(t, f.svc.LinkExternalRef(ctx, generated.InvoiceID, "in_123"))
	require.NoError(t, f.svc.SetHostedURL(ctx, generated.InvoiceID, "https://pay.example.test/in_123"))

	byRef, err := f.svc.FindForEvent(ctx, "in_123", "")
	require.NoError(t, err)
	require.NotNil(t, byRef)
	require.NotNil(t, byRef.HostedURL)
	assert.Equal(t, "https://pay.example.test/in_123", *byRef.HostedURL)

	missing, err := f.svc.FindForEvent(ctx, "in_missing", "INV-00000000-00000")
	require.NoError(t, err)
	assert.Nil(t, missing)
}
