// Package billingjob drives the daily billing run: invoice generation followed by the overdue report.
package billingjob

import (
	"context"
	"errors"
	"time"

	billingdomain "github.com/smallbiznis/leadclaim/internal/billing/domain"
	"github.com/smallbiznis/leadclaim/internal/clock"
	"github.com/smallbiznis/leadclaim/internal/config"
	obscontext "github.com/smallbiznis/leadclaim/internal/observability/context"
	obslogger "github.com/smallbiznis/leadclaim/internal/observability/logger"
	"github.com/smallbiznis/leadclaim/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	ModeRun      = "run"
	ModeDryRun   = "dry_run"
	ModeBackfill = "backfill"
)

var (
	ErrInvalidRange = errors.New("invalid_date_range")
	ErrRangeTooLong = errors.New("date_range_too_long")
)

// maxBackfillDays bounds a single backfill invocation.
const maxBackfillDays = 366

type Options struct {
	// Date is the billing day. Zero means yesterday in the billing time zone.
	Date   time.Time
	DryRun bool
	Force  bool
	// GraceDays for the overdue report. Negative means the configured policy value.
	GraceDays int
}

type Report struct {
	Date     string                        `json:"date"`
	Mode     string                        `json:"mode"`
	Billing  billingdomain.BatchSummary    `json:"billing"`
	Overdue  *billingdomain.OverdueSummary `json:"overdue,omitempty"`
	Duration time.Duration                 `json:"duration_ns"`
}

// UserErrors counts per-user failures in the billing step.
func (r Report) UserErrors() int {
	return len(r.Billing.Errors)
}

type Params struct {
	fx.In

	Billing billingdomain.Service
	Clock   clock.Clock
	Policy  *config.PolicyHolder
	Log     *zap.Logger
	Runtime *metrics.RuntimeMetrics `optional:"true"`
}

type Driver struct {
	billing billingdomain.Service
	clock   clock.Clock
	policy  *config.PolicyHolder
	log     *zap.Logger
	runtime *metrics.RuntimeMetrics
}

func NewDriver(p Params) *Driver {
	return &Driver{
		billing: p.Billing,
		clock:   p.Clock,
		policy:  p.Policy,
		log:     p.Log.Named("billingjob"),
		runtime: p.Runtime,
	}
}

// DefaultDate returns yesterday's calendar day in the billing time zone.
func (d *Driver) DefaultDate() time.Time {
	local := d.clock.Now().In(d.policy.Get().Location())
	y, m, day := local.AddDate(0, 0, -1).Date()
	return time.Date(y, m, day, 0, 0, 0, 0, time.UTC)
}

// Run bills one day and then reports overdue accounts. Per-user failures are collected in the
// report; only infrastructure failures are returned as errors.
func (d *Driver) Run(ctx context.Context, opts Options) (Report, error) {
	start := d.clock.Now()
	if opts.Date.IsZero() {
		opts.Date = d.DefaultDate()
	}
	mode := ModeRun
	if opts.DryRun {
		mode = ModeDryRun
	}
	ctx = obscontext.WithCaller(ctx, "system", "billingjob")
	log := obslogger.WithContext(ctx, d.log).With(
		zap.String("billing_date", opts.Date.Format(time.DateOnly)),
		zap.String("mode", mode),
		zap.Bool("force", opts.Force),
	)
	log.Info("billingjob.start")

	report := Report{Date: opts.Date.Format(time.DateOnly), Mode: mode}

	var err error
	if opts.DryRun {
		report.Billing, err = d.billing.PreviewForAllUsers(ctx, opts.Date)
	} else {
		report.Billing, err = d.billing.GenerateInvoicesForAllUsers(ctx, opts.Date, opts.Force)
	}
	if err != nil {
		log.Error("billingjob.billing_failed", zap.Error(err))
		return report, err
	}

	overdue, err := d.billing.HandleOverdueAccounts(ctx, opts.GraceDays)
	if err != nil {
		log.Error("billingjob.overdue_failed", zap.Error(err))
		return report, err
	}
	report.Overdue = &overdue

	report.Duration = d.clock.Now().Sub(start)
	d.runtime.ObserveJobRun(mode, report.Duration, report.UserErrors())

	fields := []zap.Field{
		zap.Int("users_processed", report.Billing.UsersProcessed),
		zap.Int("invoices_generated", report.Billing.InvoicesGenerated),
		zap.Int64("total_billed_cents", report.Billing.TotalBilledCents),
		zap.Int("error_count", report.UserErrors()),
		zap.Int("overdue_users", len(overdue.UserIDs)),
		zap.Int64("overdue_cents", overdue.TotalOverdueCents),
		zap.Int64("duration_ms", report.Duration.Milliseconds()),
	}
	if report.UserErrors() > 0 {
		log.Warn("billingjob.finish", fields...)
	} else {
		log.Info("billingjob.finish", fields...)
	}
	return report, nil
}

// Backfill runs each day in [from, to] in order. A failing day stops the backfill.
func (d *Driver) Backfill(ctx context.Context, from, to time.Time, opts Options) ([]Report, error) {
	from = truncateDay(from)
	to = truncateDay(to)
	if to.Before(from) {
		return nil, ErrInvalidRange
	}
	if int(to.Sub(from).Hours()/24) >= maxBackfillDays {
		return nil, ErrRangeTooLong
	}

	var reports []Report
	for day := from; !day.After(to); day = day.AddDate(0, 0, 1) {
		if err := ctx.Err(); err != nil {
			return reports, err
		}
		dayOpts := opts
		dayOpts.Date = day
		report, err := d.Run(ctx, dayOpts)
		if err != nil {
			return reports, err
		}
		report.Mode = ModeBackfill
		reports = append(reports, report)
	}
	return reports, nil
}

// Overdue runs only the overdue report.
func (d *Driver) Overdue(ctx context.Context, graceDays int) (billingdomain.OverdueSummary, error) {
	return d.billing.HandleOverdueAccounts(ctx, graceDays)
}

func truncateDay(t time.Time) time.Time {
	y, m, day := t.Date()
	return time.Date(y, m, day, 0, 0, 0, 0, time.UTC)
}
