package service

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/leadclaim/internal/audit/domain"
	billingdomain "github.com/smallbiznis/leadclaim/internal/billing/domain"
	claimdomain "github.com/smallbiznis/leadclaim/internal/claim/domain"
	"github.com/smallbiznis/leadclaim/internal/clock"
	"github.com/smallbiznis/leadclaim/internal/config"
	"github.com/smallbiznis/leadclaim/internal/observability/metrics"
	"github.com/smallbiznis/leadclaim/internal/outcome"
	"github.com/smallbiznis/leadclaim/internal/pricing"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const (
	dateLayout        = "2006-01-02"
	descriptionMaxLen = 50
	recentInvoices    = 10
)

type ServiceParam struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	GenID  *snowflake.Node
	Repo   billingdomain.Repository
	Claims claimdomain.Repository
	Policy *config.PolicyHolder
	Clock  clock.Clock

	Metrics  *metrics.Metrics    `optional:"true"`
	AuditSvc auditdomain.Service `optional:"true"`
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID    *snowflake.Node
	repo     billingdomain.Repository
	claims   claimdomain.Repository
	policy   *config.PolicyHolder
	clock    clock.Clock
	metrics  *metrics.Metrics
	auditSvc auditdomain.Service
}

func NewService(p ServiceParam) billingdomain.Service {
	auditSvc := p.AuditSvc
	if auditSvc == nil {
		auditSvc = auditdomain.Nop{}
	}
	return &Service{
		db:  p.DB,
		log: p.Log.Named("billing.service"),

		genID:    p.GenID,
		repo:     p.Repo,
		claims:   p.Claims,
		policy:   p.Policy,
		clock:    p.Clock,
		metrics:  p.Metrics,
		auditSvc: auditSvc,
	}
}

// window is one billing day: [start, end) in the billing time zone, and its calendar date.
type window struct {
	date  time.Time
	start time.Time
	end   time.Time
}

func (s *Service) dayWindow(billingDate time.Time) window {
	y, m, d := billingDate.Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, s.policy.Get().Location())
	return window{
		date:  time.Date(y, m, d, 0, 0, 0, 0, time.UTC),
		start: start.UTC(),
		end:   start.AddDate(0, 0, 1).UTC(),
	}
}

func (s *Service) GenerateInvoiceForUser(ctx context.Context, userID snowflake.ID, billingDate time.Time, force bool) (billingdomain.InvoiceSummary, error) {
	if userID == 0 {
		return billingdomain.InvoiceSummary{}, billingdomain.ErrInvalidUser
	}
	if billingDate.IsZero() {
		return billingdomain.InvoiceSummary{}, billingdomain.ErrInvalidBillingDate
	}
	w := s.dayWindow(billingDate)
	day := w.date.Format(dateLayout)

	if !force {
		existing, err := s.repo.CountForDate(ctx, s.db, userID, w.date)
		if err != nil {
			return billingdomain.InvoiceSummary{}, outcome.Persistence(err)
		}
		if existing > 0 {
			return billingdomain.InvoiceSummary{}, alreadyInvoiced(day)
		}
	}

	claims, err := s.claims.BillableForUser(ctx, userID, w.start, w.end)
	if err != nil {
		return billingdomain.InvoiceSummary{}, outcome.Persistence(err)
	}
	if len(claims) == 0 {
		return billingdomain.InvoiceSummary{}, outcome.New(outcome.KindNothingToBill,
			fmt.Sprintf("no billable claims for %s", day))
	}

	now := s.clock.Now()
	invoice := billingdomain.Invoice{
		ID:          s.genID.Generate(),
		UserID:      userID,
		InvoiceDate: w.date,
		Sequence:    1,
		DueDate:     w.date.AddDate(0, 0, s.policy.Get().DueDays),
		Status:      billingdomain.InvoiceStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	lines := make([]billingdomain.InvoiceLine, 0, len(claims))
	for _, claim := range claims {
		lines = append(lines, billingdomain.InvoiceLine{
			ID:             s.genID.Generate(),
			InvoiceID:      invoice.ID,
			ClaimID:        claim.ID,
			CaseID:         claim.CaseID,
			Description:    s.describe(ctx, claim.CaseID),
			Quantity:       1,
			AmountCents:    claim.PriceCents,
			ScoreAtInvoice: claim.ScoreAtClaim,
			ServiceDate:    w.date,
			CreatedAt:      now,
		})
		invoice.SubtotalCents += claim.PriceCents
	}
	invoice.TotalCents = invoice.SubtotalCents

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if force {
			seq, err := s.repo.MaxSequence(ctx, tx, userID, w.date)
			if err != nil {
				return err
			}
			invoice.Sequence = seq + 1
		}
		invoice.InvoiceNumber = invoiceNumber(userID, w.date, invoice.Sequence)

		inserted, err := s.repo.InsertInvoice(ctx, tx, &invoice)
		if err != nil {
			return err
		}
		if !inserted {
			return alreadyInvoiced(day)
		}
		return s.repo.InsertLines(ctx, tx, lines)
	})
	if err != nil {
		return billingdomain.InvoiceSummary{}, outcome.Persistence(err)
	}

	forced := invoice.Sequence > 1
	s.metrics.RecordInvoiceCreated(ctx, invoice.TotalCents, forced)
	s.log.Info("invoice generated",
		zap.String("invoice_id", invoice.ID.String()),
		zap.String("invoice_number", invoice.InvoiceNumber),
		zap.String("user_id", userID.String()),
		zap.String("billing_date", day),
		zap.Int("lines", len(lines)),
		zap.Int64("total_cents", invoice.TotalCents),
		zap.Bool("forced", forced),
	)
	s.emitAudit(ctx, auditdomain.ActionInvoiceGenerated, &invoice, map[string]any{
		"line_count": len(lines),
		"forced":     forced,
	})

	return billingdomain.InvoiceSummary{
		InvoiceID:     invoice.ID,
		InvoiceNumber: invoice.InvoiceNumber,
		TotalCents:    invoice.TotalCents,
		LineCount:     len(lines),
	}, nil
}

func (s *Service) GenerateInvoicesForAllUsers(ctx context.Context, billingDate time.Time, force bool) (billingdomain.BatchSummary, error) {
	return s.runBatch(ctx, billingDate, false, func(ctx context.Context, userID snowflake.ID, _ window) billingdomain.UserResult {
		result := billingdomain.UserResult{UserID: userID}
		summary, err := s.GenerateInvoiceForUser(ctx, userID, billingDate, force)
		switch kind := outcome.KindOf(err); {
		case err == nil:
			result.Result = billingdomain.ResultInvoiced
			result.InvoiceNumber = summary.InvoiceNumber
			result.TotalCents = summary.TotalCents
			result.LineCount = summary.LineCount
		case kind == outcome.KindAlreadyInvoiced:
			result.Result = billingdomain.ResultAlreadyInvoiced
			result.Message = err.Error()
		case kind == outcome.KindNothingToBill:
			result.Result = billingdomain.ResultNothingToBill
			result.Message = err.Error()
		default:
			result.Result = billingdomain.ResultError
			result.Message = err.Error()
			s.metrics.RecordBillingError(ctx, string(kind))
			s.log.Error("invoice generation failed",
				zap.String("user_id", userID.String()),
				zap.Error(err),
			)
		}
		return result
	})
}

// PreviewForAllUsers computes what a run would bill without writing anything.
func (s *Service) PreviewForAllUsers(ctx context.Context, billingDate time.Time) (billingdomain.BatchSummary, error) {
	return s.runBatch(ctx, billingDate, true, func(ctx context.Context, userID snowflake.ID, w window) billingdomain.UserResult {
		result := billingdomain.UserResult{UserID: userID}

		existing, err := s.repo.CountForDate(ctx, s.db, userID, w.date)
		if err != nil {
			result.Result = billingdomain.ResultError
			result.Message = err.Error()
			return result
		}
		if existing > 0 {
			result.Result = billingdomain.ResultAlreadyInvoiced
			result.Message = alreadyInvoiced(w.date.Format(dateLayout)).Error()
			return result
		}

		claims, err := s.claims.BillableForUser(ctx, userID, w.start, w.end)
		if err != nil {
			result.Result = billingdomain.ResultError
			result.Message = err.Error()
			return result
		}
		if len(claims) == 0 {
			result.Result = billingdomain.ResultNothingToBill
			return result
		}

		result.Result = billingdomain.ResultPreview
		result.InvoiceNumber = invoiceNumber(userID, w.date, 1)
		result.LineCount = len(claims)
		for _, claim := range claims {
			result.TotalCents += claim.PriceCents
		}
		return result
	})
}

func (s *Service) runBatch(ctx context.Context, billingDate time.Time, dryRun bool, fn func(ctx context.Context, userID snowflake.ID, w window) billingdomain.UserResult) (billingdomain.BatchSummary, error) {
	if billingDate.IsZero() {
		return billingdomain.BatchSummary{}, billingdomain.ErrInvalidBillingDate
	}
	w := s.dayWindow(billingDate)
	summary := billingdomain.BatchSummary{
		BillingDate: w.date.Format(dateLayout),
		DryRun:      dryRun,
		Errors:      []billingdomain.UserError{},
		Details:     []billingdomain.UserResult{},
	}

	users, err := s.claims.UsersWithBillableClaims(ctx, w.start, w.end)
	if err != nil {
		return summary, outcome.Persistence(err)
	}

	var (
		mu      sync.Mutex
		results = make([]billingdomain.UserResult, 0, len(users))
		g       errgroup.Group
	)
	g.SetLimit(max(s.policy.Get().BatchConcurrency, 1))
	for _, userID := range users {
		g.Go(func() error {
			result := fn(ctx, userID, w)
			mu.Lock()
			results = append(results, result)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].UserID < results[j].UserID })
	for _, result := range results {
		summary.UsersProcessed++
		switch result.Result {
		case billingdomain.ResultInvoiced, billingdomain.ResultPreview:
			summary.InvoicesGenerated++
			summary.TotalBilledCents += result.TotalCents
		case billingdomain.ResultError:
			summary.Errors = append(summary.Errors, billingdomain.UserError{UserID: result.UserID, Error: result.Message})
		}
	}
	summary.Details = results

	s.log.Info("billing batch finished",
		zap.String("billing_date", summary.BillingDate),
		zap.Bool("dry_run", dryRun),
		zap.Int("users_processed", summary.UsersProcessed),
		zap.Int("invoices_generated", summary.InvoicesGenerated),
		zap.String("total_billed", pricing.FormatCents(summary.TotalBilledCents)),
		zap.Int("errors", len(summary.Errors)),
	)
	return summary, nil
}

// HandleOverdueAccounts reports unpaid invoices past due by more than graceDays. It changes nothing.
func (s *Service) HandleOverdueAccounts(ctx context.Context, graceDays int) (billingdomain.OverdueSummary, error) {
	if graceDays < 0 {
		graceDays = s.policy.Get().GraceDays
	}
	cutoff := s.clock.Now().AddDate(0, 0, -graceDays)
	summary := billingdomain.OverdueSummary{
		GraceDays: graceDays,
		Cutoff:    cutoff,
		UserIDs:   []snowflake.ID{},
		Invoices:  []billingdomain.OverdueInvoice{},
	}

	invoices, err := s.repo.ListUnpaidDueBefore(ctx, s.db, cutoff)
	if err != nil {
		return summary, outcome.Persistence(err)
	}

	seen := make(map[snowflake.ID]struct{})
	for _, invoice := range invoices {
		summary.Invoices = append(summary.Invoices, billingdomain.OverdueInvoice{
			InvoiceID:     invoice.ID,
			InvoiceNumber: invoice.InvoiceNumber,
			UserID:        invoice.UserID,
			Status:        invoice.Status,
			DueDate:       invoice.DueDate,
			TotalCents:    invoice.TotalCents,
		})
		summary.TotalOverdueCents += invoice.TotalCents
		if _, ok := seen[invoice.UserID]; !ok {
			seen[invoice.UserID] = struct{}{}
			summary.UserIDs = append(summary.UserIDs, invoice.UserID)
		}
	}
	sort.Slice(summary.UserIDs, func(i, j int) bool { return summary.UserIDs[i] < summary.UserIDs[j] })

	if len(summary.UserIDs) > 0 {
		s.log.Warn("overdue accounts",
			zap.Int("users", len(summary.UserIDs)),
			zap.Int("invoices", len(summary.Invoices)),
			zap.String("total_overdue", pricing.FormatCents(summary.TotalOverdueCents)),
			zap.Int("grace_days", graceDays),
		)
	}
	return summary, nil
}

func (s *Service) ListInvoices(ctx context.Context, filter billingdomain.ListInvoicesFilter) ([]billingdomain.Invoice, error) {
	switch filter.Status {
	case "", billingdomain.InvoiceStatusPending, billingdomain.InvoiceStatusPaid, billingdomain.InvoiceStatusFailed:
	default:
		return nil, billingdomain.ErrInvalidStatus
	}
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 50
	}
	return s.repo.List(ctx, s.db, filter)
}

func (s *Service) GetInvoice(ctx context.Context, id snowflake.ID) (billingdomain.Invoice, error) {
	if id == 0 {
		return billingdomain.Invoice{}, billingdomain.ErrInvalidInvoiceID
	}
	invoice, err := s.repo.FindByID(ctx, s.db, id, true)
	if err != nil {
		return billingdomain.Invoice{}, outcome.Persistence(err)
	}
	if invoice == nil {
		return billingdomain.Invoice{}, outcome.New(outcome.KindNotFound, "invoice not found")
	}
	return *invoice, nil
}

func (s *Service) Summary(ctx context.Context) (billingdomain.Summary, error) {
	totals, err := s.repo.StatusTotals(ctx, s.db)
	if err != nil {
		return billingdomain.Summary{}, outcome.Persistence(err)
	}
	stats, err := s.claims.Stats(ctx)
	if err != nil {
		return billingdomain.Summary{}, outcome.Persistence(err)
	}
	recent, err := s.repo.List(ctx, s.db, billingdomain.ListInvoicesFilter{Limit: recentInvoices})
	if err != nil {
		return billingdomain.Summary{}, outcome.Persistence(err)
	}

	summary := billingdomain.Summary{
		ByStatus:                   totals,
		ActiveClaims:               stats.ActiveClaims,
		EstimatedDailyRevenueCents: stats.ActiveValueCents,
		RecentInvoices:             recent,
	}
	for _, row := range totals {
		summary.TotalBilledCents += row.AmountCents
		if row.Status == billingdomain.InvoiceStatusPaid {
			summary.TotalCollectedCents += row.AmountCents
		}
	}
	if summary.TotalBilledCents > 0 {
		rate := float64(summary.TotalCollectedCents) / float64(summary.TotalBilledCents) * 100
		summary.CollectionRate = math.Round(rate*10) / 10
	}
	return summary, nil
}

func (s *Service) FindForEvent(ctx context.Context, externalRef, invoiceNumber string) (*billingdomain.Invoice, error) {
	if externalRef != "" {
		invoice, err := s.repo.FindByExternalRef(ctx, s.db, externalRef)
		if err != nil || invoice != nil {
			return invoice, err
		}
	}
	if invoiceNumber != "" {
		return s.repo.FindByNumber(ctx, s.db, invoiceNumber)
	}
	return nil, nil
}

func (s *Service) Transition(ctx context.Context, id snowflake.ID, to billingdomain.InvoiceStatus) (billingdomain.Invoice, bool, error) {
	return s.transition(ctx, id, to, billingdomain.CanTransition, "processor")
}

func (s *Service) Settle(ctx context.Context, id snowflake.ID, to billingdomain.InvoiceStatus) (billingdomain.Invoice, bool, error) {
	return s.transition(ctx, id, to, billingdomain.CanSettle, "admin")
}

func (s *Service) transition(ctx context.Context, id snowflake.ID, to billingdomain.InvoiceStatus, allowed func(from, to billingdomain.InvoiceStatus) bool, source string) (billingdomain.Invoice, bool, error) {
	if to != billingdomain.InvoiceStatusPaid && to != billingdomain.InvoiceStatusFailed {
		return billingdomain.Invoice{}, false, billingdomain.ErrInvalidStatus
	}
	invoice, err := s.repo.FindByID(ctx, s.db, id, false)
	if err != nil {
		return billingdomain.Invoice{}, false, outcome.Persistence(err)
	}
	if invoice == nil {
		return billingdomain.Invoice{}, false, outcome.New(outcome.KindNotFound, "invoice not found")
	}
	if !allowed(invoice.Status, to) {
		return *invoice, false, nil
	}

	previous := invoice.Status
	changed, err := s.repo.UpdateStatus(ctx, s.db, id, previous, to, s.clock.Now())
	if err != nil {
		return billingdomain.Invoice{}, false, outcome.Persistence(err)
	}
	updated, err := s.repo.FindByID(ctx, s.db, id, false)
	if err != nil {
		return billingdomain.Invoice{}, false, outcome.Persistence(err)
	}
	if !changed {
		return *updated, false, nil
	}

	s.log.Info("invoice status changed",
		zap.String("invoice_id", id.String()),
		zap.String("invoice_number", updated.InvoiceNumber),
		zap.String("from", string(previous)),
		zap.String("to", string(to)),
		zap.String("source", source),
	)
	s.emitAudit(ctx, auditdomain.ActionInvoiceStatusChanged, updated, map[string]any{
		"previous_status": string(previous),
		"source":          source,
	})
	return *updated, true, nil
}

func (s *Service) LinkExternalRef(ctx context.Context, id snowflake.ID, externalRef string) error {
	return s.update(ctx, id, map[string]any{"external_ref_id": externalRef})
}

func (s *Service) SetHostedURL(ctx context.Context, id snowflake.ID, url string) error {
	return s.update(ctx, id, map[string]any{"hosted_url": url})
}

func (s *Service) update(ctx context.Context, id snowflake.ID, fields map[string]any) error {
	if id == 0 {
		return billingdomain.ErrInvalidInvoiceID
	}
	fields["updated_at"] = s.clock.Now()
	return outcome.Persistence(s.repo.Update(ctx, s.db, id, fields))
}

func (s *Service) describe(ctx context.Context, caseID snowflake.ID) string {
	ref, err := s.claims.CaseRef(ctx, caseID)
	if err != nil {
		s.log.Warn("case reference unavailable", zap.String("case_id", caseID.String()), zap.Error(err))
		return "Case " + caseID.String()
	}
	return fmt.Sprintf("%s - %s", ref.CaseNumber, truncate(ref.Address, descriptionMaxLen))
}

func (s *Service) emitAudit(ctx context.Context, action string, invoice *billingdomain.Invoice, extra map[string]any) {
	if invoice == nil {
		return
	}
	metadata := map[string]any{
		"invoice_number": invoice.InvoiceNumber,
		"user_id":        invoice.UserID.String(),
		"invoice_date":   invoice.InvoiceDate.Format(dateLayout),
		"total_cents":    invoice.TotalCents,
		"status":         string(invoice.Status),
	}
	for key, value := range extra {
		if key == "" {
			continue
		}
		metadata[key] = value
	}
	_ = s.auditSvc.Record(ctx, action, "invoice", invoice.ID.String(), metadata)
}

// invoiceNumber renders INV-YYYYMMDD-{user:05d}, with -{seq:02d} for forced regenerations.
func invoiceNumber(userID snowflake.ID, date time.Time, sequence int) string {
	number := fmt.Sprintf("INV-%s-%05d", date.Format("20060102"), userID.Int64())
	if sequence > 1 {
		number += fmt.Sprintf("-%02d", sequence)
	}
	return number
}

func alreadyInvoiced(day string) error {
	return outcome.New(outcome.KindAlreadyInvoiced, fmt.Sprintf("invoice already exists for %s", day))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
