package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	accountdomain "github.com/smallbiznis/leadclaim/internal/account/domain"
	billingdomain "github.com/smallbiznis/leadclaim/internal/billing/domain"
	"github.com/smallbiznis/leadclaim/internal/clock"
	"github.com/smallbiznis/leadclaim/internal/observability/metrics"
	"github.com/smallbiznis/leadclaim/internal/outcome"
	"github.com/smallbiznis/leadclaim/internal/reconciliation/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// processingLease is how long an unfinished event row is trusted to belong to a live caller.
const processingLease = 5 * time.Minute

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Repo     domain.Repository
	Billing  billingdomain.Service
	Accounts accountdomain.Service
	Clock    clock.Clock
	Metrics  *metrics.Metrics `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	repo     domain.Repository
	billing  billingdomain.Service
	accounts accountdomain.Service
	clock    clock.Clock
	metrics  *metrics.Metrics

	handlers map[string]handlerFunc
}

type handlerFunc func(ctx context.Context, event domain.Event) (string, map[string]any, error)

func NewService(p Params) domain.Service {
	s := &Service{
		db:       p.DB,
		log:      p.Log.Named("reconciliation.service"),
		genID:    p.GenID,
		repo:     p.Repo,
		billing:  p.Billing,
		accounts: p.Accounts,
		clock:    p.Clock,
		metrics:  p.Metrics,
	}
	s.handlers = map[string]handlerFunc{
		domain.EventInvoicePaid:                 s.invoiceStatus(billingdomain.InvoiceStatusPaid),
		domain.EventInvoicePaymentFailed:        s.invoiceStatus(billingdomain.InvoiceStatusFailed),
		domain.EventInvoiceCreated:              s.invoiceCreated,
		domain.EventInvoiceFinalized:            s.invoiceFinalized,
		domain.EventSubscriptionDeleted:         s.subscriptionDeleted,
		domain.EventCustomerSubscriptionDeleted: s.subscriptionDeleted,
		domain.EventPaymentMethodAttached:       s.paymentMethodAttached,
		domain.EventCustomerCreated:             s.customerCreated,
		domain.EventChargeSucceeded:             s.logOnly,
		domain.EventChargeFailed:                s.logOnly,
	}
	return s
}

func (s *Service) Handle(ctx context.Context, provider string, event domain.Event) domain.Result {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		provider = domain.ProviderStripe
	}
	if event.ID == "" {
		event.ID = "local_" + ulid.Make().String()
	}
	result := domain.Result{EventID: event.ID, EventType: event.Type}

	row, proceed, err := s.begin(ctx, provider, event)
	if err != nil {
		s.log.Error("webhook event not recorded", zap.String("event_id", event.ID), zap.Error(err))
		result.Status = domain.StatusError
		result.Error = "failed to record event"
		s.observe(ctx, provider, event.Type, result.Status)
		return result
	}
	if !proceed {
		result.Status = domain.StatusDuplicate
		s.observe(ctx, provider, event.Type, result.Status)
		return result
	}

	handler, ok := s.handlers[event.Type]
	if !ok {
		result.Status = domain.StatusIgnored
		s.log.Debug("webhook event ignored", zap.String("event_type", event.Type), zap.String("event_id", event.ID))
	} else {
		status, detail, herr := handler(ctx, event)
		result.Status, result.Detail = status, detail
		if herr != nil {
			result.Status = domain.StatusError
			result.Error = herr.Error()
			s.log.Error("webhook handler failed",
				zap.String("event_type", event.Type),
				zap.String("event_id", event.ID),
				zap.Error(herr),
			)
		}
	}

	var errMsg *string
	if result.Error != "" {
		errMsg = &result.Error
	}
	if err := s.repo.Complete(ctx, s.db, row.ID, result.Status, errMsg, s.clock.Now()); err != nil {
		s.log.Warn("webhook event completion not recorded", zap.String("event_id", event.ID), zap.Error(err))
	}

	s.log.Info("webhook processed",
		zap.String("provider", provider),
		zap.String("event_type", event.Type),
		zap.String("event_id", event.ID),
		zap.String("result", result.Status),
	)
	s.observe(ctx, provider, event.Type, result.Status)
	return result
}

// begin records the event. proceed is false when it was already handled successfully
// or is being processed by another caller. A row still unprocessed after processingLease
// belongs to a caller that died mid-way and is taken over.
func (s *Service) begin(ctx context.Context, provider string, event domain.Event) (*domain.WebhookEvent, bool, error) {
	now := s.clock.Now()
	row := &domain.WebhookEvent{
		ID:         s.genID.Generate(),
		Provider:   provider,
		EventID:    event.ID,
		EventType:  event.Type,
		Payload:    datatypes.JSON(event.Raw),
		ReceivedAt: now,
	}
	if len(row.Payload) == 0 {
		row.Payload = datatypes.JSON("{}")
	}

	inserted, err := s.repo.InsertEvent(ctx, s.db, row)
	if err != nil {
		return nil, false, err
	}
	if inserted {
		return row, true, nil
	}

	existing, err := s.repo.FindEvent(ctx, s.db, provider, event.ID)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, nil
	}
	staleBefore := now.Add(-processingLease)
	abandoned := existing.Error == nil && existing.ProcessedAt == nil && existing.ReceivedAt.Before(staleBefore)
	if existing.Error == nil && !abandoned {
		return nil, false, nil
	}
	claimed, err := s.repo.ClaimRetry(ctx, s.db, existing.ID, now, staleBefore)
	if err != nil {
		return nil, false, err
	}
	if !claimed {
		return nil, false, nil
	}
	s.log.Info("retrying webhook event",
		zap.String("event_id", event.ID),
		zap.Bool("abandoned", abandoned),
	)
	return existing, true, nil
}

func (s *Service) Recent(ctx context.Context, limit int) ([]domain.WebhookEvent, error) {
	return s.repo.List(ctx, s.db, limit)
}

func (s *Service) observe(ctx context.Context, provider, eventType, status string) {
	if _, known := s.handlers[eventType]; !known {
		eventType = "other"
	}
	s.metrics.RecordReconciliationEvent(ctx, provider, eventType, status)
}

func (s *Service) invoiceStatus(to billingdomain.InvoiceStatus) handlerFunc {
	return func(ctx context.Context, event domain.Event) (string, map[string]any, error) {
		externalRef := event.Str("id")
		invoice, err := s.billing.FindForEvent(ctx, externalRef, event.Metadata("invoice_number"))
		if err != nil {
			return "", nil, err
		}
		if invoice == nil {
			s.log.Warn("invoice not found for webhook",
				zap.String("event_type", event.Type),
				zap.String("external_ref_id", externalRef),
			)
			return domain.StatusNotFound, nil, nil
		}
		if externalRef != "" && invoice.ExternalRefID == nil {
			if err := s.billing.LinkExternalRef(ctx, invoice.ID, externalRef); err != nil {
				return "", nil, err
			}
		}

		updated, changed, err := s.billing.Transition(ctx, invoice.ID, to)
		if err != nil {
			return "", nil, err
		}
		detail := map[string]any{
			"invoice_number": updated.InvoiceNumber,
			"invoice_status": string(updated.Status),
		}
		if !changed {
			return domain.StatusUnchanged, detail, nil
		}
		return domain.StatusSuccess, detail, nil
	}
}

func (s *Service) invoiceCreated(ctx context.Context, event domain.Event) (string, map[string]any, error) {
	externalRef := event.Str("id")
	number := event.Metadata("invoice_number")
	if externalRef == "" || number == "" {
		return domain.StatusLogged, nil, nil
	}
	invoice, err := s.billing.FindForEvent(ctx, "", number)
	if err != nil {
		return "", nil, err
	}
	if invoice == nil {
		return domain.StatusNotFound, nil, nil
	}
	if err := s.billing.LinkExternalRef(ctx, invoice.ID, externalRef); err != nil {
		return "", nil, err
	}
	return domain.StatusSuccess, map[string]any{"invoice_number": invoice.InvoiceNumber}, nil
}

func (s *Service) invoiceFinalized(ctx context.Context, event domain.Event) (string, map[string]any, error) {
	hostedURL := event.Str("hosted_invoice_url")
	if hostedURL == "" {
		return domain.StatusLogged, nil, nil
	}
	invoice, err := s.billing.FindForEvent(ctx, event.Str("id"), event.Metadata("invoice_number"))
	if err != nil {
		return "", nil, err
	}
	if invoice == nil {
		return domain.StatusNotFound, nil, nil
	}
	if err := s.billing.SetHostedURL(ctx, invoice.ID, hostedURL); err != nil {
		return "", nil, err
	}
	return domain.StatusSuccess, map[string]any{"invoice_number": invoice.InvoiceNumber}, nil
}

func (s *Service) subscriptionDeleted(ctx context.Context, event domain.Event) (string, map[string]any, error) {
	account, err := s.accounts.SuspendByCustomer(ctx, event.Str("customer"))
	if status, ok := accountStatus(err); ok {
		return status, nil, nil
	}
	if err != nil {
		return "", nil, err
	}
	return domain.StatusSuccess, map[string]any{"user_id": account.UserID.String()}, nil
}

func (s *Service) paymentMethodAttached(ctx context.Context, event domain.Event) (string, map[string]any, error) {
	account, err := s.accounts.AttachPaymentMethod(ctx, event.Str("customer"), event.Str("id"))
	if status, ok := accountStatus(err); ok {
		return status, nil, nil
	}
	if err != nil {
		return "", nil, err
	}
	return domain.StatusSuccess, map[string]any{"user_id": account.UserID.String()}, nil
}

func (s *Service) customerCreated(ctx context.Context, event domain.Event) (string, map[string]any, error) {
	raw := event.Metadata("user_id")
	if raw == "" {
		return domain.StatusLogged, nil, nil
	}
	userID, err := snowflake.ParseString(raw)
	if err != nil {
		return "", nil, fmt.Errorf("invalid metadata user_id %q", raw)
	}
	account, err := s.accounts.LinkCustomer(ctx, userID, event.Str("id"))
	if status, ok := accountStatus(err); ok {
		return status, nil, nil
	}
	if err != nil {
		return "", nil, err
	}
	return domain.StatusSuccess, map[string]any{"user_id": account.UserID.String()}, nil
}

func (s *Service) logOnly(ctx context.Context, event domain.Event) (string, map[string]any, error) {
	s.log.Info("charge notification",
		zap.String("event_type", event.Type),
		zap.String("charge_id", event.Str("id")),
		zap.String("customer", event.Str("customer")),
	)
	return domain.StatusLogged, nil, nil
}

func accountStatus(err error) (string, bool) {
	switch {
	case err == nil:
		return "", false
	case errors.Is(err, accountdomain.ErrNotFound), outcome.KindOf(err) == outcome.KindNotFound:
		return domain.StatusNotFound, true
	case errors.Is(err, accountdomain.ErrInvalidCustomer):
		return domain.StatusLogged, true
	}
	return "", false
}
