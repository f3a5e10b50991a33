package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/leadclaim/internal/account/domain"
	auditdomain "github.com/smallbiznis/leadclaim/internal/audit/domain"
	"github.com/smallbiznis/leadclaim/internal/caller"
	"github.com/smallbiznis/leadclaim/internal/clock"
	"github.com/smallbiznis/leadclaim/internal/config"
	"github.com/smallbiznis/leadclaim/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	reasonNoAccount       = "user not found"
	reasonBillingOff      = "billing is disabled for your account"
	reasonNoPaymentMethod = "please add a payment method before claiming cases"
)

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	Repo   domain.Repository
	Cfg    config.Config
	Policy *config.PolicyHolder
	Clock  clock.Clock
	Audit  auditdomain.Service `optional:"true"`
}

type Service struct {
	db     *gorm.DB
	log    *zap.Logger
	repo   domain.Repository
	cfg    config.Config
	policy *config.PolicyHolder
	clock  clock.Clock
	audit  auditdomain.Service
}

func New(p Params) domain.Service {
	audit := p.Audit
	if audit == nil {
		audit = auditdomain.Nop{}
	}
	return &Service{
		db:     p.DB,
		log:    p.Log.Named("account.service"),
		repo:   p.Repo,
		cfg:    p.Cfg,
		policy: p.Policy,
		clock:  p.Clock,
		audit:  audit,
	}
}

// CanTransact reports whether userID may claim cases. Admins always may; everyone else needs
// billing enabled and, once the payment processor is configured, a payment method on file.
func (s *Service) CanTransact(ctx context.Context, userID snowflake.ID) (bool, string, error) {
	account, err := s.repo.FindByUserID(ctx, s.db, userID)
	if err != nil {
		return false, "", err
	}
	if account == nil {
		return false, reasonNoAccount, nil
	}
	if account.Role == caller.RoleAdmin {
		return true, "", nil
	}
	if !account.BillingActive {
		return false, reasonBillingOff, nil
	}
	if s.cfg.Stripe.Configured() && s.policy.Get().RequirePaymentMethod && !account.HasPaymentMethod {
		return false, reasonNoPaymentMethod, nil
	}
	return true, "", nil
}

func (s *Service) ClaimLimit(ctx context.Context, userID snowflake.ID) (int, error) {
	fallback := s.policy.Get().DefaultClaimLimit
	account, err := s.repo.FindByUserID(ctx, s.db, userID)
	if err != nil {
		return 0, err
	}
	if account == nil || account.MaxClaims < 0 {
		return fallback, nil
	}
	return account.MaxClaims, nil
}

func (s *Service) Create(ctx context.Context, req domain.CreateAccountRequest) (domain.BillingAccount, error) {
	if req.UserID == 0 {
		return domain.BillingAccount{}, domain.ErrInvalidUser
	}
	role := strings.ToLower(strings.TrimSpace(req.Role))
	if role == "" {
		role = caller.RoleUser
	}
	maxClaims := req.MaxClaims
	if maxClaims <= 0 {
		maxClaims = domain.DefaultMaxClaims
	}

	now := s.clock.Now()
	account := domain.BillingAccount{
		UserID:        req.UserID,
		Role:          role,
		MaxClaims:     maxClaims,
		BillingActive: true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if customerID := strings.TrimSpace(req.ProcessorCustomerID); customerID != "" {
		account.ProcessorCustomerID = &customerID
	}

	if err := s.repo.Insert(ctx, s.db, &account); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return domain.BillingAccount{}, domain.ErrAlreadyExists
		}
		return domain.BillingAccount{}, err
	}
	return account, nil
}

func (s *Service) Upsert(ctx context.Context, req domain.CreateAccountRequest) (domain.BillingAccount, bool, error) {
	if req.UserID == 0 {
		return domain.BillingAccount{}, false, domain.ErrInvalidUser
	}
	role := strings.ToLower(strings.TrimSpace(req.Role))
	if role != "" && role != caller.RoleUser && role != caller.RoleAdmin {
		return domain.BillingAccount{}, false, domain.ErrInvalidRole
	}
	if req.MaxClaims < 0 {
		return domain.BillingAccount{}, false, domain.ErrInvalidLimit
	}

	account, err := s.Create(ctx, req)
	created := err == nil
	switch {
	case created:
	case errors.Is(err, domain.ErrAlreadyExists):
		fields := map[string]any{"updated_at": s.clock.Now()}
		if role != "" {
			fields["role"] = role
		}
		if req.MaxClaims > 0 {
			fields["max_claims"] = req.MaxClaims
		}
		if customerID := strings.TrimSpace(req.ProcessorCustomerID); customerID != "" {
			fields["processor_customer_id"] = customerID
		}
		if _, err := s.repo.Update(ctx, s.db, req.UserID, fields); err != nil {
			return domain.BillingAccount{}, false, err
		}
		if account, err = s.Get(ctx, req.UserID); err != nil {
			return domain.BillingAccount{}, false, err
		}
	default:
		return domain.BillingAccount{}, false, err
	}

	s.log.Info("billing account upserted",
		zap.String("user_id", account.UserID.String()),
		zap.String("role", account.Role),
		zap.Int("max_claims", account.MaxClaims),
		zap.Bool("created", created),
	)
	_ = s.audit.Record(ctx, auditdomain.ActionAccountUpserted, "billing_account", account.UserID.String(), map[string]any{
		"role":       account.Role,
		"max_claims": account.MaxClaims,
		"created":    created,
	})
	return account, created, nil
}

// SetClaimLimit stores a per-user claim cap. Zero blocks new claims without touching existing ones.
func (s *Service) SetClaimLimit(ctx context.Context, userID snowflake.ID, limit int) (domain.BillingAccount, int, error) {
	if limit < 0 {
		return domain.BillingAccount{}, 0, domain.ErrInvalidLimit
	}
	current, err := s.Get(ctx, userID)
	if err != nil {
		return domain.BillingAccount{}, 0, err
	}
	if _, err := s.repo.Update(ctx, s.db, userID, map[string]any{
		"max_claims": limit,
		"updated_at": s.clock.Now(),
	}); err != nil {
		return domain.BillingAccount{}, 0, err
	}
	account, err := s.Get(ctx, userID)
	if err != nil {
		return domain.BillingAccount{}, 0, err
	}

	s.log.Info("claim limit changed",
		zap.String("user_id", userID.String()),
		zap.Int("old_limit", current.MaxClaims),
		zap.Int("new_limit", limit),
	)
	_ = s.audit.Record(ctx, auditdomain.ActionAccountLimitChanged, "billing_account", userID.String(), map[string]any{
		"old_limit": current.MaxClaims,
		"new_limit": limit,
	})
	return account, current.MaxClaims, nil
}

func (s *Service) SetBillingActive(ctx context.Context, userID snowflake.ID, active bool) (domain.BillingAccount, error) {
	if userID == 0 {
		return domain.BillingAccount{}, domain.ErrInvalidUser
	}
	ok, err := s.repo.Update(ctx, s.db, userID, map[string]any{
		"billing_active": active,
		"updated_at":     s.clock.Now(),
	})
	if err != nil {
		return domain.BillingAccount{}, err
	}
	if !ok {
		return domain.BillingAccount{}, domain.ErrNotFound
	}

	s.log.Info("billing toggled",
		zap.String("user_id", userID.String()),
		zap.Bool("billing_active", active),
	)
	_ = s.audit.Record(ctx, auditdomain.ActionAccountBillingToggle, "billing_account", userID.String(), map[string]any{
		"billing_active": active,
	})
	return s.Get(ctx, userID)
}

func (s *Service) Get(ctx context.Context, userID snowflake.ID) (domain.BillingAccount, error) {
	if userID == 0 {
		return domain.BillingAccount{}, domain.ErrInvalidUser
	}
	account, err := s.repo.FindByUserID(ctx, s.db, userID)
	if err != nil {
		return domain.BillingAccount{}, err
	}
	if account == nil {
		return domain.BillingAccount{}, domain.ErrNotFound
	}
	return *account, nil
}

func (s *Service) SuspendByCustomer(ctx context.Context, customerID string) (domain.BillingAccount, error) {
	account, err := s.updateByCustomer(ctx, customerID, map[string]any{"billing_active": false})
	if err != nil {
		return domain.BillingAccount{}, err
	}

	s.log.Warn("billing suspended",
		zap.String("user_id", account.UserID.String()),
		zap.String("processor_customer_id", customerID),
	)
	_ = s.audit.Record(ctx, auditdomain.ActionAccountSuspended, "billing_account", account.UserID.String(), map[string]any{
		"processor_customer_id": customerID,
	})
	return account, nil
}

func (s *Service) AttachPaymentMethod(ctx context.Context, customerID, paymentMethodID string) (domain.BillingAccount, error) {
	paymentMethodID = strings.TrimSpace(paymentMethodID)
	return s.updateByCustomer(ctx, customerID, map[string]any{
		"has_payment_method": true,
		"payment_method_id":  paymentMethodID,
	})
}

func (s *Service) LinkCustomer(ctx context.Context, userID snowflake.ID, customerID string) (domain.BillingAccount, error) {
	customerID = strings.TrimSpace(customerID)
	if userID == 0 {
		return domain.BillingAccount{}, domain.ErrInvalidUser
	}
	if customerID == "" {
		return domain.BillingAccount{}, domain.ErrInvalidCustomer
	}

	ok, err := s.repo.Update(ctx, s.db, userID, map[string]any{
		"processor_customer_id": customerID,
		"updated_at":            s.clock.Now(),
	})
	if err != nil {
		return domain.BillingAccount{}, err
	}
	if !ok {
		return domain.BillingAccount{}, domain.ErrNotFound
	}
	return s.Get(ctx, userID)
}

func (s *Service) updateByCustomer(ctx context.Context, customerID string, fields map[string]any) (domain.BillingAccount, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return domain.BillingAccount{}, domain.ErrInvalidCustomer
	}
	account, err := s.repo.FindByCustomerID(ctx, s.db, customerID)
	if err != nil {
		return domain.BillingAccount{}, err
	}
	if account == nil {
		return domain.BillingAccount{}, domain.ErrNotFound
	}

	fields["updated_at"] = s.clock.Now()
	if _, err := s.repo.Update(ctx, s.db, account.UserID, fields); err != nil {
		return domain.BillingAccount{}, err
	}
	return s.Get(ctx, account.UserID)
}
