package authorization

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	auditdomain "github.com/smallbiznis/leadclaim/internal/audit/domain"
	"github.com/smallbiznis/leadclaim/internal/caller"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed model.conf
var modelText string

const (
	ObjectClaim        = "claim"
	ObjectPricing      = "pricing"
	ObjectInvoice      = "invoice"
	ObjectBilling      = "billing"
	ObjectWebhookEvent = "webhook_event"
	ObjectAccount      = "account"
)

const (
	ActionClaimAcquire    = "claim.acquire"
	ActionClaimRelease    = "claim.release"
	ActionClaimReleaseAny = "claim.release_any"
	ActionClaimView       = "claim.view"
	ActionClaimStats      = "claim.stats"

	ActionPricingView = "pricing.view"

	ActionInvoiceView    = "invoice.view"
	ActionInvoiceViewAny = "invoice.view_any"
	ActionInvoiceSettle  = "invoice.settle"

	ActionBillingRun  = "billing.run"
	ActionBillingView = "billing.view"

	ActionWebhookEventView = "webhook_event.view"

	ActionAccountView   = "account.view"
	ActionAccountManage = "account.manage"
)

type Params struct {
	fx.In

	Log      *zap.Logger
	Enforcer *casbin.SyncedEnforcer
	AuditSvc auditdomain.Service `optional:"true"`
}

type ServiceImpl struct {
	log      *zap.Logger
	enforcer *casbin.SyncedEnforcer
	auditSvc auditdomain.Service
}

func NewEnforcer(db *gorm.DB) (*casbin.SyncedEnforcer, error) {
	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return nil, err
	}
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, err
	}
	enforcer.EnableAutoSave(true)
	enforcer.EnableAutoBuildRoleLinks(true)
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, err
	}
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	if err := enforcer.BuildRoleLinks(); err != nil {
		return nil, err
	}
	return enforcer, nil
}

func NewService(p Params) Service {
	return &ServiceImpl{
		log:      p.Log.Named("authorization.service"),
		enforcer: p.Enforcer,
		auditSvc: p.AuditSvc,
	}
}

func (s *ServiceImpl) Authorize(ctx context.Context, who caller.Caller, object string, action string) error {
	subject, roleName, err := resolveActor(who)
	if err != nil {
		return err
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return ErrInvalidObject
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return ErrInvalidAction
	}

	if err := s.ensureGrouping(subject, roleName); err != nil {
		return err
	}

	allowed, err := s.enforcer.Enforce(subject, object, action)
	if err != nil {
		return err
	}
	if !allowed {
		s.auditDenied(ctx, subject, roleName, object, action)
		return ErrForbidden
	}
	return nil
}

func resolveActor(who caller.Caller) (string, string, error) {
	if who == nil {
		return "", "", ErrInvalidActor
	}
	role := strings.ToLower(strings.TrimSpace(who.Role()))
	if role == caller.RoleSystem {
		return "system", "role:system", nil
	}
	if who.ID() == 0 || role == "" {
		return "", "", ErrInvalidActor
	}
	return fmt.Sprintf("user:%s", who.ID().String()), fmt.Sprintf("role:%s", role), nil
}

// ensureGrouping keeps exactly one role link per subject, following role changes in tokens.
func (s *ServiceImpl) ensureGrouping(subject string, roleName string) error {
	existing, err := s.enforcer.GetFilteredGroupingPolicy(0, subject)
	if err != nil {
		return err
	}
	for _, rule := range existing {
		if len(rule) < 2 || rule[1] == roleName {
			continue
		}
		params := make([]interface{}, 0, len(rule))
		for _, value := range rule {
			params = append(params, value)
		}
		_, _ = s.enforcer.RemoveGroupingPolicy(params...)
	}

	has, err := s.enforcer.HasGroupingPolicy(subject, roleName)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	_, err = s.enforcer.AddGroupingPolicy(subject, roleName)
	return err
}

func (s *ServiceImpl) auditDenied(ctx context.Context, subject, roleName, object, action string) {
	s.log.Debug("authorization denied",
		zap.String("subject", subject),
		zap.String("role", roleName),
		zap.String("object", object),
		zap.String("action", action),
	)
	if s.auditSvc == nil {
		return
	}
	_ = s.auditSvc.Record(ctx, auditdomain.ActionAuthorizationDenied, "authorization", object, map[string]any{
		"subject": subject,
		"role":    roleName,
		"object":  object,
		"action":  action,
	})
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	policies := [][]string{
		// User permissions
		{"role:user", ObjectClaim, ActionClaimAcquire},
		{"role:user", ObjectClaim, ActionClaimRelease},
		{"role:user", ObjectClaim, ActionClaimView},
		{"role:user", ObjectPricing, ActionPricingView},
		{"role:user", ObjectInvoice, ActionInvoiceView},

		// Admin permissions
		{"role:admin", ObjectClaim, ActionClaimAcquire},
		{"role:admin", ObjectClaim, ActionClaimRelease},
		{"role:admin", ObjectClaim, ActionClaimReleaseAny},
		{"role:admin", ObjectClaim, ActionClaimView},
		{"role:admin", ObjectClaim, ActionClaimStats},
		{"role:admin", ObjectPricing, ActionPricingView},
		{"role:admin", ObjectInvoice, ActionInvoiceView},
		{"role:admin", ObjectInvoice, ActionInvoiceViewAny},
		{"role:admin", ObjectInvoice, ActionInvoiceSettle},
		{"role:admin", ObjectBilling, ActionBillingRun},
		{"role:admin", ObjectBilling, ActionBillingView},
		{"role:admin", ObjectWebhookEvent, ActionWebhookEventView},
		{"role:admin", ObjectAccount, ActionAccountView},
		{"role:admin", ObjectAccount, ActionAccountManage},

		// System permissions (billing job and scheduler)
		{"role:system", ObjectClaim, ActionClaimStats},
		{"role:system", ObjectInvoice, ActionInvoiceViewAny},
		{"role:system", ObjectInvoice, ActionInvoiceSettle},
		{"role:system", ObjectBilling, ActionBillingRun},
		{"role:system", ObjectBilling, ActionBillingView},
	}

	for _, policy := range policies {
		if _, err := enforcer.AddPolicy(policy); err != nil {
			return err
		}
	}
	return nil
}
