package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/leadclaim/internal/account"
	accountdomain "github.com/smallbiznis/leadclaim/internal/account/domain"
	"github.com/smallbiznis/leadclaim/internal/audit"
	"github.com/smallbiznis/leadclaim/internal/authorization"
	"github.com/smallbiznis/leadclaim/internal/billing"
	billingdomain "github.com/smallbiznis/leadclaim/internal/billing/domain"
	"github.com/smallbiznis/leadclaim/internal/billingjob"
	"github.com/smallbiznis/leadclaim/internal/claim"
	claimdomain "github.com/smallbiznis/leadclaim/internal/claim/domain"
	"github.com/smallbiznis/leadclaim/internal/clock"
	"github.com/smallbiznis/leadclaim/internal/config"
	"github.com/smallbiznis/leadclaim/internal/lock"
	"github.com/smallbiznis/leadclaim/internal/observability"
	obslogger "github.com/smallbiznis/leadclaim/internal/observability/logger"
	"github.com/smallbiznis/leadclaim/internal/pricing"
	"github.com/smallbiznis/leadclaim/internal/ratelimit"
	"github.com/smallbiznis/leadclaim/internal/reconciliation"
	reconciliationdomain "github.com/smallbiznis/leadclaim/internal/reconciliation/domain"
	"github.com/smallbiznis/leadclaim/internal/reconciliation/signature"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Provide(provideVerifier),
	lock.Module,
	ratelimit.Module,
	authorization.Module,
	audit.Module,
	account.Module,
	claim.Module,
	pricing.Module,
	billing.Module,
	reconciliation.Module,
	billingjob.Module,
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(cfg config.Config, obsCfg observability.Config) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	if len(cfg.CORSOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORSOrigins,
			AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Authorization", "Content-Type", HeaderUserID, HeaderUserRole, "X-Request-Id"},
			AllowCredentials: true,
		}))
	}
	r.Use(otelgin.Middleware(obsCfg.ServiceName))
	r.Use(obslogger.GinMiddleware(obslogger.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(cfg config.Config, obsCfg observability.Config) *gin.Engine {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	return NewEngine(cfg, obsCfg)
}

func provideVerifier(cfg config.Config, clk clock.Clock) *signature.Verifier {
	return signature.NewVerifier(cfg.Stripe.WebhookSecret, cfg.Stripe.SignatureTolerance, clk.Now)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				log.Info("http server listening", zap.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine       *gin.Engine
	cfg          config.Config
	log          *zap.Logger
	claimSvc     claimdomain.Service
	accountSvc   accountdomain.Service
	pricing      pricing.Engine
	billingSvc   billingdomain.Service
	reconcileSvc reconciliationdomain.Service
	authzSvc     authorization.Service
	verifier     *signature.Verifier
	driver       *billingjob.Driver
	claimLimiter *ratelimit.ClaimLimiter
}

type ServerParams struct {
	fx.In

	Gin          *gin.Engine
	Cfg          config.Config
	Log          *zap.Logger
	ClaimSvc     claimdomain.Service
	AccountSvc   accountdomain.Service
	Pricing      pricing.Engine
	BillingSvc   billingdomain.Service
	ReconcileSvc reconciliationdomain.Service
	AuthzSvc     authorization.Service
	Verifier     *signature.Verifier
	Driver       *billingjob.Driver
	ClaimLimiter *ratelimit.ClaimLimiter `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:       p.Gin,
		cfg:          p.Cfg,
		log:          p.Log.Named("http.server"),
		claimSvc:     p.ClaimSvc,
		accountSvc:   p.AccountSvc,
		pricing:      p.Pricing,
		billingSvc:   p.BillingSvc,
		reconcileSvc: p.ReconcileSvc,
		authzSvc:     p.AuthzSvc,
		verifier:     p.Verifier,
		driver:       p.Driver,
		claimLimiter: p.ClaimLimiter,
	}

	svc.registerAPIRoutes()
	svc.registerAdminRoutes()
	svc.registerWebhookRoutes()
	svc.registerFallback()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api")

	// -------- Pricing --------
	api.GET("/pricing", s.ListPricingTiers)
	api.GET("/pricing/:score", s.GetPriceForScore)

	authed := api.Group("", s.CallerRequired())

	// -------- Claims --------
	authed.POST("/cases/:id/claim", s.authorize(authorization.ObjectClaim, authorization.ActionClaimAcquire), s.throttleClaims(), s.AcquireClaim)
	authed.DELETE("/cases/:id/claim", s.authorize(authorization.ObjectClaim, authorization.ActionClaimRelease), s.ReleaseClaim)
	authed.GET("/cases/:id/claim", s.authorize(authorization.ObjectClaim, authorization.ActionClaimView), s.GetCaseClaim)
	authed.POST("/claims/bulk", s.authorize(authorization.ObjectClaim, authorization.ActionClaimAcquire), s.throttleClaims(), s.BulkAcquire)
	authed.POST("/claims/bulk-release", s.authorize(authorization.ObjectClaim, authorization.ActionClaimRelease), s.BulkRelease)
	authed.GET("/claims", s.authorize(authorization.ObjectClaim, authorization.ActionClaimView), s.ListClaims)
	authed.GET("/claims/stats", s.authorize(authorization.ObjectClaim, authorization.ActionClaimStats), s.ClaimStats)

	// -------- Invoices --------
	authed.GET("/invoices", s.authorize(authorization.ObjectInvoice, authorization.ActionInvoiceView), s.ListInvoices)
	authed.GET("/invoices/:id", s.authorize(authorization.ObjectInvoice, authorization.ActionInvoiceView), s.GetInvoiceByID)
}

func (s *Server) registerAdminRoutes() {
	admin := s.engine.Group("/admin", s.CallerRequired())

	// -------- Billing --------
	admin.POST("/billing/run", s.authorize(authorization.ObjectBilling, authorization.ActionBillingRun), s.RunBilling)
	admin.GET("/billing/overdue", s.authorize(authorization.ObjectBilling, authorization.ActionBillingView), s.OverdueReport)
	admin.GET("/billing/summary", s.authorize(authorization.ObjectBilling, authorization.ActionBillingView), s.BillingSummary)

	// -------- Invoices --------
	admin.POST("/invoices/:id/mark-paid", s.authorize(authorization.ObjectInvoice, authorization.ActionInvoiceSettle), s.MarkInvoicePaid)
	admin.POST("/invoices/:id/mark-failed", s.authorize(authorization.ObjectInvoice, authorization.ActionInvoiceSettle), s.MarkInvoiceFailed)

	// -------- Accounts --------
	admin.GET("/users/:id/account", s.authorize(authorization.ObjectAccount, authorization.ActionAccountView), s.GetAccount)
	admin.PUT("/users/:id/account", s.authorize(authorization.ObjectAccount, authorization.ActionAccountManage), s.UpsertAccount)
	admin.POST("/users/:id/set-claim-limit", s.authorize(authorization.ObjectAccount, authorization.ActionAccountManage), s.SetClaimLimit)
	admin.POST("/users/:id/toggle-billing", s.authorize(authorization.ObjectAccount, authorization.ActionAccountManage), s.ToggleBilling)
	admin.POST("/users/:id/release-all-claims", s.authorize(authorization.ObjectClaim, authorization.ActionClaimReleaseAny), s.ReleaseAllClaims)

	// -------- Webhook events --------
	admin.GET("/webhooks/events", s.authorize(authorization.ObjectWebhookEvent, authorization.ActionWebhookEventView), s.ListWebhookEvents)
}

func (s *Server) registerWebhookRoutes() {
	hooks := s.engine.Group("/webhooks")
	hooks.POST("/stripe", s.HandleStripeWebhook)
	if !s.cfg.IsProduction() {
		hooks.POST("/stripe/test", s.HandleStripeTestWebhook)
	}
}

func (s *Server) registerFallback() {
	s.engine.NoRoute(func(c *gin.Context) {
		AbortWithError(c, ErrNotFound)
	})
}
