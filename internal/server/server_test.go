package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	accountdomain "github.com/smallbiznis/leadclaim/internal/account/domain"
	accountrepository "github.com/smallbiznis/leadclaim/internal/account/repository"
	accountservice "github.com/smallbiznis/leadclaim/internal/account/service"
	"github.com/smallbiznis/leadclaim/internal/authorization"
	billingdomain "github.com/smallbiznis/leadclaim/internal/billing/domain"
	billingrepository "github.com/smallbiznis/leadclaim/internal/billing/repository"
	billingservice "github.com/smallbiznis/leadclaim/internal/billing/service"
	"github.com/smallbiznis/leadclaim/internal/billingjob"
	"github.com/smallbiznis/leadclaim/internal/caller"
	claimdomain "github.com/smallbiznis/leadclaim/internal/claim/domain"
	"github.com/smallbiznis/leadclaim/internal/claim/repository/memory"
	claimservice "github.com/smallbiznis/leadclaim/internal/claim/service"
	"github.com/smallbiznis/leadclaim/internal/clock"
	"github.com/smallbiznis/leadclaim/internal/config"
	"github.com/smallbiznis/leadclaim/internal/lock"
	"github.com/smallbiznis/leadclaim/internal/observability"
	"github.com/smallbiznis/leadclaim/internal/pricing"
	reconciliationdomain "github.com/smallbiznis/leadclaim/internal/reconciliation/domain"
	reconciliationrepository "github.com/smallbiznis/leadclaim/internal/reconciliation/repository"
	reconciliationservice "github.com/smallbiznis/leadclaim/internal/reconciliation/service"
	"github.com/smallbiznis/leadclaim/internal/reconciliation/signature"
	"github.com/smallbiznis/leadclaim/internal/scoring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

const webhookSecret = "whsec_test"

func init() {
	gin.SetMode(gin.TestMode)
}

type testServer struct {
	srv      *Server
	db       *gorm.DB
	store    *memory.Store
	accounts accountdomain.Service
	node     *snowflake.Node
	clock    *clock.FakeClock
}

func newTestServer(t *testing.T, cfg config.Config) *testServer {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	conn, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, conn.AutoMigrate(
		&billingdomain.Invoice{},
		&billingdomain.InvoiceLine{},
		&accountdomain.BillingAccount{},
		&reconciliationdomain.WebhookEvent{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2026, 3, 9, 10, 0, 0, 0, time.UTC))
	log := zaptest.NewLogger(t)
	policy := config.NewStaticPolicyHolder(config.DefaultPolicy())
	store := memory.New()

	accounts := accountservice.New(accountservice.Params{
		DB:     conn,
		Log:    log,
		Repo:   accountrepository.Provide(),
		Cfg:    cfg,
		Policy: policy,
		Clock:  clk,
	})
	claims := claimservice.NewService(claimservice.Params{
		Repo:        store,
		Eligibility: accounts,
		Scorer:      scoring.Heuristic{},
		Pricing:     pricing.NewLinear(),
		Policy:      policy,
		Clock:       clk,
		GenID:       node,
		Log:         log,
		Local:       lock.NewKeyed(),
	})
	billing := billingservice.NewService(billingservice.ServiceParam{
		DB:     conn,
		Log:    log,
		GenID:  node,
		Repo:   billingrepository.Provide(),
		Claims: store,
		Policy: policy,
		Clock:  clk,
	})
	reconcile := reconciliationservice.NewService(reconciliationservice.Params{
		DB:       conn,
		Log:      log,
		GenID:    node,
		Repo:     reconciliationrepository.Provide(),
		Billing:  billing,
		Accounts: accounts,
		Clock:    clk,
	})
	enforcer, err := authorization.NewEnforcer(conn)
	require.NoError(t, err)
	authz := authorization.NewService(authorization.Params{Log: log, Enforcer: enforcer})
	driver := billingjob.NewDriver(billingjob.Params{Billing: billing, Clock: clk, Policy: policy, Log: log})

	srv := NewServer(ServerParams{
		Gin:          NewEngine(cfg, observability.Config{ServiceName: "leadclaim-test"}),
		Cfg:          cfg,
		Log:          log,
		ClaimSvc:     claims,
		AccountSvc:   accounts,
		Pricing:      pricing.NewLinear(),
		BillingSvc:   billing,
		ReconcileSvc: reconcile,
		AuthzSvc:     authz,
		Verifier:     signature.NewVerifier(cfg.Stripe.WebhookSecret, 0, clk.Now),
		Driver:       driver,
	})
	return &testServer{srv: srv, db: conn, store: store, accounts: accounts, node: node, clock: clk}
}

func (ts *testServer) user(t *testing.T, role string) snowflake.ID {
	t.Helper()
	id := ts.node.Generate()
	_, err := ts.accounts.Create(context.Background(), accountdomain.CreateAccountRequest{UserID: id, Role: role})
	require.NoError(t, err)
	return id
}

func (ts *testServer) seedCase(number string) claimdomain.Case {
	c := claimdomain.Case{
		ID:         ts.node.Generate(),
		CaseNumber: number,
		Address:    "88 Willow Court",
		ARVCents:   210_000_00,
	}
	ts.store.PutCase(c)
	return c
}

type request struct {
	method string
	path   string
	body   any
	userID snowflake.ID
	role   string
	header map[string]string
}

func (ts *testServer) do(t *testing.T, r request) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var body []byte
	switch b := r.body.(type) {
	case nil:
	case []byte:
		body = b
	default:
		var err error
		body, err = json.Marshal(b)
		require.NoError(t, err)
	}

	req := httptest.NewRequest(r.method, r.path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if r.userID != 0 {
		req.Header.Set(HeaderUserID, r.userID.String())
		req.Header.Set(HeaderUserRole, r.role)
	}
	for k, v := range r.header {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	ts.srv.Engine().ServeHTTP(w, req)

	var out map[string]any
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	}
	return w, out
}

func errorType(body map[string]any) string {
	payload, _ := body["error"].(map[string]any)
	typ, _ := payload["type"].(string)
	return typ
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, config.Config{})
	w, body := ts.do(t, request{method: http.MethodGet, path: "/health"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body["status"])
}

func TestClaimLifecycle(t *testing.T) {
	ts := newTestServer(t, config.Config{})
	alice := ts.user(t, caller.RoleUser)
	bob := ts.user(t, caller.RoleUser)
	c := ts.seedCase("2026-CA-500001")
	path := "/api/cases/" + c.ID.String() + "/claim"

	w, body := ts.do(t, request{method: http.MethodPost, path: path, userID: alice, role: caller.RoleUser})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	data := body["data"].(map[string]any)
	assert.Equal(t, "$50.00", data["price"])
	assert.Equal(t, string(pricing.TierFair), data["tier"])

	w, body = ts.do(t, request{method: http.MethodPost, path: path, userID: bob, role: caller.RoleUser})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "already_claimed", errorType(body))

	w, body = ts.do(t, request{method: http.MethodGet, path: path, userID: bob, role: caller.RoleUser})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["claimed"])
	assert.Equal(t, false, body["owned_by_you"])
	assert.NotContains(t, body, "data")

	w, body = ts.do(t, request{method: http.MethodDelete, path: path, userID: bob, role: caller.RoleUser})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "not_owner", errorType(body))

	w, _ = ts.do(t, request{method: http.MethodDelete, path: path, userID: alice, role: caller.RoleUser})
	assert.Equal(t, http.StatusOK, w.Code)

	w, body = ts.do(t, request{method: http.MethodDelete, path: path, userID: alice, role: caller.RoleUser})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "not_claimed", errorType(body))

	w, body = ts.do(t, request{method: http.MethodGet, path: "/api/claims?active_only=false", userID: alice, role: caller.RoleUser})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body["data"], 1)
}

func TestClaimRequiresCaller(t *testing.T) {
	ts := newTestServer(t, config.Config{})
	c := ts.seedCase("2026-CA-500002")

	w, body := ts.do(t, request{method: http.MethodPost, path: "/api/cases/" + c.ID.String() + "/claim"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "unauthorized", errorType(body))

	w, body = ts.do(t, request{method: http.MethodPost, path: "/api/cases/abc/claim", userID: ts.user(t, caller.RoleUser), role: caller.RoleUser})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation_error", errorType(body))
}

func TestClaimUnknownCase(t *testing.T) {
	ts := newTestServer(t, config.Config{})
	alice := ts.user(t, caller.RoleUser)

	w, body := ts.do(t, request{method: http.MethodPost, path: "/api/cases/12345/claim", userID: alice, role: caller.RoleUser})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", errorType(body))
}

func TestBearerTokenCaller(t *testing.T) {
	ts := newTestServer(t, config.Config{CallerJWTSecret: "s3cret"})
	alice := ts.user(t, caller.RoleUser)
	c := ts.seedCase("2026-CA-500003")
	path := "/api/cases/" + c.ID.String() + "/claim"

	token, err := caller.IssueToken("s3cret", caller.NewUser(alice, caller.RoleUser), jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	require.NoError(t, err)

	// Trusted headers are ignored once tokens are required.
	w, _ := ts.do(t, request{method: http.MethodPost, path: path, userID: alice, role: caller.RoleUser})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, _ = ts.do(t, request{method: http.MethodPost, path: path, header: map[string]string{"Authorization": "Bearer " + token}})
	assert.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w, _ = ts.do(t, request{method: http.MethodPost, path: path, header: map[string]string{"Authorization": "Bearer not-a-token"}})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestBulkClaims(t *testing.T) {
	ts := newTestServer(t, config.Config{})
	alice := ts.user(t, caller.RoleUser)
	a := ts.seedCase("2026-CA-500010")
	b := ts.seedCase("2026-CA-500011")

	w, body := ts.do(t, request{
		method: http.MethodPost,
		path:   "/api/claims/bulk",
		body:   map[string]any{"case_ids": []any{a.ID.String(), int64(b.ID), 99}},
		userID: alice,
		role:   caller.RoleUser,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	data := body["data"].(map[string]any)
	assert.EqualValues(t, 2, data["succeeded"])
	assert.EqualValues(t, 1, data["failed"])

	w, body = ts.do(t, request{
		method: http.MethodPost,
		path:   "/api/claims/bulk-release",
		body:   map[string]any{"case_ids": []string{a.ID.String(), b.ID.String()}},
		userID: alice,
		role:   caller.RoleUser,
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 2, body["data"].(map[string]any)["succeeded"])

	w, _ = ts.do(t, request{method: http.MethodPost, path: "/api/claims/bulk", body: map[string]any{"case_ids": []string{}}, userID: alice, role: caller.RoleUser})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdminRoutesRequireRole(t *testing.T) {
	ts := newTestServer(t, config.Config{})
	alice := ts.user(t, caller.RoleUser)
	admin := ts.user(t, caller.RoleAdmin)

	for _, path := range []string{"/api/claims/stats", "/admin/billing/summary", "/admin/billing/overdue", "/admin/webhooks/events"} {
		w, _ := ts.do(t, request{method: http.MethodGet, path: path, userID: alice, role: caller.RoleUser})
		assert.Equal(t, http.StatusForbidden, w.Code, path)

		w, _ = ts.do(t, request{method: http.MethodGet, path: path, userID: admin, role: caller.RoleAdmin})
		assert.Equal(t, http.StatusOK, w.Code, path)
	}
}

func TestPricingRoutes(t *testing.T) {
	ts := newTestServer(t, config.Config{})

	w, body := ts.do(t, request{method: http.MethodGet, path: "/api/pricing/52"})
	require.Equal(t, http.StatusOK, w.Code)
	data := body["data"].(map[string]any)
	assert.EqualValues(t, 5200, data["price_cents"])
	assert.Equal(t, "$52.00", data["price"])
	assert.Equal(t, string(pricing.TierFair), data["tier"])

	w, body = ts.do(t, request{method: http.MethodGet, path: "/api/pricing/0"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 100, body["data"].(map[string]any)["price_cents"])

	w, _ = ts.do(t, request{method: http.MethodGet, path: "/api/pricing/101"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, body = ts.do(t, request{method: http.MethodGet, path: "/api/pricing"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body["data"], 4)
}

func TestBillingRunAndSettlement(t *testing.T) {
	ts := newTestServer(t, config.Config{Stripe: config.StripeConfig{WebhookSecret: webhookSecret}})
	alice := ts.user(t, caller.RoleUser)
	bob := ts.user(t, caller.RoleUser)
	admin := ts.user(t, caller.RoleAdmin)
	c := ts.seedCase("2026-CA-500020")

	w, _ := ts.do(t, request{method: http.MethodPost, path: "/api/cases/" + c.ID.String() + "/claim", userID: alice, role: caller.RoleUser})
	require.Equal(t, http.StatusCreated, w.Code)

	ts.clock.Set(time.Date(2026, 3, 10, 6, 0, 0, 0, time.UTC))

	w, _ = ts.do(t, request{method: http.MethodPost, path: "/admin/billing/run", userID: alice, role: caller.RoleUser})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, body := ts.do(t, request{method: http.MethodPost, path: "/admin/billing/run", body: map[string]any{"dry_run": true}, userID: admin, role: caller.RoleAdmin})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	report := body["data"].(map[string]any)
	assert.Equal(t, "2026-03-09", report["date"])
	assert.Equal(t, true, report["billing"].(map[string]any)["dry_run"])
	var count int64
	require.NoError(t, ts.db.Model(&billingdomain.Invoice{}).Count(&count).Error)
	assert.Zero(t, count)

	w, body = ts.do(t, request{method: http.MethodPost, path: "/admin/billing/run", userID: admin, role: caller.RoleAdmin})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	billing := body["data"].(map[string]any)["billing"].(map[string]any)
	assert.EqualValues(t, 1, billing["invoices_generated"])
	assert.EqualValues(t, 5000, billing["total_billed_cents"])

	var invoice billingdomain.Invoice
	require.NoError(t, ts.db.Take(&invoice, "user_id = ?", alice).Error)

	w, body = ts.do(t, request{method: http.MethodGet, path: "/api/invoices", userID: alice, role: caller.RoleUser})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body["data"], 1)

	w, body = ts.do(t, request{method: http.MethodGet, path: "/api/invoices", userID: bob, role: caller.RoleUser})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body["data"], 0)

	w, _ = ts.do(t, request{method: http.MethodGet, path: "/api/invoices/" + invoice.ID.String(), userID: bob, role: caller.RoleUser})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, body = ts.do(t, request{method: http.MethodGet, path: "/api/invoices/" + invoice.ID.String(), userID: alice, role: caller.RoleUser})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body["data"].(map[string]any)["lines"], 1)

	payload := []byte(fmt.Sprintf(`{"id":"evt_paid_1","type":"invoice.paid","data":{"object":{"id":"in_1","metadata":{"invoice_number":%q}}}}`, invoice.InvoiceNumber))

	w, body = ts.do(t, request{method: http.MethodPost, path: "/webhooks/stripe", body: payload})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation_error", errorType(body))

	header := map[string]string{signature.HeaderName: signature.Header(webhookSecret, payload, ts.clock.Now())}
	w, body = ts.do(t, request{method: http.MethodPost, path: "/webhooks/stripe", body: payload, header: header})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, reconciliationdomain.StatusSuccess, body["result"])

	w, body = ts.do(t, request{method: http.MethodPost, path: "/webhooks/stripe", body: payload, header: header})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, reconciliationdomain.StatusDuplicate, body["result"])

	w, body = ts.do(t, request{method: http.MethodPost, path: "/admin/invoices/" + invoice.ID.String() + "/mark-failed", userID: admin, role: caller.RoleAdmin})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, body["changed"])
	assert.Equal(t, string(billingdomain.InvoiceStatusPaid), body["data"].(map[string]any)["status"])

	w, body = ts.do(t, request{method: http.MethodGet, path: "/admin/webhooks/events", userID: admin, role: caller.RoleAdmin})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body["data"], 1)
}

func TestAdminSettlesFailedInvoice(t *testing.T) {
	ts := newTestServer(t, config.Config{})
	alice := ts.user(t, caller.RoleUser)
	admin := ts.user(t, caller.RoleAdmin)
	c := ts.seedCase("2026-CA-500030")

	w, _ := ts.do(t, request{method: http.MethodPost, path: "/api/cases/" + c.ID.String() + "/claim", userID: alice, role: caller.RoleUser})
	require.Equal(t, http.StatusCreated, w.Code)
	ts.clock.Set(time.Date(2026, 3, 10, 6, 0, 0, 0, time.UTC))
	w, _ = ts.do(t, request{method: http.MethodPost, path: "/admin/billing/run", userID: admin, role: caller.RoleAdmin})
	require.Equal(t, http.StatusOK, w.Code)

	var invoice billingdomain.Invoice
	require.NoError(t, ts.db.Take(&invoice, "user_id = ?", alice).Error)

	payload := []byte(fmt.Sprintf(`{"id":"evt_fail_1","type":"invoice.payment_failed","data":{"object":{"id":"in_9","metadata":{"invoice_number":%q}}}}`, invoice.InvoiceNumber))
	w, body := ts.do(t, request{method: http.MethodPost, path: "/webhooks/stripe", body: payload})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, reconciliationdomain.StatusSuccess, body["result"])

	// The processor cannot move a failed invoice; the operator can.
	payload = []byte(fmt.Sprintf(`{"id":"evt_paid_9","type":"invoice.paid","data":{"object":{"id":"in_9","metadata":{"invoice_number":%q}}}}`, invoice.InvoiceNumber))
	w, body = ts.do(t, request{method: http.MethodPost, path: "/webhooks/stripe", body: payload})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, reconciliationdomain.StatusUnchanged, body["result"])

	path := "/admin/invoices/" + invoice.ID.String() + "/mark-paid"
	w, _ = ts.do(t, request{method: http.MethodPost, path: path, userID: alice, role: caller.RoleUser})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, body = ts.do(t, request{method: http.MethodPost, path: path, userID: admin, role: caller.RoleAdmin})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, true, body["changed"])
	assert.Equal(t, string(billingdomain.InvoiceStatusPaid), body["data"].(map[string]any)["status"])

	w, body = ts.do(t, request{method: http.MethodPost, path: path, userID: admin, role: caller.RoleAdmin})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, body["changed"])
}

func TestAdminManagesAccounts(t *testing.T) {
	ts := newTestServer(t, config.Config{})
	admin := ts.user(t, caller.RoleAdmin)
	other := ts.user(t, caller.RoleUser)
	newcomer := ts.node.Generate()
	first := ts.seedCase("2026-CA-500301")
	second := ts.seedCase("2026-CA-500302")
	claimPath := func(c claimdomain.Case) string { return "/api/cases/" + c.ID.String() + "/claim" }
	userPath := "/admin/users/" + newcomer.String()

	w, body := ts.do(t, request{method: http.MethodPost, path: claimPath(first), userID: newcomer, role: caller.RoleUser})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "not_eligible", errorType(body))

	w, _ = ts.do(t, request{method: http.MethodPut, path: userPath + "/account", body: map[string]any{}, userID: other, role: caller.RoleUser})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, body = ts.do(t, request{method: http.MethodPut, path: userPath + "/account", body: map[string]any{"max_claims": 1}, userID: admin, role: caller.RoleAdmin})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, true, body["created"])

	w, _ = ts.do(t, request{method: http.MethodPost, path: claimPath(first), userID: newcomer, role: caller.RoleUser})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	w, body = ts.do(t, request{method: http.MethodPost, path: claimPath(second), userID: newcomer, role: caller.RoleUser})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "limit_exceeded", errorType(body))

	w, body = ts.do(t, request{method: http.MethodPut, path: userPath + "/account", body: map[string]any{"role": "user"}, userID: admin, role: caller.RoleAdmin})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, false, body["created"])

	w, _ = ts.do(t, request{method: http.MethodPost, path: userPath + "/set-claim-limit", body: map[string]any{"max_claims": -1}, userID: admin, role: caller.RoleAdmin})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w, _ = ts.do(t, request{method: http.MethodPost, path: userPath + "/set-claim-limit", body: map[string]any{}, userID: admin, role: caller.RoleAdmin})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w, _ = ts.do(t, request{method: http.MethodPost, path: "/admin/users/" + ts.node.Generate().String() + "/set-claim-limit", body: map[string]any{"max_claims": 2}, userID: admin, role: caller.RoleAdmin})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, body = ts.do(t, request{method: http.MethodPost, path: userPath + "/set-claim-limit", body: map[string]any{"max_claims": 3}, userID: admin, role: caller.RoleAdmin})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.EqualValues(t, 1, body["old_limit"])
	assert.EqualValues(t, 3, body["new_limit"])

	w, _ = ts.do(t, request{method: http.MethodPost, path: userPath + "/toggle-billing", body: map[string]any{}, userID: admin, role: caller.RoleAdmin})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w, body = ts.do(t, request{method: http.MethodPost, path: userPath + "/toggle-billing", body: map[string]any{"is_billing_active": false}, userID: admin, role: caller.RoleAdmin})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, false, body["is_billing_active"])

	w, body = ts.do(t, request{method: http.MethodPost, path: claimPath(second), userID: newcomer, role: caller.RoleUser})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "not_eligible", errorType(body))

	w, _ = ts.do(t, request{method: http.MethodPost, path: userPath + "/release-all-claims", userID: other, role: caller.RoleUser})
	assert.Equal(t, http.StatusForbidden, w.Code)
	w, body = ts.do(t, request{method: http.MethodPost, path: userPath + "/release-all-claims", userID: admin, role: caller.RoleAdmin})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.EqualValues(t, 1, body["released_count"])
	assert.EqualValues(t, 0, body["failed_count"])

	w, body = ts.do(t, request{method: http.MethodGet, path: claimPath(first), userID: other, role: caller.RoleUser})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, body["claimed"])

	w, body = ts.do(t, request{method: http.MethodGet, path: userPath + "/account", userID: admin, role: caller.RoleAdmin})
	require.Equal(t, http.StatusOK, w.Code)
	data := body["data"].(map[string]any)
	assert.EqualValues(t, 3, data["max_claims"])
	assert.Equal(t, false, data["billing_active"])
}

func TestWebhookWithoutSecretAcceptsUnsigned(t *testing.T) {
	ts := newTestServer(t, config.Config{})

	w, body := ts.do(t, request{method: http.MethodPost, path: "/webhooks/stripe", body: []byte(`{"id":"evt_x","type":"charge.succeeded","data":{"object":{}}}`)})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, reconciliationdomain.StatusLogged, body["result"])

	w, body = ts.do(t, request{method: http.MethodPost, path: "/webhooks/stripe", body: []byte(`not json`)})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "error", body["status"])
}

func TestTestWebhookOnlyOutsideProduction(t *testing.T) {
	ts := newTestServer(t, config.Config{Environment: "development"})
	w, body := ts.do(t, request{method: http.MethodPost, path: "/webhooks/stripe/test", body: []byte(`{"hello":"world"}`)})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "test_received", body["status"])

	prod := newTestServer(t, config.Config{Environment: "production"})
	w, _ = prod.do(t, request{method: http.MethodPost, path: "/webhooks/stripe/test", body: []byte(`{}`)})
	assert.Equal(t, http.StatusNotFound, w.Code)
}
