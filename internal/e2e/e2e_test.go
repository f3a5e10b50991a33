package e2e

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
	accountdomain "github.com/smallbiznis/leadclaim/internal/account/domain"
	billingdomain "github.com/smallbiznis/leadclaim/internal/billing/domain"
	"github.com/smallbiznis/leadclaim/internal/caller"
	claimdomain "github.com/smallbiznis/leadclaim/internal/claim/domain"
	"github.com/smallbiznis/leadclaim/internal/clock"
	"github.com/smallbiznis/leadclaim/internal/config"
	"github.com/smallbiznis/leadclaim/internal/migration"
	"github.com/smallbiznis/leadclaim/internal/observability"
	reconciliationdomain "github.com/smallbiznis/leadclaim/internal/reconciliation/domain"
	"github.com/smallbiznis/leadclaim/internal/reconciliation/signature"
	"github.com/smallbiznis/leadclaim/internal/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

const webhookSecret = "whsec_e2e"

type testEnv struct {
	app      *fx.App
	engine   *gin.Engine
	db       *gorm.DB
	accounts accountdomain.Service
	node     *snowflake.Node
	clock    *clock.FakeClock
}

func startEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	conn, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	cfg := config.Config{
		AppName:       "leadclaim",
		Environment:   "test",
		HTTPAddr:      "127.0.0.1:0",
		DBType:        "sqlite-pure",
		DBAutoMigrate: true,
		Stripe: config.StripeConfig{
			WebhookSecret:      webhookSecret,
			SignatureTolerance: 5 * time.Minute,
		},
		SnowflakeNode: 7,
	}
	clk := clock.NewFakeClock(time.Date(2026, 3, 9, 10, 0, 0, 0, time.UTC))

	env := &testEnv{db: conn, clock: clk}
	env.app = fx.New(
		fx.NopLogger,
		fx.Supply(cfg),
		fx.Supply(observability.Config{ServiceName: "leadclaim-e2e", Environment: "test"}),
		fx.Provide(func() *zap.Logger { return zaptest.NewLogger(t) }),
		fx.Provide(func() *gorm.DB { return conn }),
		fx.Provide(func() clock.Clock { return clk }),
		fx.Provide(func() *config.PolicyHolder { return config.NewStaticPolicyHolder(config.DefaultPolicy()) }),
		fx.Provide(func(cfg config.Config) (*snowflake.Node, error) { return snowflake.NewNode(cfg.SnowflakeNode) }),
		migration.Module,
		server.Module,
		fx.Populate(&env.engine, &env.accounts, &env.node),
	)
	require.NoError(t, env.app.Err())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, env.app.Start(ctx))
	t.Cleanup(func() {
		stopCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
		defer stop()
		_ = env.app.Stop(stopCtx)
	})
	return env
}

func (e *testEnv) createUser(t *testing.T, role, customerID string) snowflake.ID {
	t.Helper()
	id := e.node.Generate()
	_, err := e.accounts.Create(context.Background(), accountdomain.CreateAccountRequest{
		UserID:              id,
		Role:                role,
		ProcessorCustomerID: customerID,
	})
	require.NoError(t, err)
	return id
}

func (e *testEnv) createCase(t *testing.T, number, address string, arvCents int64) claimdomain.Case {
	t.Helper()
	now := e.clock.Now()
	c := claimdomain.Case{
		ID:         e.node.Generate(),
		CaseNumber: number,
		Address:    address,
		ARVCents:   arvCents,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	require.NoError(t, e.db.Create(&c).Error)
	return c
}

type actor struct {
	id   snowflake.ID
	role string
}

func (e *testEnv) doJSON(t *testing.T, as *actor, method, path string, payload any, headers map[string]string) (int, map[string]any) {
	t.Helper()
	var body []byte
	switch p := payload.(type) {
	case nil:
	case []byte:
		body = p
	default:
		var err error
		body, err = json.Marshal(p)
		require.NoError(t, err)
	}

	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if as != nil {
		req.Header.Set(server.HeaderUserID, as.id.String())
		req.Header.Set(server.HeaderUserRole, as.role)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	e.engine.ServeHTTP(w, req)

	var out map[string]any
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	}
	return w.Code, out
}

func (e *testEnv) sendWebhook(t *testing.T, payload string) map[string]any {
	t.Helper()
	raw := []byte(payload)
	headers := map[string]string{signature.HeaderName: signature.Header(webhookSecret, raw, e.clock.Now())}
	code, body := e.doJSON(t, nil, http.MethodPost, "/webhooks/stripe", raw, headers)
	require.Equal(t, http.StatusOK, code)
	return body
}

func (e *testEnv) invoiceFor(t *testing.T, userID snowflake.ID) billingdomain.Invoice {
	t.Helper()
	var invoice billingdomain.Invoice
	require.NoError(t, e.db.Take(&invoice, "user_id = ?", userID).Error)
	return invoice
}

func errorType(body map[string]any) string {
	payload, _ := body["error"].(map[string]any)
	typ, _ := payload["type"].(string)
	return typ
}

func TestE2E_HealthCheck(t *testing.T) {
	env := startEnv(t)
	code, body := env.doJSON(t, nil, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
}

func TestE2E_ClaimBillSettle(t *testing.T) {
	env := startEnv(t)

	alice := &actor{id: env.createUser(t, caller.RoleUser, "cus_alice"), role: caller.RoleUser}
	bob := &actor{id: env.createUser(t, caller.RoleUser, "cus_bob"), role: caller.RoleUser}
	admin := &actor{id: env.createUser(t, caller.RoleAdmin, ""), role: caller.RoleAdmin}

	caseA := env.createCase(t, "2026-CA-700001", "14 Harbor Lane", 320_000_00)
	caseB := env.createCase(t, "2026-CA-700002", "9 Orchard Row", 185_000_00)
	caseC := env.createCase(t, "2026-CA-700003", "", 0)

	claimPath := func(c claimdomain.Case) string { return "/api/cases/" + c.ID.String() + "/claim" }

	// Claims on the service day.
	code, body := env.doJSON(t, alice, http.MethodPost, claimPath(caseA), nil, nil)
	require.Equal(t, http.StatusCreated, code, body)
	assert.EqualValues(t, 5000, body["data"].(map[string]any)["price_cents"])

	code, body = env.doJSON(t, bob, http.MethodPost, claimPath(caseA), nil, nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "already_claimed", errorType(body))

	code, body = env.doJSON(t, alice, http.MethodPost, claimPath(caseC), nil, nil)
	require.Equal(t, http.StatusCreated, code, body)
	assert.EqualValues(t, 2500, body["data"].(map[string]any)["price_cents"])

	env.clock.Advance(2 * time.Hour)
	code, _ = env.doJSON(t, alice, http.MethodDelete, claimPath(caseC), nil, nil)
	require.Equal(t, http.StatusOK, code)

	code, body = env.doJSON(t, bob, http.MethodPost, claimPath(caseB), nil, nil)
	require.Equal(t, http.StatusCreated, code, body)

	code, body = env.doJSON(t, admin, http.MethodGet, "/api/claims/stats", nil, nil)
	require.Equal(t, http.StatusOK, code)
	stats := body["data"].(map[string]any)
	assert.EqualValues(t, 3, stats["total_cases"])
	assert.EqualValues(t, 2, stats["claimed_cases"])

	// Daily run the next morning bills the previous day.
	env.clock.Set(time.Date(2026, 3, 10, 6, 0, 0, 0, time.UTC))
	code, body = env.doJSON(t, admin, http.MethodPost, "/admin/billing/run", nil, nil)
	require.Equal(t, http.StatusOK, code, body)
	report := body["data"].(map[string]any)
	assert.Equal(t, "2026-03-09", report["date"])
	billing := report["billing"].(map[string]any)
	assert.EqualValues(t, 2, billing["invoices_generated"])
	assert.EqualValues(t, 12500, billing["total_billed_cents"])

	aliceInvoice := env.invoiceFor(t, alice.id)
	bobInvoice := env.invoiceFor(t, bob.id)
	assert.EqualValues(t, 7500, aliceInvoice.TotalCents)
	assert.EqualValues(t, 5000, bobInvoice.TotalCents)
	assert.Equal(t, time.Date(2026, 4, 8, 0, 0, 0, 0, time.UTC), bobInvoice.DueDate.UTC())

	code, body = env.doJSON(t, alice, http.MethodGet, "/api/invoices/"+aliceInvoice.ID.String(), nil, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["data"].(map[string]any)["lines"], 2)

	// Re-running the same date without force leaves the ledger untouched.
	code, body = env.doJSON(t, admin, http.MethodPost, "/admin/billing/run", map[string]any{"date": "2026-03-09"}, nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.EqualValues(t, 0, body["data"].(map[string]any)["billing"].(map[string]any)["invoices_generated"])
	var count int64
	require.NoError(t, env.db.Model(&billingdomain.Invoice{}).Count(&count).Error)
	assert.EqualValues(t, 2, count)

	// Processor settles alice and declines bob.
	body = env.sendWebhook(t, fmt.Sprintf(`{"id":"evt_e2e_paid","type":"invoice.paid","data":{"object":{"id":"in_alice","metadata":{"invoice_number":%q}}}}`, aliceInvoice.InvoiceNumber))
	assert.Equal(t, reconciliationdomain.StatusSuccess, body["result"])
	body = env.sendWebhook(t, fmt.Sprintf(`{"id":"evt_e2e_failed","type":"invoice.payment_failed","data":{"object":{"id":"in_bob","metadata":{"invoice_number":%q}}}}`, bobInvoice.InvoiceNumber))
	assert.Equal(t, reconciliationdomain.StatusSuccess, body["result"])

	assert.Equal(t, billingdomain.InvoiceStatusPaid, env.invoiceFor(t, alice.id).Status)
	assert.Equal(t, billingdomain.InvoiceStatusFailed, env.invoiceFor(t, bob.id).Status)

	// Past due date plus grace, only bob is overdue.
	env.clock.Set(time.Date(2026, 4, 20, 12, 0, 0, 0, time.UTC))
	code, body = env.doJSON(t, admin, http.MethodGet, "/admin/billing/overdue", nil, nil)
	require.Equal(t, http.StatusOK, code, body)
	overdue := body["data"].(map[string]any)
	assert.EqualValues(t, 7, overdue["grace_days"])
	assert.EqualValues(t, 5000, overdue["total_overdue_cents"])
	assert.Equal(t, []any{bob.id.String()}, overdue["user_ids"])

	// Subscription cancellation suspends bob.
	body = env.sendWebhook(t, `{"id":"evt_e2e_sub","type":"customer.subscription.deleted","data":{"object":{"id":"sub_bob","customer":"cus_bob"}}}`)
	assert.Equal(t, reconciliationdomain.StatusSuccess, body["result"])

	code, body = env.doJSON(t, bob, http.MethodPost, claimPath(caseC), nil, nil)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "not_eligible", errorType(body))

	code, body = env.doJSON(t, alice, http.MethodPost, claimPath(caseC), nil, nil)
	assert.Equal(t, http.StatusCreated, code, body)

	code, body = env.doJSON(t, admin, http.MethodGet, "/admin/webhooks/events", nil, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["data"], 3)
}

func TestE2E_ConcurrentClaimsHaveOneWinner(t *testing.T) {
	env := startEnv(t)
	c := env.createCase(t, "2026-CA-700100", "3 Mill Street", 150_000_00)

	users := make([]*actor, 8)
	for i := range users {
		users[i] = &actor{id: env.createUser(t, caller.RoleUser, ""), role: caller.RoleUser}
	}

	codes := make(chan int, len(users))
	for _, u := range users {
		go func(u *actor) {
			code, _ := env.doJSON(t, u, http.MethodPost, "/api/cases/"+c.ID.String()+"/claim", nil, nil)
			codes <- code
		}(u)
	}

	created := 0
	for range users {
		if <-codes == http.StatusCreated {
			created++
		}
	}
	assert.Equal(t, 1, created)

	var active int64
	require.NoError(t, env.db.Model(&claimdomain.Claim{}).Where("case_id = ? AND active = ?", c.ID, true).Count(&active).Error)
	assert.EqualValues(t, 1, active)
}
