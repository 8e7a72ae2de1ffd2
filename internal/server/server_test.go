package server

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rfqhub/walletd/internal/auth"
	"github.com/rfqhub/walletd/internal/config"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testSecret = "0123456789abcdef0123456789abcdef"

// testConfig returns a minimal in-memory config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:               "0",
		Env:                "test",
		LogLevel:           "error",
		DefaultCountry:     "US",
		RecentTransactions: 20,
		SchedulerEnabled:   false,
		SchedulerInterval:  time.Minute,
		SchedulerBatch:     100,
		GatewayTimeout:     time.Second,
		RiskBlockThreshold: 0.8,
		RiskMaxAmount:      100_000_000,
		JWTSecret:          testSecret,
		RateLimitRPM:       6000,
		RateLimitBurst:     1000,
		MaxBodyBytes:       1 << 20,
	}
}

func newTestServer(t *testing.T, cfg *config.Config, opts ...Option) *Server {
	t.Helper()
	opts = append([]Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithDrainDelay(0),
	}, opts...)
	s, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown() })
	return s
}

func token(t *testing.T, scopes ...string) string {
	t.Helper()
	tok, err := auth.NewManager(testSecret).Issue("checkout", scopes, time.Hour)
	require.NoError(t, err)
	return tok
}

type client struct {
	t     *testing.T
	h     http.Handler
	token string
}

func (c client) do(method, path string, body any) *httptest.ResponseRecorder {
	c.t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(c.t, err)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	w := httptest.NewRecorder()
	c.h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func field(m map[string]any, path ...string) any {
	var cur any = m
	for _, p := range path {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = obj[p]
	}
	return cur
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t, testConfig())
	anon := client{t: t, h: s.Router()}

	w := anon.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	assert.Equal(t, http.StatusOK, anon.do(http.MethodGet, "/health/live", nil).Code)
	// Ready only once Run has started the workers.
	assert.Equal(t, http.StatusServiceUnavailable, anon.do(http.MethodGet, "/health/ready", nil).Code)

	s.health.SetReady(true)
	assert.Equal(t, http.StatusOK, anon.do(http.MethodGet, "/health/ready", nil).Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, testConfig())
	w := client{t: t, h: s.Router()}.do(http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestAPIRequiresToken(t *testing.T) {
	s := newTestServer(t, testConfig())
	anon := client{t: t, h: s.Router()}

	assert.Equal(t, http.StatusUnauthorized, anon.do(http.MethodGet, "/v1/wallets/buyer", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, anon.do(http.MethodGet, "/ws", nil).Code)
}

func TestAdminRoutesRequireScope(t *testing.T) {
	s := newTestServer(t, testConfig())
	ledger := client{t: t, h: s.Router(), token: token(t, auth.ScopeLedger)}
	admin := client{t: t, h: s.Router(), token: token(t, auth.ScopeLedger, auth.ScopeAdmin)}

	require.Equal(t, http.StatusCreated, ledger.do(http.MethodPost, "/v1/wallets", gin.H{"userId": "buyer", "countryCode": "US"}).Code)

	status := gin.H{"status": "frozen"}
	assert.Equal(t, http.StatusForbidden, ledger.do(http.MethodPatch, "/v1/wallets/buyer/status", status).Code)
	assert.Equal(t, http.StatusForbidden, ledger.do(http.MethodPost, "/v1/admin/escrow/release-due", nil).Code)

	w := admin.do(http.MethodPatch, "/v1/wallets/buyer/status", status)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "frozen", field(decode(t, w), "wallet", "status"))

	w = admin.do(http.MethodPost, "/v1/admin/escrow/release-due", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 0, decode(t, w)["released"])

	assert.Equal(t, http.StatusOK, admin.do(http.MethodGet, "/v1/admin/realtime/stats", nil).Code)
}

func TestEscrowLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t, testConfig())
	api := client{t: t, h: s.Router(), token: token(t, auth.ScopeLedger, auth.ScopeAdmin)}

	w := api.do(http.MethodPost, "/v1/wallets/buyer/credit", gin.H{"amount": 5000, "referenceId": "dep_1"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	walletID, _ := field(decode(t, w), "transaction", "walletId").(string)
	require.NotEmpty(t, walletID)

	// Replayed deposit is rejected.
	w = api.do(http.MethodPost, "/v1/wallets/buyer/credit", gin.H{"amount": 5000, "referenceId": "dep_1"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = api.do(http.MethodPost, "/v1/escrow-holds", gin.H{
		"walletId": walletID,
		"sellerId": "seller",
		"amount":   2000,
		"orderId":  "ord_1",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	holdID, _ := field(decode(t, w), "hold", "id").(string)
	require.NotEmpty(t, holdID)

	w = api.do(http.MethodGet, "/v1/wallets/buyer", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.EqualValues(t, 5000, field(body, "wallet", "balance"))
	assert.EqualValues(t, 2000, field(body, "wallet", "escrowBalance"))
	assert.EqualValues(t, 3000, field(body, "wallet", "available"))

	w = api.do(http.MethodPost, "/v1/escrow-holds/"+holdID+"/release", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "RELEASED", field(decode(t, w), "hold", "status"))

	w = api.do(http.MethodPost, "/v1/escrow-holds/"+holdID+"/release", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	body = decode(t, api.do(http.MethodGet, "/v1/wallets/buyer", nil))
	assert.EqualValues(t, 3000, field(body, "wallet", "balance"))
	assert.EqualValues(t, 0, field(body, "wallet", "escrowBalance"))

	body = decode(t, api.do(http.MethodGet, "/v1/wallets/seller", nil))
	assert.EqualValues(t, 2000, field(body, "wallet", "balance"))

	w = api.do(http.MethodGet, "/v1/wallets/buyer/reconciliation", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, field(decode(t, w), "reconciliation", "consistent"))

	// The hold was screened, so the audit trail has an entry.
	require.Eventually(t, func() bool {
		w := api.do(http.MethodGet, "/v1/admin/risk/assessments/"+walletID, nil)
		return w.Code == http.StatusOK && decode(t, w)["count"] != float64(0)
	}, time.Second, 10*time.Millisecond)
}

func TestSettlementReceiptOverHTTP(t *testing.T) {
	cfg := testConfig()
	cfg.ReceiptSecret = "receipt-secret-at-least-32-bytes!!"
	s := newTestServer(t, cfg)
	api := client{t: t, h: s.Router(), token: token(t, auth.ScopeLedger, auth.ScopeAdmin)}

	w := api.do(http.MethodPost, "/v1/wallets/buyer/credit", gin.H{"amount": 5000})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	walletID, _ := field(decode(t, w), "transaction", "walletId").(string)

	w = api.do(http.MethodPost, "/v1/escrow-holds", gin.H{"walletId": walletID, "sellerId": "seller", "amount": 1200})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	holdID, _ := field(decode(t, w), "hold", "id").(string)

	w = api.do(http.MethodPost, "/v1/escrow-holds/"+holdID+"/release", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = api.do(http.MethodGet, "/v1/escrow-holds/"+holdID+"/receipts", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	list, _ := decode(t, w)["receipts"].([]any)
	require.Len(t, list, 1)
	tok, _ := list[0].(map[string]any)["token"].(string)

	w = api.do(http.MethodPost, "/v1/receipts/verify", gin.H{"token": tok})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["valid"])

	w = api.do(http.MethodGet, "/v1/admin/escrow/analytics", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.EqualValues(t, 1, field(decode(t, w), "analytics", "totalCount"))
}

func TestRiskCapRejectsLargeDebit(t *testing.T) {
	cfg := testConfig()
	cfg.RiskMaxAmount = 1000
	s := newTestServer(t, cfg)
	api := client{t: t, h: s.Router(), token: token(t, auth.ScopeLedger)}

	require.Equal(t, http.StatusCreated, api.do(http.MethodPost, "/v1/wallets/buyer/credit", gin.H{"amount": 5000}).Code)

	w := api.do(http.MethodPost, "/v1/wallets/buyer/debit", gin.H{"amount": 1001})
	assert.Equal(t, http.StatusForbidden, w.Code, w.Body.String())

	body := decode(t, api.do(http.MethodGet, "/v1/wallets/buyer", nil))
	assert.EqualValues(t, 5000, field(body, "wallet", "balance"))
}

func TestRedisHealthCheck(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	s := newTestServer(t, testConfig(), WithRedis(rdb))
	require.NotNil(t, s.lease)

	mock.ExpectPing().SetVal("PONG")
	w := client{t: t, h: s.Router()}.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"name":"redis"`)
}

func TestShutdownWithoutRun(t *testing.T) {
	s := newTestServer(t, testConfig())
	assert.NoError(t, s.Shutdown())
	assert.NoError(t, s.Shutdown())
}

func TestMaskDSN(t *testing.T) {
	assert.Equal(t, "postgres://walletd:***@db:5432/walletd", maskDSN("postgres://walletd:secret@db:5432/walletd"))
	assert.Equal(t, "***", maskDSN("://bad"))
}

func TestWebhookURLValidatedOutsideDevelopment(t *testing.T) {
	cfg := testConfig()
	cfg.WebhookURL = "http://127.0.0.1:9000/hook"
	cfg.WebhookSecret = "whsec"

	_, err := New(cfg, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WEBHOOK_URL")
}

func TestLedgerSweepOverHTTP(t *testing.T) {
	s := newTestServer(t, testConfig())
	admin := client{t: t, h: s.Router(), token: token(t, auth.ScopeLedger, auth.ScopeAdmin)}

	assert.Equal(t, http.StatusNotFound, admin.do(http.MethodGet, "/v1/admin/reconciliation", nil).Code)

	for _, user := range []string{"a", "b"} {
		w := admin.do(http.MethodPost, "/v1/wallets/"+user+"/credit", gin.H{"amount": 700, "referenceId": "dep_" + user})
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	}

	w := admin.do(http.MethodPost, "/v1/admin/reconciliation/run", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.EqualValues(t, 2, body["wallets"])
	assert.Empty(t, body["mismatches"])

	w = admin.do(http.MethodGet, "/v1/admin/reconciliation", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 2, decode(t, w)["wallets"])
}
