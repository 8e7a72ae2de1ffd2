package wallet

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRouter() (*gin.Engine, *Service) {
	gin.SetMode(gin.TestMode)

	svc := NewService(NewMemoryStore(), testLogger())
	r := gin.New()
	NewHandler(svc).RegisterRoutes(r.Group("/v1"))
	return r, svc
}

func doJSON(t *testing.T, r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestHandler_CreateAndGetWallet(t *testing.T) {
	router, _ := setupTestRouter()

	w := doJSON(t, router, http.MethodPost, "/v1/wallets", map[string]string{"userId": "u1", "countryCode": "IN"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode(t, w)["wallet"].(map[string]any)
	assert.Equal(t, "RAZORPAY", created["gateway"])
	assert.Equal(t, "INR", created["currency"])

	w = doJSON(t, router, http.MethodGet, "/v1/wallets/u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	view := decode(t, w)["wallet"].(map[string]any)
	assert.Equal(t, float64(0), view["available"])
	assert.Equal(t, []any{}, view["transactions"])

	w = doJSON(t, router, http.MethodGet, "/v1/wallet-ids/"+created["id"].(string), nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandler_CreateWalletValidation(t *testing.T) {
	router, _ := setupTestRouter()

	w := doJSON(t, router, http.MethodPost, "/v1/wallets", map[string]string{"userId": "u1", "countryCode": "India"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	body := decode(t, w)
	assert.Equal(t, "validation_error", body["error"])

	w = doJSON(t, router, http.MethodPost, "/v1/wallets", map[string]string{"userId": "u1", "countryCode": "US", "email": "nope"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_DuplicateWallet(t *testing.T) {
	router, _ := setupTestRouter()
	doJSON(t, router, http.MethodPost, "/v1/wallets", map[string]string{"userId": "u1", "countryCode": "US"})

	w := doJSON(t, router, http.MethodPost, "/v1/wallets", map[string]string{"userId": "u1", "countryCode": "US"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "wallet_exists", decode(t, w)["error"])
}

func TestHandler_GetWalletNotFound(t *testing.T) {
	router, _ := setupTestRouter()
	w := doJSON(t, router, http.MethodGet, "/v1/wallets/nobody", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "wallet_not_found", decode(t, w)["error"])
}

func TestHandler_CreditDebit(t *testing.T) {
	router, _ := setupTestRouter()
	doJSON(t, router, http.MethodPost, "/v1/wallets", map[string]string{"userId": "u1", "countryCode": "IN"})

	w := doJSON(t, router, http.MethodPost, "/v1/wallets/u1/credit", map[string]any{"amount": 50000, "currency": "INR"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = doJSON(t, router, http.MethodPost, "/v1/wallets/u1/debit", map[string]any{"amount": 20000, "currency": "INR"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = doJSON(t, router, http.MethodPost, "/v1/wallets/u1/debit", map[string]any{"amount": 40000})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "insufficient_balance", decode(t, w)["error"])

	w = doJSON(t, router, http.MethodGet, "/v1/wallets/u1", nil)
	view := decode(t, w)["wallet"].(map[string]any)
	assert.Equal(t, float64(30000), view["balance"])

	w = doJSON(t, router, http.MethodGet, "/v1/wallets/u1/transactions?type=WITHDRAWAL", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode(t, w)["count"])

	w = doJSON(t, router, http.MethodGet, "/v1/wallets/u1/reconciliation", nil)
	require.Equal(t, http.StatusOK, w.Code)
	rec := decode(t, w)["reconciliation"].(map[string]any)
	assert.Equal(t, true, rec["consistent"])
}

func TestHandler_CreditRejectsNonPositiveAmount(t *testing.T) {
	router, _ := setupTestRouter()
	w := doJSON(t, router, http.MethodPost, "/v1/wallets/u1/credit", map[string]any{"amount": 0})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_SecurityRejected(t *testing.T) {
	router, svc := setupTestRouter()
	svc.WithValidator(&fakeValidator{maxAmount: 10})
	doJSON(t, router, http.MethodPost, "/v1/wallets/u1/credit", map[string]any{"amount": 100})

	w := doJSON(t, router, http.MethodPost, "/v1/wallets/u1/debit", map[string]any{"amount": 50})
	require.Equal(t, http.StatusForbidden, w.Code)
	body := decode(t, w)
	assert.Equal(t, "security_rejected", body["error"])
	assert.Equal(t, "amount exceeds limit", body["reason"])
}

func TestHandler_AdminUpdates(t *testing.T) {
	router, _ := setupTestRouter()
	doJSON(t, router, http.MethodPost, "/v1/wallets", map[string]string{"userId": "u1", "countryCode": "US"})

	w := doJSON(t, router, http.MethodPatch, "/v1/wallets/u1/escrow", map[string]any{"enabled": false})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, false, decode(t, w)["wallet"].(map[string]any)["isEscrowEnabled"])

	w = doJSON(t, router, http.MethodPatch, "/v1/wallets/u1/escrow-threshold", map[string]any{"threshold": 5000})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(5000), decode(t, w)["wallet"].(map[string]any)["escrowThreshold"])

	w = doJSON(t, router, http.MethodPatch, "/v1/wallets/u1/escrow-threshold", map[string]any{"threshold": -5})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, router, http.MethodPatch, "/v1/wallets/u1/status", map[string]any{"status": "frozen"})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, http.MethodPatch, "/v1/wallets/u1/status", map[string]any{"status": "gone"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, router, http.MethodPost, "/v1/wallets/u1/debit", map[string]any{"amount": 1})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "wallet_inactive", decode(t, w)["error"])
}

func TestHandler_TransactionLifecycle(t *testing.T) {
	router, _ := setupTestRouter()
	w := doJSON(t, router, http.MethodPost, "/v1/wallets", map[string]string{"userId": "u1", "countryCode": "US"})
	walletID := decode(t, w)["wallet"].(map[string]any)["id"].(string)

	w = doJSON(t, router, http.MethodPost, "/v1/transactions", map[string]any{
		"walletId":    walletID,
		"amount":      1500,
		"type":        "DEPOSIT",
		"referenceId": "pi_abc",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	txn := decode(t, w)["transaction"].(map[string]any)
	assert.Equal(t, "PENDING", txn["status"])
	id := txn["id"].(string)

	w = doJSON(t, router, http.MethodPost, "/v1/transactions", map[string]any{
		"walletId": walletID, "amount": 1500, "type": "DEPOSIT", "referenceId": "pi_abc",
	})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "duplicate_reference", decode(t, w)["error"])

	w = doJSON(t, router, http.MethodPost, "/v1/transactions/"+id+"/complete", map[string]any{"status": "COMPLETED"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doJSON(t, router, http.MethodPost, "/v1/transactions/"+id+"/complete", map[string]any{"status": "FAILED"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doJSON(t, router, http.MethodGet, "/v1/transactions/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "COMPLETED", decode(t, w)["transaction"].(map[string]any)["status"])

	w = doJSON(t, router, http.MethodPost, "/v1/transactions", map[string]any{
		"walletId": walletID, "amount": 10, "type": "ESCROW_HOLD",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_TransactionCursorPaging(t *testing.T) {
	router, _ := setupTestRouter()
	for i := 0; i < 3; i++ {
		w := doJSON(t, router, http.MethodPost, "/v1/wallets/u1/credit", map[string]any{"amount": 100 + i})
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		time.Sleep(2 * time.Millisecond)
	}

	w := doJSON(t, router, http.MethodGet, "/v1/wallets/u1/transactions?limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	page := decode(t, w)
	assert.Equal(t, float64(2), page["count"])
	assert.Equal(t, true, page["hasMore"])
	next := page["nextCursor"].(string)
	require.NotEmpty(t, next)

	w = doJSON(t, router, http.MethodGet, "/v1/wallets/u1/transactions?limit=2&cursor="+next, nil)
	require.Equal(t, http.StatusOK, w.Code)
	page = decode(t, w)
	assert.Equal(t, float64(1), page["count"])
	assert.Equal(t, false, page["hasMore"])
	first := page["transactions"].([]any)[0].(map[string]any)
	assert.Equal(t, float64(100), first["amount"])

	w = doJSON(t, router, http.MethodGet, "/v1/wallets/u1/transactions?cursor=not-base64!!", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
