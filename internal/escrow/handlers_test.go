package escrow

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRouter() (*gin.Engine, *testEnv) {
	gin.SetMode(gin.TestMode)

	env := newTestEnv()
	r := gin.New()
	NewHandler(env.escrow).RegisterRoutes(r.Group("/v1"))
	return r, env
}

func doJSON(t *testing.T, r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		req = httptest.NewRequest(method, path, bytes.NewReader(b))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
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

func createHold(t *testing.T, r http.Handler, walletID string, amount int64) string {
	t.Helper()
	w := doJSON(t, r, http.MethodPost, "/v1/escrow-holds", map[string]any{
		"walletId": walletID,
		"sellerId": "seller",
		"amount":   amount,
		"orderId":  "ord_1",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode(t, w)["hold"].(map[string]any)["id"].(string)
}

func TestHandler_CreateAndGetHold(t *testing.T) {
	router, env := setupTestRouter()
	walletID := env.fund(t, "buyer", 5000)

	id := createHold(t, router, walletID, 1000)

	w := doJSON(t, router, http.MethodGet, "/v1/escrow-holds/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	hold := decode(t, w)["hold"].(map[string]any)
	assert.Equal(t, "HELD_IN_ESCROW", hold["status"])
	assert.Equal(t, float64(1000), hold["amount"])
	assert.Equal(t, "buyer", hold["buyerId"])

	w = doJSON(t, router, http.MethodGet, "/v1/escrow-holds/hold_missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "hold_not_found", decode(t, w)["error"])
}

func TestHandler_CreateHoldErrors(t *testing.T) {
	router, env := setupTestRouter()
	walletID := env.fund(t, "buyer", 500)

	w := doJSON(t, router, http.MethodPost, "/v1/escrow-holds", map[string]any{"walletId": walletID, "sellerId": "seller"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation_error", decode(t, w)["error"])

	w = doJSON(t, router, http.MethodPost, "/v1/escrow-holds", map[string]any{"walletId": walletID, "sellerId": "seller", "amount": 1000})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "insufficient_balance", decode(t, w)["error"])

	w = doJSON(t, router, http.MethodPost, "/v1/escrow-holds", map[string]any{"walletId": walletID, "sellerId": "buyer", "amount": 10})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, router, http.MethodPost, "/v1/escrow-holds", map[string]any{"walletId": "wal_missing", "sellerId": "seller", "amount": 10})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "wallet_not_found", decode(t, w)["error"])

	w = doJSON(t, router, http.MethodPost, "/v1/escrow-holds", map[string]any{"walletId": walletID, "sellerId": "bad seller", "amount": 10})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_ReleaseHold(t *testing.T) {
	router, env := setupTestRouter()
	walletID := env.fund(t, "buyer", 5000)
	id := createHold(t, router, walletID, 1000)

	w := doJSON(t, router, http.MethodPost, "/v1/escrow-holds/"+id+"/release", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, "RELEASED", body["hold"].(map[string]any)["status"])
	assert.Len(t, body["transactions"], 2)

	w = doJSON(t, router, http.MethodPost, "/v1/escrow-holds/"+id+"/release", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "invalid_state", decode(t, w)["error"])

	balance, _ := env.balances(t, "seller")
	assert.Equal(t, int64(1000), balance)
}

func TestHandler_ReleaseCannotClaimScheduler(t *testing.T) {
	router, env := setupTestRouter()
	walletID := env.fund(t, "buyer", 5000)
	id := createHold(t, router, walletID, 1000)

	w := doJSON(t, router, http.MethodPost, "/v1/escrow-holds/"+id+"/release", map[string]any{
		"metadata": map[string]string{"releasedBy": "scheduler", "note": "shipped"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	md := decode(t, w)["hold"].(map[string]any)["metadata"].(map[string]any)
	assert.Equal(t, ReleasedByAPI, md["releasedBy"])
}

func TestHandler_RefundHold(t *testing.T) {
	router, env := setupTestRouter()
	walletID := env.fund(t, "buyer", 5000)
	id := createHold(t, router, walletID, 1000)

	w := doJSON(t, router, http.MethodPost, "/v1/escrow-holds/"+id+"/refund", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, router, http.MethodPost, "/v1/escrow-holds/"+id+"/refund", map[string]any{"reason": "buyer cancelled"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	hold := decode(t, w)["hold"].(map[string]any)
	assert.Equal(t, "REFUNDED", hold["status"])
	assert.Equal(t, "buyer cancelled", hold["refundReason"])

	balance, escrow := env.balances(t, "buyer")
	assert.Equal(t, int64(5000), balance)
	assert.Equal(t, int64(0), escrow)
}

func TestHandler_ListHolds(t *testing.T) {
	router, env := setupTestRouter()
	walletID := env.fund(t, "buyer", 5000)
	for i := 0; i < 3; i++ {
		createHold(t, router, walletID, 100)
	}

	w := doJSON(t, router, http.MethodGet, "/v1/escrow-holds?walletId="+walletID+"&status=HELD_IN_ESCROW&limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, float64(3), body["total"])
	assert.Equal(t, float64(1), body["page"])
	assert.Len(t, body["holds"], 2)

	w = doJSON(t, router, http.MethodGet, "/v1/escrow-holds?status=RELEASED", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []any{}, decode(t, w)["holds"])

	w = doJSON(t, router, http.MethodGet, "/v1/escrow-holds?status=BOGUS", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
