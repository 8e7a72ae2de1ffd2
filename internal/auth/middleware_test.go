package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testSecret = "0123456789abcdef0123456789abcdef"

func issue(t *testing.T, m *Manager, scopes ...string) string {
	t.Helper()
	tok, err := m.Issue("checkout", scopes, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	return tok
}

func protectedRouter(m *Manager) *gin.Engine {
	r := gin.New()
	r.Use(Middleware(m))
	r.GET("/open", func(c *gin.Context) { c.String(http.StatusOK, Subject(c)) })
	r.GET("/ledger", RequireAuth(m), func(c *gin.Context) { c.String(http.StatusOK, Subject(c)) })
	r.GET("/admin", RequireScope(m, ScopeAdmin), func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func get(r http.Handler, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

// --- Manager ---

func TestIssueAndValidate(t *testing.T) {
	m := NewManager(testSecret)
	tok := issue(t, m, ScopeLedger)

	claims, err := m.Validate("Bearer " + tok)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.Subject != "checkout" {
		t.Errorf("Expected subject checkout, got %s", claims.Subject)
	}
	if !claims.HasScope(ScopeLedger) || claims.HasScope(ScopeAdmin) {
		t.Errorf("unexpected scopes %v", claims.Scopes)
	}
}

func TestValidate_Expired(t *testing.T) {
	m := NewManager(testSecret)
	tok := issue(t, m)
	m.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	if _, err := m.Validate(tok); err == nil {
		t.Error("Expected expired token to fail")
	}
}

func TestValidate_WrongSecret(t *testing.T) {
	tok := issue(t, NewManager(testSecret))
	if _, err := NewManager("another-secret-another-secret-xx").Validate(tok); err == nil {
		t.Error("Expected token signed with another secret to fail")
	}
}

func TestValidate_RejectsOtherAlgorithms(t *testing.T) {
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer:    Issuer,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewManager(testSecret).Validate(tok); err == nil {
		t.Error("Expected HS512 token to be rejected")
	}
}

func TestValidate_Empty(t *testing.T) {
	if _, err := NewManager(testSecret).Validate("  "); err != ErrNoToken {
		t.Errorf("Expected ErrNoToken, got %v", err)
	}
}

func TestIssue_Disabled(t *testing.T) {
	if _, err := NewManager("").Issue("x", nil, time.Hour); err == nil {
		t.Error("Expected issue to fail without a secret")
	}
}

// --- Middleware ---

func TestRequireAuth(t *testing.T) {
	m := NewManager(testSecret)
	r := protectedRouter(m)

	if w := get(r, "/ledger", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without token, got %d", w.Code)
	}
	if w := get(r, "/ledger", "garbage"); w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 with invalid token, got %d", w.Code)
	}
	w := get(r, "/ledger", issue(t, m, ScopeLedger))
	if w.Code != http.StatusOK || w.Body.String() != "checkout" {
		t.Errorf("Expected 200 checkout, got %d %s", w.Code, w.Body.String())
	}
}

func TestRequireScope(t *testing.T) {
	m := NewManager(testSecret)
	r := protectedRouter(m)

	if w := get(r, "/admin", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without token, got %d", w.Code)
	}
	if w := get(r, "/admin", issue(t, m, ScopeLedger)); w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 without admin scope, got %d", w.Code)
	}
	if w := get(r, "/admin", issue(t, m, ScopeLedger, ScopeAdmin)); w.Code != http.StatusOK {
		t.Errorf("Expected 200 with admin scope, got %d", w.Code)
	}
}

func TestMiddleware_PublicRouteStaysOpen(t *testing.T) {
	m := NewManager(testSecret)
	r := protectedRouter(m)

	w := get(r, "/open", "garbage")
	if w.Code != http.StatusOK || w.Body.String() != "" {
		t.Errorf("Expected anonymous 200, got %d %q", w.Code, w.Body.String())
	}
}

func TestDisabledManagerAllowsEverything(t *testing.T) {
	r := protectedRouter(NewManager(""))

	if w := get(r, "/ledger", ""); w.Code != http.StatusOK {
		t.Errorf("Expected 200 with auth disabled, got %d", w.Code)
	}
	if w := get(r, "/admin", ""); w.Code != http.StatusOK {
		t.Errorf("Expected 200 with auth disabled, got %d", w.Code)
	}
}
