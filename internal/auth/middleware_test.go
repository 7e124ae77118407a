package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/dog-best/meta-sub000/internal/audit"
	"github.com/dog-best/meta-sub000/internal/domain"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setupMiddlewareTest() (*Manager, string, *APIKey) {
	mgr := NewManager(NewMemoryStore())
	rawKey, key, _ := mgr.GenerateKey(context.Background(), "buyer-1", "test-key", 0)
	return mgr, rawKey, key
}

// --- Middleware() ---

func TestMiddleware_ValidKey_SetsContext(t *testing.T) {
	mgr, rawKey, _ := setupMiddlewareTest()

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("GET", "/test", nil)
	c.Request.Header.Set("Authorization", "Bearer "+rawKey)

	Middleware(mgr)(c)

	if got := UserID(c); got != "buyer-1" {
		t.Fatalf("Expected buyer-1, got %q", got)
	}
	key, ok := GetAPIKey(c)
	if !ok || key.Name != "test-key" {
		t.Errorf("Expected API key test-key in context, got %+v", key)
	}

	actor := audit.ActorFrom(c.Request.Context())
	if actor.Type != domain.ActorUser || actor.ID != "buyer-1" {
		t.Errorf("Expected user actor buyer-1, got %+v", actor)
	}
}

func TestMiddleware_ValidKeyViaXAPIKey(t *testing.T) {
	mgr, rawKey, _ := setupMiddlewareTest()

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("GET", "/test", nil)
	c.Request.Header.Set("X-API-Key", rawKey)

	Middleware(mgr)(c)

	if UserID(c) == "" {
		t.Error("Expected user id set via X-API-Key header")
	}
}

func TestMiddleware_InvalidKey_DoesNotAbort(t *testing.T) {
	mgr, _, _ := setupMiddlewareTest()

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("GET", "/test", nil)
	c.Request.Header.Set("Authorization", "sk_invalidkey000000000000000000000000000000000000000000000000000000")

	Middleware(mgr)(c)

	if UserID(c) != "" {
		t.Error("Expected no user id for invalid key")
	}
	if c.IsAborted() {
		t.Error("Middleware should not abort on invalid key")
	}
}

// --- RequireAuth() ---

func TestRequireAuth_NoAuth_Returns401(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("GET", "/test", nil)

	RequireAuth()(c)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", w.Code)
	}
	if !c.IsAborted() {
		t.Error("Expected request to be aborted")
	}
}

func TestRequireAuth_WithAuth_Passes(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("GET", "/test", nil)
	c.Set(ContextKeyUserID, "buyer-1")

	RequireAuth()(c)

	if c.IsAborted() {
		t.Error("Expected request to pass")
	}
}

// --- RequireAdmin() ---

func runAdmin(token, header string) (*httptest.ResponseRecorder, *gin.Context) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("POST", "/admin", nil)
	if header != "" {
		c.Request.Header.Set(AdminTokenHeader, header)
	}
	RequireAdmin(token)(c)
	return w, c
}

func TestRequireAdmin_CorrectToken(t *testing.T) {
	_, c := runAdmin("s3cret", "s3cret")

	if c.IsAborted() {
		t.Fatal("Expected correct token to pass")
	}
	if !IsAdmin(c) {
		t.Error("Expected admin flag in context")
	}
	if actor := audit.ActorFrom(c.Request.Context()); actor.Type != domain.ActorAdmin {
		t.Errorf("Expected admin actor, got %+v", actor)
	}
}

func TestRequireAdmin_WrongToken(t *testing.T) {
	w, c := runAdmin("s3cret", "guess")

	if w.Code != http.StatusUnauthorized || !c.IsAborted() {
		t.Errorf("Expected aborted 401, got %d", w.Code)
	}
}

func TestRequireAdmin_MissingHeader(t *testing.T) {
	w, _ := runAdmin("s3cret", "")

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", w.Code)
	}
}

func TestRequireAdmin_EmptyConfiguredToken(t *testing.T) {
	w, _ := runAdmin("", "")

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 when no admin token is configured, got %d", w.Code)
	}
}

func TestRequireAdmin_OperatorID(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("POST", "/admin", nil)
	c.Request.Header.Set(AdminTokenHeader, "s3cret")
	c.Request.Header.Set(AdminIDHeader, "ops-ada")

	RequireAdmin("s3cret")(c)

	if actor := audit.ActorFrom(c.Request.Context()); actor.ID != "ops-ada" {
		t.Errorf("Expected operator ops-ada, got %q", actor.ID)
	}
}

func TestGetAPIKey_Missing(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	if _, ok := GetAPIKey(c); ok {
		t.Error("Expected no API key")
	}
	if IsAdmin(c) {
		t.Error("Expected non-admin")
	}
}
