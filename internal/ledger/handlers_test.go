package ledger

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dog-best/meta-sub000/internal/auth"
	"github.com/dog-best/meta-sub000/internal/domain"
	"github.com/dog-best/meta-sub000/internal/testutil/fixture"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setupRouter(t *testing.T) (*gin.Engine, *fixture.Env, *Service) {
	t.Helper()
	env, svc := newLedger(t)
	h := NewHandler(svc)

	r := gin.New()
	user := r.Group("/v1", func(c *gin.Context) {
		if id := c.GetHeader("X-Test-User"); id != "" {
			c.Set(auth.ContextKeyUserID, id)
		}
		c.Next()
	})
	h.RegisterProtectedRoutes(user)
	h.RegisterAdminRoutes(r.Group("/v1/admin"))
	return r, env, svc
}

func do(r *gin.Engine, method, path, user, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if user != "" {
		req.Header.Set("X-Test-User", user)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_LockRequiresVersion(t *testing.T) {
	r, env, _ := setupRouter(t)
	env.Fund(t, fixture.Buyer, "100.00")
	o := env.Order(t, domain.KindInPerson, domain.CurrencyNGN, "100.00")

	w := do(r, "POST", "/v1/orders/"+o.ID+"/lock", fixture.Buyer, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, "POST", "/v1/orders/"+o.ID+"/lock", fixture.Buyer, `{"expected_version": 0}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Order domain.Order       `json:"order"`
		Entry domain.LedgerEntry `json:"ledger_entry"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, domain.StatusInEscrow, resp.Order.Status)
	assert.Equal(t, "2.00", resp.Entry.FeeAmount)
}

func TestHandler_ErrorEnvelope(t *testing.T) {
	r, env, _ := setupRouter(t)
	o := env.Order(t, domain.KindInPerson, domain.CurrencyNGN, "100.00")

	w := do(r, "POST", "/v1/orders/"+o.ID+"/lock", fixture.Buyer, `{"expected_version": 0}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, domain.ErrInsufficientFunds.Code, body["error"])
	assert.NotEmpty(t, body["message"])

	w = do(r, "POST", "/v1/orders/"+o.ID+"/lock", fixture.Seller, `{"expected_version": 0}`)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(r, "POST", "/v1/orders/ord_nope/lock", fixture.Buyer, `{"expected_version": 0}`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(r, "POST", "/v1/orders/"+o.ID+"/lock", fixture.Buyer, `{not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_ReleaseWithoutVersionUsesStored(t *testing.T) {
	r, env, svc := setupRouter(t)
	env.Fund(t, fixture.Buyer, "100.00")
	o := env.Order(t, domain.KindInPerson, domain.CurrencyNGN, "100.00")
	_, err := svc.Lock(t.Context(), fixture.Buyer, o.ID, 0)
	require.NoError(t, err)
	env.Drive(t, o.ID, domain.PartySeller, domain.StatusDelivered)

	w := do(r, "POST", "/v1/orders/"+o.ID+"/release", fixture.Buyer, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "98.00", env.Balance(t, fixture.Seller))
}

func TestHandler_WalletAndAdminFund(t *testing.T) {
	r, _, _ := setupRouter(t)

	w := do(r, "POST", "/v1/admin/wallets/user-7/fund", "", `{"amount": "2500.50", "reference": "psk_1"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(r, "GET", "/v1/wallet", "user-7", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Wallet domain.Wallet `json:"wallet"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "2500.50", resp.Wallet.Balance)

	w = do(r, "GET", "/v1/wallet/transactions?limit=5", "user-7", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)

	w = do(r, "POST", "/v1/admin/wallets/user-7/fund", "", `{"amount": "-5"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
