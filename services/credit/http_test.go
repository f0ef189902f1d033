package credit

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"estate-credits/pkg/middleware"
)

type listenerFunc func(ctx context.Context, txn *Transaction, distribute bool) error

func (f listenerFunc) PurchaseConfirmed(ctx context.Context, txn *Transaction, distribute bool) error {
	return f(ctx, txn, distribute)
}

func newTestRouter(h *Handler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(middleware.Error())
	h.Register(r.Group("/v1"))
	return r
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

func TestHTTPCreditDebit(t *testing.T) {
	owner := User("u-1")
	svc := newTestService(t, owner)
	r := newTestRouter(NewHandler(svc, nil))

	w := doJSON(t, r, http.MethodPost, "/v1/owners/user/u-1/credits", map[string]any{"amount": 100, "kind": "bonus"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doJSON(t, r, http.MethodPost, "/v1/owners/user/u-1/debits", map[string]any{"amount": 80, "description": "boost"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp balanceResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, int64(20), resp.Balance)

	w = doJSON(t, r, http.MethodPost, "/v1/owners/user/u-1/debits", map[string]any{"amount": 50})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	require.Contains(t, w.Body.String(), "unprocessable_entity")

	w = doJSON(t, r, http.MethodGet, "/v1/owners/user/u-1/sufficient?amount=20", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"sufficient":true`)

	w = doJSON(t, r, http.MethodGet, "/v1/owners/user/u-1/transactions?limit=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"has_more":true`)
}

func TestHTTPErrors(t *testing.T) {
	svc := newTestService(t, User("u-1"))
	r := newTestRouter(NewHandler(svc, nil))

	w := doJSON(t, r, http.MethodGet, "/v1/owners/tenant/x/balance", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, r, http.MethodGet, "/v1/owners/user/ghost/balance", nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, r, http.MethodPost, "/v1/owners/user/u-1/debits", map[string]any{"amount": -3})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, r, http.MethodGet, "/v1/owners/user/u-1/sufficient?amount=lots", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHTTPPurchaseConfirmNotifiesListener(t *testing.T) {
	owner := Agency("a-1")
	svc := newTestService(t, owner)

	var (
		notified   *Transaction
		distribute bool
	)
	listener := listenerFunc(func(_ context.Context, txn *Transaction, d bool) error {
		notified, distribute = txn, d
		return nil
	})
	r := newTestRouter(NewHandler(svc, listener))

	w := doJSON(t, r, http.MethodPost, "/v1/owners/agency/a-1/purchases", map[string]any{"package": "PRO"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var pending Transaction
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &pending))

	w = doJSON(t, r, http.MethodPost, "/v1/purchases/"+pending.ID.String()+"/confirm", map[string]any{"distribute": true})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.NotNil(t, notified)
	require.Equal(t, pending.ID, notified.ID)
	require.True(t, distribute)

	w = doJSON(t, r, http.MethodPost, "/v1/purchases/"+pending.ID.String()+"/reject", nil)
	require.Equal(t, http.StatusConflict, w.Code)

	w = doJSON(t, r, http.MethodGet, "/v1/owners/agency/a-1/verify", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"valid":true`)
}
