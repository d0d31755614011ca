package order

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

func setupRouter(t *testing.T) (*gin.Engine, *fixture) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	f := newFixture(t)
	r := gin.New()
	NewHandler(f.orch).RegisterRoutes(r.Group("/v1"))
	return r, f
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
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

func decodeOrder(t *testing.T, w *httptest.ResponseRecorder) *Order {
	t.Helper()
	var resp struct {
		Order Order `json:"order"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return &resp.Order
}

func placeBody() gin.H {
	return gin.H{
		"customerId": "cust_1",
		"items": []gin.H{
			{"productId": "prod_a", "sellerId": "seller_1", "quantity": 2, "unitPriceCents": 1500},
			{"productId": "prod_b", "sellerId": "seller_2", "quantity": 1, "unitPriceCents": 4000},
		},
	}
}

func TestHandler_PlaceOrder(t *testing.T) {
	r, f := setupRouter(t)
	f.seed(t, "prod_a", 10)
	f.seed(t, "prod_b", 5)

	w := doJSON(t, r, "POST", "/v1/orders", placeBody())
	require.Equal(t, http.StatusCreated, w.Code)

	ord := decodeOrder(t, w)
	assert.Equal(t, StatusPending, ord.Status)
	assert.Equal(t, int64(7140), ord.TotalCents)
}

func TestHandler_PlaceOrderInsufficientStock(t *testing.T) {
	r, f := setupRouter(t)
	f.seed(t, "prod_a", 10)
	f.seed(t, "prod_b", 0)

	w := doJSON(t, r, "POST", "/v1/orders", placeBody())
	assert.Equal(t, http.StatusConflict, w.Code)

	var resp struct {
		Error     string `json:"error"`
		ProductID string `json:"productId"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "reservation_failed", resp.Error)
	assert.Equal(t, "prod_b", resp.ProductID)
}

func TestHandler_PlaceOrderValidation(t *testing.T) {
	r, _ := setupRouter(t)

	w := doJSON(t, r, "POST", "/v1/orders", gin.H{
		"customerId": "cust_1",
		"items": []gin.H{
			{"productId": "prod_a", "sellerId": "seller_1", "quantity": -2, "unitPriceCents": 1500},
		},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_Lifecycle(t *testing.T) {
	r, f := setupRouter(t)
	f.seed(t, "prod_a", 10)
	f.seed(t, "prod_b", 5)

	w := doJSON(t, r, "POST", "/v1/orders", placeBody())
	require.Equal(t, http.StatusCreated, w.Code)
	ord := decodeOrder(t, w)

	w = doJSON(t, r, "POST", "/v1/orders/"+ord.ID+"/confirm", gin.H{"sellerId": "seller_1"})
	require.Equal(t, http.StatusOK, w.Code)
	w = doJSON(t, r, "POST", "/v1/orders/"+ord.ID+"/confirm", gin.H{"sellerId": "seller_2"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, StatusConfirmed, decodeOrder(t, w).Status)

	w = doJSON(t, r, "POST", "/v1/orders/"+ord.ID+"/pickup", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, StatusPickedUp, decodeOrder(t, w).Status)

	w = doJSON(t, r, "POST", "/v1/orders/"+ord.ID+"/ship", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, StatusOnTheWay, decodeOrder(t, w).Status)

	w = doJSON(t, r, "POST", "/v1/orders/"+ord.ID+"/deliver", gin.H{})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, StatusDelivered, decodeOrder(t, w).Status)

	// Too late to cancel.
	w = doJSON(t, r, "POST", "/v1/orders/"+ord.ID+"/cancel", gin.H{"reason": "no"})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestHandler_ShippingOutOfOrder(t *testing.T) {
	r, f := setupRouter(t)
	f.seed(t, "prod_a", 10)
	f.seed(t, "prod_b", 5)

	w := doJSON(t, r, "POST", "/v1/orders", placeBody())
	ord := decodeOrder(t, w)

	// Still pending: neither pickup nor ship is allowed.
	w = doJSON(t, r, "POST", "/v1/orders/"+ord.ID+"/pickup", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	w = doJSON(t, r, "POST", "/v1/orders/"+ord.ID+"/ship", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestHandler_CancelOrder(t *testing.T) {
	r, f := setupRouter(t)
	f.seed(t, "prod_a", 10)
	f.seed(t, "prod_b", 5)

	w := doJSON(t, r, "POST", "/v1/orders", placeBody())
	ord := decodeOrder(t, w)

	w = doJSON(t, r, "POST", "/v1/orders/"+ord.ID+"/cancel", gin.H{"reason": "changed my mind"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, StatusCancelled, decodeOrder(t, w).Status)

	assert.Equal(t, int64(10), f.available(t, "prod_a"))
}

func TestHandler_CancelRequiresReason(t *testing.T) {
	r, f := setupRouter(t)
	f.seed(t, "prod_a", 10)
	f.seed(t, "prod_b", 5)

	w := doJSON(t, r, "POST", "/v1/orders", placeBody())
	ord := decodeOrder(t, w)

	w = doJSON(t, r, "POST", "/v1/orders/"+ord.ID+"/cancel", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_GetOrder(t *testing.T) {
	r, f := setupRouter(t)
	f.seed(t, "prod_a", 10)
	f.seed(t, "prod_b", 5)

	w := doJSON(t, r, "POST", "/v1/orders", placeBody())
	ord := decodeOrder(t, w)

	w = doJSON(t, r, "GET", "/v1/orders/"+ord.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, ord.ID, decodeOrder(t, w).ID)

	w = doJSON(t, r, "GET", "/v1/orders/ord_missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_ListByCustomer(t *testing.T) {
	r, f := setupRouter(t)
	f.seed(t, "prod_a", 10)
	f.seed(t, "prod_b", 5)

	doJSON(t, r, "POST", "/v1/orders", placeBody())
	doJSON(t, r, "POST", "/v1/orders", placeBody())

	w := doJSON(t, r, "GET", "/v1/customers/cust_1/orders", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)
}

func TestHandler_ListByCustomerPaged(t *testing.T) {
	r, f := setupRouter(t)
	f.seed(t, "prod_a", 100)
	f.seed(t, "prod_b", 100)

	for i := 0; i < 3; i++ {
		w := doJSON(t, r, "POST", "/v1/orders", placeBody())
		require.Equal(t, http.StatusCreated, w.Code)
	}

	w := doJSON(t, r, "GET", "/v1/customers/cust_1/orders?limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var page struct {
		Count      int    `json:"count"`
		NextCursor string `json:"nextCursor"`
		HasMore    bool   `json:"hasMore"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.Equal(t, 2, page.Count)
	assert.True(t, page.HasMore)
	require.NotEmpty(t, page.NextCursor)

	w = doJSON(t, r, "GET", "/v1/customers/cust_1/orders?limit=2&cursor="+page.NextCursor, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.Equal(t, 1, page.Count)
	assert.False(t, page.HasMore)
	assert.Empty(t, page.NextCursor)
}

func TestHandler_ListByCustomerBadParams(t *testing.T) {
	r, _ := setupRouter(t)

	w := doJSON(t, r, "GET", "/v1/customers/cust_1/orders?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, r, "GET", "/v1/customers/cust_1/orders?cursor=%21%21not-base64", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
