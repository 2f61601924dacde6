package aster

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/algoaster/algoarena-v1/exchange"
	"github.com/algoaster/algoarena-v1/trade"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(srv.URL, "test-key", "test-secret", zap.NewNop().Sugar()), srv
}

func TestSignDeterministic(t *testing.T) {
	params := url.Values{}
	params.Set("symbol", "SOLUSDT")
	params.Set("timestamp", "1700000000000")

	a := sign(params, "secret")
	b := sign(params, "secret")
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
	assert.NotEqual(t, a, sign(params, "other-secret"))
}

func TestPlaceOrderOK(t *testing.T) {
	var gotClientID, gotAPIKey string
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/fapi/v1/order", r.URL.Path)
		gotClientID = r.URL.Query().Get("newClientOrderId")
		gotAPIKey = r.Header.Get("X-MBX-APIKEY")
		require.NotEmpty(t, r.URL.Query().Get("signature"))
		_ = json.NewEncoder(w).Encode(orderResponse{
			OrderID:       42,
			ClientOrderID: gotClientID,
			Symbol:        "SOLUSDT",
			Status:        "NEW",
			Side:          "BUY",
			Price:         "180.00",
			OrigQty:       "0.111",
			ExecutedQty:   "0",
			UpdateTime:    1700000000000,
		})
	})

	order, err := c.PlaceOrder(context.Background(), exchange.OrderRequest{
		Symbol:        "SOLUSDT",
		Side:          trade.Buy,
		Price:         decimal.RequireFromString("180.00"),
		Qty:           decimal.RequireFromString("0.111"),
		ClientOrderID: "abc123",
	})
	require.NoError(t, err)
	assert.Equal(t, "abc123", gotClientID)
	assert.Equal(t, "test-key", gotAPIKey)
	assert.Equal(t, int64(42), order.OrderID)
	assert.Equal(t, trade.OrderNew, order.Status)
	assert.True(t, order.Price.Equal(decimal.RequireFromString("180")))
}

func TestPlaceOrderServerError(t *testing.T) {
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"code":-1001,"msg":"internal error"}`, http.StatusServiceUnavailable)
	})

	_, err := c.PlaceOrder(context.Background(), exchange.OrderRequest{
		Symbol: "SOLUSDT", Side: trade.Buy,
		Price: decimal.NewFromInt(180), Qty: decimal.NewFromInt(1),
	})
	require.Error(t, err)
	var ae *exchange.APIError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, http.StatusServiceUnavailable, ae.HTTPStatus)
	assert.True(t, exchange.IsServerError(err))
	assert.False(t, exchange.IsClientError(err))
}

func TestPlaceOrderRejected(t *testing.T) {
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"code":-2019,"msg":"Margin is insufficient."}`, http.StatusBadRequest)
	})

	_, err := c.PlaceOrder(context.Background(), exchange.OrderRequest{
		Symbol: "SOLUSDT", Side: trade.Buy,
		Price: decimal.NewFromInt(180), Qty: decimal.NewFromInt(1),
	})
	require.Error(t, err)
	assert.True(t, exchange.IsClientError(err))
	assert.False(t, exchange.IsServerError(err))
}

func TestQueryOrderNotFound(t *testing.T) {
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"code":-2013,"msg":"Order does not exist."}`, http.StatusBadRequest)
	})

	_, err := c.QueryOrder(context.Background(), "SOLUSDT", "missing")
	require.ErrorIs(t, err, exchange.ErrOrderNotFound)
	assert.False(t, exchange.IsServerError(err))
}

func TestMapStatus(t *testing.T) {
	tests := map[string]trade.OrderStatus{
		"NEW":              trade.OrderNew,
		"PARTIALLY_FILLED": trade.OrderPartial,
		"FILLED":           trade.OrderFilled,
		"CANCELED":         trade.OrderCanceled,
		"EXPIRED":          trade.OrderCanceled,
		"REJECTED":         trade.OrderRejected,
		"GARBAGE":          trade.OrderUnknown,
	}
	for wire, want := range tests {
		assert.Equal(t, want, mapStatus(wire), wire)
	}
}
