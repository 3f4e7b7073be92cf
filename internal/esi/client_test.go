package esi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Checker-Finance/marketdata/internal/httpclient"
	"github.com/Checker-Finance/marketdata/pkg/model"
)

var forge = model.Market{RegionID: 10000002, TypeID: 34}

func newTestClient(srv *httptest.Server) *Client {
	exec := httpclient.New(zap.NewNop(), nil, srv.Client(), 0, "esi", ErrorHandler)
	return NewClient(srv.URL+"/", "marketdata-test", exec, nil)
}

func order(id int64, price string) map[string]any {
	return map[string]any{
		"order_id":      id,
		"type_id":       34,
		"is_buy_order":  id%2 == 0,
		"issued":        "2026-02-28T09:30:00Z",
		"price":         json.Number(price),
		"volume_total":  100,
		"volume_remain": 80,
		"min_volume":    1,
		"range":         "region",
		"location_id":   60003760,
		"system_id":     30000142,
		"duration":      90,
	}
}

func TestMarketOrders_Paged(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "/markets/10000002/orders/", r.URL.Path)
		assert.Equal(t, "34", r.URL.Query().Get("type_id"))
		assert.Equal(t, "marketdata-test", r.Header.Get("User-Agent"))

		page := r.URL.Query().Get("page")
		w.Header().Set("X-Pages", "2")
		switch page {
		case "1":
			_ = json.NewEncoder(w).Encode([]any{order(1, "5.00"), order(2, "4.99")})
		case "2":
			_ = json.NewEncoder(w).Encode([]any{order(3, "5.10")})
		default:
			t.Errorf("unexpected page %s", page)
		}
	}))
	defer srv.Close()

	orders, err := newTestClient(srv).MarketOrders(context.Background(), forge)
	require.NoError(t, err)
	require.Len(t, orders, 3)
	assert.EqualValues(t, 2, hits.Load())

	first := orders[0]
	assert.Equal(t, int64(1), first.OrderID)
	assert.False(t, first.Buy)
	assert.True(t, first.Price.Equal(decimal.RequireFromString("5")))
	assert.Equal(t, time.Date(2026, 2, 28, 9, 30, 0, 0, time.UTC), first.Issued)
	assert.EqualValues(t, 100, first.VolumeEntered)
	assert.EqualValues(t, 80, first.Volume)
	assert.Equal(t, "region", first.Range)
	assert.True(t, orders[1].Buy)
}

func TestMarketOrders_NoPagesHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	orders, err := newTestClient(srv).MarketOrders(context.Background(), forge)
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestMarketOrders_FiltersOtherTypes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		other := order(9, "1")
		other["type_id"] = 35
		_ = json.NewEncoder(w).Encode([]any{order(1, "1"), other})
	}))
	defer srv.Close()

	orders, err := newTestClient(srv).MarketOrders(context.Background(), forge)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, int64(1), orders[0].OrderID)
}

func TestMarketOrders_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = fmt.Fprint(w, `{"error":"Type not found!"}`)
	}))
	defer srv.Close()

	_, err := newTestClient(srv).MarketOrders(context.Background(), forge)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "Type not found!")
}

func TestErrorHandler(t *testing.T) {
	err := ErrorHandler(http.StatusBadRequest, []byte(`not json`))
	assert.EqualError(t, err, "esi returned 400: Bad Request")
}

func TestMarketOrders_TooManyPages(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("X-Pages", "501")
		_ = json.NewEncoder(w).Encode([]any{order(1, "5.00")})
	}))
	defer srv.Close()

	orders, err := newTestClient(srv).MarketOrders(context.Background(), forge)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTooManyPages)
	assert.Nil(t, orders)
	assert.EqualValues(t, 1, hits.Load())
}

func TestMarketOrders_AtPageLimit(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("X-Pages", "500")
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv).MarketOrders(context.Background(), forge)
	require.NoError(t, err)
	assert.EqualValues(t, 500, hits.Load())
}
