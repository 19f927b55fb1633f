package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alanyoungcy/hybridengine/internal/cache/memory"
	"github.com/alanyoungcy/hybridengine/internal/domain"
	"github.com/alanyoungcy/hybridengine/internal/events"
	"github.com/alanyoungcy/hybridengine/internal/matching"
	"github.com/alanyoungcy/hybridengine/internal/metrics"
	"github.com/alanyoungcy/hybridengine/internal/server/handler"
	"github.com/alanyoungcy/hybridengine/internal/server/middleware"
	"github.com/alanyoungcy/hybridengine/internal/server/ws"
	"github.com/alanyoungcy/hybridengine/internal/service"
	"github.com/alanyoungcy/hybridengine/internal/validator"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEngine struct {
	submit   func(validator.RawOrder) (service.Result, error)
	lastRaw  validator.RawOrder
	orders   map[string]service.OrderView
	settled  map[string]domain.SettlementRequest
	resumed  []string
	canceled []string
}

func (f *fakeEngine) Submit(_ context.Context, raw validator.RawOrder) (service.Result, error) {
	f.lastRaw = raw
	return f.submit(raw)
}

func (f *fakeEngine) Cancel(_ context.Context, id, user string) (service.OrderView, error) {
	v, ok := f.orders[id]
	if !ok || (user != "" && v.Order.UserID != user) {
		return service.OrderView{}, fmt.Errorf("cancel: %w", domain.ErrNotFound)
	}
	f.canceled = append(f.canceled, id)
	v.State.Status = domain.OrderStatusCanceled
	return v, nil
}

func (f *fakeEngine) GetOrder(_ context.Context, id string) (service.OrderView, error) {
	v, ok := f.orders[id]
	if !ok {
		return service.OrderView{}, domain.ErrNotFound
	}
	return v, nil
}

func (f *fakeEngine) ListOrders(_ context.Context, user string, _ domain.ListOpts) ([]service.OrderView, error) {
	var out []service.OrderView
	for _, v := range f.orders {
		if v.Order.UserID == user {
			out = append(out, v)
		}
	}
	return out, nil
}

func (f *fakeEngine) GetSettlement(_ context.Context, id string) (domain.SettlementRequest, error) {
	r, ok := f.settled[id]
	if !ok {
		return domain.SettlementRequest{}, domain.ErrNotFound
	}
	return r, nil
}

func (f *fakeEngine) Market(pair string) (service.MarketView, error) {
	if pair != "ETH-USDC" {
		return service.MarketView{}, fmt.Errorf("market: %w", domain.ErrUnsupportedPair)
	}
	return service.MarketView{MarketStatus: matching.MarketStatus{Pair: pair, LastPrice: decimal.NewFromInt(2000), HasLast: true}}, nil
}

func (f *fakeEngine) Depth(pair string, levels int) (matching.Depth, error) {
	return matching.Depth{Pair: pair, Asks: []matching.Level{{Price: decimal.NewFromInt(2001), Amount: decimal.NewFromInt(3), Orders: 1}}}, nil
}

func (f *fakeEngine) Pairs() []string { return []string{"ETH-USDC"} }
func (f *fakeEngine) Live() int       { return len(f.orders) }

func (f *fakeEngine) Resume(_ context.Context, pair string) ([]string, error) {
	f.resumed = append(f.resumed, pair)
	return nil, nil
}

type snapshot struct{}

func (snapshot) Snapshot() metrics.Metrics {
	return metrics.Metrics{Window: 10 * time.Second, TPS: 2.5, QueueDepth: 4}
}

func newTestServer(t *testing.T, f *fakeEngine, bus domain.SignalBus) (*httptest.Server, *ws.Hub) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	var hub *ws.Hub
	if bus != nil {
		hub = ws.NewHub(bus, logger, ws.Config{Mode: "paper", Pairs: f.Pairs()})
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() { hub.Run(ctx); close(done) }()
		t.Cleanup(func() { cancel(); <-done })
	}
	srv := NewServer(Config{AdminToken: "root"}, Handlers{
		Health:  handler.NewHealthHandler(f, func(string) bool { return false }, "paper", logger),
		Orders:  handler.NewOrderHandler(f, logger),
		Markets: handler.NewMarketHandler(f, logger),
		Metrics: handler.NewMetricsHandler(snapshot{}),
		Admin:   handler.NewAdminHandler(f, logger),
	}, middleware.NewIdentityResolver("", map[string]string{"tok-a": "alice", "tok-b": "bob"}), hub, logger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, hub
}

func do(t *testing.T, method, url, token, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	raw, _ := io.ReadAll(resp.Body)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp, out
}

func TestPlaceOrderCreated(t *testing.T) {
	f := &fakeEngine{submit: func(validator.RawOrder) (service.Result, error) {
		return service.Result{
			OrderID: "o1",
			Status:  domain.OrderStatusPartiallyFilled,
			Venue:   domain.VenueOrderbook,
			Summary: service.Summary{TotalFilled: decimal.NewFromInt(50), AveragePrice: decimal.NewFromInt(1), TotalChunks: 1},
		}, nil
	}}
	ts, _ := newTestServer(t, f, nil)

	resp, body := do(t, http.MethodPost, ts.URL+"/orders", "tok-a",
		`{"pair":"ETH-USDC","side":"buy","type":"limit","amount":100,"price":"1.00"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "o1", body["orderId"])
	assert.Equal(t, "partially_filled", body["status"])
	assert.Equal(t, map[string]any{"totalFilled": "50", "averagePrice": "1", "totalChunks": float64(1)}, body["summary"])
	_, hasWarning := body["securityWarning"]
	assert.False(t, hasWarning)

	assert.Equal(t, "alice", f.lastRaw.UserID)
	assert.Equal(t, "100", f.lastRaw.Amount)
	assert.Equal(t, "1.00", f.lastRaw.Price)
	assert.Equal(t, "127.0.0.1", f.lastRaw.SourceIP)
}

func TestPlaceOrderErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		res        service.Result
		status     int
		retryAfter string
		reason     string
	}{
		{"validation", fmt.Errorf("v: %w", domain.ErrMalformedOrder), service.Result{Status: domain.OrderStatusRejected}, http.StatusBadRequest, "", "malformed_order"},
		{"throttle", &domain.SecurityError{Err: domain.ErrThrottled, RetryAfter: 600 * time.Millisecond},
			service.Result{OrderID: "o2", Status: domain.OrderStatusRejected, Reason: "throttled", RetryAfter: 600 * time.Millisecond},
			http.StatusTooManyRequests, "1", "throttled"},
		{"block", &domain.SecurityError{Err: domain.ErrBlocked, RetryAfter: 90 * time.Second}, service.Result{}, http.StatusTooManyRequests, "90", "blocked"},
		{"confirmation", &domain.SecurityError{Err: domain.ErrConfirmationRequired}, service.Result{}, http.StatusPreconditionRequired, "", "confirmation_required"},
		{"backlog", &domain.SecurityError{Err: domain.ErrBackpressure, RetryAfter: time.Second}, service.Result{}, http.StatusServiceUnavailable, "1", "settlement_backlog"},
		{"liquidity", fmt.Errorf("r: %w", domain.ErrInsufficientLiquidity), service.Result{}, http.StatusUnprocessableEntity, "", "insufficient_liquidity"},
		{"paused", fmt.Errorf("m: %w", domain.ErrPairPaused), service.Result{}, http.StatusServiceUnavailable, "", "pair_paused"},
		{"internal", fmt.Errorf("boom"), service.Result{}, http.StatusInternalServerError, "", "internal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeEngine{submit: func(validator.RawOrder) (service.Result, error) { return tt.res, tt.err }}
			ts, _ := newTestServer(t, f, nil)
			resp, body := do(t, http.MethodPost, ts.URL+"/orders", "tok-a", `{"pair":"ETH-USDC","side":"buy","amount":"1"}`)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.retryAfter, resp.Header.Get("Retry-After"))
			assert.Equal(t, tt.reason, body["reason"])
			if tt.retryAfter != "" {
				assert.Equal(t, tt.retryAfter, fmt.Sprint(body["retryAfter"]))
			}
			if tt.status == http.StatusInternalServerError {
				assert.Equal(t, "internal server error", body["error"])
			}
		})
	}
}

func TestConfirmationRequiredCarriesWarning(t *testing.T) {
	f := &fakeEngine{submit: func(validator.RawOrder) (service.Result, error) {
		return service.Result{
				OrderID:         "o3",
				Status:          domain.OrderStatusRejected,
				Reason:          "confirmation_required",
				SecurityWarning: true,
			},
			&domain.SecurityError{Err: domain.ErrConfirmationRequired}
	}}
	ts, _ := newTestServer(t, f, nil)

	resp, body := do(t, http.MethodPost, ts.URL+"/orders", "tok-a", `{"pair":"ETH-USDC","side":"buy","amount":"60000"}`)
	require.Equal(t, http.StatusPreconditionRequired, resp.StatusCode)
	assert.Equal(t, "confirmation_required", body["reason"])
	assert.Equal(t, "o3", body["orderId"])
	assert.Equal(t, true, body["securityWarning"])
}

func TestPlaceOrderRejectsUnknownFields(t *testing.T) {
	f := &fakeEngine{submit: func(validator.RawOrder) (service.Result, error) {
		t.Fatal("submit called")
		return service.Result{}, nil
	}}
	ts, _ := newTestServer(t, f, nil)
	resp, body := do(t, http.MethodPost, ts.URL+"/orders", "tok-a", `{"pair":"ETH-USDC","sidee":"buy"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "malformed_order", body["reason"])
}

func TestOrderVisibility(t *testing.T) {
	f := &fakeEngine{
		orders: map[string]service.OrderView{
			"o1": {
				Order: domain.Order{ID: "o1", UserID: "alice", Pair: "ETH-USDC", Side: domain.OrderSideBuy, Type: domain.Limit{Price: decimal.NewFromInt(1)}, Amount: decimal.NewFromInt(100)},
				State: domain.OrderState{Status: domain.OrderStatusRouted, FilledAmount: decimal.Zero, FilledNotional: decimal.Zero},
			},
		},
		settled: map[string]domain.SettlementRequest{
			"o1": {ID: "s1", OrderID: "o1", Venue: domain.VenueAMM, Status: domain.SettlementInFlight, TxHash: "0xabc", Attempts: 1},
		},
	}
	ts, _ := newTestServer(t, f, nil)

	resp, body := do(t, http.MethodGet, ts.URL+"/orders/o1", "tok-a", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "limit", body["type"])
	assert.Equal(t, "1", body["price"])

	resp, _ = do(t, http.MethodGet, ts.URL+"/orders/o1", "tok-b", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = do(t, http.MethodGet, ts.URL+"/settlements/o1", "tok-a", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "in_flight", body["status"])
	assert.Equal(t, "0xabc", body["txHash"])
	assert.Equal(t, float64(1), body["attempts"])

	resp, _ = do(t, http.MethodGet, ts.URL+"/settlements/o1", "tok-b", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = do(t, http.MethodDelete, ts.URL+"/orders/o1", "tok-b", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, body = do(t, http.MethodDelete, ts.URL+"/orders/o1", "tok-a", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "canceled", body["status"])

	resp, body = do(t, http.MethodGet, ts.URL+"/orders", "tok-a", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["orders"], 1)

	resp, _ = do(t, http.MethodGet, ts.URL+"/orders/o1", "", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestMarketEndpoints(t *testing.T) {
	ts, _ := newTestServer(t, &fakeEngine{}, nil)

	resp, body := do(t, http.MethodGet, ts.URL+"/market?pair=eth-usdc", "tok-a", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "2000", body["lastPrice"])

	resp, body = do(t, http.MethodGet, ts.URL+"/market?pair=DOGE-USDC", "tok-a", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "unsupported_pair", body["reason"])

	resp, body = do(t, http.MethodGet, ts.URL+"/orderbook?pair=ETH-USDC&depth=5", "tok-a", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["asks"], 1)

	resp, _ = do(t, http.MethodGet, ts.URL+"/orderbook?pair=ETH-USDC&depth=x", "tok-a", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = do(t, http.MethodGet, ts.URL+"/metrics/snapshot", "tok-a", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2.5, body["tps"])
	assert.Equal(t, float64(10), body["windowSeconds"])

	resp, body = do(t, http.MethodGet, ts.URL+"/health", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestAdminResume(t *testing.T) {
	f := &fakeEngine{}
	ts, _ := newTestServer(t, f, nil)

	resp, _ := do(t, http.MethodPost, ts.URL+"/admin/pairs/eth-usdc/resume", "", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/admin/pairs/eth-usdc/resume", nil)
	req.Header.Set("X-Admin-Token", "root")
	r, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	r.Body.Close()
	assert.Equal(t, http.StatusOK, r.StatusCode)
	assert.Equal(t, []string{"ETH-USDC"}, f.resumed)
}

func TestWebSocketStream(t *testing.T) {
	bus := memory.NewBus()
	ts, _ := newTestServer(t, &fakeEngine{}, bus)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?token=tok-a&format=json&channels=trades"

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	kind, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, kind)
	assert.Contains(t, string(msg), `"status"`)

	payload, err := events.Marshal(events.Trade(domain.Fill{ID: "f1", Price: decimal.NewFromInt(1), Amount: decimal.NewFromInt(2), Timestamp: time.Unix(0, 0)}))
	require.NoError(t, err)
	// The hub subscribes asynchronously; publish until a frame arrives.
	got := make(chan []byte, 1)
	go func() {
		_, m, err := conn.ReadMessage()
		if err == nil {
			got <- m
		}
	}()
	require.Eventually(t, func() bool {
		_ = bus.Publish(context.Background(), domain.ChannelOrders, payload)
		_ = bus.Publish(context.Background(), domain.ChannelTrades, payload)
		select {
		case m := <-got:
			var env map[string]any
			require.NoError(t, json.Unmarshal(m, &env))
			return env["type"] == "trade"
		default:
			return false
		}
	}, 2*time.Second, 20*time.Millisecond)
}
