package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/playforge/playforge/engine/audit"
	"github.com/playforge/playforge/engine/executor"
	"github.com/playforge/playforge/engine/ledger"
	"github.com/playforge/playforge/engine/orders"
	"github.com/playforge/playforge/engine/router"
	"github.com/playforge/playforge/engine/store"
	"github.com/playforge/playforge/engine/worker"
)

func newTestAPI(t *testing.T, devMode bool) (*API, *store.MemoryStore, *http.ServeMux) {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemoryStore()
	require.NoError(t, st.CreateUser(ctx, &store.User{ID: "u1", Email: "u1@example.com", Balance: decimal.NewFromInt(10)}))

	led := ledger.NewEngine(st, true)
	svc := orders.NewService(st, nil, led, orders.Config{
		SplitSize:           500,
		MaxAttempts:         3,
		DeliveryRatePerHour: 60000,
	})
	rtr := router.New(st, nil, router.DefaultConfig())
	injector := executor.NewFaultInjector(&scriptedExecutor{})
	wrk := worker.New(st, rtr, injector, injector, led, worker.Config{
		BatchSize:       10,
		MaxConcurrent:   2,
		OrphanThreshold: 2 * time.Minute,
		MaxAttempts:     3,
		ExecTimeout:     5 * time.Second,
	})

	api := NewAPI(st, svc, wrk, rtr, audit.New(st, 2*time.Minute), injector, devMode, 2*time.Minute)
	mux := http.NewServeMux()
	api.Routes(mux)
	return api, st, mux
}

// doRequest serves one request through the mux. A string body is sent raw,
// anything else is marshalled to JSON.
func doRequest(t *testing.T, mux *http.ServeMux, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf []byte
	switch b := body.(type) {
	case nil:
	case string:
		buf = []byte(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		buf = data
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(buf))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	return w
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), "body: %s", w.Body.String())
}

func createRequestBody(quantity int) *orders.CreateRequest {
	return &orders.CreateRequest{
		UserID:       "u1",
		TargetURL:    "https://play.example/track/9",
		Quantity:     quantity,
		PricePerUnit: decimal.NewFromFloat(0.001),
	}
}

// TestHealthRoute tests the liveness endpoint
func TestHealthRoute(t *testing.T) {
	_, _, mux := newTestAPI(t, true)
	w := doRequest(t, mux, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())
}

// TestOrderIntakeEndpoint tests the dev-mode order hook end to end
func TestOrderIntakeEndpoint(t *testing.T) {
	_, st, mux := newTestAPI(t, true)

	t.Run("creates and serves the order", func(t *testing.T) {
		w := doRequest(t, mux, http.MethodPost, "/admin/orders", createRequestBody(1500))
		require.Equal(t, http.StatusCreated, w.Code, "body: %s", w.Body.String())

		var created store.Order
		decodeJSON(t, w, &created)
		assert.NotEmpty(t, created.ID)
		assert.Equal(t, store.OrderRunning, created.Status)
		assert.Equal(t, 1500, created.Quantity)

		w = doRequest(t, mux, http.MethodGet, "/admin/orders/"+created.ID, nil)
		require.Equal(t, http.StatusOK, w.Code)
		var detail struct {
			Order store.Order  `json:"order"`
			Tasks []store.Task `json:"tasks"`
		}
		decodeJSON(t, w, &detail)
		assert.Equal(t, created.ID, detail.Order.ID)
		assert.Len(t, detail.Tasks, 3)
	})

	t.Run("duplicate external key returns the original", func(t *testing.T) {
		req := createRequestBody(1000)
		req.ExternalKey = "client-key-1"

		first := doRequest(t, mux, http.MethodPost, "/admin/orders", req)
		require.Equal(t, http.StatusCreated, first.Code)
		var a store.Order
		decodeJSON(t, first, &a)

		second := doRequest(t, mux, http.MethodPost, "/admin/orders", req)
		require.Equal(t, http.StatusOK, second.Code, "replay is not a new order")
		var b store.Order
		decodeJSON(t, second, &b)
		assert.Equal(t, a.ID, b.ID)
	})

	t.Run("rejects invalid orders", func(t *testing.T) {
		req := createRequestBody(0)
		w := doRequest(t, mux, http.MethodPost, "/admin/orders", req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("rejects garbage bodies", func(t *testing.T) {
		w := doRequest(t, mux, http.MethodPost, "/admin/orders", `{"quantity": `)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("unknown user is 404", func(t *testing.T) {
		req := createRequestBody(1000)
		req.UserID = "ghost"
		w := doRequest(t, mux, http.MethodPost, "/admin/orders", req)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("insufficient balance is 402", func(t *testing.T) {
		w := doRequest(t, mux, http.MethodPost, "/admin/orders", createRequestBody(100000))
		assert.Equal(t, http.StatusPaymentRequired, w.Code)

		u, err := st.GetUser(context.Background(), "u1")
		require.NoError(t, err)
		assert.True(t, u.Balance.GreaterThan(decimal.Zero), "rejection must not debit")
	})

	t.Run("wrong method is 405", func(t *testing.T) {
		w := doRequest(t, mux, http.MethodGet, "/admin/orders", nil)
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	})
}

// TestOrderIntakeDisabledOutsideDev tests the production lockout
func TestOrderIntakeDisabledOutsideDev(t *testing.T) {
	_, _, mux := newTestAPI(t, false)
	w := doRequest(t, mux, http.MethodPost, "/admin/orders", createRequestBody(1000))
	assert.Equal(t, http.StatusForbidden, w.Code)
}

// TestOrderIntakeRateLimited tests the storm limiter on the intake hook
func TestOrderIntakeRateLimited(t *testing.T) {
	api, _, mux := newTestAPI(t, true)

	// Drain the limiter's burst, then the next request must bounce.
	for api.createLimiter.Allow() {
	}
	w := doRequest(t, mux, http.MethodPost, "/admin/orders", createRequestBody(1000))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Result().Header.Get("Retry-After"))
}

// TestOrderCancelEndpoint tests cancel status codes
func TestOrderCancelEndpoint(t *testing.T) {
	_, _, mux := newTestAPI(t, true)

	w := doRequest(t, mux, http.MethodPost, "/admin/orders", createRequestBody(1500))
	require.Equal(t, http.StatusCreated, w.Code)
	var order store.Order
	decodeJSON(t, w, &order)

	w = doRequest(t, mux, http.MethodPost, "/admin/orders/"+order.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var cancelled store.Order
	decodeJSON(t, w, &cancelled)
	assert.Equal(t, store.OrderCancelled, cancelled.Status)

	w = doRequest(t, mux, http.MethodPost, "/admin/orders/"+order.ID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, w.Code, "terminal orders cannot cancel twice")

	w = doRequest(t, mux, http.MethodPost, "/admin/orders/ghost/cancel", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doRequest(t, mux, http.MethodGet, "/admin/orders/ghost", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// TestProxyAdminEndpoints tests proxy registration, listing, and status flips
func TestProxyAdminEndpoints(t *testing.T) {
	_, st, mux := newTestAPI(t, true)

	t.Run("upsert requires id, endpoint and tier", func(t *testing.T) {
		w := doRequest(t, mux, http.MethodPost, "/admin/proxies", map[string]string{"id": "dc-9"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("upsert fills defaults", func(t *testing.T) {
		w := doRequest(t, mux, http.MethodPost, "/admin/proxies", map[string]string{
			"id":       "dc-9",
			"endpoint": "http://dc-9:3128",
			"tier":     "DATACENTER",
		})
		require.Equal(t, http.StatusOK, w.Code, "body: %s", w.Body.String())

		var node store.ProxyNode
		decodeJSON(t, w, &node)
		assert.Equal(t, store.ProxyOnline, node.Status)
		assert.Equal(t, 10, node.CapacityLimit)
		assert.Equal(t, 1.0, node.CostFactor)
	})

	t.Run("list includes health and breakers", func(t *testing.T) {
		w := doRequest(t, mux, http.MethodGet, "/admin/proxies", nil)
		require.Equal(t, http.StatusOK, w.Code)

		var listing struct {
			Nodes    []store.ProxyNode                `json:"nodes"`
			Health   map[string]router.HealthSnapshot `json:"health"`
			Breakers map[string]string                `json:"breakers"`
		}
		decodeJSON(t, w, &listing)
		require.Len(t, listing.Nodes, 1)
		assert.Equal(t, "dc-9", listing.Nodes[0].ID)
	})

	t.Run("status update", func(t *testing.T) {
		w := doRequest(t, mux, http.MethodPost, "/admin/proxies/dc-9/status", map[string]string{"status": "MAINTENANCE"})
		require.Equal(t, http.StatusOK, w.Code)

		node, err := st.GetProxyNode(context.Background(), "dc-9")
		require.NoError(t, err)
		assert.Equal(t, store.ProxyMaintenance, node.Status)
	})

	t.Run("unknown status is rejected", func(t *testing.T) {
		w := doRequest(t, mux, http.MethodPost, "/admin/proxies/dc-9/status", map[string]string{"status": "NAPPING"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("unroutable proxy paths are 404", func(t *testing.T) {
		w := doRequest(t, mux, http.MethodGet, "/admin/proxies/dc-9/status", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

// TestFaultEndpoints tests fault injection control and its dev-mode gate
func TestFaultEndpoints(t *testing.T) {
	t.Run("dev mode round trip", func(t *testing.T) {
		_, _, mux := newTestAPI(t, true)

		w := doRequest(t, mux, http.MethodGet, "/admin/faults", nil)
		require.Equal(t, http.StatusOK, w.Code)
		var s executor.FaultSettings
		decodeJSON(t, w, &s)
		assert.False(t, s.Enabled)

		w = doRequest(t, mux, http.MethodPost, "/admin/faults", executor.FaultSettings{
			Enabled:     true,
			FailPercent: 40,
			BannedNodes: []string{"dc-1"},
		})
		require.Equal(t, http.StatusOK, w.Code)
		decodeJSON(t, w, &s)
		assert.True(t, s.Enabled)
		assert.Equal(t, 40, s.FailPercent)
		assert.ElementsMatch(t, []string{"dc-1"}, s.BannedNodes)
	})

	t.Run("fail percent bounds", func(t *testing.T) {
		_, _, mux := newTestAPI(t, true)
		w := doRequest(t, mux, http.MethodPost, "/admin/faults", executor.FaultSettings{FailPercent: 150})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("writes locked outside dev mode", func(t *testing.T) {
		_, _, mux := newTestAPI(t, false)

		w := doRequest(t, mux, http.MethodPost, "/admin/faults", executor.FaultSettings{Enabled: true})
		assert.Equal(t, http.StatusForbidden, w.Code)

		w = doRequest(t, mux, http.MethodGet, "/admin/faults", nil)
		assert.Equal(t, http.StatusOK, w.Code, "reads stay open")
	})
}

// TestWorkerStatusEndpoint tests the stats snapshot route
func TestWorkerStatusEndpoint(t *testing.T) {
	_, _, mux := newTestAPI(t, true)

	w := doRequest(t, mux, http.MethodGet, "/admin/worker/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stats worker.StatsSnapshot
	decodeJSON(t, w, &stats)
	assert.NotEmpty(t, stats.WorkerID)
	assert.Zero(t, stats.Processed)

	w = doRequest(t, mux, http.MethodPost, "/admin/worker/status", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

// TestWorkerTimelineEndpoint tests timeline listing and its order filter
func TestWorkerTimelineEndpoint(t *testing.T) {
	api, _, mux := newTestAPI(t, true)

	w := doRequest(t, mux, http.MethodGet, "/admin/worker/timeline", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var page struct {
		Events []worker.TaskEvent `json:"events"`
	}
	decodeJSON(t, w, &page)
	assert.Empty(t, page.Events)

	tl := api.worker.Timeline()
	tl.Record(worker.TaskEvent{TaskID: "t1", OrderID: "o1", Stage: worker.StageClaimed})
	tl.Record(worker.TaskEvent{TaskID: "t1", OrderID: "o1", Stage: worker.StageCompleted})
	tl.Record(worker.TaskEvent{TaskID: "t2", OrderID: "o2", Stage: worker.StageClaimed})

	w = doRequest(t, mux, http.MethodGet, "/admin/worker/timeline", nil)
	decodeJSON(t, w, &page)
	assert.Len(t, page.Events, 3)

	w = doRequest(t, mux, http.MethodGet, "/admin/worker/timeline?order_id=o1&limit=1", nil)
	decodeJSON(t, w, &page)
	require.Len(t, page.Events, 1)
	assert.Equal(t, worker.StageCompleted, page.Events[0].Stage, "newest first")
}

// TestOrphansEndpoint tests the stuck-execution gauge
func TestOrphansEndpoint(t *testing.T) {
	_, st, mux := newTestAPI(t, true)

	w := doRequest(t, mux, http.MethodGet, "/admin/orphans", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var out struct {
		Orphans      int `json:"orphans"`
		ThresholdSec int `json:"threshold_sec"`
	}
	decodeJSON(t, w, &out)
	assert.Zero(t, out.Orphans)
	assert.Equal(t, 120, out.ThresholdSec)

	started := time.Now().Add(-10 * time.Minute)
	st.PutTask(&store.Task{
		ID:                 "stale-t1",
		OrderID:            "o1",
		Quantity:           500,
		Status:             store.TaskExecuting,
		ExecutionStartedAt: &started,
		WorkerID:           "engine-dead",
	})

	w = doRequest(t, mux, http.MethodGet, "/admin/orphans", nil)
	decodeJSON(t, w, &out)
	assert.Equal(t, 1, out.Orphans)
}

// TestValidateEndpoint tests scan and per-order validation routes
func TestValidateEndpoint(t *testing.T) {
	_, _, mux := newTestAPI(t, true)

	w := doRequest(t, mux, http.MethodGet, "/admin/validate", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var report audit.Report
	decodeJSON(t, w, &report)
	assert.True(t, report.Healthy)
	assert.Equal(t, "scan", report.Scope)
	assert.NotEmpty(t, report.Checks)

	created := doRequest(t, mux, http.MethodPost, "/admin/orders", createRequestBody(1500))
	require.Equal(t, http.StatusCreated, created.Code)
	var order store.Order
	decodeJSON(t, created, &order)

	w = doRequest(t, mux, http.MethodGet, "/admin/validate?order="+order.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	decodeJSON(t, w, &report)
	assert.True(t, report.Healthy)
	assert.Equal(t, "order:"+order.ID, report.Scope)

	w = doRequest(t, mux, http.MethodGet, "/admin/validate?order=ghost", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

// TestStatusStreamEndpoint tests one WebSocket client receiving a frame
func TestStatusStreamEndpoint(t *testing.T) {
	api, _, mux := newTestAPI(t, true)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go api.hub.Run(ctx)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/admin/status/stream"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	require.Eventually(t, func() bool {
		api.hub.mu.RLock()
		defer api.hub.mu.RUnlock()
		return len(api.hub.clients) == 1
	}, 2*time.Second, 10*time.Millisecond, "hub never registered the client")

	api.hub.broadcast(ctx)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var frame statusFrame
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, 1, frame.Clients)
	assert.NotEmpty(t, frame.Worker.WorkerID)
	assert.False(t, frame.At.IsZero())
}
