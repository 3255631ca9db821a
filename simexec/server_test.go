package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/playforge/playforge/engine/executor"
)

func quietConfig() Config {
	return Config{
		BaseLatencyMs: 0,
		JitterMs:      0,
		BannedNodes:   map[string]bool{},
		RateLimited:   map[string]bool{},
	}
}

func deliverRequest(nodeID string) executor.Request {
	return executor.Request{
		TaskID:    "t1",
		OrderID:   "o1",
		Quantity:  500,
		TargetURL: "https://play.example/track/9",
		Proxy:     executor.ProxyInfo{NodeID: nodeID, Endpoint: "http://" + nodeID + ":3128"},
	}
}

func postDeliver(t *testing.T, baseURL string, req executor.Request) (*http.Response, executor.Response) {
	t.Helper()
	body, err := json.Marshal(req)
	require.NoError(t, err)
	resp, err := http.Post(baseURL+"/deliver", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var out executor.Response
	if resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

// TestHealthEndpoint tests the liveness probe
func TestHealthEndpoint(t *testing.T) {
	srv := httptest.NewServer(NewServer(quietConfig()).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "ok", string(body))
}

// TestDeliverSuccess tests the happy delivery path
func TestDeliverSuccess(t *testing.T) {
	srv := httptest.NewServer(NewServer(quietConfig()).Handler())
	defer srv.Close()

	resp, out := postDeliver(t, srv.URL, deliverRequest("dc-1"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, out.Success)
	assert.Equal(t, 500, out.PlaysDelivered)
	assert.Zero(t, out.ErrorCode)
}

// TestDeliverRejectsBadRequests tests method and body validation
func TestDeliverRejectsBadRequests(t *testing.T) {
	srv := httptest.NewServer(NewServer(quietConfig()).Handler())
	defer srv.Close()

	t.Run("wrong method", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/deliver")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	})

	t.Run("garbage body", func(t *testing.T) {
		resp, err := http.Post(srv.URL+"/deliver", "application/json", bytes.NewReader([]byte("{not json")))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("missing task id", func(t *testing.T) {
		req := deliverRequest("dc-1")
		req.TaskID = ""
		resp, _ := postDeliver(t, srv.URL, req)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("zero quantity", func(t *testing.T) {
		req := deliverRequest("dc-1")
		req.Quantity = 0
		resp, _ := postDeliver(t, srv.URL, req)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

// TestDeliverBannedNode tests the per-node ban list
func TestDeliverBannedNode(t *testing.T) {
	cfg := quietConfig()
	cfg.BannedNodes["dc-1"] = true
	// A ban outranks the failure dice.
	cfg.FailPercent = 100
	srv := httptest.NewServer(NewServer(cfg).Handler())
	defer srv.Close()

	resp, out := postDeliver(t, srv.URL, deliverRequest("dc-1"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, out.Success)
	assert.Equal(t, 403, out.ErrorCode)
	assert.Equal(t, "proxy banned by platform", out.Message)
	assert.Zero(t, out.PlaysDelivered)
}

// TestDeliverRateLimitedNode tests the per-node rate limit list
func TestDeliverRateLimitedNode(t *testing.T) {
	cfg := quietConfig()
	cfg.RateLimited["res-1"] = true
	srv := httptest.NewServer(NewServer(cfg).Handler())
	defer srv.Close()

	_, out := postDeliver(t, srv.URL, deliverRequest("res-1"))
	assert.False(t, out.Success)
	assert.Equal(t, 429, out.ErrorCode)
	assert.Equal(t, "proxy rate limited by platform", out.Message)

	_, out = postDeliver(t, srv.URL, deliverRequest("res-2"))
	assert.True(t, out.Success)
}

// TestDeliverFailPercent tests injected 500s
func TestDeliverFailPercent(t *testing.T) {
	cfg := quietConfig()
	cfg.FailPercent = 100
	srv := httptest.NewServer(NewServer(cfg).Handler())
	defer srv.Close()

	_, out := postDeliver(t, srv.URL, deliverRequest("dc-1"))
	assert.False(t, out.Success)
	assert.Equal(t, 500, out.ErrorCode)
	assert.Equal(t, "simulated delivery failure", out.Message)
}

// TestSimulateLatency tests jitter bounds and the negative clamp
func TestSimulateLatency(t *testing.T) {
	s := NewServer(Config{BaseLatencyMs: 200, JitterMs: 0})
	assert.Equal(t, 200*time.Millisecond, s.simulateLatency())

	s = NewServer(Config{BaseLatencyMs: 0, JitterMs: 50})
	for i := 0; i < 200; i++ {
		got := s.simulateLatency()
		assert.GreaterOrEqual(t, got, time.Duration(0))
		assert.Less(t, got, 50*time.Millisecond)
	}
}

// TestEngineClientRoundTrip tests the simulator against the engine's own client
func TestEngineClientRoundTrip(t *testing.T) {
	srv := httptest.NewServer(NewServer(quietConfig()).Handler())
	defer srv.Close()

	client := executor.NewHTTPClient(srv.URL, 5*time.Second)
	resp, err := client.Deliver(context.Background(), deliverRequest("dc-1"))
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, 500, resp.PlaysDelivered)
}
