package main

import (
	"encoding/json"
	"math/rand"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/playforge/playforge/engine/executor"
	"github.com/playforge/playforge/engine/logging"
)

// Server answers delivery requests with simulated outcomes.
type Server struct {
	cfg Config
	log zerolog.Logger
}

func NewServer(cfg Config) *Server {
	return &Server{cfg: cfg, log: logging.WithComponent("simexec")}
}

// Handler builds the HTTP mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/deliver", s.handleDeliver)
	return mux
}

// handleDeliver simulates one delivery. Outcomes ride in the response body;
// non-200 statuses are reserved for malformed requests.
func (s *Server) handleDeliver(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req executor.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.TaskID == "" || req.Quantity <= 0 {
		http.Error(w, "task_id and a positive quantity are required", http.StatusBadRequest)
		return
	}

	latency := s.simulateLatency()
	time.Sleep(latency)
	latencyMs := latency.Milliseconds()

	resp := executor.Response{LatencyMs: latencyMs}
	switch {
	case s.cfg.BannedNodes[req.Proxy.NodeID]:
		resp.ErrorCode = 403
		resp.Message = "proxy banned by platform"
	case s.cfg.RateLimited[req.Proxy.NodeID]:
		resp.ErrorCode = 429
		resp.Message = "proxy rate limited by platform"
	case s.cfg.FailPercent > 0 && rand.Intn(100) < s.cfg.FailPercent:
		resp.ErrorCode = 500
		resp.Message = "simulated delivery failure"
	default:
		resp.Success = true
		resp.PlaysDelivered = req.Quantity
	}

	s.log.Debug().
		Str("task_id", req.TaskID).
		Str("node_id", req.Proxy.NodeID).
		Bool("success", resp.Success).
		Int("error_code", resp.ErrorCode).
		Int64("latency_ms", latencyMs).
		Msg("delivery simulated")

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) simulateLatency() time.Duration {
	ms := s.cfg.BaseLatencyMs
	if s.cfg.JitterMs > 0 {
		ms += rand.Intn(2*s.cfg.JitterMs) - s.cfg.JitterMs
	}
	if ms < 0 {
		ms = 0
	}
	return time.Duration(ms) * time.Millisecond
}
