package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/playforge/playforge/engine/audit"
	"github.com/playforge/playforge/engine/executor"
	"github.com/playforge/playforge/engine/logging"
	"github.com/playforge/playforge/engine/observability"
	"github.com/playforge/playforge/engine/orders"
	"github.com/playforge/playforge/engine/router"
	"github.com/playforge/playforge/engine/store"
	"github.com/playforge/playforge/engine/worker"
)

// API serves the admin surface. The delivery engine has no public intake;
// order creation here is the dev-mode smoke-test hook.
type API struct {
	store     store.Store
	orders    *orders.Service
	worker    *worker.Worker
	router    *router.Router
	validator *audit.Validator
	injector  *executor.FaultInjector
	hub       *StatusHub

	devMode         bool
	orphanThreshold time.Duration

	// Storm protection on the intake hook.
	createLimiter *rate.Limiter

	log zerolog.Logger
}

func NewAPI(s store.Store, ord *orders.Service, w *worker.Worker, r *router.Router, v *audit.Validator, inj *executor.FaultInjector, devMode bool, orphanThreshold time.Duration) *API {
	api := &API{
		store:           s,
		orders:          ord,
		worker:          w,
		router:          r,
		validator:       v,
		injector:        inj,
		devMode:         devMode,
		orphanThreshold: orphanThreshold,
		createLimiter:   rate.NewLimiter(rate.Limit(10), 20),
		log:             logging.WithComponent("api"),
	}
	api.hub = NewStatusHub(api)
	return api
}

// Routes registers every endpoint on the mux.
func (a *API) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/health", a.handleHealth)
	mux.HandleFunc("/admin/worker/status", a.handleWorkerStatus)
	mux.HandleFunc("/admin/worker/timeline", a.handleWorkerTimeline)
	mux.HandleFunc("/admin/orphans", a.handleOrphans)
	mux.HandleFunc("/admin/validate", a.handleValidate)
	mux.HandleFunc("/admin/orders", a.handleOrders)
	mux.HandleFunc("/admin/orders/", a.handleOrderByID)
	mux.HandleFunc("/admin/proxies", a.handleProxies)
	mux.HandleFunc("/admin/proxies/", a.handleProxyByID)
	mux.HandleFunc("/admin/faults", a.handleFaults)
	mux.HandleFunc("/admin/status/stream", a.handleStatusStream)
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.log.Error().Err(err).Msg("response encode failed")
	}
}

func (a *API) writeError(w http.ResponseWriter, status int, msg string) {
	a.writeJSON(w, status, map[string]string{"error": msg})
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (a *API) handleWorkerStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	a.writeJSON(w, http.StatusOK, a.worker.Stats())
}

func (a *API) handleWorkerTimeline(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	var events []worker.TaskEvent
	if orderID := r.URL.Query().Get("order_id"); orderID != "" {
		events = a.worker.Timeline().ForOrder(orderID, limit)
	} else {
		events = a.worker.Timeline().Recent(limit)
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (a *API) handleOrphans(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	cutoff := time.Now().Add(-a.orphanThreshold)
	n, err := a.store.CountStuckExecuting(r.Context(), cutoff)
	if err != nil {
		a.log.Error().Err(err).Msg("orphan count failed")
		a.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{
		"orphans":       n,
		"threshold_sec": int(a.orphanThreshold.Seconds()),
	})
}

func (a *API) handleValidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var (
		report any
		err    error
	)
	if orderID := r.URL.Query().Get("order"); orderID != "" {
		report, err = a.validator.ValidateOrder(r.Context(), orderID)
	} else {
		report, err = a.validator.Scan(r.Context())
	}
	if err != nil {
		a.log.Error().Err(err).Msg("validation failed")
		a.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	a.writeJSON(w, http.StatusOK, report)
}

func (a *API) handleOrders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		a.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !a.devMode {
		a.writeError(w, http.StatusForbidden, "order intake is disabled outside dev mode")
		return
	}
	if !a.createLimiter.Allow() {
		observability.APIRateLimited.WithLabelValues("orders").Inc()
		w.Header().Set("Retry-After", "1")
		a.writeError(w, http.StatusTooManyRequests, "too many requests")
		return
	}

	var req orders.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	order, created, err := a.orders.Create(r.Context(), &req)
	switch {
	case errors.Is(err, orders.ErrInvalidOrder):
		a.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, orders.ErrUnknownUser):
		a.writeError(w, http.StatusNotFound, "user not found")
	case errors.Is(err, store.ErrInsufficientBalance):
		a.writeError(w, http.StatusPaymentRequired, "insufficient balance")
	case err != nil:
		a.log.Error().Err(err).Msg("order creation failed")
		a.writeError(w, http.StatusInternalServerError, "internal error")
	case created:
		a.writeJSON(w, http.StatusCreated, order)
	default:
		// Duplicate external key resolves to the original order.
		a.writeJSON(w, http.StatusOK, order)
	}
}

func (a *API) handleOrderByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/admin/orders/")
	if rest == "" {
		a.writeError(w, http.StatusNotFound, "not found")
		return
	}

	if r.Method == http.MethodPost && strings.HasSuffix(rest, "/cancel") {
		a.cancelOrder(w, r, strings.TrimSuffix(rest, "/cancel"))
		return
	}
	if r.Method != http.MethodGet || strings.Contains(rest, "/") {
		a.writeError(w, http.StatusNotFound, "not found")
		return
	}

	order, err := a.orders.Get(r.Context(), rest)
	if errors.Is(err, orders.ErrOrderNotFound) {
		a.writeError(w, http.StatusNotFound, "order not found")
		return
	}
	if err != nil {
		a.log.Error().Err(err).Str("order_id", rest).Msg("order fetch failed")
		a.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	tasks, err := a.store.ListTasksByOrder(r.Context(), rest)
	if err != nil {
		a.log.Error().Err(err).Str("order_id", rest).Msg("task fetch failed")
		a.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"order": order, "tasks": tasks})
}

func (a *API) cancelOrder(w http.ResponseWriter, r *http.Request, orderID string) {
	order, err := a.orders.Cancel(r.Context(), orderID)
	switch {
	case errors.Is(err, orders.ErrOrderNotFound):
		a.writeError(w, http.StatusNotFound, "order not found")
	case errors.Is(err, orders.ErrOrderTerminal):
		a.writeError(w, http.StatusConflict, "order already terminal")
	case err != nil:
		a.log.Error().Err(err).Str("order_id", orderID).Msg("cancel failed")
		a.writeError(w, http.StatusInternalServerError, "internal error")
	default:
		a.writeJSON(w, http.StatusOK, order)
	}
}

func (a *API) handleProxies(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		nodes, err := a.store.ListProxyNodes(r.Context(), 500)
		if err != nil {
			a.log.Error().Err(err).Msg("proxy list failed")
			a.writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		a.writeJSON(w, http.StatusOK, map[string]any{
			"nodes":    nodes,
			"health":   a.router.HealthSnapshots(),
			"breakers": a.router.BreakerStates(),
		})
	case http.MethodPost:
		var n store.ProxyNode
		if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
			a.writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if n.ID == "" || n.Endpoint == "" || n.Tier == "" {
			a.writeError(w, http.StatusBadRequest, "id, endpoint and tier are required")
			return
		}
		if n.Status == "" {
			n.Status = store.ProxyOnline
		}
		if n.CapacityLimit <= 0 {
			n.CapacityLimit = 10
		}
		if n.CostFactor <= 0 {
			n.CostFactor = 1.0
		}
		if err := a.store.UpsertProxyNode(r.Context(), &n); err != nil {
			a.log.Error().Err(err).Str("node_id", n.ID).Msg("proxy upsert failed")
			a.writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		a.log.Info().Str("node_id", n.ID).Str("tier", string(n.Tier)).Msg("proxy upserted")
		a.writeJSON(w, http.StatusOK, &n)
	default:
		a.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (a *API) handleProxyByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/admin/proxies/")
	if r.Method != http.MethodPost || !strings.HasSuffix(rest, "/status") {
		a.writeError(w, http.StatusNotFound, "not found")
		return
	}
	nodeID := strings.TrimSuffix(rest, "/status")

	var req struct {
		Status store.ProxyStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	switch req.Status {
	case store.ProxyOnline, store.ProxyOffline, store.ProxyMaintenance, store.ProxyBanned, store.ProxyRateLimited:
	default:
		a.writeError(w, http.StatusBadRequest, "unknown status")
		return
	}

	if err := a.store.SetProxyStatus(r.Context(), nodeID, req.Status); err != nil {
		a.log.Error().Err(err).Str("node_id", nodeID).Msg("proxy status update failed")
		a.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	a.log.Info().Str("node_id", nodeID).Str("status", string(req.Status)).Msg("proxy status updated")
	a.writeJSON(w, http.StatusOK, map[string]string{"id": nodeID, "status": string(req.Status)})
}

func (a *API) handleFaults(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.writeJSON(w, http.StatusOK, a.injector.Settings())
	case http.MethodPost:
		if !a.devMode {
			a.writeError(w, http.StatusForbidden, "fault injection is disabled outside dev mode")
			return
		}
		var s executor.FaultSettings
		if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
			a.writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if s.FailPercent < 0 || s.FailPercent > 100 {
			a.writeError(w, http.StatusBadRequest, "fail_percent must be 0-100")
			return
		}
		a.injector.Apply(s)
		a.log.Warn().Interface("settings", s).Msg("fault settings applied")
		a.writeJSON(w, http.StatusOK, a.injector.Settings())
	default:
		a.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}
