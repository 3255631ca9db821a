package main

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/playforge/playforge/engine/logging"
	"github.com/playforge/playforge/engine/observability"
	"github.com/playforge/playforge/engine/store"
	"github.com/playforge/playforge/engine/worker"
)

const (
	maxWSConnections  = 200
	statusBroadcastAt = 2 * time.Second
)

// statusFrame is one broadcast payload on the status stream.
type statusFrame struct {
	At         time.Time                `json:"at"`
	Worker     worker.StatsSnapshot     `json:"worker"`
	Breakers   map[string]string        `json:"breakers"`
	TaskCounts map[store.TaskStatus]int `json:"task_counts"`
	Clients    int                      `json:"clients"`
}

// StatusHub broadcasts engine status to WebSocket clients. A single
// broadcaster loop serves every client, so N clients never cost N tickers.
type StatusHub struct {
	clients    map[*websocket.Conn]bool
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
	api        *API
	log        zerolog.Logger
}

func NewStatusHub(api *API) *StatusHub {
	return &StatusHub{
		clients:    make(map[*websocket.Conn]bool),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		api:        api,
		log:        logging.WithComponent("status_hub"),
	}
}

// Run drives registration and the broadcast ticker until the context ends.
func (h *StatusHub) Run(ctx context.Context) {
	ticker := time.NewTicker(statusBroadcastAt)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case conn := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxWSConnections {
				h.mu.Unlock()
				conn.Close()
				h.log.Warn().Int("max", maxWSConnections).Msg("status stream connection rejected")
				continue
			}
			h.clients[conn] = true
			n := len(h.clients)
			h.mu.Unlock()
			observability.WSClients.Set(float64(n))
			h.log.Debug().Int("clients", n).Msg("status stream client connected")

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			n := len(h.clients)
			h.mu.Unlock()
			observability.WSClients.Set(float64(n))
			h.log.Debug().Int("clients", n).Msg("status stream client disconnected")

		case <-ticker.C:
			h.broadcast(ctx)
		}
	}
}

func (h *StatusHub) broadcast(ctx context.Context) {
	h.mu.RLock()
	idle := len(h.clients) == 0
	h.mu.RUnlock()
	if idle {
		return
	}

	counts, err := h.api.store.CountTasksByStatus(ctx)
	if err != nil {
		h.log.Error().Err(err).Msg("task count failed")
		counts = nil
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	frame := statusFrame{
		At:         time.Now(),
		Worker:     h.api.worker.Stats(),
		Breakers:   h.api.router.BreakerStates(),
		TaskCounts: counts,
		Clients:    len(h.clients),
	}

	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(frame); err != nil {
			h.log.Warn().Err(err).Msg("status stream write failed")
			go h.Unregister(conn)
		}
	}
}

func (h *StatusHub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]bool)
	observability.WSClients.Set(0)
}

func (h *StatusHub) Register(conn *websocket.Conn)   { h.register <- conn }
func (h *StatusHub) Unregister(conn *websocket.Conn) { h.unregister <- conn }

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleStatusStream upgrades to WebSocket and parks the connection on the
// hub. The read pump only exists to notice disconnects.
func (a *API) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	a.hub.Register(conn)
	defer a.hub.Unregister(conn)

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			select {
			case <-done:
				return
			case <-pingTicker.C:
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				a.log.Debug().Err(err).Msg("status stream closed")
			}
			return
		}
	}
}
