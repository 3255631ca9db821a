// simexec is a simulated delivery executor for dev and end-to-end runs. It
// implements the engine's executor contract with tunable latency, failure
// rates, and per-node ban lists, so the full pipeline can run without
// touching a real platform.
package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/playforge/playforge/engine/logging"
)

func main() {
	cfg := loadConfig()

	logging.Init(logging.Config{Level: logging.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
	log := logging.WithComponent("simexec")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := NewServer(cfg)
	server := &http.Server{Addr: cfg.ListenAddr, Handler: srv.Handler()}

	go func() {
		log.Info().
			Str("addr", cfg.ListenAddr).
			Int("base_latency_ms", cfg.BaseLatencyMs).
			Int("fail_percent", cfg.FailPercent).
			Int("banned_nodes", len(cfg.BannedNodes)).
			Msg("simulated executor listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown incomplete")
	}
}
