// The engine delivers plays for accepted orders: it plans tasks, claims and
// executes them through proxied executors, refunds permanent failures, and
// reconciles the books on a timer. One binary runs the whole pipeline plus
// the admin surface; several instances may share one database.
package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/playforge/playforge/engine/audit"
	"github.com/playforge/playforge/engine/executor"
	"github.com/playforge/playforge/engine/ledger"
	"github.com/playforge/playforge/engine/logging"
	"github.com/playforge/playforge/engine/orders"
	"github.com/playforge/playforge/engine/reconcile"
	"github.com/playforge/playforge/engine/router"
	"github.com/playforge/playforge/engine/store"
	"github.com/playforge/playforge/engine/worker"
)

func main() {
	cfg := loadConfig()

	logging.Init(logging.Config{Level: logging.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
	log := logging.WithComponent("engine")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		st store.Store
		pg *store.PostgresStore
	)
	if cfg.PostgresDSN != "" {
		var err error
		pg, err = store.NewPostgresStore(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatal().Err(err).Msg("postgres connection failed")
		}
		defer pg.Close()
		if err := store.EnsureSchema(ctx, pg.Pool()); err != nil {
			log.Fatal().Err(err).Msg("schema setup failed")
		}
		st = pg
		log.Info().Msg("connected to postgres")
	} else {
		if !cfg.DevMode {
			log.Fatal().Msg("POSTGRES_DSN is required outside dev mode")
		}
		st = store.NewMemoryStore()
		log.Warn().Msg("running on the in-memory store, state is ephemeral")
	}

	var cache *store.RedisCache
	if cfg.RedisAddr != "" {
		var err error
		cache, err = store.NewRedisCache(ctx, cfg.RedisAddr, cfg.RedisPassword, 0)
		if err != nil {
			log.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unavailable, fast paths disabled")
			cache = nil
		} else {
			log.Info().Str("addr", cfg.RedisAddr).Msg("connected to redis")
		}
	}

	led := ledger.NewEngine(st, cfg.RefundEnabled)
	orderSvc := orders.NewService(st, cache, led, cfg.Orders)

	var sessions router.SessionBinder
	if cache != nil {
		sessions = router.NewRedisSessions(cache)
	}
	rtr := router.New(st, sessions, cfg.Router)

	injector := executor.NewFaultInjector(executor.NewHTTPClient(cfg.ExecutorURL, cfg.ExecTimeout))
	wrk := worker.New(st, rtr, injector, injector, led, cfg.Worker)
	recon := reconcile.New(st, cfg.Reconcile)
	validator := audit.New(st, cfg.Worker.OrphanThreshold)

	if cfg.DevMode {
		seedDev(ctx, st)
	}

	api := NewAPI(st, orderSvc, wrk, rtr, validator, injector, cfg.DevMode, cfg.Worker.OrphanThreshold)

	mux := http.NewServeMux()
	api.Routes(mux)
	mux.Handle("/metrics", promhttp.Handler())

	go wrk.Run(ctx)
	go recon.Run(ctx)
	go api.hub.Run(ctx)

	server := &http.Server{Addr: cfg.ListenAddr, Handler: mux}
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Bool("dev_mode", cfg.DevMode).Msg("engine listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown incomplete")
	}
}

// seedDev provisions a funded user so the dev intake hook works against an
// empty database. Existing rows are left alone.
func seedDev(ctx context.Context, st store.Store) {
	log := logging.WithComponent("engine")
	const devUserID = "dev-user"

	u, err := st.GetUser(ctx, devUserID)
	if err != nil {
		log.Warn().Err(err).Msg("dev seed lookup failed")
		return
	}
	if u != nil {
		return
	}
	if err := st.CreateUser(ctx, &store.User{
		ID:      devUserID,
		Email:   "dev@localhost",
		Balance: decimal.NewFromInt(1000),
	}); err != nil {
		log.Warn().Err(err).Msg("dev seed failed")
		return
	}
	log.Info().Str("user_id", devUserID).Msg("seeded dev user")
}
