package main

import (
	"os"
	"strconv"
	"time"

	"github.com/playforge/playforge/engine/orders"
	"github.com/playforge/playforge/engine/reconcile"
	"github.com/playforge/playforge/engine/router"
	"github.com/playforge/playforge/engine/worker"
)

// Config gathers every recognized environment key, resolved once at startup.
type Config struct {
	ListenAddr    string
	PostgresDSN   string // empty runs the in-memory store (dev only)
	RedisAddr     string // empty disables the submission cache and shared sessions
	RedisPassword string
	ExecutorURL   string
	ExecTimeout   time.Duration
	DevMode       bool
	RefundEnabled bool
	LogLevel      string
	LogJSON       bool

	Worker    worker.Config
	Orders    orders.Config
	Router    router.Config
	Reconcile reconcile.Config
}

func loadConfig() Config {
	devMode := envBool("DEV_MODE", false)

	// Orphan recovery reacts faster in dev so crash tests finish quickly.
	orphanDefault := 120
	if devMode {
		orphanDefault = 30
	}
	orphanThreshold := time.Duration(envInt("ORPHAN_THRESHOLD_SEC", orphanDefault)) * time.Second

	cfg := Config{
		ListenAddr:    envStr("LISTEN_ADDR", ":8080"),
		PostgresDSN:   envStr("POSTGRES_DSN", ""),
		RedisAddr:     envStr("REDIS_ADDR", ""),
		RedisPassword: envStr("REDIS_PASSWORD", ""),
		ExecutorURL:   envStr("EXECUTOR_URL", "http://localhost:9090"),
		ExecTimeout:   time.Duration(envInt("EXECUTOR_TIMEOUT_MS", 30000)) * time.Millisecond,
		DevMode:       devMode,
		RefundEnabled: envBool("REFUND_ENABLED", true),
		LogLevel:      envStr("LOG_LEVEL", "info"),
		LogJSON:       envBool("LOG_JSON", !devMode),
	}

	cfg.Worker = worker.Config{
		BatchSize:       envInt("BATCH_SIZE", 10),
		MaxConcurrent:   envInt("MAX_CONCURRENT", 5),
		CycleInterval:   time.Duration(envInt("CYCLE_INTERVAL_MS", 10000)) * time.Millisecond,
		OrphanThreshold: orphanThreshold,
		MaxAttempts:     envInt("MAX_ATTEMPTS", 3),
		ExecTimeout:     cfg.ExecTimeout,
	}

	cfg.Orders = orders.Config{
		SplitSize:           envInt("SPLIT_SIZE", 500),
		MaxAttempts:         cfg.Worker.MaxAttempts,
		InstantThreshold:    envInt("INSTANT_THRESHOLD", 1000),
		ForceTaskDelivery:   envBool("FORCE_TASK_DELIVERY", false),
		DeliveryRatePerHour: envInt("DELIVERY_RATE_PER_HOUR", 60000),
	}
	if !cfg.DevMode {
		// The instant path skips task planning entirely; it exists for dev
		// smoke tests and never runs in production.
		cfg.Orders.InstantThreshold = 0
	}

	routerCfg := router.DefaultConfig()
	routerCfg.MinScore = envFloat("ROUTER_MIN_SCORE", routerCfg.MinScore)
	routerCfg.SelectionSpread = envInt("ROUTER_SELECT_CANDIDATES", routerCfg.SelectionSpread)
	routerCfg.NodeRatePerSec = envFloat("ROUTER_NODE_RATE_PER_SEC", routerCfg.NodeRatePerSec)
	routerCfg.NodeBurst = envInt("ROUTER_NODE_BURST", routerCfg.NodeBurst)
	cfg.Router = routerCfg

	cfg.Reconcile = reconcile.Config{
		SweepInterval:     time.Duration(envInt("RECONCILE_INTERVAL_MIN", 15)) * time.Minute,
		SweepLimit:        envInt("RECONCILE_SWEEP_LIMIT", 500),
		VelocityInterval:  time.Duration(envInt("VELOCITY_INTERVAL_MIN", 60)) * time.Minute,
		VelocityWindow:    time.Hour,
		VelocityThreshold: envInt("VELOCITY_THRESHOLD", 5),
	}

	return cfg
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
