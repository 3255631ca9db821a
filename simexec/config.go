package main

import (
	"os"
	"strconv"
	"strings"
)

// Config holds the simulator's tunables. Everything resolves from the
// environment once at startup; the fault knobs here are static, the engine's
// own injector covers runtime toggling.
type Config struct {
	ListenAddr    string
	BaseLatencyMs int
	JitterMs      int
	FailPercent   int
	BannedNodes   map[string]bool // answered with error code 403
	RateLimited   map[string]bool // answered with error code 429
	LogLevel      string
	LogJSON       bool
}

func loadConfig() Config {
	return Config{
		ListenAddr:    envStr("SIMEXEC_ADDR", ":9090"),
		BaseLatencyMs: envInt("SIMEXEC_BASE_LATENCY_MS", 200),
		JitterMs:      envInt("SIMEXEC_JITTER_MS", 100),
		FailPercent:   envInt("SIMEXEC_FAIL_PERCENT", 0),
		BannedNodes:   envSet("SIMEXEC_BANNED_NODES"),
		RateLimited:   envSet("SIMEXEC_RATE_LIMITED_NODES"),
		LogLevel:      envStr("LOG_LEVEL", "info"),
		LogJSON:       envBool("LOG_JSON", false),
	}
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

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envSet(key string) map[string]bool {
	out := make(map[string]bool)
	for _, id := range strings.Split(os.Getenv(key), ",") {
		id = strings.TrimSpace(id)
		if id != "" {
			out[id] = true
		}
	}
	return out
}
