package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"findata-gateway/middleware/ratelimit/domain"
)

// config é lido uma vez na subida; nada aqui é relido em runtime.
type config struct {
	listenAddr      string
	backendURLs     []string
	serviceSecret   string
	proxySecret     string
	upstreamTimeout time.Duration

	globalRateEnabled bool
	globalRateMax     int
	globalRateWindow  time.Duration
	globalRateByIP    bool
	trustXFF          bool
	throttleMode      domain.ThrottleMode
	throttleDuration  time.Duration

	concurrencyMax     int
	concurrencyTimeout time.Duration

	keyRefreshInterval  time.Duration
	keyDefaultDuration  time.Duration
	keyDefaultRateLimit int
	keyMissRefreshRPS   float64

	cacheMaxSize       int
	cacheTTL           time.Duration
	cacheRedisAddr     string
	cacheRedisPassword string
	cacheRedisDB       int
	cacheRedisPrefix   string

	authzCacheTTL  time.Duration
	authzAllowList []string

	breakerThreshold   int
	breakerCooldown    time.Duration
	breakerCallTimeout time.Duration

	accountsFile string

	rateStatsEnabled   bool
	rateStatsRedisAddr string
	rateStatsPrefix    string
	rateStatsTTL       time.Duration
	rateStatsTrackKeys bool

	adminSecretHash string

	logLevel  string
	logFormat string
}

func readConfig() (config, error) {
	cfg := config{}
	cfg.listenAddr = getenvDefault("LISTEN_ADDR", ":8080")
	cfg.backendURLs = getenvList("BACKEND_URLS")
	cfg.serviceSecret = os.Getenv("SERVICE_SECRET")
	cfg.proxySecret = os.Getenv("PROXY_SECRET")
	cfg.upstreamTimeout = getenvDurationDefault("UPSTREAM_TIMEOUT", 30*time.Second)

	cfg.globalRateEnabled = getenvBoolDefault("GLOBAL_RATE_ENABLED", true)
	cfg.globalRateMax = getenvIntDefault("GLOBAL_RATE_MAX", 100)
	cfg.globalRateWindow = getenvDurationDefault("GLOBAL_RATE_WINDOW", 1*time.Second)
	cfg.globalRateByIP = getenvBoolDefault("GLOBAL_RATE_BY_IP", false)
	cfg.trustXFF = getenvBoolDefault("TRUST_XFF", false)
	mode := strings.ToLower(strings.TrimSpace(getenvDefault("THROTTLE_MODE", "delay")))
	cfg.throttleMode = domain.ParseThrottleMode(mode)
	cfg.throttleDuration = getenvDurationDefault("THROTTLE_DURATION", 1*time.Second)

	cfg.concurrencyMax = getenvIntDefault("CONCURRENCY_MAX", 100)
	cfg.concurrencyTimeout = getenvDurationDefault("CONCURRENCY_TIMEOUT", 0)

	cfg.keyRefreshInterval = getenvDurationDefault("KEY_REFRESH_INTERVAL", 3*time.Minute)
	cfg.keyDefaultDuration = getenvDurationDefault("KEY_DEFAULT_DURATION", 1*time.Hour)
	cfg.keyDefaultRateLimit = getenvIntDefault("KEY_DEFAULT_RATE_LIMIT", 1000)
	cfg.keyMissRefreshRPS = getenvFloatDefault("KEY_MISS_REFRESH_RPS", 1)

	cfg.cacheMaxSize = getenvIntDefault("CACHE_MAX_SIZE", 10000)
	cfg.cacheTTL = getenvDurationDefault("CACHE_TTL", 1*time.Hour)
	cfg.cacheRedisAddr = os.Getenv("CACHE_REDIS_ADDR")
	cfg.cacheRedisPassword = os.Getenv("CACHE_REDIS_PASSWORD")
	cfg.cacheRedisDB = getenvIntDefault("CACHE_REDIS_DB", 0)
	cfg.cacheRedisPrefix = getenvDefault("CACHE_REDIS_PREFIX", "gateway:cache")

	cfg.authzCacheTTL = getenvDurationDefault("AUTHZ_CACHE_TTL", 1*time.Hour)
	cfg.authzAllowList = getenvList("AUTHZ_ALLOW_LIST")

	cfg.breakerThreshold = getenvIntDefault("BREAKER_THRESHOLD", 5)
	cfg.breakerCooldown = getenvDurationDefault("BREAKER_COOLDOWN", 30*time.Second)
	cfg.breakerCallTimeout = getenvDurationDefault("BREAKER_CALL_TIMEOUT", 5*time.Second)

	cfg.accountsFile = os.Getenv("ACCOUNTS_FILE")

	cfg.rateStatsEnabled = getenvBoolDefault("RATE_STATS_ENABLED", false)
	cfg.rateStatsRedisAddr = getenvDefault("RATE_STATS_REDIS_ADDR", "")
	cfg.rateStatsPrefix = getenvDefault("RATE_STATS_PREFIX", "gateway:stats")
	cfg.rateStatsTTL = getenvDurationDefault("RATE_STATS_TTL", 24*time.Hour)
	cfg.rateStatsTrackKeys = getenvBoolDefault("RATE_STATS_TRACK_KEYS", false)

	cfg.adminSecretHash = os.Getenv("ADMIN_SECRET_HASH")

	cfg.logLevel = getenvDefault("LOG_LEVEL", "info")
	cfg.logFormat = getenvDefault("LOG_FORMAT", "json")

	if len(cfg.backendURLs) == 0 {
		return config{}, errors.New("BACKEND_URLS is required")
	}
	if mode != "delay" && mode != "reject" {
		return config{}, fmt.Errorf("THROTTLE_MODE must be delay or reject, got %q", mode)
	}
	if cfg.globalRateEnabled && cfg.globalRateMax <= 0 {
		return config{}, errors.New("GLOBAL_RATE_MAX must be > 0")
	}
	if cfg.globalRateEnabled && cfg.globalRateWindow <= 0 {
		return config{}, errors.New("GLOBAL_RATE_WINDOW must be > 0")
	}
	if cfg.concurrencyMax < 0 {
		return config{}, errors.New("CONCURRENCY_MAX must be >= 0")
	}
	if cfg.keyDefaultRateLimit <= 0 || cfg.keyDefaultDuration <= 0 {
		return config{}, errors.New("KEY_DEFAULT_RATE_LIMIT and KEY_DEFAULT_DURATION must be > 0")
	}
	if cfg.cacheMaxSize <= 0 {
		return config{}, errors.New("CACHE_MAX_SIZE must be > 0")
	}
	if cfg.breakerThreshold <= 0 {
		return config{}, errors.New("BREAKER_THRESHOLD must be > 0")
	}
	if cfg.upstreamTimeout <= 0 {
		return config{}, errors.New("UPSTREAM_TIMEOUT must be > 0")
	}
	if cfg.rateStatsEnabled && strings.TrimSpace(cfg.rateStatsRedisAddr) == "" {
		return config{}, errors.New("RATE_STATS_REDIS_ADDR is required when RATE_STATS_ENABLED=true")
	}
	return cfg, nil
}

// getenvList lê uma lista separada por vírgulas, ignorando itens vazios.
func getenvList(k string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(k), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvIntDefault(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func getenvFloatDefault(k string, def float64) float64 {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getenvBoolDefault(k string, def bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getenvDurationDefault(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
