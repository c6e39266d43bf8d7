package main

import (
	"testing"
	"time"

	"findata-gateway/middleware/ratelimit/domain"
)

func TestReadConfig_RequiresBackends(t *testing.T) {
	t.Setenv("BACKEND_URLS", " , ")
	if _, err := readConfig(); err == nil {
		t.Fatalf("expected error without backends")
	}
}

func TestReadConfig_Defaults(t *testing.T) {
	t.Setenv("BACKEND_URLS", "http://calc-1:8081, http://calc-2:8081")

	cfg, err := readConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.backendURLs) != 2 || cfg.backendURLs[1] != "http://calc-2:8081" {
		t.Fatalf("unexpected backends %v", cfg.backendURLs)
	}
	if cfg.throttleMode != domain.ThrottleDelay {
		t.Fatalf("expected delay mode by default")
	}
	if cfg.keyRefreshInterval != 3*time.Minute {
		t.Fatalf("expected 3m refresh, got %s", cfg.keyRefreshInterval)
	}
	if cfg.authzCacheTTL != time.Hour {
		t.Fatalf("expected 1h authz ttl, got %s", cfg.authzCacheTTL)
	}
	if cfg.breakerThreshold != 5 || cfg.breakerCooldown != 30*time.Second {
		t.Fatalf("unexpected breaker defaults %d/%s", cfg.breakerThreshold, cfg.breakerCooldown)
	}
	if cfg.authzAllowList != nil {
		t.Fatalf("expected empty allow list override, got %v", cfg.authzAllowList)
	}
}

func TestReadConfig_Overrides(t *testing.T) {
	t.Setenv("BACKEND_URLS", "http://calc-1:8081")
	t.Setenv("THROTTLE_MODE", "Reject")
	t.Setenv("GLOBAL_RATE_MAX", "5")
	t.Setenv("GLOBAL_RATE_WINDOW", "10s")
	t.Setenv("AUTHZ_ALLOW_LIST", "user.info,,search.all")
	t.Setenv("CONCURRENCY_TIMEOUT", "not-a-duration")

	cfg, err := readConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.throttleMode != domain.ThrottleReject {
		t.Fatalf("expected reject mode")
	}
	if cfg.globalRateMax != 5 || cfg.globalRateWindow != 10*time.Second {
		t.Fatalf("unexpected global rate %d/%s", cfg.globalRateMax, cfg.globalRateWindow)
	}
	if len(cfg.authzAllowList) != 2 {
		t.Fatalf("expected 2 allow list entries, got %v", cfg.authzAllowList)
	}
	// valor inválido cai no padrão
	if cfg.concurrencyTimeout != 0 {
		t.Fatalf("expected default concurrency timeout, got %s", cfg.concurrencyTimeout)
	}
}

func TestReadConfig_Validation(t *testing.T) {
	cases := map[string]string{
		"THROTTLE_MODE":      "drop",
		"GLOBAL_RATE_MAX":    "0",
		"CACHE_MAX_SIZE":     "-1",
		"BREAKER_THRESHOLD":  "0",
		"RATE_STATS_ENABLED": "true",
	}
	for k, v := range cases {
		t.Run(k, func(t *testing.T) {
			t.Setenv("BACKEND_URLS", "http://calc-1:8081")
			t.Setenv(k, v)
			if _, err := readConfig(); err == nil {
				t.Fatalf("expected error for %s=%s", k, v)
			}
		})
	}
}
