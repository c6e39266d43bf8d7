package ratelimit

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"findata-gateway/middleware/ratelimit/domain"
	"findata-gateway/middleware/ratelimit/infra"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
)

func okHandler(calls *int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*calls++
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "ok")
	})
}

func serve(h http.Handler, remote string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodGet, "http://example/api/v1/eod/AAPL.US", nil)
	r.RemoteAddr = remote
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestMiddleware_RejectModeAllowsThenRejects(t *testing.T) {
	store := infra.NewStore(1, time.Minute, infra.WithClock(clock.NewMock()))
	stats := infra.NewMemoryStatsStore()

	calls := 0
	h := Middleware(Options{
		Store:               store,
		Stats:               stats,
		Mode:                domain.ThrottleReject,
		Throttle:            1 * time.Second,
		AddRateLimitHeaders: true,
	})(okHandler(&calls))

	// 1) primeira passa
	w1 := serve(h, "10.0.0.1:1234")
	if w1.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w1.Code)
	}
	if got := w1.Header().Get("X-RateLimit-Limit"); got != "1" {
		t.Fatalf("expected X-RateLimit-Limit=1, got %q", got)
	}
	if got := w1.Header().Get("X-RateLimit-Window"); got != "60" {
		t.Fatalf("expected X-RateLimit-Window=60, got %q", got)
	}

	// 2) segunda bloqueia: teto global, mesmo vindo de outro IP
	w2 := serve(h, "10.0.0.2:1234")
	if w2.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w2.Code)
	}
	if got := w2.Header().Get("Retry-After"); got != "1" {
		t.Fatalf("expected Retry-After=1, got %q", got)
	}
	if !strings.Contains(w2.Body.String(), `"detail":"Rate limit exceeded"`) {
		t.Fatalf("unexpected body %q", w2.Body.String())
	}

	if calls != 1 {
		t.Fatalf("expected next handler to be called once, got %d", calls)
	}
	if got := stats.ByReason()[domain.ReasonThrottled]; got != 1 {
		t.Fatalf("expected one throttled event, got %d", got)
	}
}

func TestMiddleware_PerIPKeepsClientsApart(t *testing.T) {
	store := infra.NewStore(1, time.Minute, infra.WithClock(clock.NewMock()))

	calls := 0
	h := Middleware(Options{
		Store:  store,
		PerIP:  true,
		Mode:   domain.ThrottleReject,
		KeyFn:  DefaultKeyFunc("", false),
		Logger: zerolog.Nop(),
	})(okHandler(&calls))

	if w := serve(h, "10.0.0.1:1234"); w.Code != http.StatusOK {
		t.Fatalf("expected 200 for ip 1, got %d", w.Code)
	}
	if w := serve(h, "10.0.0.2:1234"); w.Code != http.StatusOK {
		t.Fatalf("expected 200 for ip 2, got %d", w.Code)
	}
	if w := serve(h, "10.0.0.1:9999"); w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 for ip 1 again, got %d", w.Code)
	}
}

func TestMiddleware_RetryAfterRoundsUp(t *testing.T) {
	store := infra.NewStore(1, time.Minute, infra.WithClock(clock.NewMock()))

	calls := 0
	h := Middleware(Options{
		Store:    store,
		Mode:     domain.ThrottleReject,
		Throttle: 2500 * time.Millisecond,
	})(okHandler(&calls))

	serve(h, "10.0.0.1:1234")
	w2 := serve(h, "10.0.0.1:1234")
	if w2.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w2.Code)
	}
	if got := strings.TrimSpace(w2.Header().Get("Retry-After")); got != "3" {
		t.Fatalf("expected Retry-After=3, got %q", got)
	}
}

func TestMiddleware_DelayModeHoldsThenProceeds(t *testing.T) {
	store := infra.NewStore(1, time.Minute)
	stats := infra.NewMemoryStatsStore()

	calls := 0
	h := Middleware(Options{
		Store:    store,
		Stats:    stats,
		Throttle: 30 * time.Millisecond,
	})(okHandler(&calls))

	serve(h, "10.0.0.1:1234")

	start := time.Now()
	w := serve(h, "10.0.0.1:1234")
	if w.Code != http.StatusOK {
		t.Fatalf("expected delayed request to pass, got %d", w.Code)
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Fatalf("expected at least 30ms delay, got %s", elapsed)
	}
	if calls != 2 {
		t.Fatalf("expected both requests served, got %d", calls)
	}
	if got := stats.ByReason()[domain.ReasonDelayed]; got != 1 {
		t.Fatalf("expected one delayed event, got %d", got)
	}
}

func TestMiddleware_DelayAbortsOnClientCancel(t *testing.T) {
	store := infra.NewStore(1, time.Minute)

	calls := 0
	h := Middleware(Options{Store: store, Throttle: time.Hour})(okHandler(&calls))
	serve(h, "10.0.0.1:1234")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	r := httptest.NewRequest(http.MethodGet, "http://example/", nil).WithContext(ctx)
	h.ServeHTTP(httptest.NewRecorder(), r)

	if calls != 1 {
		t.Fatalf("expected cancelled request not to reach next, got %d calls", calls)
	}
}

func TestMiddleware_StatsUseRouteLabel(t *testing.T) {
	store := infra.NewStore(1, time.Minute, infra.WithClock(clock.NewMock()))
	stats := infra.NewMemoryStatsStore()

	calls := 0
	h := Middleware(Options{
		Store:      store,
		Stats:      stats,
		Mode:       domain.ThrottleReject,
		RouteLabel: func(*http.Request) string { return "eod.all" },
	})(okHandler(&calls))

	for i := 0; i < 50; i++ {
		r := httptest.NewRequest(http.MethodGet, fmt.Sprintf("http://example/api/v1/eod/X%d", i), nil)
		h.ServeHTTP(httptest.NewRecorder(), r)
	}

	routes := stats.ByRoute()
	if len(routes) != 1 {
		t.Fatalf("expected a single route label, got %v", routes)
	}
	if got := routes["GET eod.all"].Denied; got != 49 {
		t.Fatalf("expected 49 throttled under the label, got %d", got)
	}
}
