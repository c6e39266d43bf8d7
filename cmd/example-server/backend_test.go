package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"findata-gateway/dispatch"

	"github.com/rs/zerolog"
)

func serveBackend(b *backend, r *http.Request) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/{path...}", b.serveAPI)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)
	return w
}

func TestServeAPI_RequiresServiceSecret(t *testing.T) {
	b := &backend{name: "calc-1", secret: "svc", log: zerolog.Nop()}

	w := serveBackend(b, httptest.NewRequest(http.MethodGet, "/api/v1/eod/AAPL.US", nil))
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without secret, got %d", w.Code)
	}

	r := httptest.NewRequest(http.MethodGet, "/api/v1/eod/AAPL.US", nil)
	r.Header.Set(dispatch.HeaderServiceSecret, "svc")
	w = serveBackend(b, r)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 with secret, got %d", w.Code)
	}

	var resp apiResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if resp.Server != "calc-1" || resp.Resource != "eod" || len(resp.Data) != 5 {
		t.Fatalf("unexpected response %+v", resp)
	}
	if resp.Data[0].Symbol != "AAPL.US" {
		t.Fatalf("expected symbol AAPL.US, got %q", resp.Data[0].Symbol)
	}
}

func TestFakeSeries_Deterministic(t *testing.T) {
	until := time.Date(2024, 5, 10, 15, 0, 0, 0, time.UTC)
	a := fakeSeries("MSFT.US", 3, until)
	b := fakeSeries("MSFT.US", 3, until)
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("expected same series, got %+v vs %+v", a[i], b[i])
		}
	}
	if a[2].Date != "2024-05-10" || a[0].Date != "2024-05-08" {
		t.Fatalf("unexpected dates %s..%s", a[0].Date, a[2].Date)
	}
}
