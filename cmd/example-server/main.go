package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"findata-gateway/dispatch"
	"findata-gateway/middleware/ratelimit"

	"github.com/rs/zerolog/log"
)

// Backend de cálculo de exemplo: responde JSON para /api/v1/... e, se SERVICE_SECRET
// estiver definido, só atende quem chega pelo gateway com o segredo certo.
func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	addr := ":8081"
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		addr = v
	}
	name := addr
	if v := os.Getenv("SERVER_NAME"); v != "" {
		name = v
	}

	be := &backend{name: name, secret: os.Getenv("SERVICE_SECRET"), log: log.With().Str("server", name).Logger()}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/{path...}", be.serveAPI)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	h := http.Handler(mux)
	h = ratelimit.ConcurrencyMiddleware(ratelimit.ConcurrencyOptions{Max: 50, AcquireTimeout: 2 * time.Second})(h)

	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", addr).Bool("secret_required", be.secret != "").
		Str("secret_header", dispatch.HeaderServiceSecret).Msg("example backend listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server error")
	}
}
