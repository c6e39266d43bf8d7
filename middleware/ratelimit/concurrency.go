package ratelimit

import (
	"net/http"
	"time"

	"findata-gateway/apierror"
	"findata-gateway/middleware/ratelimit/application"
	"findata-gateway/middleware/ratelimit/domain"
	"findata-gateway/middleware/ratelimit/infra"

	"github.com/rs/zerolog"
)

type ConcurrencyOptions struct {
	Max            int
	AcquireTimeout time.Duration
	Stats          domain.StatsStore
	RouteLabel     func(r *http.Request) string
	Logger         zerolog.Logger
}

// ConcurrencyMiddleware limita requisições em voo. Sem vaga dentro do timeout: 503.
func ConcurrencyMiddleware(opts ConcurrencyOptions) func(next http.Handler) http.Handler {
	if opts.Max <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	// Logger zero-value não escreve nada
	lg := opts.Logger

	svc := application.ConcurrencyService{
		Pool:           infra.NewChanPool(opts.Max),
		AcquireTimeout: opts.AcquireTimeout,
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			release, err := svc.Acquire(r.Context())
			if err != nil {
				record(r, opts.Stats, lg, domain.StatsEvent{
					Reason: domain.ReasonNoSlot,
					Method: r.Method,
					Path:   routeLabel(opts.RouteLabel, r),
					At:     time.Now(),
				})
				lg.Warn().Err(err).Int("max", opts.Max).Msg("concurrency cap reached")
				apierror.Write(w, apierror.ErrServiceUnavailable)
				return
			}
			defer release()

			next.ServeHTTP(w, r)
		})
	}
}
