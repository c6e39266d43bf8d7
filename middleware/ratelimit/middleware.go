package ratelimit

import (
	"net"
	"net/http"
	"strings"
	"time"

	"findata-gateway/apierror"
	"findata-gateway/middleware/ratelimit/application"
	"findata-gateway/middleware/ratelimit/domain"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
)

type KeyFunc func(r *http.Request) string

type Options struct {
	Store domain.LimiterStore
	Stats domain.StatsStore
	// PerIP indexa uma janela por cliente; falso usa uma única janela global.
	PerIP               bool
	KeyFn               KeyFunc
	KeyHeader           string
	TrustXForwardedFor  bool
	Mode                domain.ThrottleMode
	Throttle            time.Duration
	AddRateLimitHeaders bool
	// RouteLabel define o Path gravado nas estatísticas; nil grava vazio.
	RouteLabel func(r *http.Request) string
	Clock      clock.Clock
	Logger     zerolog.Logger
}

type rateInfo interface {
	Max() int
	Window() time.Duration
}

func DefaultKeyFunc(keyHeader string, trustXFF bool) KeyFunc {
	return func(r *http.Request) string {
		if keyHeader != "" {
			if v := strings.TrimSpace(r.Header.Get(keyHeader)); v != "" {
				return v
			}
		}

		if trustXFF {
			// pega o primeiro IP do X-Forwarded-For (cliente original)
			if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
				ip, _, _ := strings.Cut(xff, ",")
				if ip = strings.TrimSpace(ip); ip != "" {
					return ip
				}
			}
		}

		// fallback: RemoteAddr
		host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
		if err == nil && host != "" {
			return host
		}
		if r.RemoteAddr != "" {
			return r.RemoteAddr
		}
		return "unknown"
	}
}

// Middleware aplica o teto global antes de qualquer outra etapa de admissão.
//
// Modo delay: segura a requisição por Throttle e segue (cancelamento do cliente interrompe).
// Modo reject: 429 {"detail": "Rate limit exceeded"} com Retry-After.
func Middleware(opts Options) func(next http.Handler) http.Handler {
	if opts.Throttle <= 0 {
		opts.Throttle = 1 * time.Second
	}
	if opts.KeyFn == nil {
		opts.KeyFn = DefaultKeyFunc(opts.KeyHeader, opts.TrustXForwardedFor)
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	// Logger zero-value não escreve nada
	lg := opts.Logger

	svc := application.Service{
		Store:    opts.Store,
		Mode:     opts.Mode,
		Throttle: opts.Throttle,
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := domain.GlobalKey
			if opts.PerIP {
				key = domain.Key(opts.KeyFn(r))
			}

			if opts.AddRateLimitHeaders {
				if ri, ok := opts.Store.(rateInfo); ok {
					w.Header().Set("X-RateLimit-Limit", formatInt(ri.Max()))
					w.Header().Set("X-RateLimit-Window", formatFloat(ri.Window().Seconds()))
				}
			}

			dec := svc.Decide(key)
			if dec.Throttled {
				reason := domain.ReasonDelayed
				if !dec.Allowed {
					reason = domain.ReasonThrottled
				}
				record(r, opts.Stats, lg, domain.StatsEvent{
					Key:     key,
					Allowed: dec.Allowed,
					Reason:  reason,
					Method:  r.Method,
					Path:    routeLabel(opts.RouteLabel, r),
					At:      opts.Clock.Now(),
				})
				lg.Debug().Str("client", string(key)).Str("mode", opts.Mode.String()).Msg("global ceiling reached")
			}
			if !dec.Allowed {
				w.Header().Set("Retry-After", formatInt(retryAfterSeconds(dec.RetryAfter)))
				apierror.WriteDetail(w, http.StatusTooManyRequests, "Rate limit exceeded")
				return
			}
			if dec.Delay > 0 {
				t := opts.Clock.Timer(dec.Delay)
				select {
				case <-t.C:
				case <-r.Context().Done():
					t.Stop()
					return
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

// Retry-After em segundos inteiros, arredondado para cima e nunca 0.
func retryAfterSeconds(d time.Duration) int {
	s := int((d + time.Second - 1) / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}

func record(r *http.Request, stats domain.StatsStore, lg zerolog.Logger, ev domain.StatsEvent) {
	if stats == nil {
		return
	}
	if err := stats.Record(r.Context(), ev); err != nil {
		lg.Warn().Err(err).Msg("admission stats not recorded")
	}
}

func routeLabel(fn func(*http.Request) string, r *http.Request) string {
	if fn == nil {
		return ""
	}
	return fn(r)
}
