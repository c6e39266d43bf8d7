package application

import (
	"time"

	"findata-gateway/middleware/ratelimit/domain"
)

// Service concentra a regra de aplicação do limite global.
//
// Ele não sabe nada sobre HTTP (headers/status), apenas retorna uma decisão.
type Service struct {
	Store domain.LimiterStore
	Mode  domain.ThrottleMode
	// Throttle é o atraso fixo (modo delay) ou o Retry-After (modo reject).
	Throttle time.Duration
}

func (s Service) Decide(key domain.Key) domain.Decision {
	if s.Store == nil {
		return domain.Decision{Allowed: true}
	}
	if s.Throttle <= 0 {
		s.Throttle = 1 * time.Second
	}

	lim := s.Store.Get(key)
	if lim == nil || !lim.IsLimitExceeded() {
		return domain.Decision{Allowed: true}
	}
	if s.Mode == domain.ThrottleReject {
		return domain.Decision{Throttled: true, RetryAfter: s.Throttle}
	}
	return domain.Decision{Allowed: true, Throttled: true, Delay: s.Throttle}
}
