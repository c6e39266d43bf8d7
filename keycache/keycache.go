// Package keycache mantém, por processo, o estado de rate limit de cada API key ativa.
//
// O mapa é reconstruído por varreduras completas do store de contas (periódicas e sob
// demanda em cache miss) e trocado de uma vez, sob lock. Cada entrada tem seu próprio
// mutex, então requisições concorrentes com a mesma chave serializam apenas entre si.
package keycache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"findata-gateway/account"
	"findata-gateway/apierror"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

type Verdict int

const (
	Allowed Verdict = iota
	WindowReset
	LimitExceeded
)

func (v Verdict) String() string {
	switch v {
	case Allowed:
		return "allowed"
	case WindowReset:
		return "window_reset"
	case LimitExceeded:
		return "limit_exceeded"
	default:
		return "unknown"
	}
}

// Admitted: Allowed e WindowReset deixam a requisição seguir.
func (v Verdict) Admitted() bool { return v != LimitExceeded }

// State é uma cópia do estado de uma chave.
type State struct {
	APIKey        string
	RequestsCount int
	LastRequest   time.Time
	Duration      time.Duration
	RateLimit     int
}

type entry struct {
	mu          sync.Mutex
	count       int
	lastRequest time.Time
	duration    time.Duration
	rateLimit   int
}

// Source é o subconjunto do store de contas usado pelo refresh.
type Source interface {
	ActiveKeys(ctx context.Context) ([]account.KeyRecord, error)
}

type KeyCache struct {
	source Source
	clock  clock.Clock
	log    zerolog.Logger

	refreshEvery time.Duration
	missLimiter  *rate.Limiter
	flight       singleflight.Group

	mu      sync.RWMutex
	entries map[string]*entry
}

type Option func(*KeyCache)

// WithRefreshEvery define o intervalo da varredura em background (padrão 3m).
func WithRefreshEvery(d time.Duration) Option {
	return func(c *KeyCache) { c.refreshEvery = d }
}

// WithMissRefreshRate limita os refreshes síncronos disparados por chaves desconhecidas.
// rps <= 0 desliga o limite.
func WithMissRefreshRate(rps float64, burst int) Option {
	return func(c *KeyCache) {
		if rps <= 0 {
			c.missLimiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		c.missLimiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

func WithClock(cl clock.Clock) Option {
	return func(c *KeyCache) { c.clock = cl }
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *KeyCache) { c.log = l }
}

func New(source Source, opts ...Option) *KeyCache {
	c := &KeyCache{
		source:       source,
		clock:        clock.New(),
		log:          zerolog.Nop(),
		refreshEvery: 3 * time.Minute,
		missLimiter:  rate.NewLimiter(rate.Limit(1), 1),
		entries:      make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Refresh carrega todas as chaves ativas e substitui o mapa.
//
// Chaves que continuam ativas mantêm requests_count e last_request, mas recebem a
// duração/limite atuais. Chaves novas começam zeradas; chaves revogadas saem do mapa.
// Refreshes concorrentes são coalescidos.
func (c *KeyCache) Refresh(ctx context.Context) (int, error) {
	v, err, _ := c.flight.Do("refresh", func() (any, error) {
		return c.refresh(ctx)
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

func (c *KeyCache) refresh(ctx context.Context) (int, error) {
	records, err := c.source.ActiveKeys(ctx)
	if err != nil {
		c.log.Error().Err(err).Msg("api key refresh failed")
		return 0, fmt.Errorf("load active keys: %w", err)
	}

	now := c.clock.Now()

	c.mu.RLock()
	old := c.entries
	c.mu.RUnlock()

	next := make(map[string]*entry, len(records))
	for _, rec := range records {
		if rec.APIKey == "" {
			continue
		}
		// reaproveita o ponteiro: incrementos concorrentes durante a varredura não se perdem
		if ent, ok := old[rec.APIKey]; ok {
			ent.mu.Lock()
			ent.duration = rec.Duration
			ent.rateLimit = rec.RateLimit
			ent.mu.Unlock()
			next[rec.APIKey] = ent
			continue
		}
		next[rec.APIKey] = &entry{
			lastRequest: now,
			duration:    rec.Duration,
			rateLimit:   rec.RateLimit,
		}
	}

	c.mu.Lock()
	dropped := 0
	for k := range c.entries {
		if _, ok := next[k]; !ok {
			dropped++
		}
	}
	c.entries = next
	c.mu.Unlock()

	c.log.Info().Int("keys", len(next)).Int("dropped", dropped).Msg("api keys refreshed")
	return len(next), nil
}

func (c *KeyCache) get(apiKey string) *entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries[apiKey]
}

func (c *KeyCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Lookup devolve uma cópia do estado da chave.
func (c *KeyCache) Lookup(apiKey string) (State, bool) {
	ent := c.get(apiKey)
	if ent == nil {
		return State{}, false
	}
	ent.mu.Lock()
	defer ent.mu.Unlock()
	return State{
		APIKey:        apiKey,
		RequestsCount: ent.count,
		LastRequest:   ent.lastRequest,
		Duration:      ent.duration,
		RateLimit:     ent.rateLimit,
	}, true
}

// RecordRequest contabiliza uma requisição da chave no instante now.
//
// Se now - last_request > duration o contador volta a 0 antes de contar (WindowReset).
// Com o contador já no limite devolve LimitExceeded sem incrementar.
// found=false se a chave não está no cache.
func (c *KeyCache) RecordRequest(apiKey string, now time.Time) (v Verdict, found bool) {
	ent := c.get(apiKey)
	if ent == nil {
		return LimitExceeded, false
	}

	ent.mu.Lock()
	defer ent.mu.Unlock()

	v = Allowed
	if now.Sub(ent.lastRequest) > ent.duration {
		ent.count = 0
		v = WindowReset
	}
	if ent.count >= ent.rateLimit {
		return LimitExceeded, true
	}
	ent.count++
	ent.lastRequest = now
	return v, true
}

// Admit resolve a chave (com refresh síncrono em cache miss) e contabiliza a requisição.
//
// Erros: apierror.ErrInvalidKey se a chave segue desconhecida (fail closed),
// apierror.ErrQuotaExceeded se a janela estourou.
func (c *KeyCache) Admit(ctx context.Context, apiKey string) (Verdict, error) {
	if apiKey == "" {
		return LimitExceeded, apierror.ErrInvalidKey
	}

	v, found := c.RecordRequest(apiKey, c.clock.Now())
	if !found {
		if !c.refreshOnMiss(ctx, apiKey) {
			return LimitExceeded, apierror.ErrInvalidKey
		}
		v, found = c.RecordRequest(apiKey, c.clock.Now())
		if !found {
			return LimitExceeded, apierror.ErrInvalidKey
		}
	}
	if v == LimitExceeded {
		return v, fmt.Errorf("key %s: %w", account.MaskKey(apiKey), apierror.ErrQuotaExceeded)
	}
	return v, nil
}

func (c *KeyCache) refreshOnMiss(ctx context.Context, apiKey string) bool {
	if c.missLimiter != nil && !c.missLimiter.AllowN(c.clock.Now(), 1) {
		c.log.Debug().Str("api_key", account.MaskKey(apiKey)).Msg("miss refresh throttled")
		return false
	}
	if _, err := c.Refresh(ctx); err != nil {
		c.log.Warn().Err(err).Str("api_key", account.MaskKey(apiKey)).Msg("miss refresh failed, denying key")
		return false
	}
	return true
}

// Start roda o refresh periódico até o ctx encerrar.
func (c *KeyCache) Start(ctx context.Context) {
	if c.refreshEvery <= 0 {
		return
	}

	t := c.clock.Ticker(c.refreshEvery)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if _, err := c.Refresh(ctx); err != nil {
					c.log.Warn().Err(err).Msg("periodic api key refresh failed")
				}
			}
		}
	}()
}
